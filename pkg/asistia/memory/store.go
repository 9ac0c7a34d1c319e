// Package memory implements the long-term memory of an assistant: durable
// facts with importance weighting plus learned preferences with a confidence
// score that moves with user feedback.
//
// Semantic search runs in-process over JSON-encoded float32 embeddings
// stored in SQLite. This avoids a vector-database dependency while keeping
// hybrid importance + similarity recall.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// Memory categories. Free-form values are accepted; these are the ones the
// assistant is prompted to use.
const (
	CategoryPersonal    = "personal"
	CategoryWork        = "work"
	CategoryPreferences = "preferences"
	CategoryContacts    = "contacts"
	CategoryGeneral     = "general"
)

// SimilarityThreshold is the minimum cosine similarity for a semantic hit.
const SimilarityThreshold = 0.5

// seedConfidence is the starting confidence of a new learned preference.
const seedConfidence = 0.5

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("memory: not found")

// Memory is one durable fact about the user.
type Memory struct {
	ID          string
	AssistantID string
	Category    string
	Content     string
	Importance  int
	CreatedAt   time.Time
}

// Preference is a learned user preference with a confidence score in [0,1].
// A preference is identified by (assistant, category, key); observing the
// same key again updates the value instead of adding a row.
type Preference struct {
	ID             string
	AssistantID    string
	Category       string
	Key            string
	Value          string
	Confidence     float64
	TimesConfirmed int
	TimesRejected  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SearchResult is a semantic search hit.
type SearchResult struct {
	Memory Memory
	Score  float64
}

// Store provides persistent memory storage scoped by assistant.
type Store struct {
	db       *sql.DB
	embedder EmbeddingProvider
	logger   *slog.Logger
}

// New creates a memory store on top of an existing database handle. The
// embedder may be NoopEmbedder to disable semantic search.
func New(db *sql.DB, embedder EmbeddingProvider, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if embedder == nil {
		embedder = NoopEmbedder{}
	}

	s := &Store{db: db, embedder: embedder, logger: logger.With("component", "memory")}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("memory: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id               TEXT PRIMARY KEY,
			assistant_id     TEXT NOT NULL,
			category         TEXT NOT NULL,
			content          TEXT NOT NULL,
			importance       INTEGER NOT NULL,
			embedding        TEXT,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_accessed_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS learned_preferences (
			id               TEXT PRIMARY KEY,
			assistant_id     TEXT NOT NULL,
			category         TEXT NOT NULL,
			preference_key   TEXT NOT NULL,
			preference_value TEXT NOT NULL,
			confidence       REAL NOT NULL,
			times_confirmed  INTEGER NOT NULL DEFAULT 0,
			times_rejected   INTEGER NOT NULL DEFAULT 0,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(assistant_id, category, preference_key)
		);

		CREATE INDEX IF NOT EXISTS idx_memories_assistant
			ON memories(assistant_id, importance DESC);
		CREATE INDEX IF NOT EXISTS idx_preferences_assistant
			ON learned_preferences(assistant_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------- Memories ----------

// Remember stores a fact. Importance is clamped to [1,10]. Embedding
// failures degrade to a memory without a vector — recall by importance still
// finds it.
func (s *Store) Remember(ctx context.Context, assistantID, category, content string, importance int) (*Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("memory: empty content")
	}
	if category == "" {
		category = CategoryGeneral
	}
	importance = clampImportance(importance)

	var embJSON sql.NullString
	if s.embedder.Name() != "none" {
		embs, err := s.embedder.Embed(ctx, []string{content})
		if err != nil {
			s.logger.Warn("memory: embedding failed, storing without vector", "error", err)
		} else if len(embs) == 1 && len(embs[0]) > 0 {
			if data, err := json.Marshal(embs[0]); err == nil {
				embJSON = sql.NullString{String: string(data), Valid: true}
			}
		}
	}

	m := &Memory{
		ID:          uuid.NewString(),
		AssistantID: assistantID,
		Category:    category,
		Content:     content,
		Importance:  importance,
		CreatedAt:   time.Now(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, assistant_id, category, content, importance, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.AssistantID, m.Category, m.Content, m.Importance, embJSON)
	if err != nil {
		return nil, fmt.Errorf("memory: storing: %w", err)
	}

	s.logger.Info("memory: stored",
		"assistant", assistantID, "category", category, "importance", importance)
	return m, nil
}

// Recall returns up to limit memories ordered by importance, most important
// first; ties break toward the most recently used. Returned rows get a
// best-effort access-time touch so recall favors what keeps being relevant.
func (s *Store) Recall(ctx context.Context, assistantID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assistant_id, category, content, importance, created_at
		FROM memories
		WHERE assistant_id = ?
		ORDER BY importance DESC, COALESCE(last_accessed_at, created_at) DESC
		LIMIT ?
	`, assistantID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recall: %w", err)
	}
	defer rows.Close()

	out, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	s.touchAccessed(ctx, out)
	return out, nil
}

// RecallCategory returns memories of one category, most important first.
func (s *Store) RecallCategory(ctx context.Context, assistantID, category string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assistant_id, category, content, importance, created_at
		FROM memories
		WHERE assistant_id = ? AND category = ?
		ORDER BY importance DESC, COALESCE(last_accessed_at, created_at) DESC
		LIMIT ?
	`, assistantID, category, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recall category: %w", err)
	}
	defer rows.Close()

	out, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	s.touchAccessed(ctx, out)
	return out, nil
}

// touchAccessed bumps last_accessed_at on surfaced memories. Best effort: a
// failed touch is logged and never fails the read.
func (s *Store) touchAccessed(ctx context.Context, memories []Memory) {
	if len(memories) == 0 {
		return
	}
	placeholders := strings.Repeat("?,", len(memories))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(memories))
	for i, m := range memories {
		args[i] = m.ID
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_accessed_at = CURRENT_TIMESTAMP WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		s.logger.Warn("memory: touching access time failed", "error", err)
	}
}

// Search runs a semantic search over the assistant's memories. With no
// embedder it degrades to substring matching. Hits below the similarity
// threshold are dropped.
func (s *Store) Search(ctx context.Context, assistantID, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	if s.embedder.Name() == "none" {
		return s.searchSubstring(ctx, assistantID, query, limit)
	}

	embs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(embs) != 1 || len(embs[0]) == 0 {
		s.logger.Warn("memory: query embedding failed, falling back to substring search", "error", err)
		return s.searchSubstring(ctx, assistantID, query, limit)
	}
	queryVec := embs[0]

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assistant_id, category, content, importance, embedding, created_at
		FROM memories
		WHERE assistant_id = ? AND embedding IS NOT NULL
	`, assistantID)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var m Memory
		var embJSON string
		if err := rows.Scan(&m.ID, &m.AssistantID, &m.Category, &m.Content,
			&m.Importance, &embJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			continue
		}
		score := cosineSimilarity(queryVec, vec)
		if score >= SimilarityThreshold {
			results = append(results, SearchResult{Memory: m, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	s.touchResults(ctx, results)
	return results, nil
}

// touchResults bumps last_accessed_at for search hits, mirroring the recall
// touch: any surfaced memory counts as used.
func (s *Store) touchResults(ctx context.Context, results []SearchResult) {
	if len(results) == 0 {
		return
	}
	memories := make([]Memory, len(results))
	for i, r := range results {
		memories[i] = r.Memory
	}
	s.touchAccessed(ctx, memories)
}

func (s *Store) searchSubstring(ctx context.Context, assistantID, query string, limit int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assistant_id, category, content, importance, created_at
		FROM memories
		WHERE assistant_id = ? AND content LIKE ?
		ORDER BY importance DESC, created_at DESC
		LIMIT ?
	`, assistantID, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("memory: substring search: %w", err)
	}
	defer rows.Close()

	memories, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, len(memories))
	for i, m := range memories {
		results[i] = SearchResult{Memory: m, Score: 1}
	}
	s.touchResults(ctx, results)
	return results, nil
}

// Forget deletes a memory by ID.
func (s *Store) Forget(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("memory: forget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------- Learned Preferences ----------

// LearnPreference records a preference observation keyed by (category, key).
// A new preference starts at the seed confidence; observing a known key again
// counts as a confirmation — confidence rises by 0.1, capped at 1.0 — and the
// stored value is replaced by the latest observation.
func (s *Store) LearnPreference(ctx context.Context, assistantID, category, key, value string) (*Preference, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("memory: empty preference key")
	}
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("memory: empty preference value")
	}
	if category == "" {
		category = CategoryGeneral
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learned_preferences
			(id, assistant_id, category, preference_key, preference_value, confidence)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(assistant_id, category, preference_key) DO UPDATE SET
			preference_value = excluded.preference_value,
			confidence       = MIN(confidence + 0.1, 1.0),
			times_confirmed  = times_confirmed + 1,
			updated_at       = CURRENT_TIMESTAMP
	`, uuid.NewString(), assistantID, category, key, value, seedConfidence)
	if err != nil {
		return nil, fmt.Errorf("memory: learning preference: %w", err)
	}

	return s.getPreference(ctx, assistantID, category, key)
}

// ConfirmPreference raises a preference's confidence by 0.1, capped at 1.0.
func (s *Store) ConfirmPreference(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE learned_preferences
		SET confidence = MIN(confidence + 0.1, 1.0),
		    times_confirmed = times_confirmed + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("memory: confirming preference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectPreference records that the user contradicted a preference. The
// rejection counter advances but confidence is left unchanged, so an
// established preference is not erased by a single contradiction.
func (s *Store) RejectPreference(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE learned_preferences
		SET times_rejected = times_rejected + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("memory: rejecting preference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfirmedPreferences returns preferences at or above the confidence
// threshold, strongest first. An empty category returns every category,
// otherwise only that one. These are what the assistant is told about.
func (s *Store) ConfirmedPreferences(ctx context.Context, assistantID, category string, threshold float64) ([]Preference, error) {
	query := `
		SELECT id, assistant_id, category, preference_key, preference_value,
		       confidence, times_confirmed, times_rejected, created_at, updated_at
		FROM learned_preferences
		WHERE assistant_id = ? AND confidence >= ?`
	args := []any{assistantID, threshold}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY confidence DESC, updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: listing preferences: %w", err)
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.ID, &p.AssistantID, &p.Category, &p.Key, &p.Value,
			&p.Confidence, &p.TimesConfirmed, &p.TimesRejected, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) getPreference(ctx context.Context, assistantID, category, key string) (*Preference, error) {
	p := &Preference{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, assistant_id, category, preference_key, preference_value,
		       confidence, times_confirmed, times_rejected, created_at, updated_at
		FROM learned_preferences
		WHERE assistant_id = ? AND category = ? AND preference_key = ?
	`, assistantID, category, key).Scan(&p.ID, &p.AssistantID, &p.Category, &p.Key, &p.Value,
		&p.Confidence, &p.TimesConfirmed, &p.TimesRejected, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: getting preference: %w", err)
	}
	return p, nil
}

// ---------- Helpers ----------

func clampImportance(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.AssistantID, &m.Category, &m.Content,
			&m.Importance, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
