// Package store implements SQLite persistence for assistants, conversations
// and their message history.
//
// A conversation is identified by its key "<assistantID>:<channel>:<chatID>",
// so the same chat on different channels (or under different assistants)
// keeps separate histories. Every completed exchange appends exactly one user
// message and one assistant message, which keeps the message count even by
// construction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// DefaultAssistantName is used when a user has no assistant yet.
const DefaultAssistantName = "Asistente"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Assistant is a per-user assistant profile. A user may own several, each
// with its own persona, channels and memory.
type Assistant struct {
	ID        string
	UserID    string
	Name      string
	Persona   string
	CreatedAt time.Time
}

// Conversation tracks a single chat thread.
type Conversation struct {
	ID           string
	Key          string
	AssistantID  string
	Channel      string
	ChatID       string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StoredMessage is one persisted message of a conversation.
type StoredMessage struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Task is a pending item the assistant tracks for the user.
type Task struct {
	ID          string
	AssistantID string
	Title       string
	Priority    int
	Status      string
	DueAt       *time.Time
	CreatedAt   time.Time
}

// Task statuses.
const (
	TaskPending = "pending"
	TaskDone    = "done"
)

// Project is an ongoing effort the assistant keeps context about.
type Project struct {
	ID          string
	AssistantID string
	Name        string
	Status      string
	CreatedAt   time.Time
}

// Project statuses.
const (
	ProjectActive = "active"
	ProjectClosed = "closed"
)

// Store provides SQLite-backed persistence.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for packages that share the database file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS assistants (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			persona    TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, name)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			conversation_key TEXT UNIQUE NOT NULL,
			assistant_id     TEXT NOT NULL REFERENCES assistants(id),
			channel          TEXT NOT NULL,
			chat_id          TEXT NOT NULL,
			message_count    INTEGER NOT NULL DEFAULT 0,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			assistant_id TEXT NOT NULL REFERENCES assistants(id),
			title        TEXT NOT NULL,
			priority     INTEGER NOT NULL DEFAULT 3,
			status       TEXT NOT NULL DEFAULT 'pending',
			due_at       DATETIME,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS projects (
			id           TEXT PRIMARY KEY,
			assistant_id TEXT NOT NULL REFERENCES assistants(id),
			name         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, id);
		CREATE INDEX IF NOT EXISTS idx_assistants_user
			ON assistants(user_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_assistant
			ON tasks(assistant_id, status);
		CREATE INDEX IF NOT EXISTS idx_projects_assistant
			ON projects(assistant_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------- Assistants ----------

// FindOrCreateAssistant returns the named assistant for the user, creating
// it if missing. The unique (user_id, name) constraint makes the
// find-or-create race-safe across goroutines.
func (s *Store) FindOrCreateAssistant(ctx context.Context, userID, name string) (*Assistant, error) {
	if name == "" {
		name = DefaultAssistantName
	}

	a, err := s.findAssistant(ctx, userID, name)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assistants (id, user_id, name) VALUES (?, ?, ?)
		ON CONFLICT(user_id, name) DO NOTHING
	`, id, userID, name)
	if err != nil {
		return nil, fmt.Errorf("store: creating assistant: %w", err)
	}

	// Re-read: another goroutine may have won the insert.
	return s.findAssistant(ctx, userID, name)
}

func (s *Store) findAssistant(ctx context.Context, userID, name string) (*Assistant, error) {
	a := &Assistant{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, persona, created_at
		FROM assistants WHERE user_id = ? AND name = ?
	`, userID, name).Scan(&a.ID, &a.UserID, &a.Name, &a.Persona, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: finding assistant: %w", err)
	}
	return a, nil
}

// GetAssistant returns an assistant by ID.
func (s *Store) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	a := &Assistant{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, persona, created_at
		FROM assistants WHERE id = ?
	`, id).Scan(&a.ID, &a.UserID, &a.Name, &a.Persona, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting assistant: %w", err)
	}
	return a, nil
}

// ListAssistants returns all assistants owned by a user.
func (s *Store) ListAssistants(ctx context.Context, userID string) ([]*Assistant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, persona, created_at
		FROM assistants WHERE user_id = ? ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: listing assistants: %w", err)
	}
	defer rows.Close()

	var out []*Assistant
	for rows.Next() {
		a := &Assistant{}
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Persona, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetPersona updates an assistant's persona text.
func (s *Store) SetPersona(ctx context.Context, assistantID, persona string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assistants SET persona = ? WHERE id = ?`, persona, assistantID)
	if err != nil {
		return fmt.Errorf("store: setting persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------- Conversations ----------

// ConversationKey builds the canonical conversation identifier.
func ConversationKey(assistantID, channel, chatID string) string {
	return assistantID + ":" + channel + ":" + chatID
}

// AppendTurn records one completed exchange: the user message followed by the
// assistant reply, in a single transaction. The conversation row is created
// on first use and its message count advances by two per turn.
func (s *Store) AppendTurn(ctx context.Context, assistantID, channel, chatID, userMsg, assistantMsg string) error {
	key := ConversationKey(assistantID, channel, chatID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var convID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE conversation_key = ?`, key).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		convID = uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (id, conversation_key, assistant_id, channel, chat_id)
			VALUES (?, ?, ?, ?, ?)
		`, convID, key, assistantID, channel, chatID)
	}
	if err != nil {
		return fmt.Errorf("store: resolving conversation: %w", err)
	}

	for _, m := range []struct{ role, content string }{
		{"user", userMsg},
		{"assistant", assistantMsg},
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content) VALUES (?, ?, ?)
		`, convID, m.role, m.content); err != nil {
			return fmt.Errorf("store: inserting message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 2, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, convID); err != nil {
		return fmt.Errorf("store: updating conversation: %w", err)
	}

	return tx.Commit()
}

// GetConversation returns the conversation for a key, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, key string) (*Conversation, error) {
	c := &Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_key, assistant_id, channel, chat_id,
		       message_count, created_at, updated_at
		FROM conversations WHERE conversation_key = ?
	`, key).Scan(&c.ID, &c.Key, &c.AssistantID, &c.Channel, &c.ChatID,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting conversation: %w", err)
	}
	return c, nil
}

// LatestConversation returns the assistant's most recently active
// conversation on a channel, or ErrNotFound. Scheduled jobs use it to find
// where the user last talked.
func (s *Store) LatestConversation(ctx context.Context, assistantID, channel string) (*Conversation, error) {
	c := &Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_key, assistant_id, channel, chat_id,
		       message_count, created_at, updated_at
		FROM conversations
		WHERE assistant_id = ? AND channel = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`, assistantID, channel).Scan(&c.ID, &c.Key, &c.AssistantID, &c.Channel, &c.ChatID,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest conversation: %w", err)
	}
	return c, nil
}

// History returns the most recent messages of a conversation in
// chronological order, capped at limit. A missing conversation yields an
// empty history, not an error.
func (s *Store) History(ctx context.Context, assistantID, channel, chatID string, limit int) ([]StoredMessage, error) {
	key := ConversationKey(assistantID, channel, chatID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.content, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.conversation_key = ?
		ORDER BY m.id DESC
		LIMIT ?
	`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("store: loading history: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ---------- Tasks ----------

// CreateTask records a pending task. Priority is clamped to [1,5]; higher
// means more urgent.
func (s *Store) CreateTask(ctx context.Context, assistantID, title string, priority int, dueAt *time.Time) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("store: empty task title")
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 5 {
		priority = 5
	}

	t := &Task{
		ID:          uuid.NewString(),
		AssistantID: assistantID,
		Title:       title,
		Priority:    priority,
		Status:      TaskPending,
		DueAt:       dueAt,
		CreatedAt:   time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, assistant_id, title, priority, status, due_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.AssistantID, t.Title, t.Priority, t.Status, t.DueAt)
	if err != nil {
		return nil, fmt.Errorf("store: creating task: %w", err)
	}
	return t, nil
}

// CompleteTask marks the assistant's first pending task matching the title
// as done. Matching is case-insensitive on a substring, so the user can say
// "la llamada" for "Llamada con el arquitecto".
func (s *Store) CompleteTask(ctx context.Context, assistantID, title string) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("store: empty task title")
	}

	t := &Task{}
	var due sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, assistant_id, title, priority, status, due_at, created_at
		FROM tasks
		WHERE assistant_id = ? AND status = 'pending' AND title LIKE '%' || ? || '%'
		ORDER BY priority DESC, created_at
		LIMIT 1
	`, assistantID, title).Scan(&t.ID, &t.AssistantID, &t.Title, &t.Priority, &t.Status, &due, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: finding task: %w", err)
	}
	if due.Valid {
		t.DueAt = &due.Time
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'done' WHERE id = ?`, t.ID); err != nil {
		return nil, fmt.Errorf("store: completing task: %w", err)
	}
	t.Status = TaskDone
	return t, nil
}

// PendingTasks returns the assistant's open tasks, most urgent first.
func (s *Store) PendingTasks(ctx context.Context, assistantID string, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assistant_id, title, priority, status, due_at, created_at
		FROM tasks
		WHERE assistant_id = ? AND status = 'pending'
		ORDER BY priority DESC, created_at
		LIMIT ?
	`, assistantID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var due sql.NullTime
		if err := rows.Scan(&t.ID, &t.AssistantID, &t.Title, &t.Priority, &t.Status, &due, &t.CreatedAt); err != nil {
			return nil, err
		}
		if due.Valid {
			t.DueAt = &due.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------- Projects ----------

// CreateProject registers an active project for the assistant to track.
func (s *Store) CreateProject(ctx context.Context, assistantID, name string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("store: empty project name")
	}

	p := &Project{
		ID:          uuid.NewString(),
		AssistantID: assistantID,
		Name:        name,
		Status:      ProjectActive,
		CreatedAt:   time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, assistant_id, name, status) VALUES (?, ?, ?, ?)
	`, p.ID, p.AssistantID, p.Name, p.Status)
	if err != nil {
		return nil, fmt.Errorf("store: creating project: %w", err)
	}
	return p, nil
}

// CloseProject marks a project as closed.
func (s *Store) CloseProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = 'closed' WHERE id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("store: closing project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveProjects returns the assistant's active projects, oldest first.
func (s *Store) ActiveProjects(ctx context.Context, assistantID string, limit int) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assistant_id, name, status, created_at
		FROM projects
		WHERE assistant_id = ? AND status = 'active'
		ORDER BY created_at
		LIMIT ?
	`, assistantID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.AssistantID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

