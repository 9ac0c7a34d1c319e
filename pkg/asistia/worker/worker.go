// Package worker runs scheduled proactive jobs. The only built-in job is
// the morning briefing: once a day each live session gets a short summary
// message in the chat where the user last talked.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/asistia/asistia/pkg/asistia/gateway"
	"github.com/asistia/asistia/pkg/asistia/memory"
	"github.com/asistia/asistia/pkg/asistia/reasoning"
	"github.com/asistia/asistia/pkg/asistia/store"
)

// Config holds worker configuration.
type Config struct {
	// Enabled turns the scheduled jobs on.
	Enabled bool `yaml:"enabled"`

	// BriefingSchedule is the cron expression for the morning briefing.
	BriefingSchedule string `yaml:"briefing_schedule"`

	// Timezone is the IANA timezone the schedule runs in.
	Timezone string `yaml:"timezone"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          false,
		BriefingSchedule: "0 8 * * *",
		Timezone:         "America/Mexico_City",
	}
}

// Worker owns the cron scheduler.
type Worker struct {
	cfg    Config
	gw     *gateway.Gateway
	store  *store.Store
	mem    *memory.Store
	llm    *reasoning.Client
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a Worker. Call Start to begin scheduling.
func New(cfg Config, gw *gateway.Gateway, st *store.Store, mem *memory.Store, llm *reasoning.Client, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BriefingSchedule == "" {
		cfg.BriefingSchedule = "0 8 * * *"
	}

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("worker: invalid timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	return &Worker{
		cfg:    cfg,
		gw:     gw,
		store:  st,
		mem:    mem,
		llm:    llm,
		cron:   cron.New(cron.WithLocation(loc)),
		logger: logger.With("component", "worker"),
	}, nil
}

// Start registers the jobs and starts the scheduler.
func (w *Worker) Start() error {
	if !w.cfg.Enabled {
		w.logger.Info("worker: disabled")
		return nil
	}

	_, err := w.cron.AddFunc(w.cfg.BriefingSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		w.runBriefings(ctx)
	})
	if err != nil {
		return fmt.Errorf("worker: scheduling briefing: %w", err)
	}

	w.cron.Start()
	w.logger.Info("worker: started", "briefing_schedule", w.cfg.BriefingSchedule)
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (w *Worker) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
	w.logger.Info("worker: stopped")
}

// runBriefings sends the morning briefing through every live session that
// has a conversation to deliver into.
func (w *Worker) runBriefings(ctx context.Context) {
	sessions := w.gw.Sessions()
	w.logger.Info("worker: running briefings", "sessions", len(sessions))

	for _, sess := range sessions {
		conv, err := w.store.LatestConversation(ctx, sess.Assistant.ID, string(sess.Kind))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			w.logger.Warn("worker: finding conversation failed",
				"assistant", sess.Assistant.ID, "error", err)
			continue
		}

		text, err := w.buildBriefing(ctx, sess.Assistant)
		if err != nil {
			w.logger.Warn("worker: building briefing failed",
				"assistant", sess.Assistant.ID, "error", err)
			continue
		}

		if err := w.gw.Send(ctx, sess.Kind, sess.Key, conv.ChatID, text); err != nil {
			w.logger.Warn("worker: sending briefing failed",
				"assistant", sess.Assistant.ID, "error", err)
			continue
		}
		w.logger.Info("worker: briefing sent",
			"assistant", sess.Assistant.Name, "channel", sess.Kind)
	}
}

// buildBriefing asks the model for a short morning message grounded on what
// the assistant knows about the user: memories, pending tasks and active
// projects.
func (w *Worker) buildBriefing(ctx context.Context, assistant *store.Assistant) (string, error) {
	memories, err := w.mem.Recall(ctx, assistant.ID, 10)
	if err != nil {
		w.logger.Warn("worker: memory recall failed", "error", err)
	}
	pending, err := w.store.PendingTasks(ctx, assistant.ID, 5)
	if err != nil {
		w.logger.Warn("worker: task lookup failed", "error", err)
	}
	projects, err := w.store.ActiveProjects(ctx, assistant.ID, 5)
	if err != nil {
		w.logger.Warn("worker: project lookup failed", "error", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Eres %s, un asistente personal. ", assistant.Name)
	b.WriteString("Escribe un mensaje breve de buenos días para el usuario, en español. ")
	b.WriteString("Si hay tareas pendientes o algo relevante para hoy, menciónalo. Máximo tres frases.\n")
	fmt.Fprintf(&b, "\nFecha: %s\n", time.Now().Format("Monday, 2 January 2006"))
	if len(memories) > 0 {
		b.WriteString("\nLo que sabes del usuario:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Category, m.Content)
		}
	}
	if len(pending) > 0 {
		b.WriteString("\nTareas pendientes:\n")
		for _, t := range pending {
			fmt.Fprintf(&b, "- [P%d] %s", t.Priority, t.Title)
			if t.DueAt != nil {
				fmt.Fprintf(&b, " (vence %s)", t.DueAt.Format("2006-01-02"))
			}
			b.WriteString("\n")
		}
	}
	if len(projects) > 0 {
		b.WriteString("\nProyectos activos:\n")
		for _, p := range projects {
			fmt.Fprintf(&b, "- %s\n", p.Name)
		}
	}

	return w.llm.Complete(ctx, []reasoning.Message{
		{Role: "system", Content: b.String()},
		{Role: "user", Content: "Buenos días"},
	})
}
