// Package commands – app.go wires the shared runtime used by the commands:
// config, logger, storage, memory, model client, tools and the agent.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/asistia/asistia/pkg/asistia/agent"
	"github.com/asistia/asistia/pkg/asistia/config"
	"github.com/asistia/asistia/pkg/asistia/memory"
	"github.com/asistia/asistia/pkg/asistia/reasoning"
	"github.com/asistia/asistia/pkg/asistia/store"
	"github.com/asistia/asistia/pkg/asistia/tools"
)

// app bundles the shared runtime.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	mem    *memory.Store
	llm    *reasoning.Client
	tools  *tools.Dispatcher
	agent  *agent.Agent
}

// buildApp loads config and assembles the runtime for a command.
func buildApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose)

	cfg.ResolveSecrets(logger)

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}

	var embedder memory.EmbeddingProvider = memory.NoopEmbedder{}
	if cfg.Embedding.APIKey != "" || cfg.Reasoning.APIKey != "" {
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = cfg.Reasoning.APIKey
		}
		embedder = memory.NewOpenAIEmbedder(cfg.Embedding)
	}

	mem, err := memory.New(st.DB(), embedder, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	llm := reasoning.NewClient(cfg.Reasoning, logger)

	dispatcher := tools.NewDispatcher(logger)
	tools.RegisterMemoryTools(dispatcher, mem)
	tools.RegisterSpreadsheetTool(dispatcher, cfg.WorkDir())
	tools.RegisterEmailTool(dispatcher, cfg.Email)
	tools.RegisterCalendarTool(dispatcher, cfg.Calendar)
	tools.RegisterBudgetTool(dispatcher, cfg.Budget, cfg.WorkDir())
	tools.RegisterTaskTools(dispatcher, st)

	ag := agent.New(cfg.Agent, llm, mem, st, dispatcher, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		mem:    mem,
		llm:    llm,
		tools:  dispatcher,
		agent:  ag,
	}, nil
}

// close releases the runtime's resources.
func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// newLogger builds the slog logger from config.
func newLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// localUser is the identity used by CLI-only commands (chat, remember).
func localUser() string {
	if u := os.Getenv("ASISTIA_USER"); u != "" {
		return u
	}
	return "local"
}
