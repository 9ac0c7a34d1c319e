package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asistia/asistia/pkg/asistia/channels"
	"github.com/asistia/asistia/pkg/asistia/channels/telegram"
	"github.com/asistia/asistia/pkg/asistia/channels/whatsapp"
	"github.com/asistia/asistia/pkg/asistia/gateway"
	"github.com/asistia/asistia/pkg/asistia/worker"
)

// newServeCmd creates the `asistia serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Inicia el daemon con los canales de mensajería",
		Long: `Inicia Asistia como servicio, conectando las sesiones indicadas
(WhatsApp, Telegram) y procesando mensajes.

Ejemplos:
  asistia serve --channel whatsapp --user angel
  asistia serve --channel telegram --user angel --assistant Trabajo
  asistia serve --config ./config.yaml --channel whatsapp --user angel`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "canales a conectar (whatsapp, telegram)")
	cmd.Flags().String("user", "", "usuario dueño de las sesiones")
	cmd.Flags().String("assistant", "", "nombre del asistente (por defecto: Asistente)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.close()

	cfg := app.cfg
	logger := app.logger

	// Each session gets its own credential/state directory so two
	// assistants never share a WhatsApp login.
	factory := func(kind channels.Kind, key gateway.SessionKey, status channels.StatusFunc) (channels.Transport, error) {
		switch kind {
		case channels.KindWhatsApp:
			waCfg := cfg.WhatsApp
			waCfg.SessionDir = filepath.Join(cfg.SessionsDir(), string(kind), key.UserID, key.AssistantID)
			return whatsapp.New(waCfg, status, logger), nil
		case channels.KindTelegram:
			if cfg.Telegram.Token == "" {
				return nil, fmt.Errorf("telegram token not configured")
			}
			return telegram.New(cfg.Telegram, status, logger), nil
		default:
			return nil, fmt.Errorf("unknown channel kind %q", kind)
		}
	}

	gw := gateway.New(app.agent, app.store, factory, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// ── Open requested sessions ──
	kinds, _ := cmd.Flags().GetStringSlice("channel")
	userID, _ := cmd.Flags().GetString("user")
	assistantName, _ := cmd.Flags().GetString("assistant")

	for _, k := range kinds {
		kind := channels.Kind(k)
		if kind != channels.KindWhatsApp && kind != channels.KindTelegram {
			return fmt.Errorf("unknown channel %q (use whatsapp or telegram)", k)
		}
		sess, err := gw.Connect(ctx, kind, userID, assistantName)
		if err != nil {
			logger.Error("failed to open session", "channel", k, "error", err)
			continue
		}
		logger.Info("session opened",
			"channel", k,
			"user", userID,
			"assistant", sess.Assistant.Name,
		)
	}
	if len(gw.Sessions()) == 0 {
		return fmt.Errorf("no sessions could be opened")
	}

	// ── Background worker ──
	wrk, err := worker.New(cfg.Worker, gw, app.store, app.mem, app.llm, logger)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}
	if err := wrk.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	// ── Wait for shutdown ──
	logger.Info("Asistia running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"sessions", len(gw.Sessions()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		wrk.Stop()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		gw.Shutdown(shutCtx)
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}
