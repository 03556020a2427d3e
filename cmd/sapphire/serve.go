package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sapphirehost/sapphire/internal/agent"
	"github.com/sapphirehost/sapphire/internal/agent/providers"
	"github.com/sapphirehost/sapphire/internal/api"
	"github.com/sapphirehost/sapphire/internal/config"
	"github.com/sapphirehost/sapphire/internal/continuity"
	"github.com/sapphirehost/sapphire/internal/events"
	"github.com/sapphirehost/sapphire/internal/privacy"
	"github.com/sapphirehost/sapphire/internal/sessions"
	"github.com/sapphirehost/sapphire/internal/state"
	"github.com/sapphirehost/sapphire/internal/store"
	"github.com/sapphirehost/sapphire/internal/tools"
	"github.com/sapphirehost/sapphire/internal/tools/builtin"
	"github.com/sapphirehost/sapphire/internal/tools/homeassistant"
)

// restartExitCode asks the external watchdog for a restart rather than a
// plain stop. SIGHUP triggers it.
const restartExitCode = 42

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Sapphire server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv("SAPPHIRE_CONFIG")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	bus := events.NewBus(events.WithLogger(logger))
	settings, err := store.NewSettings(cfg.Data.Settings, logger)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	creds := store.NewCredentials(cfg.Data.Credentials, logger)
	prompts := store.NewPrompts(cfg.Data.PromptsDir, logger)
	spices := store.NewSpices(settings)

	gate := privacy.NewGate(cfg.Privacy.Whitelist, startInPrivacy(cfg, settings), privacy.WithLogger(logger))

	manager, err := sessions.NewManager(cfg.Data.ChatsDir, sessions.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open chats: %w", err)
	}

	registry, err := tools.NewRegistry(cfg.Data.Toolsets, logger)
	if err != nil {
		return fmt.Errorf("open tool registry: %w", err)
	}
	builtin.RegisterAll(registry, gate, settings)
	homeassistant.Register(registry, gate, settings, creds)

	engine, err := state.NewEngine(cfg.Data.StateDB, state.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open state engine: %w", err)
	}
	defer engine.Close()
	if err := engine.LoadPresetsDir(cfg.Data.PresetsDir); err != nil {
		logger.Warn("presets not loaded", "dir", cfg.Data.PresetsDir, "error", err)
	}

	resolver := providers.NewResolver(creds)
	orchestrator := agent.NewOrchestrator(manager, registry, prompts, bus, resolver,
		agent.WithLogger(logger),
		agent.WithScenario(engine),
		agent.WithSpices(spices))

	taskStore, err := continuity.NewStore(cfg.Data.Tasks, cfg.Data.Activity, logger)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	executor := continuity.NewExecutor(manager, orchestrator, registry, prompts, resolver, bus,
		continuity.WithExecutorLogger(logger))
	scheduler := continuity.NewScheduler(taskStore, executor, bus, continuity.WithLogger(logger))

	server := api.NewServer(api.Options{
		Manager:   manager,
		Chat:      orchestrator,
		Registry:  registry,
		Engine:    engine,
		Bus:       bus,
		Scheduler: scheduler,
		Tasks:     taskStore,
		Gate:      gate,
		Prompts:   prompts,
		APIKey:    cfg.Server.APIKey,
		Logger:    logger,
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	go settings.Watch(runCtx)
	if cfg.Continuity.Enabled {
		scheduler.Start(runCtx)
		defer scheduler.Stop()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr, "version", version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	restart := false
	select {
	case err := <-errCh:
		return err
	case sig := <-signals:
		logger.Info("shutting down", "signal", sig.String())
		restart = sig == syscall.SIGHUP
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	if restart {
		// The watchdog restarts on this exit code.
		os.Exit(restartExitCode)
	}
	return nil
}

// startInPrivacy reads the persisted flag; the runtime toggle itself is
// never written back.
func startInPrivacy(cfg *config.Config, settings *store.Settings) bool {
	if cfg.Privacy.StartInPrivacyMode {
		return true
	}
	return settings.GetBool("start_in_privacy_mode", false)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
