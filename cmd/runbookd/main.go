package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/runbookd/runbook/internal/engine"
	"github.com/runbookd/runbook/internal/logging"
	"github.com/runbookd/runbook/internal/permissions"
	"github.com/runbookd/runbook/internal/scheduler"
	"github.com/runbookd/runbook/internal/store"
	"github.com/runbookd/runbook/internal/streaming"
	"github.com/runbookd/runbook/internal/tools"
	"github.com/runbookd/runbook/internal/validation"
	"github.com/runbookd/runbook/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "runbookd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Logs go to stderr; stdout belongs to the MCP stdio transport.
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	// Tool backend.
	registry := tools.NewRegistry()
	evalTool, err := tools.NewEvalTool()
	if err != nil {
		return fmt.Errorf("build eval tool: %w", err)
	}
	if err := registry.RegisterAll([]tools.Tool{
		tools.NewShellTool(tools.ShellConfig{}),
		tools.NewHTTPTool(tools.HTTPConfig{}),
		evalTool,
	}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	// Permissions.
	authority, err := loadAuthority(cfg.PoliciesPath, logger)
	if err != nil {
		return err
	}

	// Execution engine.
	hub := streaming.NewMemoryHub()
	interp := engine.NewInterpreter(registry, authority, hub, logger)
	controller := engine.NewController(engine.Config{
		MaxConcurrent:  cfg.MaxConcurrent,
		DefaultTimeout: duration(cfg.DefaultTimeout, 30*time.Minute),
		HistorySize:    cfg.HistorySize,
	}, interp, hub, permissions.StaticMode(cfg.Mode), logger)

	recorder := engine.NewRecorder(st, hub, controller, logger)
	if err := recorder.Start(ctx); err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}
	defer recorder.Stop()

	// Cron schedules.
	sched := scheduler.NewScheduler(st, controller, duration(cfg.SchedulerInterval, time.Minute), logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// MCP surface.
	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}
	server := mcp.NewRunbookServer(mcp.RunbookServerDeps{
		Controller: controller,
		Store:      st,
		Validator:  validator,
		Registry:   registry,
		Hub:        hub,
		Logger:     logger,
	})
	notifier := mcp.NewManualStepNotifier(server)
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}

	logger.Info("runbookd started",
		slog.String("db_path", cfg.DBPath),
		slog.String("mode", cfg.Mode),
		slog.Int("max_concurrent", cfg.MaxConcurrent),
	)

	serveErr := server.Serve(ctx)

	// Drain running executions before the deferred teardown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Error("controller shutdown incomplete", slog.String("error", err.Error()))
	}

	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", serveErr)
	}
	logger.Info("runbookd stopped", slog.Uint64("events_dropped", hub.Dropped()))
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// loadAuthority reads per-mode policies from the given JSON file. With no
// file configured every tool is allowed.
func loadAuthority(path string, logger *slog.Logger) (permissions.Authority, error) {
	if path == "" {
		return permissions.AllowAll{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies file: %w", err)
	}
	var modes map[string]permissions.ModePolicy
	if err := json.Unmarshal(data, &modes); err != nil {
		return nil, fmt.Errorf("parse policies file: %w", err)
	}
	logger.Info("loaded permission policies", slog.Int("modes", len(modes)))
	return permissions.NewPolicyAuthority(modes), nil
}
