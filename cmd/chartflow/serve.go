package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/chartflow/internal/engine"
	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/internal/logging"
	"github.com/rendis/chartflow/internal/plugins"
	"github.com/rendis/chartflow/internal/scheduler"
	"github.com/rendis/chartflow/internal/secrets"
	"github.com/rendis/chartflow/internal/store"
	"github.com/rendis/chartflow/internal/streaming"
	"github.com/rendis/chartflow/internal/task"
	"github.com/rendis/chartflow/internal/validation"
	chartflowmcp "github.com/rendis/chartflow/pkg/mcp"
)

// runServe wires the engine and serves MCP over stdio until the client
// disconnects or a signal arrives. Stdout carries the protocol, so all
// logging goes to stderr.
func runServe() error {
	cfg := loadConfig()
	logger := buildLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	var vault secrets.Vault
	if key := os.Getenv("CHARTFLOW_VAULT_KEY"); key != "" {
		salt, err := vaultSalt(chartflowDir())
		if err != nil {
			return err
		}
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{Passphrase: key, Salt: salt})
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
	} else {
		logger.Warn("CHARTFLOW_VAULT_KEY not set, secret interpolation disabled")
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("init cel engine: %w", err)
	}
	deps := task.Deps{
		Renderer:  expressions.NewRenderer(vault),
		CEL:       cel,
		Expr:      expressions.NewExprEngine(),
		JQ:        expressions.NewGoJQEngine(),
		Resources: task.NewResources(),
	}
	defer deps.Resources.Close()

	registry := task.NewRegistry()
	if err := task.RegisterBuiltins(registry, task.BuiltinConfig{}); err != nil {
		return fmt.Errorf("register builtin tasks: %w", err)
	}

	manager := plugins.NewManager(registry, logger)
	defer manager.Close()
	for _, pc := range cfg.Plugins {
		if err := manager.Load(ctx, pc); err != nil {
			logger.Warn("plugin failed to load", "plugin", pc.Name, "error", err)
		}
	}

	validator, err := validation.NewFlowValidator(registry)
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}

	hub := streaming.NewMemoryHub()
	exec := engine.NewExecutor(st, store.NewEventLog(st), hub, registry, deps, engine.Config{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		DefaultRunTimeout: cfg.runTimeout(),
	}, logger)

	srv := chartflowmcp.NewChartflowServer(chartflowmcp.ChartflowServerDeps{
		Engine:    exec,
		Store:     st,
		Validator: validator,
		Hub:       hub,
		Logger:    logger,
	})
	if err := srv.StartNotifications(ctx); err != nil {
		return fmt.Errorf("start notifications: %w", err)
	}

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, exec, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	logger.Info("chartflow serving", "db", cfg.DBPath, "scheduler", cfg.Scheduler)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("chartflow stopped")
	return nil
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}
