// Package app wires configuration, storage and collaborators into an engine
// for the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/logging"
	"escrowline/internal/migrate"
	"escrowline/internal/notify"
	"escrowline/internal/processor"
	"escrowline/internal/telemetry"
)

// Options selects the workspace and overrides applied on top of escrowline.yml.
type Options struct {
	Workspace  string
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// App is an opened workspace.
type App struct {
	Workspace string
	Config    *config.Config
	Secrets   config.Secrets
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *slog.Logger

	shutdownTracing func(context.Context) error
}

// LoadConfig resolves the config file for opts. An explicit path must exist;
// the workspace file falls back to defaults when absent.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOrDefault(opts.Workspace)
}

// Open loads config and secrets, opens and migrates the database and builds
// the engine with the live processor client.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	resolveRoots(cfg, opts.Workspace)
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	format := cfg.Log.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	logger, err := logging.New(logging.Options{Level: level, Format: format, OutputPaths: cfg.Log.Outputs})
	if err != nil {
		return nil, err
	}
	shutdown, err := telemetry.Setup(ctx, "escrowline", secrets.OTelEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", logging.Error(err))
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	e.Processor = processor.NewClient(secrets.ProcessorBaseURL, secrets.ProcessorAPIKey)
	e.Notifier = notify.NewService(cfg.Notifications.URL, cfg.Notifications.Timeout.Duration)
	e.Logger = logging.NewComponentLogger(logger, "engine")

	return &App{
		Workspace:       opts.Workspace,
		Config:          cfg,
		Secrets:         secrets,
		DB:              conn,
		Engine:          e,
		Logger:          logger,
		shutdownTracing: shutdown,
	}, nil
}

// Close flushes spans and closes the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(ctx))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// LockDir is where sweep lock files live.
func (a *App) LockDir() string {
	return filepath.Join(workspaceOrDot(a.Workspace), ".escrowline")
}

// resolveRoots anchors relative storage roots at the workspace.
func resolveRoots(cfg *config.Config, workspace string) {
	ws := workspaceOrDot(workspace)
	if !filepath.IsAbs(cfg.Storage.EvidenceRoot) {
		cfg.Storage.EvidenceRoot = filepath.Join(ws, cfg.Storage.EvidenceRoot)
	}
	if !filepath.IsAbs(cfg.Storage.DocumentsRoot) {
		cfg.Storage.DocumentsRoot = filepath.Join(ws, cfg.Storage.DocumentsRoot)
	}
}

func workspaceOrDot(ws string) string {
	if ws == "" {
		return "."
	}
	return ws
}
