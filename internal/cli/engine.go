// Package cli: engine wiring. One Engine is built per command invocation
// from configuration and torn down when the command returns.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vodsync/vodsync/internal/config"
	"github.com/vodsync/vodsync/internal/metadata"
	"github.com/vodsync/vodsync/internal/pipeline"
	"github.com/vodsync/vodsync/internal/site"
	"github.com/vodsync/vodsync/internal/source"
	"github.com/vodsync/vodsync/internal/state"
	"github.com/vodsync/vodsync/internal/storage"
)

// Engine holds the wired vodsync components for one command run.
type Engine struct {
	Config       *config.Config
	Log          *slog.Logger
	State        *state.Store
	Catalog      *metadata.DB
	Stores       *storage.Registry
	Orchestrator *pipeline.Orchestrator
}

// withEngine builds the engine, runs fn, and closes all handles.
func withEngine(cmd *cobra.Command, fn func(*Engine) error) error {
	e, err := initEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

func initEngine(cmd *cobra.Command) (*Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.LogLevel)
	ctx := cmd.Context()

	st, err := state.Open(cfg.State.DBPath, cfg.State.Passphrase)
	if err != nil {
		return nil, err
	}
	e := &Engine{Config: cfg, Log: log, State: st}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if err = st.Initialize(ctx); err != nil {
		return nil, err
	}

	catalog, err := metadata.Open(cfg.State.DBPath+".catalog", cfg.State.Passphrase)
	if err != nil {
		return nil, err
	}
	e.Catalog = catalog
	if err = catalog.Initialize(ctx); err != nil {
		return nil, err
	}

	registry := storage.NewRegistry()
	primary, err := storage.NewS3Store(ctx, cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("cli: primary store: %w", err)
	}
	secondary, err := storage.NewS3Store(ctx, cfg.Secondary)
	if err != nil {
		return nil, fmt.Errorf("cli: secondary store: %w", err)
	}
	if err = registry.Register(primary); err != nil {
		return nil, err
	}
	if err = registry.Register(secondary); err != nil {
		return nil, err
	}
	e.Stores = registry

	primaryBinding, err := pipeline.NewStoreBinding(primary, cfg.Primary)
	if err != nil {
		return nil, err
	}
	secondaryBinding, err := pipeline.NewStoreBinding(secondary, cfg.Secondary)
	if err != nil {
		return nil, err
	}

	src := pipeline.NewTokenSource(source.NewClient(cfg.Source), st)
	siteClient := site.NewClient(cfg.Site)

	engine := pipeline.NewEngine(pipeline.Deps{
		State:     st,
		Catalog:   catalog,
		Source:    src,
		Site:      siteClient,
		Primary:   primaryBinding,
		Secondary: secondaryBinding,
		Config:    cfg.Pipeline,
		Log:       log,
	})

	e.Orchestrator = pipeline.NewOrchestrator(engine)
	return e, nil
}

// Close releases the engine's database handles.
func (e *Engine) Close() {
	if e.Catalog != nil {
		e.Catalog.Close()
	}
	if e.State != nil {
		e.State.Close()
	}
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
