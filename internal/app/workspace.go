package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"autocycle/internal/backend"
	"autocycle/internal/config"
	"autocycle/internal/db"
	"autocycle/internal/engine"
	"autocycle/internal/metrics"
	"autocycle/internal/migrate"
	"autocycle/internal/simulate"
)

// Workspace bundles what every command needs: the validated config, the
// migrated database and the artifact backend the config selects.
type Workspace struct {
	Dir     string
	Config  *config.Config
	DB      *sql.DB
	Backend backend.Backend
	// Schema is the database schema version after migration.
	Schema int
}

// Open loads autocycle.yml (defaults when absent), opens and migrates the
// workspace database and opens the configured backend.
func Open(dir string) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if _, err := migrate.Apply(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	schema, err := migrate.Version(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	b, err := backend.Open(cfg.Storage.Backend, dir, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}
	return &Workspace{Dir: dir, Config: cfg, DB: conn, Backend: b, Schema: schema}, nil
}

// Engine builds an orchestrator over the workspace backed by the simulated
// providers. Seeds make runs reproducible; 0 is a valid seed.
func (w *Workspace) Engine(log zerolog.Logger, m *metrics.Metrics, seed uint64) (*engine.Engine, error) {
	return engine.New(engine.Options{
		Config:     w.Config,
		Backend:    w.Backend,
		DB:         w.DB,
		Logger:     log,
		Metrics:    m,
		Strategies: simulate.Strategies(w.Config.Strategies, seed),
		Researcher: simulate.NewResearcher(seed + 1),
	})
}

func (w *Workspace) Close() error {
	return errors.Join(w.Backend.Close(), w.DB.Close())
}
