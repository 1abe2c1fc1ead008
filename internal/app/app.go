// Package app wires the stores, agents, worker pool and engine for one workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"missionline/internal/agent"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/engine"
	"missionline/internal/llm"
	"missionline/internal/logging"
	"missionline/internal/metrics"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/updates"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	// Registry receives the service metrics; nil means a fresh registry.
	Registry *prometheus.Registry
	// LLM overrides the provider built from the config.
	LLM llm.Provider
}

// App owns the open databases and the worker pool of a workspace.
type App struct {
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	missions *sql.DB
	updates  *sql.DB
}

// Open opens and migrates both databases and starts the worker pool. Callers must Close it.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.OrNop(opts.Logger)
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	missions, err := openDB(opts.Workspace, db.MissionsDB, migrate.Missions)
	if err != nil {
		return nil, err
	}
	ups, err := openDB(opts.Workspace, db.UpdatesDB, migrate.Updates)
	if err != nil {
		missions.Close()
		return nil, err
	}

	provider := opts.LLM
	if provider == nil {
		provider, err = llm.New(ctx, llm.Config{
			Backend:       cfg.Agents.LLM.Backend,
			Model:         cfg.Agents.LLM.Model,
			OllamaHost:    cfg.Agents.LLM.OllamaHost,
			APIKeyEnv:     cfg.Agents.LLM.APIKeyEnv,
			RatePerSecond: cfg.Agents.LLM.RatePerSecond,
			Burst:         cfg.Agents.LLM.Burst,
		})
		switch {
		case errors.Is(err, llm.ErrDisabled):
			logger.Info("llm backend disabled; only the echo agent is available")
		case err != nil:
			logger.Warn("llm backend unavailable; only the echo agent is available", zap.Error(err))
		}
	}
	agents, err := Agents(cfg, provider)
	if err != nil {
		missions.Close()
		ups.Close()
		return nil, err
	}

	m := metrics.New(reg)
	pool := engine.NewPool(engine.PoolConfig{
		Workers:   cfg.Executor.Workers,
		QueueSize: cfg.Executor.QueueSize,
		Timeout:   cfg.Executor.Timeout,
	}, logger, m)
	e, err := engine.New(engine.Deps{
		Repo:    repo.New(missions),
		Updates: updates.New(ups),
		Agents:  agents,
		Pool:    pool,
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		_ = pool.Close(ctx)
		missions.Close()
		ups.Close()
		return nil, err
	}
	return &App{Engine: e, Metrics: m, Logger: logger, missions: missions, updates: ups}, nil
}

func openDB(workspace, name string, set migrate.Set) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Name: name})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := migrate.Migrate(conn, set); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", name, err)
	}
	return conn, nil
}

// Agents registers echo plus, when a provider is available, the LLM-backed agents. The
// configured default must be among them.
func Agents(cfg *config.Config, provider llm.Provider) (*agent.Registry, error) {
	reg := agent.NewRegistry(cfg.Agents.Default)
	if err := reg.Register(agent.EchoName, agent.Echo{}); err != nil {
		return nil, err
	}
	if provider != nil {
		if err := reg.Register(agent.ResearcherName, agent.Researcher{LLM: provider}); err != nil {
			return nil, err
		}
		if err := reg.Register(agent.DeveloperName, agent.Developer{LLM: provider, MaxSteps: cfg.Agents.Developer.MaxSteps}); err != nil {
			return nil, err
		}
	}
	if _, _, ok := reg.Resolve(""); !ok {
		return nil, fmt.Errorf("default agent %q is not available (registered: %v)", cfg.Agents.Default, reg.Names())
	}
	return reg, nil
}

// Recover fails missions a previous process left unfinished. Only the serving process calls it.
func (a *App) Recover(ctx context.Context) error {
	n, err := a.Engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover missions: %w", err)
	}
	if n > 0 {
		a.Logger.Warn("failed interrupted missions", zap.Int("count", n))
	}
	return nil
}

// Close drains the pool within ctx and closes the databases. Pool draining comes first so
// that reconciliation can still write.
func (a *App) Close(ctx context.Context) error {
	poolErr := a.Engine.Pool.Close(ctx)
	return errors.Join(poolErr, a.missions.Close(), a.updates.Close())
}
