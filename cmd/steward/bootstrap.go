package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"steward/internal/config"
	"steward/internal/embedding"
	"steward/internal/engine"
	"steward/internal/index"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/schema"
	"steward/internal/store"
	"steward/internal/workflow"
)

// app holds the assembled system for one command invocation.
type app struct {
	cfg       *config.Config
	store     *store.Store
	schemas   *schema.Registry
	workflows *workflow.Registry
	index     *index.Index
	memory    *memory.Engine
	reindexer *index.Reindexer
	agent     *engine.Agent
}

// bootstrap loads config and wires every collaborator. The caller owns
// shutdown via app.close().
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := logging.Initialize(workspace); err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	logging.Boot("Booting %s %s", cfg.Name, cfg.Version)

	st, err := store.NewStore(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	schemas, err := schema.LoadRegistry(st.FieldInUseCount, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load schema registry: %w", err)
	}
	workflows, err := workflow.LoadRegistry(st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load workflow registry: %w", err)
	}

	embedder, err := embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	logger.Info("Embedding engine ready", zap.String("engine", embedder.Name()))

	ix := index.New(st, embedder)

	mem, err := memory.NewEngine(memory.Config{
		FactLimit:    cfg.Memory.FactLimit,
		QueryTimeout: cfg.MemoryQueryTimeout(),
	}, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("memory engine: %w", err)
	}
	if err := mem.WarmFromPersistence(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("warm memory: %w", err)
	}

	reindexer := index.NewReindexer(ix, 256, 2)
	agent := engine.NewAgent(cfg, schemas, workflows, st, ix, mem, reindexer)

	if cfg.Workflow.SeedDir != "" {
		loaded, err := workflow.LoadSeedDir(workflows, cfg.Workflow.SeedDir)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("load workflow seeds: %w", err)
		}
		if loaded > 0 {
			logger.Info("Loaded workflow seeds", zap.Int("count", loaded))
		}
	}

	if err := agent.SyncIndex(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("sync index: %w", err)
	}

	return &app{
		cfg:       cfg,
		store:     st,
		schemas:   schemas,
		workflows: workflows,
		index:     ix,
		memory:    mem,
		reindexer: reindexer,
		agent:     agent,
	}, nil
}

func (a *app) close() {
	a.reindexer.Stop()
	if err := a.store.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}
	logging.Close()
}
