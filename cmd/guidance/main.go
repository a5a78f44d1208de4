package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/guidance/internal/api"
	"github.com/seantiz/guidance/internal/backend"
	"github.com/seantiz/guidance/internal/backend/sim"
	"github.com/seantiz/guidance/internal/config"
	"github.com/seantiz/guidance/internal/constraint"
	"github.com/seantiz/guidance/internal/engine"
	"github.com/seantiz/guidance/internal/store"
	"github.com/seantiz/guidance/internal/toktrie"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger.Info("guidance: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backend", cfg.Backend,
		"max_batch_size", cfg.MaxBatchSize,
	)

	ccfg := constraint.DefaultConfig()
	if cfg.ConstraintConfig != "" {
		var err error
		ccfg, err = constraint.ReadConfigFile(cfg.ConstraintConfig)
		if err != nil {
			log.Fatalf("failed to load constraint config: %v", err)
		}
	}

	env := toktrie.DefaultEnv()
	mgr, err := constraint.NewManager(env, toktrie.DefaultChatEnv(), constraint.LiteralCompiler{}, ccfg, logger)
	if err != nil {
		log.Fatalf("failed to create constraint manager: %v", err)
	}

	reg := backend.NewRegistry()
	reg.Register(sim.Name, "in-process simulated engine with greedy sampling", sim.Opener(sim.Config{
		Trie:                env.Trie(),
		MaxBatchSize:        cfg.MaxBatchSize,
		DefaultMaxNewTokens: cfg.MaxNewTokens,
		StepInterval:        cfg.StepInterval,
		Logger:              logger,
	}))

	open, err := reg.Opener(cfg.Backend)
	if err != nil {
		log.Fatalf("failed to select backend: %v", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	exec, err := engine.New(open, env.Trie(), engine.Config{
		MaxBatchSize:   cfg.MaxBatchSize,
		PollInterval:   cfg.PollInterval,
		RegisterGlobal: true,
	}, logger)
	if err != nil {
		log.Fatalf("failed to start executor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	exec.Start(ctx)
	defer func() {
		cancel()
		if err := exec.Close(); err != nil {
			logger.Error("close executor", "error", err)
		}
		exec.Wait()
	}()

	srv := api.NewServer(cfg.ListenAddr, db, reg, exec, mgr, logger)

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
	}
}
