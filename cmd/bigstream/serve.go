package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/bigstream/internal/api"
	"github.com/mattjoyce/bigstream/internal/auth"
	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/engine"
	"github.com/mattjoyce/bigstream/internal/events"
	"github.com/mattjoyce/bigstream/internal/history"
	"github.com/mattjoyce/bigstream/internal/host"
	"github.com/mattjoyce/bigstream/internal/lock"
	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/storage"
)

const drainTimeout = 30 * time.Second

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listen := fs.String("listen", "", "Override api.listen")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if cfg.API.APIKey == "" && len(cfg.API.Tokens) == 0 {
		fmt.Fprintln(os.Stderr, "serve requires api.api_key or api.tokens in the configuration")
		return 1
	}

	log.SetupWriter(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stderr)
	logger := log.WithComponent("main")
	logger.Info("bigstream starting", "version", version, "config", path)

	lockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire instance lock", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(256)
	hosts := host.Multi{host.NewHub(hub)}

	var hist api.History
	if cfg.State.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
			return 1
		}
		defer db.Close()
		store := history.NewStore(db)
		rec := history.NewRecorder(store)
		defer rec.Close()
		hosts = append(hosts, rec)
		hist = store
		logger.Info("run history enabled", "path", cfg.State.Path)
	}

	opts, err := engine.FromConfig(cfg)
	if err != nil {
		logger.Error("invalid engine configuration", "error", err)
		return 1
	}

	// Runs outlive the API listener so in-flight work can drain on shutdown.
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()
	eng := engine.New(engineCtx, hosts, opts)

	server := api.New(apiConfig(cfg), eng, hist, hub, api.Catalog{}, log.WithComponent("api"))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api server failed", "error", err)
		return 1
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := eng.Drain(drainCtx); err != nil {
		logger.Warn("shutdown before runs finished", "error", err)
	}
	logger.Info("bigstream stopped")
	return 0
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
	for _, t := range cfg.API.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.APIKey,
		Tokens: tokens,
	}
}
