package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stratosure/dbarbiter/config"
	dbpkg "github.com/stratosure/dbarbiter/db"
	"github.com/stratosure/dbarbiter/logger"
	"github.com/stratosure/dbarbiter/pkg/arbiter"
	"github.com/stratosure/dbarbiter/pkg/driver"
	"github.com/stratosure/dbarbiter/pkg/kvstore"
	"github.com/stratosure/dbarbiter/server/httpapi"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fLogOutput := flag.String("logoutput", "", "Log output destination (overrides config)")
	fLogLevel := flag.String("loglevel", "", "Log level (overrides config)")
	fRedisAddr := flag.String("redisaddr", "", "Coordination store address (overrides config)")
	fAPIAddr := flag.String("apiaddr", "", "Diagnostics API address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	if *fLogOutput != "" {
		cfg.Logging.Output = *fLogOutput
	}
	if *fLogLevel != "" {
		cfg.Logging.Level = *fLogLevel
	}
	if *fRedisAddr != "" {
		cfg.Redis.Addr = *fRedisAddr
	}
	if *fAPIAddr != "" {
		cfg.API.Addr = *fAPIAddr
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kvstore.NewRedisStore(ctx, kvstore.RedisOptions{
		Addr:     cfg.Redis.GetAddr(),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Error("failed to connect to coordination store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStartup()

	mainPool, err := dbpkg.NewPool(startupCtx, cfg.Database.Write, cfg.Database.Write.Hosts[0], "main")
	if err != nil {
		logger.Error("failed to create write pool", "error", err)
		os.Exit(1)
	}
	defer mainPool.Close()

	var adminPool driver.Pool
	if cfg.Database.Admin != nil {
		pool, err := dbpkg.NewPool(startupCtx, cfg.Database.Admin, cfg.Database.Admin.Hosts[0], "admin")
		if err != nil {
			logger.Error("failed to create admin pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		adminPool = pool
	}

	// Each read host becomes an independently tracked replica. A replica
	// that fails at startup is skipped rather than fatal; the health
	// loop will not resurrect it, but the primary covers its traffic.
	readPools := make(map[string]driver.Pool)
	if cfg.Database.Read != nil {
		for _, host := range cfg.Database.Read.Hosts {
			pool, err := dbpkg.NewPool(startupCtx, cfg.Database.Read, host, "read")
			if err != nil {
				logger.Warn("skipping unreachable read replica", "host", host, "error", err)
				continue
			}
			defer pool.Close()
			readPools[host] = pool
		}
	}

	arb, err := arbiter.New(arbiter.Options{
		Arbitration: &cfg.Arbitration,
		KeyPrefix:   cfg.Redis.GetKeyPrefix(),
		Store:       store,
		MainPool:    mainPool,
		AdminPool:   adminPool,
		ReadPools:   readPools,
		IsTransient: dbpkg.IsTransient,
	})
	if err != nil {
		logger.Error("failed to construct arbiter", "error", err)
		os.Exit(1)
	}

	arb.Start(ctx)
	defer arb.Stop()

	statPools := map[string]driver.Pool{"main": mainPool}
	if adminPool != nil {
		statPools["admin"] = adminPool
	}
	for id, pool := range readPools {
		statPools["read:"+id] = pool
	}
	dbpkg.StartStatsCollector(ctx, statPools, 15*time.Second)

	logger.Info("dbarbiter started",
		"write_host", cfg.Database.Write.Hosts[0],
		"read_replicas", len(readPools),
		"store", cfg.Redis.GetAddr())

	if cfg.API.Start {
		api, err := httpapi.New(arb, httpapi.Options{
			Addr:   cfg.API.GetAddr(),
			APIKey: cfg.API.APIKey,
		})
		if err != nil {
			logger.Error("failed to create diagnostics API", "error", err)
			os.Exit(1)
		}
		if err := api.Start(ctx); err != nil {
			logger.Error("diagnostics API failed", "error", err)
			os.Exit(1)
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("dbarbiter shutting down")
}
