package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlgateway/connpool/internal/compute"
	"github.com/sqlgateway/connpool/internal/config"
	"github.com/sqlgateway/connpool/internal/credential"
	"github.com/sqlgateway/connpool/internal/health"
	"github.com/sqlgateway/connpool/internal/httpapi"
	"github.com/sqlgateway/connpool/internal/metrics"
	"github.com/sqlgateway/connpool/internal/pool"
)

func main() {
	configPath := flag.String("config", "configs/sqlgateway.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("sqlgateway starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (%d endpoints)", *configPath, len(cfg.Endpoints))

	logger := slog.Default()
	m := metrics.New()

	dir, err := compute.New(cfg)
	if err != nil {
		log.Fatalf("failed to build compute directory: %v", err)
	}

	credParams := credential.Params{Rounds: cfg.Pool.PBKDF2Rounds, KeyLength: cfg.Pool.PBKDF2KeyLength}
	idx := pool.New(pool.Options{
		MaxConnsPerEndpoint:   cfg.Pool.MaxConnsPerEndpoint,
		DisableIPCheckForHTTP: cfg.Pool.DisableIPCheckForHTTP,
		CredentialParams:      credParams,
		Compute:               dir,
		Metrics:               m,
		Logger:                logger,
	})

	hc := health.NewChecker(dir, m, cfg.Health)
	hc.Start()

	server := httpapi.NewServer(idx, hc, m, cfg.Listen, logger)
	if err := server.Start(); err != nil {
		log.Fatalf("failed to start http server: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("reloading configuration...")
		if err := dir.Reload(newCfg); err != nil {
			log.Printf("config reload: rebuilding compute directory failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("sqlgateway ready - http:%s:%d", cfg.Listen.HTTPBind, cfg.Listen.HTTPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	server.Stop()
	hc.Stop()
	idx.Shutdown()

	log.Printf("sqlgateway stopped")
}
