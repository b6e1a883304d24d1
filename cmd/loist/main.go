// Command loist runs the audio ingestion and embed service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/database"
	"github.com/loist/loist/internal/fetch"
	"github.com/loist/loist/internal/ingest"
	"github.com/loist/loist/internal/logger"
	"github.com/loist/loist/internal/metadata"
	"github.com/loist/loist/internal/server"
	"github.com/loist/loist/internal/server/handlers"
	"github.com/loist/loist/internal/storage"
	"github.com/loist/loist/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "loist: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if err := config.Load(configPath); err != nil {
		return err
	}
	cfg := config.Get()
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Named("main")

	config.AddWatcher(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Logging != newConfig.Logging {
			logger.Configure(newConfig.Logging.Level, newConfig.Logging.Format)
			log.Info("logging reconfigured", "level", newConfig.Logging.Level)
		}
	})
	if configPath != "" {
		stopWatch, err := config.GetManager().Watch()
		if err != nil {
			log.Warn("config watch unavailable", "error", err)
		} else {
			defer stopWatch()
		}
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	migrator, err := database.NewMigrator(db)
	if err != nil {
		return err
	}
	if err := migrator.Apply(database.Migrations()); err != nil {
		return err
	}
	pool := database.NewPool(db, cfg.Database)
	tracks := store.New(pool)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := storage.NewGateway(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer gateway.Close()

	fetcher := fetch.NewFetcher(cfg.Ingest.AllowPrivate)
	extractor := metadata.NewExtractor()
	orchestrator := ingest.NewOrchestrator(fetcher, extractor, gateway, tracks, cfg.Ingest)

	sweeper := ingest.NewSweeper(tracks, gateway, 4)
	defer sweeper.Stop()
	go runSweeps(ctx, sweeper, cfg.Ingest.SweepInterval, log)

	h := handlers.New(cfg, orchestrator, tracks, gateway, pool)

	if cfg.Server.Transport == "stdio" {
		log.Info("serving on stdio")
		return server.StdioLoop(ctx, h, os.Stdin, os.Stdout)
	}

	srv := server.New(cfg, h)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runSweeps drives the storage reclaim loop until shutdown.
func runSweeps(ctx context.Context, sweeper *ingest.Sweeper, interval time.Duration, log interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
}) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweeper.Reclaim(ctx); err != nil {
				log.Warn("sweep failed", "error", err)
			}
		}
	}
}
