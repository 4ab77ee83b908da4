package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/drip-engine/internal/app"
	"github.com/ignite/drip-engine/internal/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	log.Println("Starting drip engine send worker")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	// Without Redis the sweeper alone drives due requests inline.
	if pool := a.Pool(); pool != nil {
		g.Go(func() error { return pool.Run(gctx) })
		log.Printf("Worker pool started (%d workers)", cfg.Queue.Workers)
	}

	sweeper := a.Sweeper()
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	log.Printf("Pending sweeper started (every %s, stale after %s)", cfg.Queue.SweepInterval, cfg.Queue.StaleAge)

	if err := g.Wait(); err != nil {
		log.Fatalf("Worker error: %v", err)
	}
	log.Println("Worker stopped")
}
