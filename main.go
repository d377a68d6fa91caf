package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dln-backfill/internal/activities"
	"dln-backfill/internal/api"
	"dln-backfill/internal/config"
	"dln-backfill/internal/eventbus"
	"dln-backfill/internal/fetcher"
	"dln-backfill/internal/metrics"
	"dln-backfill/internal/parser"
	"dln-backfill/internal/rpcpool"
	"dln-backfill/internal/store"
	"dln-backfill/internal/tokens"
	"dln-backfill/internal/worker"
)

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("Initializing DLN backfill collector (mode=%s)...", cfg.Worker.Mode)
	log.Printf("RPC endpoints: %d, commitment: %s", len(cfg.RPC.Endpoints), cfg.RPC.Commitment)
	log.Printf("ClickHouse: %s/%s", cfg.Database.URL, cfg.Database.Database)
	log.Printf("Temporal: %s (%s)", cfg.Temporal.Address, cfg.Temporal.Namespace)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Dependencies
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		log.Fatalf("init schema: %v", err)
	}

	pool, err := rpcpool.New(cfg.RPC.Endpoints, cfg.RPC.Commitment, cfg.RPC.Timeout)
	if err != nil {
		log.Fatalf("rpc pool: %v", err)
	}

	bus := eventbus.New()
	defer bus.Close()
	m := metrics.New()
	p := parser.New(cfg.Collection.SourceProgram, cfg.Collection.DestinationProgram, tokens.NewStatic())
	acts := activities.New(cfg, pool, fetcher.New(pool), p, st, bus, m)

	// 3. Workers
	mode := cfg.Worker.Mode
	if mode != "server" {
		workers, err := worker.New(cfg, acts)
		if err != nil {
			log.Fatalf("workers: %v", err)
		}
		if err := workers.Start(); err != nil {
			log.Fatalf("workers: %v", err)
		}
		defer workers.Stop()
	}

	// 4. API + push fan-out
	if mode == "full" || mode == "server" {
		srv := api.NewServer(cfg, st, pool, p, bus, m)
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				log.Printf("api: %v", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Println("Shutting down...")
}
