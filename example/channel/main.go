package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/beamsync/bsas/pkg/bsas"
)

func main() {
	cfg, err := bsas.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if len(cfg.Prefixes) == 0 {
		log.Fatalf("config has no prefixes configured")
	}
	table := cfg.Prefixes[0].Prefix + "STS"

	rt, err := bsas.New(cfg)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		log.Fatalf("start runtime: %v", err)
	}

	snapshots, unsubscribe := rt.Subscribe(table)
	defer unsubscribe()

	go fanoutWorker("status", snapshots)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		log.Fatalf("close runtime: %v", err)
	}
}

func fanoutWorker(name string, snapshots <-chan bsas.TableSnapshot) {
	for snap := range snapshots {
		fmt.Printf("[%s] %d columns at %s\n", name, len(snap.Columns), time.Now().Format(time.RFC3339))
		// TODO: forward to downstream DB/API.
	}
}
