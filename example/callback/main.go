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
	table := cfg.Prefixes[0].Prefix + "TBL"

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

	printSnapshot := func(snap bsas.TableSnapshot) {
		fmt.Printf("%s %s columns=%v\n",
			time.Now().Format(time.RFC3339Nano), table, snap.Columns)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case snap := <-snapshots:
			printSnapshot(snap)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		log.Fatalf("close runtime: %v", err)
	}
}
