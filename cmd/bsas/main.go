// Command bsas runs a BSAS process from a YAML configuration file,
// gluing together the OPC UA bus, every configured Coordinator, and the
// HTTP-published northbound surface. Structured on the teacher's
// cmd/aegis-edge/main.go: a flag.FlagSet per subcommand, run/validate/
// stats, signal.NotifyContext for graceful shutdown.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/beamsync/bsas/pkg/bsas"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("bsas %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to BSAS configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := bsas.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := bsas.New(cfg)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	<-ctx.Done()
	log.Printf("bsas: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return rt.Close(shutdownCtx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := bsas.LoadConfig(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9110/metrics", "BSAS metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		"bsas_events_total":      0,
		"bsas_overflows_total":   0,
		"bsas_disconnects_total": 0,
		"bsas_errors_total":      0,
		"bsas_pending_slices":    0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] events=%.0f overflows=%.0f disconnects=%.0f errors=%.0f pending=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["bsas_events_total"],
		targets["bsas_overflows_total"],
		targets["bsas_disconnects_total"],
		targets["bsas_errors_total"],
		targets["bsas_pending_slices"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`BSAS CLI

Usage:
  bsas <command> [flags]

Commands:
  run        Start the acquisition service using the provided config
  validate   Load and validate a config file without starting the service
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  bsas run -config ./data/config.yaml
  bsas validate -config ./data/config.yaml
  bsas stats -url http://localhost:9110/metrics -interval 1s
`)
}
