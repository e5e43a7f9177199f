package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dray-io/drayproxy/internal/config"
	"github.com/dray-io/drayproxy/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	fs := flag.NewFlagSet("drayproxy", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (watched for changes)")
	storeBackend := fs.String("store", "", "Override routing store backend (memory or oxia)")
	healthAddr := fs.String("health-addr", "", "Override health and metrics address (e.g., :9090)")
	showVersion := fs.Bool("version", false, "Print version information and exit")

	fs.Usage = func() {
		fmt.Println(`Usage: drayproxy [options]

Start the resource routing proxy.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *showVersion {
		fmt.Printf("drayproxy version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Apply CLI overrides, now and on every reload
	overrides := func(c *config.Config) {
		if *storeBackend != "" {
			c.Metadata.Backend = *storeBackend
		}
		if *healthAddr != "" {
			c.Observability.MetricsAddr = *healthAddr
		}
	}
	overrides(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	p, err := NewProxy(ProxyOptions{
		Config:     cfg,
		ConfigPath: *configPath,
		Overrides:  overrides,
		Logger:     logger,
		Version:    version,
	})
	if err != nil {
		logger.Errorf("failed to create proxy", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		logger.Errorf("failed to start proxy", map[string]any{"error": err.Error()})
		shutdown(p, logger)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	if err := shutdown(p, logger); err != nil {
		os.Exit(1)
	}
	logger.Info("drayproxy shutdown complete")
}

func shutdown(p *Proxy, logger *logging.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}
