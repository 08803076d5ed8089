package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelgate/modelgate/pkg/compat"
	"github.com/modelgate/modelgate/pkg/config"
	"github.com/modelgate/modelgate/pkg/logger"
	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/server"
)

// ServeCmd starts the gateway server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch the plugin directory for manifest changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	log := logger.Init(logger.Options{
		Level:      logger.ParseLevel(level),
		Format:     format,
		Dir:        cfg.Logging.Dir,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	registry := plugins.NewRegistry(cfg.Providers.PluginDir)
	if c.Watch || cfg.Providers.WatchPlugins {
		watcher, err := plugins.Watch(registry, log)
		if err != nil {
			return fmt.Errorf("failed to watch plugin dir: %w", err)
		}
		defer watcher.Close()
	}

	sinks := logger.NewSinkManager(cfg.Logging.Dir)
	srv, err := server.New(cfg, registry, compat.NewRegistry(), sinks, log)
	if err != nil {
		return err
	}

	addr := cfg.Server.Address()
	fmt.Printf("modelgate ready on %s\n", addr)
	fmt.Printf("  LLM:        POST http://%s/run, /stream\n", addr)
	fmt.Printf("  Vector:     POST http://%s/vector/run, /vector/stream\n", addr)
	fmt.Printf("  Embeddings: POST http://%s/vector/embeddings/run\n", addr)
	fmt.Printf("  Health:     GET  http://%s/healthz\n", addr)
	fmt.Printf("  Metrics:    GET  http://%s/metrics\n", addr)
	fmt.Printf("  Plugins:    %s\n", cfg.Providers.PluginDir)
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

// loadConfig returns the parsed file, or a default setup when no path is
// given. Zero-config still serves: plugins/ is the manifest root.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
