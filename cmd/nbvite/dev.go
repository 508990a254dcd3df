package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nbweb/nbvite/internal/annotate"
	"github.com/nbweb/nbvite/internal/config"
	"github.com/nbweb/nbvite/internal/devhost"
	"github.com/nbweb/nbvite/internal/devserver"
	"github.com/nbweb/nbvite/internal/observability"
	"github.com/nbweb/nbvite/internal/plugin"
	"github.com/nbweb/nbvite/internal/routewatch"
	"github.com/nbweb/nbvite/internal/runtime"
	"github.com/nbweb/nbvite/internal/ssr"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run the dev server bridge",
	Long: `Start the development server bridge.

Loads nbvite.yaml (or the file given with --config), wires the transform
pipeline and serves frontend sources, the SSR render endpoint and the
hot-reload websocket until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		runDev()
	},
}

func runDev() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if debug {
		cfg.Debug = true
	}

	// Set log level
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", Version).
		Str("root", cfg.Root).
		Str("mode", cfg.Mode).
		Msg("Starting nbvite")

	metrics := observability.NewMetrics()
	shell := devserver.NewShell(cfg)
	plugins := []plugin.Plugin{shell.Plugin()}

	if cfg.ComponentPath.Enabled {
		plugins = append(plugins, annotate.New(cfg.ComponentPath).Plugin())
	}

	var bridge *ssr.Bridge
	if cfg.SSRDev.Enabled {
		runner := runtime.NewDenoRunner(cfg.Root)
		bridge = ssr.NewBridge(cfg.SSRDev, cfg.Root, runner)
		bridge.SetMetrics(metrics)
		plugins = append(plugins, bridge.Plugin())
	}

	watcher, err := routewatch.New(cfg.NBRoutes, cfg.Root)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid router watch patterns")
	}
	watcher.SetMetrics(metrics)
	plugins = append(plugins, watcher.Plugin())

	pipeline := plugin.NewPipeline(plugins...)
	if err := pipeline.ResolveConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("Configuration rejected")
	}

	host, err := devhost.New(cfg, pipeline, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create dev server")
	}
	if bridge != nil {
		host.Mount(bridge.RegisterRoutes)
		host.Subscribe(bridge.OnFileChange)
	}
	host.Subscribe(watcher.OnFileChange)

	// Remove marker files even when shutdown never gets past the signal
	shell.Acquire()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server in a goroutine
	go func() {
		log.Info().Str("origin", host.Origin()).Msg("Starting dev server")
		if err := host.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start dev server")
		}
	}()

	if err := pipeline.ServerStarted(host.Origin(), host.Graph()); err != nil {
		log.Fatal().Err(err).Msg("Server start hooks failed")
	}

	// Refresh the uptime gauge in the background
	started := time.Now()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.UpdateUptime(started)
			}
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down dev server...")
	cancel()

	watcher.Stop()
	if bridge != nil {
		bridge.Dispose()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := host.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Dev server forced to shutdown")
	}
	shell.Release()

	log.Info().Msg("Dev server exited")
}
