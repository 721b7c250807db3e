// Package main is the entry point for the page monitor daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/pagelens/page-monitor/internal/config"
	"github.com/pagelens/page-monitor/internal/monitor"
	"github.com/pagelens/page-monitor/internal/monitoring"
	"github.com/pagelens/page-monitor/internal/platform"
	"github.com/pagelens/page-monitor/internal/rpc"
	"github.com/pagelens/page-monitor/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// loadEnvFiles loads .env from standard locations.
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	configEnv := filepath.Join(homeDir, ".config", "page-monitor", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Local .env can override.
	_ = godotenv.Load()
}

// resolveConfig finds the config file: user flag, then standard locations.
func resolveConfig(userConfig string) (*config.Config, string, error) {
	if userConfig != "" {
		cfg, err := config.Load(userConfig)
		return cfg, userConfig, err
	}

	searchPaths := []string{"configs/page-monitor.yaml", "page-monitor.yaml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(homeDir, ".config", "page-monitor", "config.yaml"))
	}
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}

	return config.Default(), "(defaults)", nil
}

// openStore builds the retention store. A store that cannot initialize is
// fatal; everything else about startup degrades.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Type {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.Path, cfg.Retention(), cfg.Storage.CleanupInterval)
	default:
		return store.NewMemoryStore(cfg.Retention(), cfg.Storage.CleanupInterval, cfg.Storage.MaxStorageSize), nil
	}
}

func main() {
	loadEnvFiles()

	configPath := flag.String("config", "", "path to config file")
	devtoolsURL := flag.String("devtools", "", "DevTools websocket URL (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("page-monitor %s\n", Version)
		return
	}

	cfg, configSource, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	monitoring.Global(monitoring.LoggerConfigFrom(cfg.Logging, *debug))

	log.Info().
		Str("version", Version).
		Str("config", configSource).
		Msg("page monitor starting")

	if !cfg.Monitor.Enabled {
		log.Fatal().Msg("monitoring is disabled in configuration")
	}

	target := cfg.Platform.DevToolsURL
	if *devtoolsURL != "" {
		target = *devtoolsURL
	}

	var plat platform.Platform
	if target == "" {
		log.Warn().Msg("no DevTools target configured, running detached; set platform.devtools_url or pass --devtools")
		plat = platform.NewFake()
	} else {
		dialCtx, cancelDial := context.WithTimeout(context.Background(), cfg.Platform.DialTimeout)
		cdp, err := platform.DialCDP(dialCtx, target)
		cancelDial()
		if err != nil {
			log.Fatal().Err(err).Str("url", target).Msg("failed to attach to page")
		}
		plat = cdp
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize retention store")
	}

	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Telemetry.Enabled,
		LogPath:     cfg.Telemetry.LogPath,
		LogToStdout: cfg.Telemetry.LogToStdout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	metrics := monitoring.NewMetricsCollector()
	alerts := monitoring.NewAlertManager(
		monitoring.New(monitoring.LoggerConfigFrom(cfg.Logging, *debug)),
		monitoring.AlertConfig{})

	mon, err := monitor.New(cfg, plat, st, tracker, metrics, alerts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build monitor")
	}
	if err := mon.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start monitor")
	}

	log.Info().
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Type).
		Str("session_id", mon.SessionID()).
		Msg("configuration loaded")

	srv := rpc.NewServer(cfg.Server, mon, metrics, alerts)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("rpc shutdown error")
		}
		if err := mon.Destroy(); err != nil {
			log.Error().Err(err).Msg("monitor shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
		log.Fatal().Err(err).Msg("rpc server error")
	}

	log.Info().Msg("page monitor stopped")
}
