// srcquery monitors Source and GoldSource game servers over A2S, lists
// servers from the master server and keeps RCON sessions open to them.
// Results are exposed through an interactive console, a REST API and MQTT
// telemetry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/api"
	"github.com/energizer-project/srcquery/internal/cli"
	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/events"
	"github.com/energizer-project/srcquery/internal/health"
	"github.com/energizer-project/srcquery/internal/scheduler"
	"github.com/energizer-project/srcquery/internal/server"
	"github.com/energizer-project/srcquery/internal/telemetry"
	"github.com/energizer-project/srcquery/internal/util"
)

const Banner = `

  ___ _ __ ___ __ _ _   _  ___ _ __ _   _
 / __| '__/ __/ _' | | | |/ _ \ '__| | | |
 \__ \ | | (_| (_| | |_| |  __/ |  | |_| |
 |___/_|  \___\__, |\__,_|\___|_|   \__, |
                 |_|                |___/  %s
 Source server query, master listing & RCON
`

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	noCLI := flag.Bool("no-cli", false, "disable the interactive console")
	setup := flag.Bool("setup", false, "run the setup wizard before starting")
	flag.Parse()

	fmt.Printf(Banner, util.Version)
	fmt.Println()

	// Defaults first, reconfigured once the config is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting srcquery")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	logCfg := util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if *setup || (!validation.IsValid() && cfg.IsFirstRun()) {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Info().Msg("launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	} else if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	host := util.GetHostInfo()
	log.Info().
		Str("hostname", host.Hostname).
		Str("os", host.OS).
		Str("cpu", host.CPUModel).
		Int("cores", host.CPUCores).
		Uint64("memory_mb", host.TotalMemoryMB).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	shutdownCh := eventBus.Watch(ctx, 1, events.EventShutdown)

	mgr := server.NewManager(cfg, eventBus)
	latency := server.NewLatencyMonitor(eventBus)
	healthMgr := health.NewManager(cfg, eventBus, mgr, latency)
	sched := scheduler.NewScheduler(logCfg, mgr, latency)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var wg sync.WaitGroup

	n := mgr.LoadServers(ctx)
	log.Info().Int("servers", n).Msg("monitored servers loaded")

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting health check manager")
		healthMgr.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, eventBus, mgr, latency)
		if cfg.GetAPI().MetricsEnabled {
			metrics := telemetry.NewMetrics(eventBus, mgr)
			metrics.Subscribe()
			defer metrics.Unsubscribe()
			apiServer.SetMetrics(metrics.Handler())
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetAPI().Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if !*noCLI {
		cliHandler := cli.NewCLI(cfg, eventBus, mgr, os.Stdin, os.Stdout)
		go cliHandler.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	mgr.Shutdown()
	eventBus.Stop()

	log.Info().Msg("srcquery stopped")
}

// startWithRetry retries startFn on bind errors at a fixed 3s interval.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
