package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/its-billboard/billboard-agent/internal/api"
	"github.com/its-billboard/billboard-agent/internal/config"
	"github.com/its-billboard/billboard-agent/internal/metrics"
	"github.com/its-billboard/billboard-agent/internal/mqtt"
	"github.com/its-billboard/billboard-agent/internal/ota"
	"github.com/its-billboard/billboard-agent/internal/sensor"
	"github.com/its-billboard/billboard-agent/internal/service"
)

func main() {
	flag.Parse()

	// 1) Configuration: JSON file, then .env and BILLBOARD_* overrides
	cfg, err := config.LoadConfig(*config.ConfigFileFlag)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("Warning: %v. Starting with defaults.", err)
		cfg = config.Default()
	} else if err != nil {
		log.Fatalf("Error loading config at %s: %v", *config.ConfigFileFlag, err)
	}
	config.ApplyEnv(cfg, *config.EnvFileFlag)
	if *config.VersionFlag != "" {
		config.Version = *config.VersionFlag
		cfg.OTA.CurrentVersion = *config.VersionFlag
	}
	if cfg.Listen == "" {
		cfg.Listen = *config.ListenFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	feed, err := config.EnsureUpdateFeed(*config.FeedFileFlag)
	if err != nil {
		log.Printf("Warning: %v. Using the default update feed.", err)
		feed = config.DefaultUpdateFeed()
	}
	log.Printf("Starting %s v%s (device %s)", config.AppName, cfg.OTA.CurrentVersion, cfg.OTA.DeviceID)

	// 2) Shared state and instrumentation
	store := sensor.NewStore()
	m := metrics.New()

	// 3) Broker clients and their lifecycle owner
	era := mqtt.NewEraClient(cfg.EraIot, store, mqtt.WithDebug(*config.DebugFlag), mqtt.WithMetrics(m))
	cmd := mqtt.NewCommandClient(cfg.CommandBroker, mqtt.WithDebug(*config.DebugFlag), mqtt.WithMetrics(m))
	svc := service.New(cfg.EraIot, era, cmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4) OTA orchestrator; status goes out on the command broker, else the sensor broker
	publisher := mqtt.NewFallbackPublisher(cmd, era, mqtt.WithMetrics(m))
	orch := ota.New(ota.Config{
		DeviceID:       cfg.OTA.DeviceID,
		CurrentVersion: cfg.OTA.CurrentVersion,
		Topics: ota.Topics{
			UpdateStatus: cfg.CommandBroker.UpdateStatusTopic,
			UpdateAck:    cfg.CommandBroker.UpdateAckTopic,
			ResetStatus:  cfg.CommandBroker.ResetStatusTopic,
		},
	}, newProvider(cfg, feed, svc), publisher,
		ota.WithMetrics(m),
		ota.WithBrokerResetter(svc),
		ota.WithContext(ctx),
	)
	cmd.SetCommandHandler(orch)
	cmd.SetManifestRefresher(mqtt.ManifestLogger{Logger: log.New(os.Stderr, "[Manifest] ", log.LstdFlags)})

	// 5) Local display surface
	server := api.NewServer(store, svc, orch, sensor.NewThresholds(cfg.AirQuality),
		api.WithMetrics(m),
		api.WithContext(ctx),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.Listen)
	})
	g.Go(func() error {
		ok, err := svc.Initialize(gctx)
		switch {
		case err != nil:
			log.Printf("MQTT service unavailable: %v", err)
		case !ok:
			log.Println("MQTT service not started")
		}
		return nil
	})
	g.Go(func() error {
		waitForSignal(gctx)
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("Stopped with error: %v", err)
	}

	// 6) Disconnect cleanly from both brokers
	svc.Disconnect()
	log.Println("Shutting down gracefully...")
}

// newProvider picks the updater backend for the configured feed. Installs
// disconnect the brokers before the process exits.
func newProvider(cfg *config.Config, feed config.UpdateFeed, brokers ota.BrokerResetter) ota.UpdateProvider {
	restarter := ota.NewTeardownRestarter(ota.ProcessRestarter{}, brokers)
	if cfg.OTA.Simulated || feed.Provider != "github" {
		log.Printf("Using simulated update provider (feed provider %q)", feed.Provider)
		return &ota.SimulatedProvider{
			Latest:    cfg.OTA.CurrentVersion,
			Step:      200 * time.Millisecond,
			Restarter: restarter,
		}
	}
	dir := cfg.OTA.InstallerDir
	if cache, err := os.UserCacheDir(); err == nil && feed.UpdaterCacheDirName != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(cache, feed.UpdaterCacheDirName, dir)
	}
	g := ota.NewGitHubProvider(feed, dir, cfg.OTA.CheckTimeout(), nil)
	g.Restarter = restarter
	return g
}

// waitForSignal blocks until an OS signal is received for termination or ctx ends.
func waitForSignal(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case sig := <-sigChan:
		log.Printf("Received %s", sig)
	case <-ctx.Done():
	}
}
