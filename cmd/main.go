package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"gasmeter/internal/config"
	"gasmeter/internal/hass"
	"gasmeter/internal/host"
	"gasmeter/internal/integration"
	"gasmeter/internal/metrics"
	"gasmeter/internal/models"
	"gasmeter/internal/mqtt"
	"gasmeter/internal/store"
	"gasmeter/internal/web"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Invalid log level %q, using info", cfg.LogLevel)
	}

	logger.Infof("Starting gas meter bridge (record %s at %s, standalone=%v)", cfg.Record.ID, cfg.Record.Path, cfg.Standalone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if cfg.MQTT.EmbeddedBroker != "" {
		if _, err := mqtt.StartBroker(ctx, &wg, cfg.MQTT.EmbeddedBroker, logger); err != nil {
			logger.Fatalf("Failed to start embedded MQTT broker: %v", err)
		}
	}

	var h host.Host
	if cfg.Standalone {
		logger.Warn("Standalone mode: mirror entities live in memory only")
		memory := host.NewMemory()
		for _, f := range models.Fields {
			memory.SetState(f.DefaultEntity(), "0")
		}
		h = memory
	} else {
		client := hass.NewClient(cfg.HomeAssistant, logger)
		if err := client.Connect(ctx); err != nil {
			logger.Fatalf("Failed to connect to Home Assistant: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Run(ctx)
		}()
		h = client
	}

	mqttClient, err := mqtt.NewClient(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create MQTT client: %v", err)
	}
	if err := mqttClient.Connect(); err != nil {
		logger.Fatalf("Failed to connect to MQTT: %v", err)
	}
	defer mqttClient.Disconnect()

	records := store.NewFileStore(cfg.Record.Path, logger)
	manager := integration.NewManager(integration.Deps{
		Host:      h,
		Records:   records,
		Publisher: mqttClient,
		Currency:  cfg.Currency,
		Logger:    logger,
	})

	if records.Exists() {
		rec, err := records.Load()
		if err != nil {
			logger.Fatalf("Failed to load record: %v", err)
		}
		if err := manager.Load(ctx, rec); err != nil {
			logger.Fatalf("Failed to set up %s: %v", rec.ID, err)
		}
	} else {
		logger.Infof("No record at %s, waiting for setup on %s/setup", cfg.Record.Path, cfg.HTTP.Addr)
	}

	metrics.Register(prometheus.DefaultRegisterer)
	server := web.NewServer(cfg.HTTP.Addr, cfg.Record.ID, manager, prometheus.DefaultGatherer, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			logger.Errorf("HTTP server error: %v", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-manager.Ready():
		}
		updates, err := records.Watch(ctx)
		if err != nil {
			logger.Errorf("Failed to watch %s: %v", records.Path(), err)
			return
		}
		manager.Instance().Run(ctx, updates)
	}()

	logger.Info("All services started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down...")
	cancel()

	manager.Unload()

	wg.Wait()
	logger.Info("Shutdown complete")
}
