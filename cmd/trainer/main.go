package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arberzela/mothernet/internal/models"
	"github.com/arberzela/mothernet/internal/train"
	"github.com/arberzela/mothernet/pkg/config"
	"github.com/arberzela/mothernet/pkg/logger"
	"github.com/arberzela/mothernet/pkg/metrics"
	"github.com/arberzela/mothernet/pkg/tracking"
)

func main() {
	err := config.LoadConfig(os.Getenv("CONFIG_FILE_PATH")) // or "" for auto-discovery
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	cfg := config.GetConfig()
	cfg.Derive()

	if err := config.Validate(&cfg); err != nil {
		panic("Configuration validation failed: " + err.Error())
	}

	device := train.ResolveDevice(cfg.Device)
	logger.Initialize(&cfg.Logging, device.Rank)

	logger.GetLogger().Info("Starting trainer...")
	logger.GetLogger().Infof("Orchestration config: %+v", cfg.Orchestration)

	trainingMetrics := metrics.NewTrainingMetrics()
	metricsServer := metrics.NewMetricsServer(&cfg.Metrics)
	if device.IsMain() {
		if err := metricsServer.Start(); err != nil {
			logger.GetLogger().Errorf("Failed to start metrics server: %v", err)
		}
	}

	optimizer := models.NewSGD(cfg.Optimizer)
	model := models.NewLinear(&cfg, optimizer)

	opts := train.Options{
		Model:     model,
		Optimizer: optimizer,
		Metrics:   trainingMetrics,
	}
	if cfg.Tracking.Report {
		opts.Reporter = tracking.NewReporter(os.Stdout)
	}

	driver, err := train.NewDriver(&cfg, opts)
	if err != nil {
		logger.GetLogger().Fatalf("Failed to set up training run: %v", err)
	}

	if cfg.Tracking.Enabled && device.IsMain() {
		resume := cfg.Orchestration.ContinueRun && !cfg.Orchestration.CreateNewRun
		sink, err := tracking.Connect(cfg.Tracking, cfg.Orchestration.Experiment, driver.ModelStringValue(), resume)
		if err != nil {
			var handshake *tracking.HandshakeError
			if errors.As(err, &handshake) {
				logger.GetLogger().Fatalf("Tracking handshake failed: %v", handshake)
			}
			logger.GetLogger().Fatalf("Failed to connect tracking: %v", err)
		}
		driver.UseSink(sink)
	}

	// Cooperative shutdown: the first signal cancels the context, the epoch
	// loop stops at the next boundary and the exit checkpoint is written.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.GetLogger().Infof("Received signal: %v, stopping after current epoch", sig)
		cancel()
	}()

	finalLoss, err := driver.Run(ctx)
	if err != nil {
		logger.GetLogger().Fatalf("Training failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.GetLogger().Errorf("Failed to stop metrics server gracefully: %v", err)
	}

	logger.GetLogger().Infof("Training finished with final loss %v", finalLoss)
}
