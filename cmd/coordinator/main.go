// Package main provides the entry point for the ledger coordinator service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/ledgerbridge/internal/config"
	"github.com/devrev/ledgerbridge/internal/connection"
	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/ledger/memledger"
	"github.com/devrev/ledgerbridge/internal/ledger/substrate"
	"github.com/devrev/ledgerbridge/internal/metrics"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/devrev/ledgerbridge/internal/resolver"
	"github.com/devrev/ledgerbridge/internal/server"
	"github.com/devrev/ledgerbridge/internal/service"
	"github.com/devrev/ledgerbridge/internal/store"
	"github.com/devrev/ledgerbridge/internal/validation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to config file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		data, err := cfg.Dump()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting ledger coordinator",
		zap.String("driver", cfg.Ledgers.Driver),
		zap.String("origin", cfg.Ledgers.Origin.Endpoint),
		zap.String("destination", cfg.Ledgers.Destination.Endpoint),
		zap.Int("server_port", cfg.Server.Port))

	m := metrics.NewMetrics()

	dial, closeNetwork, err := newDialer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create ledger dialer", zap.Error(err))
	}
	defer closeNetwork()

	connections := connection.NewManager(dial, map[model.LedgerID]connection.Endpoint{
		model.LedgerOrigin:      {URL: cfg.Ledgers.Origin.Endpoint, Label: cfg.Ledgers.Origin.Label},
		model.LedgerDestination: {URL: cfg.Ledgers.Destination.Endpoint, Label: cfg.Ledgers.Destination.Label},
	}, cfg.Ledgers.DialTimeout, m, logger)

	views := store.NewRegistryStore(m, logger)
	reconciler := service.NewReconcileService(connections, views, service.ReconcileConfig{
		GraceInterval:       cfg.Reconcile.GraceInterval,
		PollInitialInterval: cfg.Reconcile.PollInitialInterval,
		PollMaxInterval:     cfg.Reconcile.PollMaxInterval,
		PollMultiplier:      cfg.Reconcile.PollMultiplier,
		GiveUpAfter:         cfg.Reconcile.GiveUpAfter,
	}, m, logger)

	validator := validation.NewValidatorWithLimits(validation.Limits{
		MaxNameLen:    cfg.Validation.MaxNameLen,
		MaxSurnameLen: cfg.Validation.MaxSurnameLen,
		MinAge:        cfg.Validation.MinAge,
		MaxAge:        cfg.Validation.MaxAge,
	})

	commands := service.NewCommandService(connections, reconciler, validator, service.CommandConfig{
		QueueSize:       cfg.Commands.QueueSize,
		FinalityTimeout: cfg.Commands.FinalityTimeout,
		StopTimeout:     cfg.Server.ShutdownTimeout,
	}, m, logger)

	coordinator := service.NewCoordinatorService(
		connections,
		resolver.New(cfg.Resolver.Candidates, cfg.Resolver.CountAccessor, logger),
		views,
		commands,
		reconciler,
		logger,
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*cfg.Ledgers.DialTimeout)
	err = coordinator.Start(startCtx)
	cancelStart()
	if err != nil {
		// Keep serving so status and reconnect remain available
		logger.Error("Coordinator start incomplete", zap.Error(err))
	}

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, m.Handler(), logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := server.NewServer(cfg, coordinator, validator, m, logger)
	httpServer.SetupRoutes()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("Initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}
	if err := coordinator.Shutdown(); err != nil {
		logger.Error("Failed to shutdown coordinator", zap.Error(err))
	}

	logger.Info("Ledger coordinator shutdown complete")
}

// newDialer returns the dialer for the configured driver and a func that
// releases anything the driver owns
func newDialer(cfg *config.Config, logger *zap.Logger) (ledger.Dialer, func(), error) {
	switch cfg.Ledgers.Driver {
	case config.DriverMemory:
		mem := cfg.Ledgers.Memory
		network := memledger.NewNetwork(cfg.Ledgers.Origin.Endpoint, cfg.Ledgers.Destination.Endpoint, memledger.Options{
			InclusionDelay: mem.InclusionDelay,
			FinalityDelay:  mem.FinalityDelay,
			DeliveryDelay:  mem.DeliveryDelay,
			MaxNameLen:     cfg.Validation.MaxNameLen,
			Signer:         cfg.Signer.SecretURI,
		}, logger)
		return network.Dial, network.Close, nil
	default:
		dial, err := substrate.NewDialer(cfg.Signer.SecretURI, logger)
		if err != nil {
			return nil, nil, err
		}
		return dial, func() {}, nil
	}
}

// initLogger builds the zap logger from the logging config
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
