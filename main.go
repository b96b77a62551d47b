package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"neurotrader/config"
	"neurotrader/internal/adapters/binanceclient"
	"neurotrader/internal/adapters/logger"
	"neurotrader/internal/adapters/sqlite"
	"neurotrader/internal/app"
	"neurotrader/internal/risk"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.NewZeroLogger(logger.ZeroConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel, "format": cfg.LogFormat})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Venue Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		Interval:             cfg.Interval,
		Expiry:               cfg.Expiry,
		SettleAsset:          cfg.SettleAsset,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 5. Initialize Stake Policy
	stake, err := risk.NewPolicy(cfg.StakePolicy, risk.PolicyConfig{
		FixedAmount:    cfg.StakeAmount,
		BalancePercent: cfg.StakePercent,
		Multiplier:     cfg.StakeMultiplier,
		MaxSteps:       cfg.StakeMaxSteps,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize stake policy")
		log.Fatalf("FATAL: Failed to initialize stake policy: %v", err)
	}
	appLogger.Info(context.Background(), "Stake policy initialized", map[string]interface{}{"policy": cfg.StakePolicy})

	// 6. Initialize Application Service
	service, err := app.NewService(cfg, app.Deps{
		Logger:    appLogger,
		Market:    binanceClient,
		Executor:  binanceClient,
		Samples:   repo,
		Journal:   repo,
		Artifacts: repo,
		Stake:     stake,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize prediction service")
		log.Fatalf("FATAL: Failed to initialize prediction service: %v", err)
	}
	appLogger.Info(context.Background(), "Prediction service initialized")

	// 7. Start the Service
	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Prediction service exited with error")
		log.Fatalf("FATAL: Prediction service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
