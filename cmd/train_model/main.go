package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"neurotrader/config"
	"neurotrader/internal/adapters/logger"
	"neurotrader/internal/adapters/sqlite"
	"neurotrader/internal/domain"
	"neurotrader/internal/features"
	"neurotrader/internal/model"
	"neurotrader/internal/training"
	"neurotrader/internal/utils"
	"neurotrader/internal/window"
)

// Builds a training corpus from a candle CSV and fits a model artifact into
// the configured database. Useful for seeding a model before going live.
func main() {
	csvPath := flag.String("csv", "", "candle CSV produced by fetch_candles (required)")
	flag.Parse()
	if *csvPath == "" {
		log.Fatal("FATAL: -csv is required")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.NewStdLogger(logger.ParseLevel(cfg.LogLevel))
	ctx := context.Background()

	candles, err := utils.ReadCandlesFromCSV(*csvPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to read candles: %v", err)
	}
	if len(candles) == 0 {
		log.Fatalf("FATAL: CSV %s holds no candles", *csvPath)
	}
	instrument := candles[0].Instrument
	appLogger.Info(ctx, "Candles loaded", map[string]interface{}{"count": len(candles), "instrument": instrument})

	engineer, err := features.New(features.Config{
		ShortMAPeriod:  cfg.ShortMAPeriod,
		LongMAPeriod:   cfg.LongMAPeriod,
		ShortEMAPeriod: cfg.ShortEMAPeriod,
		LongEMAPeriod:  cfg.LongEMAPeriod,
		RSIPeriod:      cfg.RSIPeriod,
		StochPeriod:    cfg.StochPeriod,
		StochSmooth:    cfg.StochSmooth,
		NormWindow:     cfg.NormWindow,
		GapTolerance:   cfg.GapTolerance,
	}, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to build feature engineer: %v", err)
	}

	vectors, err := engineer.Replay(ctx, candles)
	if err != nil {
		log.Fatalf("FATAL: Failed to compute features: %v", err)
	}

	corpus, err := window.BuildCorpus(ctx, window.Config{
		SeqLen:      cfg.SeqLen,
		Horizon:     cfg.Horizon,
		HorizonWait: cfg.GapTolerance,
	}, appLogger, vectors)
	if err != nil {
		log.Fatalf("FATAL: Failed to build corpus: %v", err)
	}
	appLogger.Info(ctx, "Corpus built", map[string]interface{}{"samples": len(corpus)})

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open database: %v", err)
	}
	defer repo.Close()

	for _, sample := range corpus {
		if err := repo.Append(ctx, sample); err != nil {
			log.Fatalf("FATAL: Failed to store sample: %v", err)
		}
	}

	modelCfg := domain.ModelConfig{
		SeqLen:       cfg.SeqLen,
		Horizon:      cfg.Horizon,
		FeatureCount: engineer.FeatureCount(),
		HiddenSize:   cfg.HiddenSize,
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
	}

	store, err := model.NewStore(model.StoreConfig{
		Logger:      appLogger,
		Persistence: repo,
		Retention:   cfg.ModelRetention,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to build model store: %v", err)
	}
	if err := store.Restore(ctx, instrument, modelCfg.Hash()); err != nil {
		appLogger.Warn(ctx, "No previous artifacts restored", map[string]interface{}{"error": err.Error()})
	}

	trainer, err := training.NewManager(training.Config{
		MinSamples:      cfg.MinSamples,
		ValidationSplit: cfg.ValidationSplit,
		RegressionBound: cfg.RegressionBound,
		Seed:            cfg.TrainingSeed,
		BalanceClasses:  cfg.BalanceClasses,
	}, modelCfg, store, repo, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to build training manager: %v", err)
	}

	artifact, err := trainer.TrainNow(ctx, instrument)
	if err != nil {
		log.Fatalf("FATAL: Training failed: %v", err)
	}

	fmt.Printf("Published model v%d for %s (%s)\n", artifact.Version, artifact.Instrument, artifact.ConfigHash)
	fmt.Printf("  training set: %d samples\n", artifact.TrainingSetSize)
	fmt.Printf("  validation loss: %.6f\n", artifact.ValidationLoss)
}
