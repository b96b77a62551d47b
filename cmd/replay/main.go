package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"neurotrader/config"
	"neurotrader/internal/adapters/logger"
	"neurotrader/internal/domain"
	"neurotrader/internal/features"
	"neurotrader/internal/model"
	"neurotrader/internal/ports"
	"neurotrader/internal/predict"
	"neurotrader/internal/training"
	"neurotrader/internal/utils"
	"neurotrader/internal/window"
)

// memoryRepo is a throwaway in-memory sample store for offline replays.
type memoryRepo struct {
	mu      sync.Mutex
	samples []*domain.TrainingSample
}

func (r *memoryRepo) Append(ctx context.Context, sample *domain.TrainingSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample)
	return nil
}

func (r *memoryRepo) FindByInstrument(ctx context.Context, instrument string, limit int) ([]*domain.TrainingSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.TrainingSample, 0, len(r.samples))
	for _, s := range r.samples {
		if s.Window.Instrument == instrument {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LabeledAt.Before(out[j].LabeledAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memoryRepo) CountByInstrument(ctx context.Context, instrument string) (int, error) {
	samples, _ := r.FindByInstrument(ctx, instrument, 0)
	return len(samples), nil
}

func (r *memoryRepo) DeleteBefore(ctx context.Context, instrument string, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.samples[:0]
	removed := 0
	for _, s := range r.samples {
		if s.Window.Instrument == instrument && s.LabeledAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	r.samples = kept
	return removed, nil
}

// Walk-forward evaluation of the prediction pipeline over a candle CSV:
// train on the head of the data, then step through the tail comparing each
// prediction against the realized move.
func main() {
	csvPath := flag.String("csv", "", "candle CSV produced by fetch_candles (required)")
	trainShare := flag.Float64("train", 0.7, "share of the data used for training")
	flag.Parse()
	if *csvPath == "" {
		log.Fatal("FATAL: -csv is required")
	}
	if *trainShare <= 0 || *trainShare >= 1 {
		log.Fatal("FATAL: -train must be between 0 and 1")
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
	if len(vectors) < cfg.SeqLen+cfg.Horizon+cfg.MinSamples {
		log.Fatalf("FATAL: not enough data: %d vectors", len(vectors))
	}

	split := int(float64(len(vectors)) * *trainShare)
	windowCfg := window.Config{SeqLen: cfg.SeqLen, Horizon: cfg.Horizon, HorizonWait: cfg.GapTolerance}

	corpus, err := window.BuildCorpus(ctx, windowCfg, appLogger, vectors[:split])
	if err != nil {
		log.Fatalf("FATAL: Failed to build corpus: %v", err)
	}
	repo := &memoryRepo{}
	for _, sample := range corpus {
		_ = repo.Append(ctx, sample)
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
	store, err := model.NewStore(model.StoreConfig{Logger: appLogger, Retention: cfg.ModelRetention})
	if err != nil {
		log.Fatalf("FATAL: Failed to build model store: %v", err)
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
	fmt.Printf("Trained model v%d on %d samples (validation loss %.6f)\n",
		artifact.Version, artifact.TrainingSetSize, artifact.ValidationLoss)

	predictor, err := predict.New(predict.Config{NeutralBand: cfg.NeutralBand}, modelCfg, store, predict.ClampCalibrator{}, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to build predictor: %v", err)
	}

	// Walk forward over the evaluation tail.
	var total, traded, wins, losses int
	var payout float64
	eval := vectors[split:]
	for i := cfg.SeqLen - 1; i+cfg.Horizon < len(eval); i++ {
		win := &domain.SequenceWindow{Instrument: instrument}
		for _, v := range eval[i-cfg.SeqLen+1 : i+1] {
			win.Vectors = append(win.Vectors, *v)
		}

		pred, err := predictor.Predict(ctx, win)
		if err != nil {
			if errors.Is(err, ports.ErrNoModelAvailable) {
				break
			}
			continue
		}
		total++

		if pred.Direction == domain.DirectionFlat || pred.Confidence < cfg.MinConfidence {
			continue
		}
		traded++

		endClose := eval[i].Raw[0]
		futureClose := eval[i+cfg.Horizon].Raw[0]
		realized := domain.DirectionDown
		if futureClose > endClose {
			realized = domain.DirectionUp
		}

		move := (futureClose - endClose) / endClose
		if pred.Direction == domain.DirectionDown {
			move = -move
		}
		payout += move * cfg.StakeAmount

		if pred.Direction == realized {
			wins++
		} else {
			losses++
		}
	}

	fmt.Printf("\nReplay results for %s\n", instrument)
	fmt.Printf("  evaluated:  %d windows\n", total)
	fmt.Printf("  traded:     %d (confidence >= %.2f)\n", traded, cfg.MinConfidence)
	if traded > 0 {
		fmt.Printf("  wins:       %d\n", wins)
		fmt.Printf("  losses:     %d\n", losses)
		fmt.Printf("  hit rate:   %.1f%%\n", 100*float64(wins)/float64(traded))
		fmt.Printf("  net payout: %.2f (stake %.2f per trade)\n", payout, cfg.StakeAmount)
	}
}
