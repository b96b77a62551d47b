package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"neurotrader/internal/domain"
	"neurotrader/internal/model"
	"neurotrader/internal/ports"
)

// Config holds configuration for the training manager.
type Config struct {
	MinSamples      int     // corpus size below this fails with ErrInsufficientTrainingData
	ValidationSplit float64 // tail share of the corpus held out, e.g. 0.2
	RegressionBound float64 // candidate may be at most this much worse than the active artifact, e.g. 0.05
	Seed            int64   // weight init and batch shuffle seed
	BalanceClasses  bool    // trim the majority class before fitting
}

// Manager fits new model artifacts from the sample corpus without disturbing
// ongoing predictions. Training always runs off the live-prediction path; the
// only touch point with the online lane is the store's Publish. Triggers are
// idempotent: a trigger while training is already in flight for the same
// instrument coalesces into a no-op.
type Manager struct {
	cfg      Config
	modelCfg domain.ModelConfig
	logger   ports.Logger
	store    *model.Store
	samples  ports.SampleRepository

	// OnPublished, when set, is called after a candidate passes the gate and
	// is published. The feedback collector uses it to reset its new-sample
	// counter.
	OnPublished func(instrument string)

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// NewManager creates a training manager.
func NewManager(cfg Config, modelCfg domain.ModelConfig, store *model.Store, samples ports.SampleRepository, logger ports.Logger) (*Manager, error) {
	if logger == nil || store == nil || samples == nil {
		return nil, fmt.Errorf("missing required dependencies for training manager")
	}
	if cfg.MinSamples <= 0 {
		return nil, fmt.Errorf("%w: MinSamples must be positive", ports.ErrConfigurationError)
	}
	if cfg.ValidationSplit <= 0 || cfg.ValidationSplit >= 1 {
		cfg.ValidationSplit = 0.2
	}
	if cfg.RegressionBound < 0 {
		return nil, fmt.Errorf("%w: RegressionBound cannot be negative", ports.ErrConfigurationError)
	}
	if modelCfg.Epochs <= 0 || modelCfg.LearningRate <= 0 || modelCfg.HiddenSize <= 0 {
		return nil, fmt.Errorf("%w: model epochs, learning rate and hidden size must be positive", ports.ErrConfigurationError)
	}
	return &Manager{
		cfg:      cfg,
		modelCfg: modelCfg,
		logger:   logger,
		store:    store,
		samples:  samples,
		inFlight: make(map[string]bool),
	}, nil
}

// TrainNow runs one full training cycle synchronously: load corpus, split
// chronologically, fit a candidate, and publish it only if it passes the
// validation gate. On ErrTrainingRejected the previously active artifact
// stays in service; rejection is a safety gate, not a hard error.
func (m *Manager) TrainNow(ctx context.Context, instrument string) (*domain.ModelArtifact, error) {
	corpus, err := m.samples.FindByInstrument(ctx, instrument, 0)
	if err != nil {
		return nil, fmt.Errorf("loading training corpus for %s: %w", instrument, err)
	}
	if len(corpus) < m.cfg.MinSamples {
		return nil, fmt.Errorf("%d samples for %s, need %d: %w",
			len(corpus), instrument, m.cfg.MinSamples, ports.ErrInsufficientTrainingData)
	}

	// Chronological split: the newest tail is validation. Never random, so no
	// future sample can leak into the training half.
	splitIdx := int(float64(len(corpus)) * (1 - m.cfg.ValidationSplit))
	if splitIdx <= 0 || splitIdx >= len(corpus) {
		return nil, fmt.Errorf("corpus of %d cannot be split with ratio %.2f: %w",
			len(corpus), m.cfg.ValidationSplit, ports.ErrInsufficientTrainingData)
	}
	train, validation := corpus[:splitIdx], corpus[splitIdx:]

	if m.cfg.BalanceClasses {
		train = balanceClasses(train)
	}
	if len(train) == 0 {
		return nil, fmt.Errorf("training split empty after balancing: %w", ports.ErrInsufficientTrainingData)
	}

	rng := rand.New(rand.NewSource(m.cfg.Seed))
	net := model.NewNetwork(m.modelCfg, m.cfg.Seed)
	started := time.Now()
	if err := net.Fit(train, rng); err != nil {
		return nil, fmt.Errorf("fitting candidate for %s: %w", instrument, err)
	}

	valLoss, err := net.Loss(validation)
	if err != nil {
		return nil, fmt.Errorf("evaluating candidate for %s: %w", instrument, err)
	}

	m.logger.Info(ctx, "Candidate model trained", map[string]interface{}{
		"instrument":     instrument,
		"trainSamples":   len(train),
		"validation":     len(validation),
		"validationLoss": valLoss,
		"elapsed":        time.Since(started).String(),
	})

	if math.IsNaN(valLoss) || math.IsInf(valLoss, 0) {
		return nil, fmt.Errorf("candidate for %s has non-finite validation loss: %w", instrument, ports.ErrTrainingRejected)
	}

	configHash := m.modelCfg.Hash()
	if active, err := m.store.GetActive(instrument, configHash); err == nil {
		bound := active.ValidationLoss * (1 + m.cfg.RegressionBound)
		if valLoss > bound {
			return nil, fmt.Errorf("candidate loss %.6f exceeds bound %.6f (active %.6f): %w",
				valLoss, bound, active.ValidationLoss, ports.ErrTrainingRejected)
		}
	}

	// Cancellation between fit and publish must leave the active artifact
	// untouched.
	if ctx.Err() != nil {
		return nil, fmt.Errorf("training canceled before publish: %w", ports.ErrContextCanceled)
	}

	artifact := &domain.ModelArtifact{
		Instrument:      instrument,
		ConfigHash:      configHash,
		TrainedAt:       time.Now().UTC(),
		TrainingSetSize: len(train),
		ValidationLoss:  valLoss,
		Config:          m.modelCfg,
		Weights:         net.Weights(),
	}
	if err := m.store.Publish(ctx, artifact); err != nil {
		return nil, fmt.Errorf("publishing candidate for %s: %w", instrument, err)
	}

	if m.OnPublished != nil {
		m.OnPublished(instrument)
	}
	return artifact, nil
}

// Trigger starts an asynchronous training run for the instrument. Returns
// false when a run is already in flight for that instrument; the trigger
// coalesces into a no-op.
func (m *Manager) Trigger(ctx context.Context, instrument string) bool {
	m.mu.Lock()
	if m.inFlight[instrument] {
		m.mu.Unlock()
		m.logger.Debug(ctx, "Training already in flight, trigger coalesced", map[string]interface{}{"instrument": instrument})
		return false
	}
	m.inFlight[instrument] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inFlight, instrument)
			m.mu.Unlock()
		}()

		if _, err := m.TrainNow(ctx, instrument); err != nil {
			// Training failures are recoverable: the active model keeps serving.
			m.logger.Warn(ctx, "Training run did not publish", map[string]interface{}{
				"instrument": instrument,
				"reason":     err.Error(),
			})
		}
	}()
	return true
}

// RunPeriodic triggers retraining for the instrument every interval until the
// context is canceled. Intended to run as its own goroutine.
func (m *Manager) RunPeriodic(ctx context.Context, instrument string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Trigger(ctx, instrument)
		}
	}
}

// Wait blocks until all in-flight training runs finish. Used on shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// balanceClasses trims the majority class so both labels contribute equally,
// preserving chronological order within the kept samples.
func balanceClasses(samples []*domain.TrainingSample) []*domain.TrainingSample {
	var up, down int
	for _, s := range samples {
		if s.Label == domain.DirectionUp {
			up++
		} else {
			down++
		}
	}
	limit := up
	if down < limit {
		limit = down
	}
	if limit == 0 {
		return samples // single-class corpus, nothing sensible to trim
	}

	out := make([]*domain.TrainingSample, 0, 2*limit)
	var keptUp, keptDown int
	for _, s := range samples {
		if s.Label == domain.DirectionUp {
			if keptUp >= limit {
				continue
			}
			keptUp++
		} else {
			if keptDown >= limit {
				continue
			}
			keptDown++
		}
		out = append(out, s)
	}
	return out
}
