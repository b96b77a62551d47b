package predict

import (
	"context"
	"fmt"
	"math"
	"sync"

	"neurotrader/internal/domain"
	"neurotrader/internal/model"
	"neurotrader/internal/ports"
)

// Config holds configuration for the predictor.
type Config struct {
	NeutralBand float64 // |value| below this is reported as FLAT, e.g. 0.1
}

// Predictor scores unlabeled sequence windows with the active model artifact
// and emits predictions with calibrated confidence. It never blocks on the
// training lane: lookups read whatever artifact is currently published.
type Predictor struct {
	cfg        Config
	modelCfg   domain.ModelConfig
	logger     ports.Logger
	store      *model.Store
	calibrator ports.ConfidenceCalibrator

	mu     sync.Mutex
	cached map[string]cachedNetwork // latest rebuilt network per instrument
}

type cachedNetwork struct {
	version int64
	net     *model.Network
}

// New creates a predictor.
func New(cfg Config, modelCfg domain.ModelConfig, store *model.Store, calibrator ports.ConfidenceCalibrator, logger ports.Logger) (*Predictor, error) {
	if logger == nil || store == nil || calibrator == nil {
		return nil, fmt.Errorf("missing required dependencies for predictor")
	}
	if cfg.NeutralBand < 0 || cfg.NeutralBand >= 1 {
		return nil, fmt.Errorf("%w: neutral band must be in [0, 1)", ports.ErrConfigurationError)
	}
	return &Predictor{
		cfg:        cfg,
		modelCfg:   modelCfg,
		logger:     logger,
		store:      store,
		calibrator: calibrator,
		cached:     make(map[string]cachedNetwork),
	}, nil
}

// Predict scores one window against the active artifact for its instrument.
// Fails with ErrNoModelAvailable when nothing has been published yet. The
// result is stamped with the artifact version that produced it.
func (p *Predictor) Predict(ctx context.Context, window *domain.SequenceWindow) (*domain.PredictionResult, error) {
	if window == nil || len(window.Vectors) == 0 {
		return nil, fmt.Errorf("empty sequence window")
	}

	configHash := p.modelCfg.Hash()
	artifact, err := p.store.GetActive(window.Instrument, configHash)
	if err != nil {
		return nil, err
	}

	net, err := p.networkFor(window.Instrument, artifact)
	if err != nil {
		return nil, fmt.Errorf("rebuilding network from artifact v%d: %w", artifact.Version, err)
	}

	probs, err := net.Forward(window.Flatten())
	if err != nil {
		return nil, fmt.Errorf("scoring window for %s: %w", window.Instrument, err)
	}

	value := probs[1] - probs[0]
	direction := domain.DirectionFlat
	if value > p.cfg.NeutralBand {
		direction = domain.DirectionUp
	} else if value < -p.cfg.NeutralBand {
		direction = domain.DirectionDown
	}

	raw := math.Max(probs[0], probs[1])
	confidence := p.calibrator.Calibrate(raw)
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	ts := window.End()
	result := &domain.PredictionResult{
		ID:           domain.PredictionID(window.Instrument, ts, artifact.Version),
		Instrument:   window.Instrument,
		Timestamp:    ts,
		Value:        value,
		Direction:    direction,
		Confidence:   confidence,
		ModelVersion: artifact.Version,
		ConfigHash:   configHash,
		Window:       window,
	}

	p.logger.Debug(ctx, "Prediction produced", map[string]interface{}{
		"instrument": result.Instrument,
		"direction":  result.Direction,
		"value":      result.Value,
		"confidence": result.Confidence,
		"version":    result.ModelVersion,
	})
	return result, nil
}

// Observe feeds a settled prediction back into the confidence calibrator.
// raw is the uncalibrated class probability recoverable from the prediction
// value.
func (p *Predictor) Observe(value float64, correct bool) {
	raw := 0.5 + math.Abs(value)/2
	p.calibrator.Observe(raw, correct)
}

// networkFor rebuilds the network for an artifact, reusing the cached one
// while the active version is unchanged.
func (p *Predictor) networkFor(instrument string, artifact *domain.ModelArtifact) (*model.Network, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cached[instrument]; ok && c.version == artifact.Version {
		return c.net, nil
	}
	net, err := model.FromArtifact(artifact)
	if err != nil {
		return nil, err
	}
	p.cached[instrument] = cachedNetwork{version: artifact.Version, net: net}
	return net, nil
}
