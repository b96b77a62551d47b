package predict

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurotrader/internal/domain"
	"neurotrader/internal/model"
	"neurotrader/internal/ports"
)

// --- Mock Logger ---
type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

// --- Mock Calibrator ---
type mockCalibrator struct {
	mu        sync.Mutex
	result    float64
	calls     []float64
	observed  []float64
	successes []bool
}

func (m *mockCalibrator) Calibrate(raw float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, raw)
	return m.result
}

func (m *mockCalibrator) Observe(raw float64, correct bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = append(m.observed, raw)
	m.successes = append(m.successes, correct)
}

func testModelConfig() domain.ModelConfig {
	return domain.ModelConfig{
		SeqLen:       4,
		Horizon:      2,
		FeatureCount: 3,
		HiddenSize:   6,
		Epochs:       10,
		BatchSize:    4,
		LearningRate: 0.05,
	}
}

func testWindow(cfg domain.ModelConfig, fill float64) *domain.SequenceWindow {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	vectors := make([]domain.FeatureVector, cfg.SeqLen)
	for i := range vectors {
		normalized := make([]float64, cfg.FeatureCount)
		for f := range normalized {
			normalized[f] = fill
		}
		vectors[i] = domain.FeatureVector{
			Instrument: "ETHUSDT",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Normalized: normalized,
		}
	}
	return &domain.SequenceWindow{Instrument: "ETHUSDT", Vectors: vectors}
}

func publishArtifact(t *testing.T, store *model.Store, cfg domain.ModelConfig) *domain.ModelArtifact {
	t.Helper()
	artifact := &domain.ModelArtifact{
		Instrument:      "ETHUSDT",
		ConfigHash:      cfg.Hash(),
		Config:          cfg,
		TrainingSetSize: 100,
		ValidationLoss:  0.65,
		Weights:         model.NewNetwork(cfg, 42).Weights(),
	}
	require.NoError(t, store.Publish(context.Background(), artifact))
	return artifact
}

func newTestPredictor(t *testing.T, cfg Config, calibrator ports.ConfidenceCalibrator) (*Predictor, *model.Store) {
	t.Helper()
	store, err := model.NewStore(model.StoreConfig{Logger: &mockLogger{}, Retention: 3})
	require.NoError(t, err)
	p, err := New(cfg, testModelConfig(), store, calibrator, &mockLogger{})
	require.NoError(t, err)
	return p, store
}

func TestNew_Validation(t *testing.T) {
	store, err := model.NewStore(model.StoreConfig{Logger: &mockLogger{}, Retention: 3})
	require.NoError(t, err)

	_, err = New(Config{}, testModelConfig(), store, nil, &mockLogger{})
	assert.Error(t, err)

	_, err = New(Config{NeutralBand: 1.0}, testModelConfig(), store, ClampCalibrator{}, &mockLogger{})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	_, err = New(Config{NeutralBand: -0.1}, testModelConfig(), store, ClampCalibrator{}, &mockLogger{})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestPredict_NoModelAvailable(t *testing.T) {
	p, _ := newTestPredictor(t, Config{NeutralBand: 0.1}, ClampCalibrator{})

	_, err := p.Predict(context.Background(), testWindow(testModelConfig(), 0.5))
	assert.ErrorIs(t, err, ports.ErrNoModelAvailable)
}

func TestPredict_StampsResult(t *testing.T) {
	p, store := newTestPredictor(t, Config{}, ClampCalibrator{})
	artifact := publishArtifact(t, store, testModelConfig())

	window := testWindow(testModelConfig(), 0.5)
	result, err := p.Predict(context.Background(), window)
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", result.Instrument)
	assert.Equal(t, window.End(), result.Timestamp)
	assert.Equal(t, artifact.Version, result.ModelVersion)
	assert.Equal(t, testModelConfig().Hash(), result.ConfigHash)
	assert.Equal(t, domain.PredictionID("ETHUSDT", window.End(), artifact.Version), result.ID)
	assert.Same(t, window, result.Window)

	assert.GreaterOrEqual(t, result.Value, -1.0)
	assert.LessOrEqual(t, result.Value, 1.0)
	assert.GreaterOrEqual(t, result.Confidence, 0.0)
	assert.LessOrEqual(t, result.Confidence, 1.0)

	// With a zero neutral band, direction follows the sign of the value.
	if result.Value > 0 {
		assert.Equal(t, domain.DirectionUp, result.Direction)
	} else {
		assert.Equal(t, domain.DirectionDown, result.Direction)
	}
}

func TestPredict_NeutralBandYieldsFlat(t *testing.T) {
	// A band of 0.99 swallows any signal the untrained network produces.
	p, store := newTestPredictor(t, Config{NeutralBand: 0.99}, ClampCalibrator{})
	publishArtifact(t, store, testModelConfig())

	result, err := p.Predict(context.Background(), testWindow(testModelConfig(), 0.5))
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionFlat, result.Direction)
}

func TestPredict_CalibratorClampsConfidence(t *testing.T) {
	calibrator := &mockCalibrator{result: 1.7}
	p, store := newTestPredictor(t, Config{NeutralBand: 0.1}, calibrator)
	publishArtifact(t, store, testModelConfig())

	result, err := p.Predict(context.Background(), testWindow(testModelConfig(), 0.5))
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)

	// The calibrator saw the max class probability.
	require.Len(t, calibrator.calls, 1)
	assert.GreaterOrEqual(t, calibrator.calls[0], 0.5)
	assert.LessOrEqual(t, calibrator.calls[0], 1.0)
}

func TestPredict_TracksActiveVersion(t *testing.T) {
	p, store := newTestPredictor(t, Config{NeutralBand: 0.1}, ClampCalibrator{})
	publishArtifact(t, store, testModelConfig())

	window := testWindow(testModelConfig(), 0.5)
	first, err := p.Predict(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ModelVersion)

	// A new publish swaps the artifact; the next prediction uses it.
	publishArtifact(t, store, testModelConfig())
	second, err := p.Predict(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ModelVersion)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestPredict_RejectsEmptyWindow(t *testing.T) {
	p, _ := newTestPredictor(t, Config{NeutralBand: 0.1}, ClampCalibrator{})

	_, err := p.Predict(context.Background(), nil)
	assert.Error(t, err)

	_, err = p.Predict(context.Background(), &domain.SequenceWindow{Instrument: "ETHUSDT"})
	assert.Error(t, err)
}

func TestObserve_FeedsCalibrator(t *testing.T) {
	calibrator := &mockCalibrator{result: 0.5}
	p, _ := newTestPredictor(t, Config{NeutralBand: 0.1}, calibrator)

	p.Observe(0.4, true)
	p.Observe(-0.4, false)

	require.Len(t, calibrator.observed, 2)
	assert.InDelta(t, 0.7, calibrator.observed[0], 1e-9)
	assert.InDelta(t, 0.7, calibrator.observed[1], 1e-9)
	assert.Equal(t, []bool{true, false}, calibrator.successes)
}
