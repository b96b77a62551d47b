package training

import (
	"context"
	"math/rand"
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

// --- Mock Sample Repository ---
type mockSampleRepo struct {
	mu      sync.Mutex
	samples []*domain.TrainingSample
	findErr error

	findStarted chan struct{} // closed on first FindByInstrument, when set
	findBlock   chan struct{} // FindByInstrument waits on this, when set
}

func (m *mockSampleRepo) Append(ctx context.Context, sample *domain.TrainingSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample)
	return nil
}

func (m *mockSampleRepo) FindByInstrument(ctx context.Context, instrument string, limit int) ([]*domain.TrainingSample, error) {
	m.mu.Lock()
	started := m.findStarted
	block := m.findBlock
	m.findStarted = nil
	m.mu.Unlock()
	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	out := make([]*domain.TrainingSample, 0, len(m.samples))
	for _, s := range m.samples {
		if s.Window.Instrument == instrument {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSampleRepo) CountByInstrument(ctx context.Context, instrument string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples), nil
}

func (m *mockSampleRepo) DeleteBefore(ctx context.Context, instrument string, cutoff time.Time) (int, error) {
	return 0, nil
}

func testModelConfig() domain.ModelConfig {
	return domain.ModelConfig{
		SeqLen:       4,
		Horizon:      2,
		FeatureCount: 3,
		HiddenSize:   6,
		Epochs:       25,
		BatchSize:    8,
		LearningRate: 0.1,
	}
}

func testTrainingConfig() Config {
	return Config{
		MinSamples:      20,
		ValidationSplit: 0.2,
		RegressionBound: 0.05,
		Seed:            42,
		BalanceClasses:  true,
	}
}

// corpusSamples alternates up and down windows around separable centers.
func corpusSamples(cfg domain.ModelConfig, count int) []*domain.TrainingSample {
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	samples := make([]*domain.TrainingSample, 0, count)
	for i := 0; i < count; i++ {
		label := domain.DirectionDown
		center := 0.2
		if i%2 == 0 {
			label = domain.DirectionUp
			center = 0.8
		}
		vectors := make([]domain.FeatureVector, cfg.SeqLen)
		for s := range vectors {
			normalized := make([]float64, cfg.FeatureCount)
			for f := range normalized {
				normalized[f] = center + rng.Float64()*0.1 - 0.05
			}
			vectors[s] = domain.FeatureVector{
				Instrument: "ETHUSDT",
				Timestamp:  base.Add(time.Duration(i*cfg.SeqLen+s) * time.Minute),
				Normalized: normalized,
			}
		}
		samples = append(samples, &domain.TrainingSample{
			Window:    domain.SequenceWindow{Instrument: "ETHUSDT", Vectors: vectors},
			Label:     label,
			Source:    domain.SourceHistory,
			LabeledAt: base.Add(time.Duration((i+1)*cfg.SeqLen) * time.Minute),
		})
	}
	return samples
}

func newTestManager(t *testing.T, cfg Config, repo ports.SampleRepository) (*Manager, *model.Store) {
	t.Helper()
	store, err := model.NewStore(model.StoreConfig{Logger: &mockLogger{}, Retention: 3})
	require.NoError(t, err)
	mgr, err := NewManager(cfg, testModelConfig(), store, repo, &mockLogger{})
	require.NoError(t, err)
	return mgr, store
}

func TestNewManager_Validation(t *testing.T) {
	store, err := model.NewStore(model.StoreConfig{Logger: &mockLogger{}, Retention: 3})
	require.NoError(t, err)
	repo := &mockSampleRepo{}

	_, err = NewManager(testTrainingConfig(), testModelConfig(), store, repo, nil)
	assert.Error(t, err)

	bad := testTrainingConfig()
	bad.MinSamples = 0
	_, err = NewManager(bad, testModelConfig(), store, repo, &mockLogger{})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	bad = testTrainingConfig()
	bad.RegressionBound = -0.1
	_, err = NewManager(bad, testModelConfig(), store, repo, &mockLogger{})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	badModel := testModelConfig()
	badModel.Epochs = 0
	_, err = NewManager(testTrainingConfig(), badModel, store, repo, &mockLogger{})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestTrainNow_InsufficientSamples(t *testing.T) {
	repo := &mockSampleRepo{samples: corpusSamples(testModelConfig(), 10)}
	mgr, store := newTestManager(t, testTrainingConfig(), repo)

	_, err := mgr.TrainNow(context.Background(), "ETHUSDT")
	assert.ErrorIs(t, err, ports.ErrInsufficientTrainingData)

	_, err = store.GetActive("ETHUSDT", testModelConfig().Hash())
	assert.ErrorIs(t, err, ports.ErrNoModelAvailable)
}

func TestTrainNow_PublishesCandidate(t *testing.T) {
	repo := &mockSampleRepo{samples: corpusSamples(testModelConfig(), 40)}
	mgr, store := newTestManager(t, testTrainingConfig(), repo)

	artifact, err := mgr.TrainNow(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, int64(1), artifact.Version)
	assert.Equal(t, testModelConfig().Hash(), artifact.ConfigHash)
	assert.Greater(t, artifact.TrainingSetSize, 0)
	assert.False(t, artifact.TrainedAt.IsZero())

	active, err := store.GetActive("ETHUSDT", testModelConfig().Hash())
	require.NoError(t, err)
	assert.Equal(t, artifact.Version, active.Version)
}

func TestTrainNow_OnPublishedCallback(t *testing.T) {
	repo := &mockSampleRepo{samples: corpusSamples(testModelConfig(), 40)}
	mgr, _ := newTestManager(t, testTrainingConfig(), repo)

	var published []string
	mgr.OnPublished = func(instrument string) { published = append(published, instrument) }

	_, err := mgr.TrainNow(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT"}, published)
}

func TestTrainNow_RegressionGateKeepsActive(t *testing.T) {
	repo := &mockSampleRepo{samples: corpusSamples(testModelConfig(), 40)}
	cfg := testTrainingConfig()
	cfg.RegressionBound = 0.05
	mgr, store := newTestManager(t, cfg, repo)
	ctx := context.Background()

	first, err := mgr.TrainNow(ctx, "ETHUSDT")
	require.NoError(t, err)

	// Plant an active artifact whose recorded loss no candidate can match.
	planted := &domain.ModelArtifact{
		Instrument:      "ETHUSDT",
		ConfigHash:      testModelConfig().Hash(),
		Config:          testModelConfig(),
		TrainingSetSize: first.TrainingSetSize,
		ValidationLoss:  1e-9,
		Weights:         first.Weights,
	}
	require.NoError(t, store.Publish(ctx, planted))

	_, err = mgr.TrainNow(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, ports.ErrTrainingRejected)

	active, err := store.GetActive("ETHUSDT", testModelConfig().Hash())
	require.NoError(t, err)
	assert.Equal(t, planted.Version, active.Version, "rejected candidate must not replace the active artifact")
}

func TestTrainNow_CanceledBeforePublish(t *testing.T) {
	repo := &mockSampleRepo{samples: corpusSamples(testModelConfig(), 40)}
	mgr, store := newTestManager(t, testTrainingConfig(), repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mgr.TrainNow(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, ports.ErrContextCanceled)

	_, err = store.GetActive("ETHUSDT", testModelConfig().Hash())
	assert.ErrorIs(t, err, ports.ErrNoModelAvailable)
}

func TestTrigger_Coalesces(t *testing.T) {
	repo := &mockSampleRepo{
		samples:     corpusSamples(testModelConfig(), 40),
		findStarted: make(chan struct{}),
		findBlock:   make(chan struct{}),
	}
	mgr, _ := newTestManager(t, testTrainingConfig(), repo)
	ctx := context.Background()

	started := repo.findStarted
	block := repo.findBlock

	assert.True(t, mgr.Trigger(ctx, "ETHUSDT"))
	<-started

	// A second trigger while the first run is still loading its corpus.
	assert.False(t, mgr.Trigger(ctx, "ETHUSDT"))

	close(block)
	mgr.Wait()

	// Once the run finished the instrument can be triggered again.
	assert.True(t, mgr.Trigger(ctx, "ETHUSDT"))
	mgr.Wait()
}

func TestBalanceClasses(t *testing.T) {
	cfg := testModelConfig()
	samples := corpusSamples(cfg, 10)
	// Skew the corpus: relabel three down samples as up.
	for _, s := range samples[1:7:7] {
		s.Label = domain.DirectionUp
	}

	balanced := balanceClasses(samples)

	var up, down int
	for _, s := range balanced {
		if s.Label == domain.DirectionUp {
			up++
		} else {
			down++
		}
	}
	assert.Equal(t, up, down)
	assert.True(t, len(balanced) < len(samples))

	// Order within the kept samples stays chronological.
	for i := 1; i < len(balanced); i++ {
		assert.False(t, balanced[i].LabeledAt.Before(balanced[i-1].LabeledAt))
	}
}

func TestBalanceClasses_SingleClass(t *testing.T) {
	samples := corpusSamples(testModelConfig(), 6)
	for _, s := range samples {
		s.Label = domain.DirectionUp
	}
	assert.Len(t, balanceClasses(samples), 6)
}
