package window

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurotrader/internal/domain"
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

func testConfig() Config {
	return Config{SeqLen: 3, Horizon: 2, HorizonWait: time.Hour}
}

func vecAt(ts time.Time, closePrice float64) *domain.FeatureVector {
	return &domain.FeatureVector{
		Instrument: "ETHUSDT",
		Timestamp:  ts,
		Raw:        []float64{closePrice, 100},
		Normalized: []float64{0.5, 0.5},
	}
}

func vecSeries(start time.Time, closes ...float64) []*domain.FeatureVector {
	vectors := make([]*domain.FeatureVector, len(closes))
	for i, c := range closes {
		vectors[i] = vecAt(start.Add(time.Duration(i)*time.Minute), c)
	}
	return vectors
}

func TestNew_Validation(t *testing.T) {
	logger := &mockLogger{}

	_, err := New(testConfig(), nil)
	assert.Error(t, err)

	_, err = New(Config{SeqLen: 0, Horizon: 2, HorizonWait: time.Hour}, logger)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	_, err = New(Config{SeqLen: 3, Horizon: 0, HorizonWait: time.Hour}, logger)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	_, err = New(Config{SeqLen: 3, Horizon: 2}, logger)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestBuilder_CurrentNeedsFullBuffer(t *testing.T) {
	b, err := New(testConfig(), &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	vectors := vecSeries(start, 100, 101, 102, 103)

	for i := 0; i < 2; i++ {
		_, err := b.Push(ctx, vectors[i])
		require.NoError(t, err)
		_, ok := b.Current()
		assert.False(t, ok, "expected no window with %d vectors buffered", i+1)
	}

	_, err = b.Push(ctx, vectors[2])
	require.NoError(t, err)
	w, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", w.Instrument)
	require.Len(t, w.Vectors, 3)
	assert.Equal(t, vectors[2].Timestamp, w.End())

	// The buffer slides: the window always ends at the newest vector.
	_, err = b.Push(ctx, vectors[3])
	require.NoError(t, err)
	w, ok = b.Current()
	require.True(t, ok)
	require.Len(t, w.Vectors, 3)
	assert.Equal(t, vectors[1].Raw[0], w.Vectors[0].Raw[0])
	assert.Equal(t, vectors[3].Timestamp, w.End())
}

func TestBuilder_HorizonLabeling(t *testing.T) {
	b, err := New(testConfig(), &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	// First full window ends at close 102; two steps later the close is 108,
	// so that window labels UP. The next window ends at 103 and sees 101
	// two steps later, labeling DOWN.
	vectors := vecSeries(start, 100, 101, 102, 103, 108, 101)

	var samples []*domain.TrainingSample
	for _, v := range vectors {
		matured, err := b.Push(ctx, v)
		require.NoError(t, err)
		samples = append(samples, matured...)
	}

	require.Len(t, samples, 2)

	up := samples[0]
	assert.Equal(t, domain.DirectionUp, up.Label)
	assert.Equal(t, domain.SourceHistory, up.Source)
	assert.Equal(t, vectors[4].Timestamp, up.LabeledAt)
	require.Len(t, up.Window.Vectors, 3)
	assert.Equal(t, vectors[2].Timestamp, up.Window.End())

	down := samples[1]
	assert.Equal(t, domain.DirectionDown, down.Label)
	assert.Equal(t, vectors[5].Timestamp, down.LabeledAt)
	assert.Equal(t, vectors[3].Timestamp, down.Window.End())
}

func TestBuilder_EqualCloseLabelsDown(t *testing.T) {
	b, err := New(testConfig(), &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var samples []*domain.TrainingSample
	for _, v := range vecSeries(start, 100, 100, 100, 100, 100) {
		matured, err := b.Push(ctx, v)
		require.NoError(t, err)
		samples = append(samples, matured...)
	}

	require.Len(t, samples, 1)
	assert.Equal(t, domain.DirectionDown, samples[0].Label)
}

func TestBuilder_HorizonWaitExpiry(t *testing.T) {
	logger := &mockLogger{}
	b, err := New(Config{SeqLen: 2, Horizon: 3, HorizonWait: 5 * time.Minute}, logger)
	require.NoError(t, err)
	ctx := context.Background()

	clock := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	start := clock
	vectors := vecSeries(start, 100, 101, 102, 103)

	_, err = b.Push(ctx, vectors[0])
	require.NoError(t, err)
	_, err = b.Push(ctx, vectors[1])
	require.NoError(t, err)
	require.Equal(t, 1, b.PendingCount())

	// The next vector arrives long after the wait limit, so the pending
	// window is dropped instead of maturing later.
	clock = clock.Add(20 * time.Minute)
	matured, err := b.Push(ctx, vectors[2])
	require.NoError(t, err)
	assert.Empty(t, matured)
	assert.Equal(t, 1, b.ExpiredCount())
	assert.Len(t, logger.warnMsgs, 1)

	// Only the window created by the late vector remains pending.
	require.Equal(t, 1, b.PendingCount())
}

func TestBuilder_SnapshotIsImmutable(t *testing.T) {
	b, err := New(testConfig(), &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	vectors := vecSeries(start, 100, 101, 102, 103)
	for _, v := range vectors[:3] {
		_, err := b.Push(ctx, v)
		require.NoError(t, err)
	}

	w, ok := b.Current()
	require.True(t, ok)
	end := w.End()

	_, err = b.Push(ctx, vectors[3])
	require.NoError(t, err)

	assert.Equal(t, end, w.End(), "earlier window changed after a later push")
}

func TestBuilder_Reset(t *testing.T) {
	b, err := New(testConfig(), &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, v := range vecSeries(start, 100, 101, 102) {
		_, err := b.Push(ctx, v)
		require.NoError(t, err)
	}
	require.Equal(t, 1, b.PendingCount())

	b.Reset()
	assert.Equal(t, 0, b.PendingCount())
	_, ok := b.Current()
	assert.False(t, ok)
}

func TestBuildCorpus(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	vectors := vecSeries(start, 100, 101, 102, 103, 104, 105, 106, 107)

	samples, err := BuildCorpus(ctx, testConfig(), &mockLogger{}, vectors)
	require.NoError(t, err)

	// Windows form from index 2 onward; the last two never see their
	// horizon vector and are discarded.
	require.Len(t, samples, 4)
	for i, s := range samples {
		assert.Equal(t, domain.DirectionUp, s.Label, "sample %d of a rising series", i)
		assert.Equal(t, domain.SourceHistory, s.Source)
	}
	assert.True(t, samples[0].LabeledAt.Before(samples[1].LabeledAt))
}

func TestBuilder_PushRejectsBadInput(t *testing.T) {
	b, err := New(testConfig(), &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Push(ctx, nil)
	assert.Error(t, err)

	_, err = b.Push(ctx, &domain.FeatureVector{Instrument: "ETHUSDT"})
	assert.Error(t, err)
}
