package feedback

import (
	"context"
	"errors"
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
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

// --- Mock Sample Repository ---
type mockSampleRepo struct {
	mu        sync.Mutex
	samples   []*domain.TrainingSample
	appendErr error
}

func (m *mockSampleRepo) Append(ctx context.Context, sample *domain.TrainingSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.samples = append(m.samples, sample)
	return nil
}

func (m *mockSampleRepo) FindByInstrument(ctx context.Context, instrument string, limit int) ([]*domain.TrainingSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples, nil
}

func (m *mockSampleRepo) CountByInstrument(ctx context.Context, instrument string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples), nil
}

func (m *mockSampleRepo) DeleteBefore(ctx context.Context, instrument string, cutoff time.Time) (int, error) {
	return 0, nil
}

func testFeedback(direction domain.Direction, result domain.OutcomeResult) (*domain.TradeDecision, *domain.PredictionResult, *domain.TradeOutcome) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	window := &domain.SequenceWindow{
		Instrument: "ETHUSDT",
		Vectors: []domain.FeatureVector{
			{Instrument: "ETHUSDT", Timestamp: ts, Normalized: []float64{0.4, 0.6}},
		},
	}
	prediction := &domain.PredictionResult{
		ID:           domain.PredictionID("ETHUSDT", ts, 1),
		Instrument:   "ETHUSDT",
		Timestamp:    ts,
		Direction:    direction,
		Confidence:   0.8,
		ModelVersion: 1,
		Window:       window,
	}
	decision := &domain.TradeDecision{
		ID:           "ETHUSDT-1709294400000000000",
		Instrument:   "ETHUSDT",
		Action:       domain.ActionCall,
		Stake:        10,
		Timestamp:    ts,
		PredictionID: prediction.ID,
		ModelVersion: 1,
	}
	outcome := &domain.TradeOutcome{
		DecisionID: decision.ID,
		Instrument: "ETHUSDT",
		Result:     result,
		Payout:     5,
		SettledAt:  ts.Add(5 * time.Minute),
	}
	return decision, prediction, outcome
}

func TestNewCollector_Validation(t *testing.T) {
	_, err := NewCollector(nil, &mockLogger{})
	assert.Error(t, err)
	_, err = NewCollector(&mockSampleRepo{}, nil)
	assert.Error(t, err)
}

func TestCollect_WinKeepsPredictedLabel(t *testing.T) {
	repo := &mockSampleRepo{}
	collector, err := NewCollector(repo, &mockLogger{})
	require.NoError(t, err)

	decision, prediction, outcome := testFeedback(domain.DirectionUp, domain.OutcomeWin)
	sample, err := collector.Collect(context.Background(), decision, prediction, outcome)
	require.NoError(t, err)
	require.NotNil(t, sample)

	assert.Equal(t, domain.DirectionUp, sample.Label)
	assert.Equal(t, domain.SourceOutcome, sample.Source)
	assert.Equal(t, outcome.SettledAt, sample.LabeledAt)
	assert.Equal(t, prediction.Window.Instrument, sample.Window.Instrument)
	require.Len(t, repo.samples, 1)
}

func TestCollect_LossFlipsLabel(t *testing.T) {
	tests := []struct {
		name      string
		predicted domain.Direction
		want      domain.Direction
	}{
		{name: "up prediction lost", predicted: domain.DirectionUp, want: domain.DirectionDown},
		{name: "down prediction lost", predicted: domain.DirectionDown, want: domain.DirectionUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector, err := NewCollector(&mockSampleRepo{}, &mockLogger{})
			require.NoError(t, err)

			decision, prediction, outcome := testFeedback(tt.predicted, domain.OutcomeLoss)
			sample, err := collector.Collect(context.Background(), decision, prediction, outcome)
			require.NoError(t, err)
			require.NotNil(t, sample)
			assert.Equal(t, tt.want, sample.Label)
		})
	}
}

func TestCollect_VoidDropped(t *testing.T) {
	repo := &mockSampleRepo{}
	collector, err := NewCollector(repo, &mockLogger{})
	require.NoError(t, err)

	decision, prediction, outcome := testFeedback(domain.DirectionUp, domain.OutcomeVoid)
	sample, err := collector.Collect(context.Background(), decision, prediction, outcome)
	require.NoError(t, err)
	assert.Nil(t, sample)
	assert.Empty(t, repo.samples)
	assert.Equal(t, 0, collector.SinceTraining("ETHUSDT"))
}

func TestCollect_MismatchedOutcome(t *testing.T) {
	collector, err := NewCollector(&mockSampleRepo{}, &mockLogger{})
	require.NoError(t, err)

	decision, prediction, outcome := testFeedback(domain.DirectionUp, domain.OutcomeWin)
	outcome.DecisionID = "some-other-decision"
	_, err = collector.Collect(context.Background(), decision, prediction, outcome)
	assert.ErrorIs(t, err, ports.ErrAttributionLost)
}

func TestCollect_MissingWindow(t *testing.T) {
	collector, err := NewCollector(&mockSampleRepo{}, &mockLogger{})
	require.NoError(t, err)

	decision, prediction, outcome := testFeedback(domain.DirectionUp, domain.OutcomeWin)
	prediction.Window = nil
	_, err = collector.Collect(context.Background(), decision, prediction, outcome)
	assert.ErrorIs(t, err, ports.ErrAttributionLost)
}

func TestCollect_NilInputs(t *testing.T) {
	collector, err := NewCollector(&mockSampleRepo{}, &mockLogger{})
	require.NoError(t, err)

	decision, prediction, outcome := testFeedback(domain.DirectionUp, domain.OutcomeWin)
	_, err = collector.Collect(context.Background(), nil, prediction, outcome)
	assert.Error(t, err)
	_, err = collector.Collect(context.Background(), decision, nil, outcome)
	assert.Error(t, err)
	_, err = collector.Collect(context.Background(), decision, prediction, nil)
	assert.Error(t, err)
}

func TestCollect_AppendFailure(t *testing.T) {
	repo := &mockSampleRepo{appendErr: errors.New("disk full")}
	collector, err := NewCollector(repo, &mockLogger{})
	require.NoError(t, err)

	decision, prediction, outcome := testFeedback(domain.DirectionUp, domain.OutcomeWin)
	_, err = collector.Collect(context.Background(), decision, prediction, outcome)
	assert.Error(t, err)
	assert.Equal(t, 0, collector.SinceTraining("ETHUSDT"))
}

func TestCollect_CounterAndCallback(t *testing.T) {
	collector, err := NewCollector(&mockSampleRepo{}, &mockLogger{})
	require.NoError(t, err)

	var calls []int
	collector.OnSample = func(instrument string, sinceTraining int) {
		calls = append(calls, sinceTraining)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		decision, prediction, outcome := testFeedback(domain.DirectionUp, domain.OutcomeWin)
		_, err := collector.Collect(ctx, decision, prediction, outcome)
		require.NoError(t, err)
	}

	assert.Equal(t, []int{1, 2, 3}, calls)
	assert.Equal(t, 3, collector.SinceTraining("ETHUSDT"))

	collector.ResetCount("ETHUSDT")
	assert.Equal(t, 0, collector.SinceTraining("ETHUSDT"))

	decision, prediction, outcome := testFeedback(domain.DirectionUp, domain.OutcomeWin)
	_, err = collector.Collect(ctx, decision, prediction, outcome)
	require.NoError(t, err)
	assert.Equal(t, 1, collector.SinceTraining("ETHUSDT"))
}
