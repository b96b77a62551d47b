package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurotrader/internal/domain"
	"neurotrader/internal/ports"
)

func outcome(instrument string, result domain.OutcomeResult) *domain.TradeOutcome {
	return &domain.TradeOutcome{
		DecisionID: "d-1",
		Instrument: instrument,
		Result:     result,
	}
}

func TestNewPolicy(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		cfg     PolicyConfig
		wantErr bool
	}{
		{name: "fixed", id: "fixed", cfg: PolicyConfig{FixedAmount: 10}},
		{name: "fixed without amount", id: "fixed", cfg: PolicyConfig{}, wantErr: true},
		{name: "percent", id: "percent", cfg: PolicyConfig{BalancePercent: 0.02}},
		{name: "percent out of range", id: "percent", cfg: PolicyConfig{BalancePercent: 1.5}, wantErr: true},
		{name: "martingale", id: "martingale", cfg: PolicyConfig{FixedAmount: 10, Multiplier: 2, MaxSteps: 3}},
		{name: "martingale bad multiplier", id: "martingale", cfg: PolicyConfig{FixedAmount: 10, Multiplier: 1, MaxSteps: 3}, wantErr: true},
		{name: "martingale no steps", id: "martingale", cfg: PolicyConfig{FixedAmount: 10, Multiplier: 2}, wantErr: true},
		{name: "unknown policy", id: "kelly", cfg: PolicyConfig{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := NewPolicy(tt.id, tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ports.ErrConfigurationError)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, policy)
		})
	}
}

func TestFixedStake(t *testing.T) {
	ctx := context.Background()
	policy := &FixedStake{Amount: 10}

	assert.Equal(t, 10.0, policy.Stake(ctx, "ETHUSDT", 1000))
	// Never stakes more than the account holds.
	assert.Equal(t, 4.0, policy.Stake(ctx, "ETHUSDT", 4))
	assert.Equal(t, 0.0, policy.Stake(ctx, "ETHUSDT", 0))

	// Outcomes do not change the fixed amount.
	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	assert.Equal(t, 10.0, policy.Stake(ctx, "ETHUSDT", 1000))
}

func TestPercentStake(t *testing.T) {
	ctx := context.Background()
	policy := &PercentStake{Percent: 0.02}

	assert.InDelta(t, 20.0, policy.Stake(ctx, "ETHUSDT", 1000), 1e-9)
	assert.InDelta(t, 0.2, policy.Stake(ctx, "ETHUSDT", 10), 1e-9)
	assert.Equal(t, 0.0, policy.Stake(ctx, "ETHUSDT", 0))
	assert.Equal(t, 0.0, policy.Stake(ctx, "ETHUSDT", -5))
}

func TestMartingaleStake_StreakGrowth(t *testing.T) {
	ctx := context.Background()
	policy := NewMartingaleStake(10, 2, 3)

	assert.Equal(t, 10.0, policy.Stake(ctx, "ETHUSDT", 1000))

	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	assert.Equal(t, 20.0, policy.Stake(ctx, "ETHUSDT", 1000))

	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	assert.Equal(t, 40.0, policy.Stake(ctx, "ETHUSDT", 1000))

	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	assert.Equal(t, 80.0, policy.Stake(ctx, "ETHUSDT", 1000))

	// The recovery depth is capped: a fourth loss does not double again.
	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	assert.Equal(t, 80.0, policy.Stake(ctx, "ETHUSDT", 1000))
}

func TestMartingaleStake_WinResets(t *testing.T) {
	ctx := context.Background()
	policy := NewMartingaleStake(10, 2, 3)

	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	assert.Equal(t, 40.0, policy.Stake(ctx, "ETHUSDT", 1000))

	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeWin))
	assert.Equal(t, 10.0, policy.Stake(ctx, "ETHUSDT", 1000))
}

func TestMartingaleStake_VoidLeavesStreak(t *testing.T) {
	ctx := context.Background()
	policy := NewMartingaleStake(10, 2, 3)

	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeVoid))
	assert.Equal(t, 20.0, policy.Stake(ctx, "ETHUSDT", 1000))

	policy.RecordOutcome(ctx, nil)
	assert.Equal(t, 20.0, policy.Stake(ctx, "ETHUSDT", 1000))
}

func TestMartingaleStake_StreaksPerInstrument(t *testing.T) {
	ctx := context.Background()
	policy := NewMartingaleStake(10, 2, 3)

	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))

	assert.Equal(t, 40.0, policy.Stake(ctx, "ETHUSDT", 1000))
	assert.Equal(t, 10.0, policy.Stake(ctx, "BTCUSDT", 1000))
}

func TestMartingaleStake_CappedByBalance(t *testing.T) {
	ctx := context.Background()
	policy := NewMartingaleStake(10, 2, 3)

	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	policy.RecordOutcome(ctx, outcome("ETHUSDT", domain.OutcomeLoss))
	assert.Equal(t, 25.0, policy.Stake(ctx, "ETHUSDT", 25))
}
