package risk

import (
	"context"
	"fmt"
	"math"
	"sync"

	"neurotrader/internal/domain"
	"neurotrader/internal/ports"
)

// PolicyConfig holds configuration for stake policies.
type PolicyConfig struct {
	FixedAmount    float64 // stake for the fixed policy and base stake for martingale
	BalancePercent float64 // share of balance for the percent policy, e.g. 0.02
	Multiplier     float64 // martingale stake multiplier after a loss, e.g. 2.0
	MaxSteps       int     // martingale recovery depth cap
}

// NewPolicy builds a stake policy from its configuration identifier.
// Recognized identifiers: "fixed", "percent", "martingale".
func NewPolicy(id string, cfg PolicyConfig) (ports.StakePolicy, error) {
	switch id {
	case "fixed":
		if cfg.FixedAmount <= 0 {
			return nil, fmt.Errorf("%w: fixed stake amount must be positive", ports.ErrConfigurationError)
		}
		return &FixedStake{Amount: cfg.FixedAmount}, nil
	case "percent":
		if cfg.BalancePercent <= 0 || cfg.BalancePercent >= 1 {
			return nil, fmt.Errorf("%w: balance percent must be in (0, 1)", ports.ErrConfigurationError)
		}
		return &PercentStake{Percent: cfg.BalancePercent}, nil
	case "martingale":
		if cfg.FixedAmount <= 0 {
			return nil, fmt.Errorf("%w: martingale base stake must be positive", ports.ErrConfigurationError)
		}
		if cfg.Multiplier <= 1 {
			return nil, fmt.Errorf("%w: martingale multiplier must be greater than 1", ports.ErrConfigurationError)
		}
		if cfg.MaxSteps <= 0 {
			return nil, fmt.Errorf("%w: martingale max steps must be positive", ports.ErrConfigurationError)
		}
		return NewMartingaleStake(cfg.FixedAmount, cfg.Multiplier, cfg.MaxSteps), nil
	default:
		return nil, fmt.Errorf("%w: unknown stake policy %q", ports.ErrConfigurationError, id)
	}
}

// FixedStake commits the same amount to every trade.
type FixedStake struct {
	Amount float64
}

// Stake returns the fixed amount, capped at the available balance.
func (f *FixedStake) Stake(ctx context.Context, instrument string, balance float64) float64 {
	return math.Min(f.Amount, balance)
}

// RecordOutcome is a no-op for the fixed policy.
func (f *FixedStake) RecordOutcome(ctx context.Context, outcome *domain.TradeOutcome) {}

// PercentStake commits a fixed share of the current balance.
type PercentStake struct {
	Percent float64
}

// Stake returns the configured share of the balance.
func (p *PercentStake) Stake(ctx context.Context, instrument string, balance float64) float64 {
	if balance <= 0 {
		return 0
	}
	return balance * p.Percent
}

// RecordOutcome is a no-op for the percent policy.
func (p *PercentStake) RecordOutcome(ctx context.Context, outcome *domain.TradeOutcome) {}

// MartingaleStake multiplies the stake after each loss and resets on a win,
// tracking the losing streak per instrument. The recovery depth is capped so
// a long streak cannot grow the stake without bound.
type MartingaleStake struct {
	base       float64
	multiplier float64
	maxSteps   int

	mu      sync.Mutex
	streaks map[string]int
}

// NewMartingaleStake creates a martingale recovery policy.
func NewMartingaleStake(base, multiplier float64, maxSteps int) *MartingaleStake {
	return &MartingaleStake{
		base:       base,
		multiplier: multiplier,
		maxSteps:   maxSteps,
		streaks:    make(map[string]int),
	}
}

// Stake returns the recovery stake for the instrument's current losing
// streak, capped at the available balance.
func (m *MartingaleStake) Stake(ctx context.Context, instrument string, balance float64) float64 {
	m.mu.Lock()
	streak := m.streaks[instrument]
	m.mu.Unlock()

	if streak > m.maxSteps {
		streak = m.maxSteps
	}
	stake := m.base * math.Pow(m.multiplier, float64(streak))
	return math.Min(stake, balance)
}

// RecordOutcome advances or resets the instrument's losing streak. Void
// outcomes leave the streak unchanged.
func (m *MartingaleStake) RecordOutcome(ctx context.Context, outcome *domain.TradeOutcome) {
	if outcome == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch outcome.Result {
	case domain.OutcomeWin:
		m.streaks[outcome.Instrument] = 0
	case domain.OutcomeLoss:
		m.streaks[outcome.Instrument]++
	}
}
