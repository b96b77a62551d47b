package indicators

import (
	"context"
	"fmt"

	"neurotrader/internal/domain"
)

// StochasticConfig holds configuration for the stochastic oscillator.
type StochasticConfig struct {
	IndicatorConfig     // Period is the %K lookback (typically 14)
	SmoothPeriod    int // %D smoothing window (typically 3)
}

// Stochastic implements the stochastic oscillator (%K and %D).
type Stochastic struct {
	BaseIndicator
	config StochasticConfig
}

// NewStochastic creates a new stochastic oscillator instance.
func NewStochastic(config StochasticConfig) *Stochastic {
	if config.SmoothPeriod <= 0 {
		config.SmoothPeriod = 3
	}
	return &Stochastic{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		config:        config,
	}
}

// Name returns the name of the indicator.
func (s *Stochastic) Name() string {
	return fmt.Sprintf("STOCH%d", s.Config.Period)
}

// RequiredDataPoints returns the minimum number of candles needed to produce
// a smoothed %D value.
func (s *Stochastic) RequiredDataPoints() int {
	return s.Config.Period + s.config.SmoothPeriod - 1
}

// Calculate computes %K for the most recent candle.
func (s *Stochastic) Calculate(ctx context.Context, candles []*domain.Candle) (float64, error) {
	if len(candles) < s.Config.Period {
		return 0, fmt.Errorf("not enough data (%d) to calculate stochastic for period %d", len(candles), s.Config.Period)
	}
	return s.percentK(candles, len(candles)-1)
}

// CalculateKD computes both %K and the %D smoothing for the most recent candle.
func (s *Stochastic) CalculateKD(ctx context.Context, candles []*domain.Candle) (k float64, d float64, err error) {
	required := s.RequiredDataPoints()
	if len(candles) < required {
		return 0, 0, fmt.Errorf("not enough data (%d) to calculate stochastic %%K/%%D, need %d", len(candles), required)
	}

	// %D is the SMA of the last SmoothPeriod %K values
	sum := 0.0
	for i := len(candles) - s.config.SmoothPeriod; i < len(candles); i++ {
		ki, kerr := s.percentK(candles, i)
		if kerr != nil {
			return 0, 0, kerr
		}
		if i == len(candles)-1 {
			k = ki
		}
		sum += ki
	}
	d = sum / float64(s.config.SmoothPeriod)
	return k, d, nil
}

// percentK computes %K at index idx using the trailing Period candles.
func (s *Stochastic) percentK(candles []*domain.Candle, idx int) (float64, error) {
	start := idx - s.Config.Period + 1
	if start < 0 {
		return 0, fmt.Errorf("not enough data to calculate %%K at index %d for period %d", idx, s.Config.Period)
	}

	lowest := candles[start].Low
	highest := candles[start].High
	for i := start + 1; i <= idx; i++ {
		if candles[i].Low < lowest {
			lowest = candles[i].Low
		}
		if candles[i].High > highest {
			highest = candles[i].High
		}
	}

	if highest == lowest {
		return 50, nil // flat range, oscillator is undefined; report neutral
	}
	return 100 * (candles[idx].Close - lowest) / (highest - lowest), nil
}
