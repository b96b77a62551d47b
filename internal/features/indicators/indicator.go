package indicators

import (
	"context"

	"neurotrader/internal/domain"
)

// Indicator represents a technical indicator that can be calculated from
// candle data. Calculations use only the candles they are given; callers are
// responsible for passing trailing history only.
type Indicator interface {
	// Calculate computes the indicator value for the given candles.
	Calculate(ctx context.Context, candles []*domain.Candle) (float64, error)

	// RequiredDataPoints returns the minimum number of candles needed for calculation.
	RequiredDataPoints() int

	// Name returns the name of the indicator.
	Name() string
}

// IndicatorConfig holds common configuration for indicators.
type IndicatorConfig struct {
	Period int
}

// BaseIndicator provides common functionality for indicators.
type BaseIndicator struct {
	Config IndicatorConfig
}

// RequiredDataPoints returns the minimum number of candles needed for calculation.
func (b *BaseIndicator) RequiredDataPoints() int {
	return b.Config.Period
}
