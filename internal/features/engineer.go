package features

import (
	"context"
	"fmt"
	"time"

	"neurotrader/internal/domain"
	"neurotrader/internal/features/indicators"
	"neurotrader/internal/ports"
)

// Config holds configuration for the feature engineer.
type Config struct {
	ShortMAPeriod  int           // e.g. 20
	LongMAPeriod   int           // e.g. 50
	ShortEMAPeriod int           // e.g. 20
	LongEMAPeriod  int           // e.g. 50
	RSIPeriod      int           // e.g. 14
	StochPeriod    int           // e.g. 14
	StochSmooth    int           // e.g. 3
	NormWindow     int           // trailing rows used for min-max statistics, e.g. 100
	GapTolerance   time.Duration // max allowed gap between consecutive candles
}

// Engineer turns an ordered candle stream for one instrument into normalized
// indicator vectors. It is a pure transform over the candles it is given:
// the only state it owns is the trailing candle buffer and the rolling
// normalization statistics. Indicator and normalization computations never
// see a candle newer than the vector being produced.
type Engineer struct {
	cfg    Config
	logger ports.Logger

	shortMA  *indicators.MovingAverage
	longMA   *indicators.MovingAverage
	shortEMA *indicators.MovingAverage
	longEMA  *indicators.MovingAverage
	rsi      *indicators.RSI
	stoch    *indicators.Stochastic

	candles []*domain.Candle // trailing candles, bounded by RequiredHistory
	rawRows [][]float64      // trailing raw feature rows, bounded by NormWindow
}

// New creates a feature engineer. All periods must be positive and the short
// periods must be shorter than the long ones.
func New(cfg Config, logger ports.Logger) (*Engineer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for feature engineer")
	}
	if cfg.ShortMAPeriod <= 0 || cfg.LongMAPeriod <= 0 || cfg.ShortEMAPeriod <= 0 || cfg.LongEMAPeriod <= 0 || cfg.RSIPeriod <= 0 || cfg.StochPeriod <= 0 {
		return nil, fmt.Errorf("%w: indicator periods must be positive", ports.ErrConfigurationError)
	}
	if cfg.ShortMAPeriod >= cfg.LongMAPeriod {
		return nil, fmt.Errorf("%w: short MA period must be less than long MA period", ports.ErrConfigurationError)
	}
	if cfg.NormWindow <= 1 {
		return nil, fmt.Errorf("%w: normalization window must be greater than 1", ports.ErrConfigurationError)
	}
	if cfg.GapTolerance <= 0 {
		return nil, fmt.Errorf("%w: gap tolerance must be positive", ports.ErrConfigurationError)
	}

	return &Engineer{
		cfg:    cfg,
		logger: logger,
		shortMA: indicators.NewMovingAverage(indicators.MovingAverageConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.ShortMAPeriod},
			Type:            indicators.SimpleMovingAverage,
		}),
		longMA: indicators.NewMovingAverage(indicators.MovingAverageConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.LongMAPeriod},
			Type:            indicators.SimpleMovingAverage,
		}),
		shortEMA: indicators.NewMovingAverage(indicators.MovingAverageConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.ShortEMAPeriod},
			Type:            indicators.ExponentialMovingAverage,
		}),
		longEMA: indicators.NewMovingAverage(indicators.MovingAverageConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.LongEMAPeriod},
			Type:            indicators.ExponentialMovingAverage,
		}),
		rsi: indicators.NewRSI(indicators.RSIConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.RSIPeriod},
		}),
		stoch: indicators.NewStochastic(indicators.StochasticConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.StochPeriod},
			SmoothPeriod:    cfg.StochSmooth,
		}),
	}, nil
}

// FeatureNames returns the fixed ordering of the features in each vector.
func (e *Engineer) FeatureNames() []string {
	return []string{
		"close", "volume",
		e.shortMA.Name(), e.longMA.Name(),
		e.shortEMA.Name(), e.longEMA.Name(),
		e.rsi.Name(),
		"STOCH_K", "STOCH_D",
	}
}

// FeatureCount returns the width of each feature vector.
func (e *Engineer) FeatureCount() int {
	return len(e.FeatureNames())
}

// RequiredHistory returns the number of candles needed before the first
// feature vector can be produced.
func (e *Engineer) RequiredHistory() int {
	required := e.shortMA.RequiredDataPoints()
	for _, n := range []int{
		e.longMA.RequiredDataPoints(),
		e.shortEMA.RequiredDataPoints(),
		e.longEMA.RequiredDataPoints(),
		e.rsi.RequiredDataPoints(),
		e.stoch.RequiredDataPoints(),
	} {
		if n > required {
			required = n
		}
	}
	return required
}

// Append ingests the next candle and, once enough history exists, returns the
// feature vector for it. During warm-up it returns (nil, nil). Out-of-order
// and duplicate candles are dropped. A gap beyond the configured tolerance
// resets the buffer and fails with ErrInsufficientHistory.
func (e *Engineer) Append(ctx context.Context, candle *domain.Candle) (*domain.FeatureVector, error) {
	if candle == nil {
		return nil, fmt.Errorf("nil candle")
	}

	if n := len(e.candles); n > 0 {
		last := e.candles[n-1]
		if !candle.CloseTime.After(last.CloseTime) {
			// Duplicate or out-of-order by (instrument, timestamp): drop, never duplicate.
			e.logger.Debug(ctx, "Dropping out-of-order or duplicate candle", map[string]interface{}{
				"instrument": candle.Instrument,
				"closeTime":  candle.CloseTime,
			})
			return nil, nil
		}
		if gap := candle.CloseTime.Sub(last.CloseTime); gap > e.cfg.GapTolerance {
			e.Reset()
			e.candles = append(e.candles, candle)
			return nil, fmt.Errorf("candle gap of %s exceeds tolerance %s: %w", gap, e.cfg.GapTolerance, ports.ErrInsufficientHistory)
		}
	}

	e.candles = append(e.candles, candle)
	if max := e.RequiredHistory(); len(e.candles) > max {
		e.candles = e.candles[len(e.candles)-max:]
	}

	if len(e.candles) < e.RequiredHistory() {
		return nil, nil
	}

	raw, err := e.rawFeatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("feature computation failed: %w", err)
	}

	// Rolling normalization statistics: the row being normalized is included,
	// anything newer than it never is.
	e.rawRows = append(e.rawRows, raw)
	if len(e.rawRows) > e.cfg.NormWindow {
		e.rawRows = e.rawRows[len(e.rawRows)-e.cfg.NormWindow:]
	}

	return &domain.FeatureVector{
		Instrument: candle.Instrument,
		Timestamp:  candle.CloseTime,
		Raw:        raw,
		Normalized: e.normalize(raw),
	}, nil
}

// Replay feeds a candle sequence through Append and collects the produced
// vectors. Used by the training path and by replay tooling.
func (e *Engineer) Replay(ctx context.Context, candles []*domain.Candle) ([]*domain.FeatureVector, error) {
	vectors := make([]*domain.FeatureVector, 0, len(candles))
	for _, c := range candles {
		v, err := e.Append(ctx, c)
		if err != nil {
			return nil, err
		}
		if v != nil {
			vectors = append(vectors, v)
		}
	}
	return vectors, nil
}

// Reset clears the trailing buffers, e.g. after a history gap.
func (e *Engineer) Reset() {
	e.candles = nil
	e.rawRows = nil
}

func (e *Engineer) rawFeatures(ctx context.Context) ([]float64, error) {
	latest := e.candles[len(e.candles)-1]

	shortMA, err := e.shortMA.Calculate(ctx, e.candles)
	if err != nil {
		return nil, err
	}
	longMA, err := e.longMA.Calculate(ctx, e.candles)
	if err != nil {
		return nil, err
	}
	shortEMA, err := e.shortEMA.Calculate(ctx, e.candles)
	if err != nil {
		return nil, err
	}
	longEMA, err := e.longEMA.Calculate(ctx, e.candles)
	if err != nil {
		return nil, err
	}
	rsi, err := e.rsi.Calculate(ctx, e.candles)
	if err != nil {
		return nil, err
	}
	k, d, err := e.stoch.CalculateKD(ctx, e.candles)
	if err != nil {
		return nil, err
	}

	return []float64{latest.Close, latest.Volume, shortMA, longMA, shortEMA, longEMA, rsi, k, d}, nil
}

// normalize applies per-feature min-max scaling over the trailing rows.
func (e *Engineer) normalize(raw []float64) []float64 {
	normalized := make([]float64, len(raw))
	for f := range raw {
		min, max := e.rawRows[0][f], e.rawRows[0][f]
		for _, row := range e.rawRows[1:] {
			if row[f] < min {
				min = row[f]
			}
			if row[f] > max {
				max = row[f]
			}
		}
		if max == min {
			normalized[f] = 0.5 // constant feature over the window
			continue
		}
		normalized[f] = (raw[f] - min) / (max - min)
	}
	return normalized
}
