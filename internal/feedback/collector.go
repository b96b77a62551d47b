package feedback

import (
	"context"
	"fmt"
	"sync"

	"neurotrader/internal/domain"
	"neurotrader/internal/ports"
)

// Collector turns settled trade outcomes into labeled training samples.
//
// The label is derived from the predicted direction and the result: a win
// means the predicted direction realized, a loss means the opposite did.
// Voids carry no directional information and are dropped. Samples are
// appended to the repository and counted per instrument so the training
// manager can trigger on accumulation.
type Collector struct {
	logger  ports.Logger
	samples ports.SampleRepository

	// OnSample, when set, is invoked after each appended sample with the
	// count accumulated since the last ResetCount for that instrument.
	OnSample func(instrument string, sinceTraining int)

	mu    sync.Mutex
	since map[string]int
}

// NewCollector creates a feedback collector.
func NewCollector(samples ports.SampleRepository, logger ports.Logger) (*Collector, error) {
	if samples == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for feedback collector")
	}
	return &Collector{
		logger:  logger,
		samples: samples,
		since:   make(map[string]int),
	}, nil
}

// Collect converts one settled outcome into a training sample and stores it.
// The prediction must be the one the decision was made from; its attached
// window becomes the sample input. Returns the stored sample, or nil when the
// outcome is void.
func (c *Collector) Collect(ctx context.Context, decision *domain.TradeDecision, prediction *domain.PredictionResult, outcome *domain.TradeOutcome) (*domain.TrainingSample, error) {
	if decision == nil || prediction == nil || outcome == nil {
		return nil, fmt.Errorf("nil feedback input")
	}
	if outcome.DecisionID != decision.ID {
		return nil, fmt.Errorf("%w: outcome %s does not match decision %s", ports.ErrAttributionLost, outcome.DecisionID, decision.ID)
	}
	if prediction.Window == nil {
		return nil, fmt.Errorf("%w: prediction %s carries no window", ports.ErrAttributionLost, prediction.ID)
	}

	if outcome.Result == domain.OutcomeVoid {
		c.logger.Debug(ctx, "Void outcome dropped from feedback", map[string]interface{}{
			"decisionID": decision.ID,
		})
		return nil, nil
	}

	label := prediction.Direction
	if outcome.Result == domain.OutcomeLoss {
		label = opposite(label)
	}

	sample := &domain.TrainingSample{
		Window:    *prediction.Window,
		Label:     label,
		Source:    domain.SourceOutcome,
		LabeledAt: outcome.SettledAt,
	}

	if err := c.samples.Append(ctx, sample); err != nil {
		return nil, fmt.Errorf("appending feedback sample: %w", err)
	}

	c.mu.Lock()
	c.since[decision.Instrument]++
	count := c.since[decision.Instrument]
	c.mu.Unlock()

	c.logger.Debug(ctx, "Feedback sample stored", map[string]interface{}{
		"instrument":    decision.Instrument,
		"label":         label,
		"sinceTraining": count,
	})

	if c.OnSample != nil {
		c.OnSample(decision.Instrument, count)
	}
	return sample, nil
}

// SinceTraining returns the number of samples collected for an instrument
// since the counter was last reset.
func (c *Collector) SinceTraining(instrument string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.since[instrument]
}

// ResetCount zeroes the accumulation counter, typically after a model publish.
func (c *Collector) ResetCount(instrument string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.since[instrument] = 0
}

func opposite(d domain.Direction) domain.Direction {
	if d == domain.DirectionUp {
		return domain.DirectionDown
	}
	return domain.DirectionUp
}
