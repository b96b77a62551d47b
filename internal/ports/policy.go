package ports

import (
	"context"

	"neurotrader/internal/domain"
)

// StakePolicy sizes the amount committed to a trade. Implementations may be
// stateful (e.g., recovery sizing keyed on recent outcomes) but must be safe
// for concurrent use across instruments.
type StakePolicy interface {
	// Stake returns the amount to commit given the current account balance.
	Stake(ctx context.Context, instrument string, balance float64) float64
	// RecordOutcome feeds a settled outcome back into the policy.
	RecordOutcome(ctx context.Context, outcome *domain.TradeOutcome)
}

// ConfidenceCalibrator maps the model's internal uncertainty signal onto a
// calibrated confidence score in [0, 1].
type ConfidenceCalibrator interface {
	// Calibrate converts the raw model signal (max class probability) into a
	// confidence score.
	Calibrate(raw float64) float64
	// Observe feeds a realized prediction result back into the calibrator.
	Observe(raw float64, correct bool)
}
