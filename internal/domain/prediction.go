package domain

import (
	"fmt"
	"time"
)

// PredictionResult is the output of scoring one sequence window with the
// active model. It is always stamped with the artifact version that produced
// it so later outcome attribution is unambiguous even if the active model
// changes mid-flight.
type PredictionResult struct {
	ID           string
	Instrument   string
	Timestamp    time.Time
	Value        float64   // predicted value in [-1, 1]: P(up) - P(down)
	Direction    Direction // derived from Value with a neutral deadband
	Confidence   float64   // calibrated score in [0, 1]
	ModelVersion int64
	ConfigHash   string
	Window       *SequenceWindow // the window that was scored, kept for outcome attribution
}

// PredictionID builds the attribution key for a prediction.
func PredictionID(instrument string, ts time.Time, version int64) string {
	return fmt.Sprintf("%s-%d-v%d", instrument, ts.UnixNano(), version)
}
