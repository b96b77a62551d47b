package domain

import "time"

// TradeDecision is the action derived from a prediction, ready for order
// submission. Action NONE decisions are never submitted.
type TradeDecision struct {
	ID           string
	Instrument   string
	Action       Action
	Stake        float64
	Timestamp    time.Time
	PredictionID string // reference to the originating PredictionResult
	ModelVersion int64
}

// TradeOutcome is the settled result of a submitted decision as reported by
// the venue. Created only after settlement.
type TradeOutcome struct {
	DecisionID string
	Instrument string
	Result     OutcomeResult
	Payout     float64 // realized profit (negative for a loss)
	SettledAt  time.Time
}
