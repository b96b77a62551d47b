package domain

// Direction represents the predicted short-horizon price movement.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionFlat Direction = "FLAT"
)

// Action represents the trade action derived from a prediction.
type Action string

const (
	ActionCall Action = "CALL"
	ActionPut  Action = "PUT"
	ActionNone Action = "NONE"
)

// OutcomeResult represents the settled result of a trade as reported by the venue.
type OutcomeResult string

const (
	OutcomeWin  OutcomeResult = "WIN"
	OutcomeLoss OutcomeResult = "LOSS"
	OutcomeVoid OutcomeResult = "VOID" // refunded / tie, carries no directional information
)

// SampleSource indicates how a training sample's label was obtained.
type SampleSource string

const (
	SourceHistory SampleSource = "history" // label computed from historical price
	SourceOutcome SampleSource = "outcome" // label derived from a settled trade
)
