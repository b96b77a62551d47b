package ports

import "errors"

// Standard application-level errors.
// Adapters and core components wrap underlying errors with these sentinels.
var (
	// Pipeline Errors
	ErrInsufficientHistory      = errors.New("not enough candle history to compute features")
	ErrConfigMismatch           = errors.New("artifact config hash does not match the store key")
	ErrInsufficientTrainingData = errors.New("training corpus below the minimum sample count")
	ErrTrainingRejected         = errors.New("candidate artifact rejected by the validation gate")
	ErrNoModelAvailable         = errors.New("no trained model available for this instrument and config")
	ErrOutcomeTimeout           = errors.New("timed out waiting for the trade outcome")
	ErrAttributionLost          = errors.New("outcome cannot be mapped back to its originating prediction")

	// Venue Errors
	ErrConnectivity    = errors.New("venue transport failure")
	ErrNoData          = errors.New("venue has no data for this instrument")
	ErrRejectedByVenue = errors.New("order rejected by the venue")

	// General Errors
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)
