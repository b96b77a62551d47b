package ports

import (
	"context"
	"time"

	"neurotrader/internal/domain"
)

// SampleRepository stores the training corpus. Samples are append-only;
// removal happens only through expiry.
type SampleRepository interface {
	// Append saves a new training sample.
	Append(ctx context.Context, sample *domain.TrainingSample) error
	// FindByInstrument retrieves the most recent samples for an instrument in
	// chronological order, up to limit (0 means no limit).
	FindByInstrument(ctx context.Context, instrument string, limit int) ([]*domain.TrainingSample, error)
	// CountByInstrument returns the corpus size for an instrument.
	CountByInstrument(ctx context.Context, instrument string) (int, error)
	// DeleteBefore removes samples labeled before the cutoff.
	DeleteBefore(ctx context.Context, instrument string, cutoff time.Time) (int, error)
}

// DecisionJournal records decisions and their settled outcomes for
// bookkeeping and post-hoc analysis.
type DecisionJournal interface {
	// RecordDecision saves a submitted decision.
	RecordDecision(ctx context.Context, decision *domain.TradeDecision) error
	// RecordOutcome saves the settled outcome of a decision.
	RecordOutcome(ctx context.Context, outcome *domain.TradeOutcome) error
	// CountTodayByInstrument counts decisions submitted today for an instrument.
	CountTodayByInstrument(ctx context.Context, instrument string) (int, error)
	// TotalPayout sums the settled payout across all outcomes.
	TotalPayout(ctx context.Context) (float64, error)
}

// ArtifactPersistence is the durable storage collaborator for model
// artifacts. The Model Store calls these but does not own the on-disk layout.
type ArtifactPersistence interface {
	// PersistArtifact durably saves an artifact. Persisting the same
	// (instrument, config hash, version) twice fails with ErrDuplicateEntry.
	PersistArtifact(ctx context.Context, artifact *domain.ModelArtifact) error
	// LoadArtifact retrieves one artifact version.
	// Fails with ErrNotFound if it does not exist.
	LoadArtifact(ctx context.Context, instrument, configHash string, version int64) (*domain.ModelArtifact, error)
	// ListArtifactVersions returns the stored versions for a key in ascending order.
	ListArtifactVersions(ctx context.Context, instrument, configHash string) ([]int64, error)
	// DeleteArtifact removes one artifact version.
	DeleteArtifact(ctx context.Context, instrument, configHash string, version int64) error
}
