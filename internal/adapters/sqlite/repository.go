package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"neurotrader/internal/domain"
	"neurotrader/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.SampleRepository, ports.DecisionJournal and
// ports.ArtifactPersistence interfaces using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/neurotrader.db"
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %v", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally, but the Go driver benefits from
	// limiting connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS training_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instrument TEXT NOT NULL,
		window TEXT NOT NULL,
		label TEXT NOT NULL,
		source TEXT NOT NULL,
		labeled_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		instrument TEXT NOT NULL,
		action TEXT NOT NULL,
		stake REAL NOT NULL,
		decided_at TIMESTAMP NOT NULL,
		prediction_id TEXT NOT NULL,
		model_version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outcomes (
		decision_id TEXT PRIMARY KEY,
		instrument TEXT NOT NULL,
		result TEXT NOT NULL,
		payout REAL NOT NULL,
		settled_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS model_artifacts (
		instrument TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		version INTEGER NOT NULL,
		trained_at TIMESTAMP NOT NULL,
		training_set_size INTEGER NOT NULL,
		validation_loss REAL NOT NULL,
		config TEXT NOT NULL,
		weights BLOB NOT NULL,
		PRIMARY KEY (instrument, config_hash, version)
	);

	CREATE INDEX IF NOT EXISTS idx_samples_instrument_labeled_at ON training_samples (instrument, labeled_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_instrument_decided_at ON decisions (instrument, decided_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- SampleRepository Implementation ---

// Append saves a new training sample. The window is serialized as JSON.
func (r *Repository) Append(ctx context.Context, sample *domain.TrainingSample) error {
	windowJSON, err := json.Marshal(sample.Window)
	if err != nil {
		return fmt.Errorf("failed to serialize window for instrument %s: %w", sample.Window.Instrument, err)
	}

	const query = `
	INSERT INTO training_samples (instrument, window, label, source, labeled_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		sample.Window.Instrument, string(windowJSON), string(sample.Label), string(sample.Source), sample.LabeledAt)
	if err != nil {
		return fmt.Errorf("%w: failed to insert training sample for instrument %s: %v", ports.ErrQueryFailed, sample.Window.Instrument, err)
	}
	return nil
}

// FindByInstrument retrieves the most recent samples for an instrument in
// chronological order, up to limit (0 means no limit).
func (r *Repository) FindByInstrument(ctx context.Context, instrument string, limit int) ([]*domain.TrainingSample, error) {
	// The inner query picks the newest rows, the outer restores chronological order.
	query := `
	SELECT window, label, source, labeled_at FROM (
		SELECT id, window, label, source, labeled_at
		FROM training_samples
		WHERE instrument = ?
		ORDER BY labeled_at DESC, id DESC`
	args := []interface{}{instrument}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `
	) ORDER BY labeled_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query samples for instrument %s: %v", ports.ErrQueryFailed, instrument, err)
	}
	defer rows.Close()

	samples := make([]*domain.TrainingSample, 0)
	for rows.Next() {
		var windowJSON, label, source string
		var labeledAt time.Time
		if err := rows.Scan(&windowJSON, &label, &source, &labeledAt); err != nil {
			return nil, fmt.Errorf("failed to scan training sample: %w", err)
		}
		sample := &domain.TrainingSample{
			Label:     domain.Direction(label),
			Source:    domain.SampleSource(source),
			LabeledAt: labeledAt,
		}
		if err := json.Unmarshal([]byte(windowJSON), &sample.Window); err != nil {
			return nil, fmt.Errorf("failed to deserialize window for instrument %s: %w", instrument, err)
		}
		samples = append(samples, sample)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sample rows: %w", err)
	}
	return samples, nil
}

// CountByInstrument returns the corpus size for an instrument.
func (r *Repository) CountByInstrument(ctx context.Context, instrument string) (int, error) {
	const query = `SELECT COUNT(*) FROM training_samples WHERE instrument = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, instrument).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count samples for instrument %s: %v", ports.ErrQueryFailed, instrument, err)
	}
	return count, nil
}

// DeleteBefore removes samples labeled before the cutoff and returns the
// number of rows removed.
func (r *Repository) DeleteBefore(ctx context.Context, instrument string, cutoff time.Time) (int, error) {
	const query = `DELETE FROM training_samples WHERE instrument = ? AND labeled_at < ?`
	result, err := r.db.ExecContext(ctx, query, instrument, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to expire samples for instrument %s: %v", ports.ErrQueryFailed, instrument, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for sample expiry: %w", err)
	}
	if affected > 0 {
		r.logger.Debug(ctx, "Expired training samples", map[string]interface{}{"instrument": instrument, "count": affected})
	}
	return int(affected), nil
}

// --- DecisionJournal Implementation ---

// RecordDecision saves a submitted decision.
func (r *Repository) RecordDecision(ctx context.Context, decision *domain.TradeDecision) error {
	const query = `
	INSERT INTO decisions (id, instrument, action, stake, decided_at, prediction_id, model_version)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		decision.ID, decision.Instrument, string(decision.Action), decision.Stake,
		decision.Timestamp, decision.PredictionID, decision.ModelVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("decision %s already recorded: %w", decision.ID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("%w: failed to insert decision %s: %v", ports.ErrQueryFailed, decision.ID, err)
	}
	r.logger.Debug(ctx, "Decision recorded", map[string]interface{}{"decisionID": decision.ID, "instrument": decision.Instrument})
	return nil
}

// RecordOutcome saves the settled outcome of a decision.
func (r *Repository) RecordOutcome(ctx context.Context, outcome *domain.TradeOutcome) error {
	const query = `
	INSERT INTO outcomes (decision_id, instrument, result, payout, settled_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		outcome.DecisionID, outcome.Instrument, string(outcome.Result), outcome.Payout, outcome.SettledAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("outcome for decision %s already recorded: %w", outcome.DecisionID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("%w: failed to insert outcome for decision %s: %v", ports.ErrQueryFailed, outcome.DecisionID, err)
	}
	r.logger.Debug(ctx, "Outcome recorded", map[string]interface{}{"decisionID": outcome.DecisionID, "result": outcome.Result})
	return nil
}

// CountTodayByInstrument counts decisions submitted today for an instrument.
func (r *Repository) CountTodayByInstrument(ctx context.Context, instrument string) (int, error) {
	const query = `SELECT COUNT(*) FROM decisions WHERE instrument = ? AND date(decided_at) = date('now')`
	var count int
	if err := r.db.QueryRowContext(ctx, query, instrument).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count decisions today for instrument %s: %v", ports.ErrQueryFailed, instrument, err)
	}
	return count, nil
}

// TotalPayout sums the settled payout across all outcomes.
func (r *Repository) TotalPayout(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(payout), 0) FROM outcomes`
	var total float64
	if err := r.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: failed to sum payouts: %v", ports.ErrQueryFailed, err)
	}
	return total, nil
}

// --- ArtifactPersistence Implementation ---

// PersistArtifact durably saves an artifact. Persisting the same
// (instrument, config hash, version) twice fails with ErrDuplicateEntry.
func (r *Repository) PersistArtifact(ctx context.Context, artifact *domain.ModelArtifact) error {
	configJSON, err := json.Marshal(artifact.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize model config: %w", err)
	}
	weightsJSON, err := json.Marshal(artifact.Weights)
	if err != nil {
		return fmt.Errorf("failed to serialize model weights: %w", err)
	}

	const query = `
	INSERT INTO model_artifacts (instrument, config_hash, version, trained_at, training_set_size, validation_loss, config, weights)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		artifact.Instrument, artifact.ConfigHash, artifact.Version, artifact.TrainedAt,
		artifact.TrainingSetSize, artifact.ValidationLoss, string(configJSON), weightsJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("artifact %s/%s v%d already persisted: %w",
				artifact.Instrument, artifact.ConfigHash, artifact.Version, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("%w: failed to insert artifact %s/%s v%d: %v",
			ports.ErrQueryFailed, artifact.Instrument, artifact.ConfigHash, artifact.Version, err)
	}
	r.logger.Debug(ctx, "Model artifact persisted", map[string]interface{}{
		"instrument": artifact.Instrument,
		"configHash": artifact.ConfigHash,
		"version":    artifact.Version,
	})
	return nil
}

// LoadArtifact retrieves one artifact version.
func (r *Repository) LoadArtifact(ctx context.Context, instrument, configHash string, version int64) (*domain.ModelArtifact, error) {
	const query = `
	SELECT trained_at, training_set_size, validation_loss, config, weights
	FROM model_artifacts
	WHERE instrument = ? AND config_hash = ? AND version = ?`

	artifact := &domain.ModelArtifact{
		Instrument: instrument,
		ConfigHash: configHash,
		Version:    version,
	}
	var configJSON string
	var weightsJSON []byte
	err := r.db.QueryRowContext(ctx, query, instrument, configHash, version).Scan(
		&artifact.TrainedAt, &artifact.TrainingSetSize, &artifact.ValidationLoss, &configJSON, &weightsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("artifact %s/%s v%d: %w", instrument, configHash, version, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: failed to query artifact %s/%s v%d: %v", ports.ErrQueryFailed, instrument, configHash, version, err)
	}
	if err := json.Unmarshal([]byte(configJSON), &artifact.Config); err != nil {
		return nil, fmt.Errorf("failed to deserialize model config: %w", err)
	}
	if err := json.Unmarshal(weightsJSON, &artifact.Weights); err != nil {
		return nil, fmt.Errorf("failed to deserialize model weights: %w", err)
	}
	return artifact, nil
}

// ListArtifactVersions returns the stored versions for a key in ascending order.
func (r *Repository) ListArtifactVersions(ctx context.Context, instrument, configHash string) ([]int64, error) {
	const query = `
	SELECT version FROM model_artifacts
	WHERE instrument = ? AND config_hash = ?
	ORDER BY version ASC`

	rows, err := r.db.QueryContext(ctx, query, instrument, configHash)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list artifact versions for %s/%s: %v", ports.ErrQueryFailed, instrument, configHash, err)
	}
	defer rows.Close()

	versions := make([]int64, 0)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan artifact version: %w", err)
		}
		versions = append(versions, v)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifact version rows: %w", err)
	}
	return versions, nil
}

// DeleteArtifact removes one artifact version.
func (r *Repository) DeleteArtifact(ctx context.Context, instrument, configHash string, version int64) error {
	const query = `DELETE FROM model_artifacts WHERE instrument = ? AND config_hash = ? AND version = ?`
	result, err := r.db.ExecContext(ctx, query, instrument, configHash, version)
	if err != nil {
		return fmt.Errorf("%w: failed to delete artifact %s/%s v%d: %v", ports.ErrQueryFailed, instrument, configHash, version, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for artifact delete: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("artifact %s/%s v%d: %w", instrument, configHash, version, ports.ErrNotFound)
	}
	return nil
}

// isUniqueViolation reports whether the error is a SQLite unique constraint
// failure. String matching avoids depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
