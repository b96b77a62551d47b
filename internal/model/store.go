package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"neurotrader/internal/domain"
	"neurotrader/internal/ports"
)

// StoreConfig holds configuration for the model store.
type StoreConfig struct {
	Logger      ports.Logger
	Persistence ports.ArtifactPersistence // optional; in-memory only when nil
	Retention   int                       // versions kept per key for rollback
}

// Store holds versioned model artifacts per (instrument, config hash) and
// exposes an atomic swap of the active artifact. Publish is the sole
// synchronization point between the training lane and the online lane:
// single writer, many readers, last publish wins, readers always see either
// the old or the new artifact, never a partial one.
type Store struct {
	logger      ports.Logger
	persistence ports.ArtifactPersistence
	retention   int

	mu       sync.RWMutex
	active   map[string]*domain.ModelArtifact
	versions map[string][]*domain.ModelArtifact
}

// NewStore creates a model store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for model store")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 3
	}
	return &Store{
		logger:      cfg.Logger,
		persistence: cfg.Persistence,
		retention:   cfg.Retention,
		active:      make(map[string]*domain.ModelArtifact),
		versions:    make(map[string][]*domain.ModelArtifact),
	}, nil
}

func storeKey(instrument, configHash string) string {
	return instrument + "|" + configHash
}

// GetActive returns the active artifact for the key, or ErrNoModelAvailable
// if nothing has been published yet. The returned artifact is an immutable
// snapshot; callers must not modify it.
func (s *Store) GetActive(instrument, configHash string) (*domain.ModelArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.active[storeKey(instrument, configHash)]
	if !ok {
		return nil, fmt.Errorf("instrument %s config %s: %w", instrument, configHash, ports.ErrNoModelAvailable)
	}
	return a, nil
}

// Publish assigns the next version to the artifact and atomically replaces
// the active pointer for its key. An artifact whose declared config hash does
// not match its config is rejected with ErrConfigMismatch. Versions beyond
// the retention limit are pruned lazily, oldest first.
func (s *Store) Publish(ctx context.Context, artifact *domain.ModelArtifact) error {
	if artifact == nil {
		return fmt.Errorf("nil artifact")
	}
	if artifact.Config.Hash() != artifact.ConfigHash {
		return fmt.Errorf("artifact declares hash %s but config hashes to %s: %w",
			artifact.ConfigHash, artifact.Config.Hash(), ports.ErrConfigMismatch)
	}

	key := storeKey(artifact.Instrument, artifact.ConfigHash)

	s.mu.Lock()
	var lastVersion int64
	if existing := s.versions[key]; len(existing) > 0 {
		lastVersion = existing[len(existing)-1].Version
	}
	artifact.Version = lastVersion + 1
	if artifact.TrainedAt.IsZero() {
		artifact.TrainedAt = time.Now().UTC()
	}
	s.versions[key] = append(s.versions[key], artifact)
	s.active[key] = artifact

	var pruned []*domain.ModelArtifact
	if over := len(s.versions[key]) - s.retention; over > 0 {
		pruned = s.versions[key][:over]
		s.versions[key] = s.versions[key][over:]
	}
	s.mu.Unlock()

	s.logger.Info(ctx, "Published model artifact", map[string]interface{}{
		"instrument":     artifact.Instrument,
		"configHash":     artifact.ConfigHash,
		"version":        artifact.Version,
		"validationLoss": artifact.ValidationLoss,
		"trainingSet":    artifact.TrainingSetSize,
	})

	// Durable persistence and pruning happen outside the lock; readers are
	// already on the new artifact.
	if s.persistence != nil {
		if err := s.persistence.PersistArtifact(ctx, artifact); err != nil && !errors.Is(err, ports.ErrDuplicateEntry) {
			s.logger.Error(ctx, err, "Failed to persist published artifact", map[string]interface{}{
				"instrument": artifact.Instrument,
				"version":    artifact.Version,
			})
		}
		for _, old := range pruned {
			if err := s.persistence.DeleteArtifact(ctx, old.Instrument, old.ConfigHash, old.Version); err != nil {
				s.logger.Warn(ctx, "Failed to prune persisted artifact", map[string]interface{}{
					"instrument": old.Instrument,
					"version":    old.Version,
					"error":      err.Error(),
				})
			}
		}
	}
	return nil
}

// ListVersions returns the retained artifacts for a key, oldest first.
func (s *Store) ListVersions(instrument, configHash string) []*domain.ModelArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.versions[storeKey(instrument, configHash)]
	out := make([]*domain.ModelArtifact, len(stored))
	copy(out, stored)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Restore loads the persisted versions for a key and reinstates the newest as
// active. Used on startup; no-op when nothing is persisted.
func (s *Store) Restore(ctx context.Context, instrument, configHash string) error {
	if s.persistence == nil {
		return nil
	}
	versions, err := s.persistence.ListArtifactVersions(ctx, instrument, configHash)
	if err != nil {
		return fmt.Errorf("listing persisted artifact versions: %w", err)
	}
	if len(versions) == 0 {
		return nil
	}

	start := 0
	if len(versions) > s.retention {
		start = len(versions) - s.retention
	}

	key := storeKey(instrument, configHash)
	for _, v := range versions[start:] {
		artifact, err := s.persistence.LoadArtifact(ctx, instrument, configHash, v)
		if err != nil {
			return fmt.Errorf("loading persisted artifact version %d: %w", v, err)
		}
		s.mu.Lock()
		s.versions[key] = append(s.versions[key], artifact)
		s.active[key] = artifact
		s.mu.Unlock()
	}

	s.logger.Info(ctx, "Restored model artifacts from persistence", map[string]interface{}{
		"instrument": instrument,
		"configHash": configHash,
		"versions":   len(versions) - start,
	})
	return nil
}
