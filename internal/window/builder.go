package window

import (
	"context"
	"fmt"
	"time"

	"neurotrader/internal/domain"
	"neurotrader/internal/ports"
)

// Config holds configuration for the window builder.
type Config struct {
	SeqLen      int           // sequence length of each window
	Horizon     int           // steps ahead the label candle sits
	HorizonWait time.Duration // max wall-clock wait for the horizon candle before a pending window is discarded
}

// Builder assembles fixed-length sequence windows from a feature vector
// stream for one instrument. The sliding buffer always holds the most recent
// SeqLen vectors in arrival order; the oldest is discarded on overflow.
//
// In training mode each full buffer becomes a pending window that matures
// into a TrainingSample once the candle Horizon steps ahead arrives; pending
// windows whose horizon candle never arrives within HorizonWait are
// discarded. At inference time Current returns the latest window immediately,
// unlabeled.
type Builder struct {
	cfg    Config
	logger ports.Logger

	buffer  []domain.FeatureVector
	pending []pendingWindow
	expired int

	now func() time.Time
}

type pendingWindow struct {
	window    domain.SequenceWindow
	endClose  float64
	remaining int
	createdAt time.Time
}

// New creates a window builder.
func New(cfg Config, logger ports.Logger) (*Builder, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for window builder")
	}
	if cfg.SeqLen <= 0 {
		return nil, fmt.Errorf("%w: sequence length must be positive", ports.ErrConfigurationError)
	}
	if cfg.Horizon <= 0 {
		return nil, fmt.Errorf("%w: horizon must be positive", ports.ErrConfigurationError)
	}
	if cfg.HorizonWait <= 0 {
		return nil, fmt.Errorf("%w: horizon wait must be positive", ports.ErrConfigurationError)
	}
	return &Builder{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Push ingests the next feature vector and returns the training samples whose
// horizon candle arrived with it. The vector's first raw feature must be the
// candle close, which is used for label computation only, never for the
// normalization already baked into the window.
func (b *Builder) Push(ctx context.Context, vec *domain.FeatureVector) ([]*domain.TrainingSample, error) {
	if vec == nil {
		return nil, fmt.Errorf("nil feature vector")
	}
	if len(vec.Raw) == 0 {
		return nil, fmt.Errorf("feature vector has no raw features")
	}

	closePrice := vec.Raw[0]
	var matured []*domain.TrainingSample

	// Advance pending windows; the ones reaching zero mature now.
	kept := b.pending[:0]
	for _, p := range b.pending {
		p.remaining--
		if p.remaining > 0 {
			if b.now().Sub(p.createdAt) > b.cfg.HorizonWait {
				b.expired++
				b.logger.Warn(ctx, "Discarding pending window, horizon candle did not arrive in time", map[string]interface{}{
					"instrument": p.window.Instrument,
					"windowEnd":  p.window.End(),
				})
				continue
			}
			kept = append(kept, p)
			continue
		}

		label := domain.DirectionDown
		if closePrice > p.endClose {
			label = domain.DirectionUp
		}
		matured = append(matured, &domain.TrainingSample{
			Window:    p.window,
			Label:     label,
			Source:    domain.SourceHistory,
			LabeledAt: vec.Timestamp,
		})
	}
	b.pending = kept

	b.buffer = append(b.buffer, *vec)
	if len(b.buffer) > b.cfg.SeqLen {
		b.buffer = b.buffer[len(b.buffer)-b.cfg.SeqLen:]
	}

	if len(b.buffer) == b.cfg.SeqLen {
		b.pending = append(b.pending, pendingWindow{
			window:    b.snapshot(),
			endClose:  closePrice,
			remaining: b.cfg.Horizon,
			createdAt: b.now(),
		})
	}

	return matured, nil
}

// Current returns the latest full window, unlabeled, for inference. The
// boolean reports whether the buffer holds SeqLen vectors yet.
func (b *Builder) Current() (*domain.SequenceWindow, bool) {
	if len(b.buffer) < b.cfg.SeqLen {
		return nil, false
	}
	w := b.snapshot()
	return &w, true
}

// PendingCount returns the number of windows still awaiting their horizon candle.
func (b *Builder) PendingCount() int {
	return len(b.pending)
}

// ExpiredCount returns the number of pending windows discarded on timeout.
func (b *Builder) ExpiredCount() int {
	return b.expired
}

// Reset clears the buffer and all pending windows.
func (b *Builder) Reset() {
	b.buffer = nil
	b.pending = nil
}

// snapshot copies the buffer so later pushes can't mutate an emitted window.
func (b *Builder) snapshot() domain.SequenceWindow {
	vectors := make([]domain.FeatureVector, len(b.buffer))
	copy(vectors, b.buffer)
	return domain.SequenceWindow{
		Instrument: vectors[len(vectors)-1].Instrument,
		Vectors:    vectors,
	}
}

// BuildCorpus replays a finished vector sequence through a fresh builder and
// returns the labeled samples in chronological order. Pending windows whose
// horizon lies past the end of the sequence are discarded, matching the
// streaming behavior.
func BuildCorpus(ctx context.Context, cfg Config, logger ports.Logger, vectors []*domain.FeatureVector) ([]*domain.TrainingSample, error) {
	b, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	var samples []*domain.TrainingSample
	for _, v := range vectors {
		matured, err := b.Push(ctx, v)
		if err != nil {
			return nil, err
		}
		samples = append(samples, matured...)
	}
	return samples, nil
}
