package domain

import "time"

// FeatureVector holds the indicator values derived from a bounded trailing
// window of candles ending at Timestamp. Raw and Normalized share the same
// ordering, fixed by the feature engineer that produced them.
type FeatureVector struct {
	Instrument string
	Timestamp  time.Time
	Raw        []float64
	Normalized []float64
}

// SequenceWindow is an ordered run of consecutive feature vectors for one
// instrument. A well-formed window always holds exactly the configured
// sequence length.
type SequenceWindow struct {
	Instrument string
	Vectors    []FeatureVector
}

// Start returns the timestamp of the first vector in the window.
func (w *SequenceWindow) Start() time.Time {
	if len(w.Vectors) == 0 {
		return time.Time{}
	}
	return w.Vectors[0].Timestamp
}

// End returns the timestamp of the last vector in the window.
func (w *SequenceWindow) End() time.Time {
	if len(w.Vectors) == 0 {
		return time.Time{}
	}
	return w.Vectors[len(w.Vectors)-1].Timestamp
}

// Flatten concatenates the normalized vectors into a single input row
// suitable for the model.
func (w *SequenceWindow) Flatten() []float64 {
	if len(w.Vectors) == 0 {
		return nil
	}
	out := make([]float64, 0, len(w.Vectors)*len(w.Vectors[0].Normalized))
	for _, v := range w.Vectors {
		out = append(out, v.Normalized...)
	}
	return out
}

// TrainingSample pairs a sequence window with its realized label. Samples are
// immutable once created; the corpus only grows by append and shrinks by
// expiry.
type TrainingSample struct {
	Window    SequenceWindow
	Label     Direction // DirectionUp or DirectionDown, never DirectionFlat
	Source    SampleSource
	LabeledAt time.Time
}

// LabelClass maps the sample label onto the model's output class index.
func (s *TrainingSample) LabelClass() int {
	if s.Label == DirectionUp {
		return 1
	}
	return 0
}
