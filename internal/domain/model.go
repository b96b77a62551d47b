package domain

import (
	"fmt"
	"time"
)

// ModelConfig holds the hyperparameters that shape a trained model. Two
// artifacts are interchangeable only if their configs hash identically.
type ModelConfig struct {
	SeqLen       int     // Number of feature vectors per sequence window
	Horizon      int     // Steps ahead the prediction targets
	FeatureCount int     // Width of each feature vector
	HiddenSize   int     // Hidden layer width
	Epochs       int     // Training epochs
	BatchSize    int     // Mini-batch size
	LearningRate float64 // SGD learning rate
}

// Hash returns a deterministic identifier for the structural part of the
// config. Epochs, batch size and learning rate affect training dynamics but
// not artifact compatibility, so they are excluded.
func (c ModelConfig) Hash() string {
	return fmt.Sprintf("seq%d-hor%d-feat%d-hid%d", c.SeqLen, c.Horizon, c.FeatureCount, c.HiddenSize)
}

// ModelArtifact is an immutable snapshot of a trained model. Producing a new
// version never mutates an older one.
type ModelArtifact struct {
	Instrument      string
	ConfigHash      string
	Version         int64
	TrainedAt       time.Time
	TrainingSetSize int
	ValidationLoss  float64
	Config          ModelConfig
	Weights         []float64 // flat parameter vector, layout owned by the model package
}

// CloneWeights returns an independent copy of the weight vector so callers
// can't reach into a published artifact.
func (a *ModelArtifact) CloneWeights() []float64 {
	out := make([]float64, len(a.Weights))
	copy(out, a.Weights)
	return out
}
