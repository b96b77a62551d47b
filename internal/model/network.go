package model

import (
	"fmt"
	"math"
	"math/rand"

	"neurotrader/internal/domain"
)

// NumClasses is the model's output width: down and up.
const NumClasses = 2

// Network is a feed-forward classifier over a flattened sequence window:
// input -> tanh hidden layer -> softmax over {down, up}. Weights live in
// plain float64 slices so an artifact snapshot is a single flat vector.
type Network struct {
	cfg domain.ModelConfig

	w1 []float64 // inputSize x hidden
	b1 []float64 // hidden
	w2 []float64 // hidden x NumClasses
	b2 []float64 // NumClasses
}

// NewNetwork creates a network with small deterministic random weights.
// The same config and seed always produce the same initial network.
func NewNetwork(cfg domain.ModelConfig, seed int64) *Network {
	n := &Network{cfg: cfg}
	in := n.inputSize()
	h := cfg.HiddenSize

	rng := rand.New(rand.NewSource(seed))
	scale := 1.0 / math.Sqrt(float64(in))

	n.w1 = make([]float64, in*h)
	for i := range n.w1 {
		n.w1[i] = rng.NormFloat64() * scale
	}
	n.b1 = make([]float64, h)
	n.w2 = make([]float64, h*NumClasses)
	hscale := 1.0 / math.Sqrt(float64(h))
	for i := range n.w2 {
		n.w2[i] = rng.NormFloat64() * hscale
	}
	n.b2 = make([]float64, NumClasses)
	return n
}

// FromArtifact reconstructs a network from a published artifact's weights.
func FromArtifact(a *domain.ModelArtifact) (*Network, error) {
	n := &Network{cfg: a.Config}
	expected := n.weightCount()
	if len(a.Weights) != expected {
		return nil, fmt.Errorf("artifact weight vector has %d values, expected %d for config %s", len(a.Weights), expected, a.Config.Hash())
	}
	in := n.inputSize()
	h := a.Config.HiddenSize

	w := a.CloneWeights()
	n.w1, w = w[:in*h], w[in*h:]
	n.b1, w = w[:h], w[h:]
	n.w2, w = w[:h*NumClasses], w[h*NumClasses:]
	n.b2 = w
	return n, nil
}

// Weights returns the flat parameter vector: w1, b1, w2, b2.
func (n *Network) Weights() []float64 {
	out := make([]float64, 0, n.weightCount())
	out = append(out, n.w1...)
	out = append(out, n.b1...)
	out = append(out, n.w2...)
	out = append(out, n.b2...)
	return out
}

// Config returns the model configuration the network was built with.
func (n *Network) Config() domain.ModelConfig {
	return n.cfg
}

func (n *Network) inputSize() int {
	return n.cfg.SeqLen * n.cfg.FeatureCount
}

func (n *Network) weightCount() int {
	in := n.inputSize()
	h := n.cfg.HiddenSize
	return in*h + h + h*NumClasses + NumClasses
}

// Forward computes the class probabilities for one flattened window.
func (n *Network) Forward(input []float64) ([NumClasses]float64, error) {
	var probs [NumClasses]float64
	if len(input) != n.inputSize() {
		return probs, fmt.Errorf("input has %d values, expected %d", len(input), n.inputSize())
	}
	hidden := n.hiddenActivations(input)
	logits := n.outputLogits(hidden)
	return softmax(logits), nil
}

func (n *Network) hiddenActivations(input []float64) []float64 {
	h := n.cfg.HiddenSize
	hidden := make([]float64, h)
	for j := 0; j < h; j++ {
		sum := n.b1[j]
		for i, x := range input {
			sum += n.w1[i*h+j] * x
		}
		hidden[j] = math.Tanh(sum)
	}
	return hidden
}

func (n *Network) outputLogits(hidden []float64) [NumClasses]float64 {
	var logits [NumClasses]float64
	for k := 0; k < NumClasses; k++ {
		sum := n.b2[k]
		for j, hv := range hidden {
			sum += n.w2[j*NumClasses+k] * hv
		}
		logits[k] = sum
	}
	return logits
}

func softmax(logits [NumClasses]float64) [NumClasses]float64 {
	max := logits[0]
	for _, l := range logits[1:] {
		if l > max {
			max = l
		}
	}
	var sum float64
	var out [NumClasses]float64
	for k, l := range logits {
		out[k] = math.Exp(l - max)
		sum += out[k]
	}
	for k := range out {
		out[k] /= sum
	}
	return out
}

// Fit runs mini-batch SGD with cross-entropy loss over the samples. The
// sample order is shuffled per epoch with the given rng so training stays
// deterministic for a fixed seed; the chronological train/validation split
// has already happened by the time Fit is called.
func (n *Network) Fit(samples []*domain.TrainingSample, rng *rand.Rand) error {
	if len(samples) == 0 {
		return fmt.Errorf("no samples to fit")
	}
	batchSize := n.cfg.BatchSize
	if batchSize <= 0 || batchSize > len(samples) {
		batchSize = len(samples)
	}

	indices := make([]int, len(samples))
	for i := range indices {
		indices[i] = i
	}

	for epoch := 0; epoch < n.cfg.Epochs; epoch++ {
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		for start := 0; start < len(indices); start += batchSize {
			end := start + batchSize
			if end > len(indices) {
				end = len(indices)
			}
			if err := n.fitBatch(samples, indices[start:end]); err != nil {
				return err
			}
		}
	}
	return nil
}

// fitBatch accumulates gradients over one mini-batch and applies a single
// SGD update.
func (n *Network) fitBatch(samples []*domain.TrainingSample, batch []int) error {
	in := n.inputSize()
	h := n.cfg.HiddenSize

	gw1 := make([]float64, len(n.w1))
	gb1 := make([]float64, len(n.b1))
	gw2 := make([]float64, len(n.w2))
	gb2 := make([]float64, len(n.b2))

	for _, idx := range batch {
		s := samples[idx]
		input := s.Window.Flatten()
		if len(input) != in {
			return fmt.Errorf("sample window flattens to %d values, expected %d", len(input), in)
		}

		hidden := n.hiddenActivations(input)
		probs := softmax(n.outputLogits(hidden))

		// dL/dlogit for softmax + cross-entropy
		var dLogits [NumClasses]float64
		for k := 0; k < NumClasses; k++ {
			dLogits[k] = probs[k]
		}
		dLogits[s.LabelClass()] -= 1

		dHidden := make([]float64, h)
		for j := 0; j < h; j++ {
			for k := 0; k < NumClasses; k++ {
				gw2[j*NumClasses+k] += hidden[j] * dLogits[k]
				dHidden[j] += n.w2[j*NumClasses+k] * dLogits[k]
			}
			// through tanh
			dHidden[j] *= 1 - hidden[j]*hidden[j]
		}
		for k := 0; k < NumClasses; k++ {
			gb2[k] += dLogits[k]
		}
		for i := 0; i < in; i++ {
			for j := 0; j < h; j++ {
				gw1[i*h+j] += input[i] * dHidden[j]
			}
		}
		for j := 0; j < h; j++ {
			gb1[j] += dHidden[j]
		}
	}

	step := n.cfg.LearningRate / float64(len(batch))
	for i := range n.w1 {
		n.w1[i] -= step * gw1[i]
	}
	for i := range n.b1 {
		n.b1[i] -= step * gb1[i]
	}
	for i := range n.w2 {
		n.w2[i] -= step * gw2[i]
	}
	for i := range n.b2 {
		n.b2[i] -= step * gb2[i]
	}
	return nil
}

// Loss computes the mean cross-entropy over the samples.
func (n *Network) Loss(samples []*domain.TrainingSample) (float64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("no samples to evaluate")
	}
	const eps = 1e-12
	total := 0.0
	for _, s := range samples {
		probs, err := n.Forward(s.Window.Flatten())
		if err != nil {
			return 0, err
		}
		total += -math.Log(probs[s.LabelClass()] + eps)
	}
	return total / float64(len(samples)), nil
}
