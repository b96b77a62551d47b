package predict

import "sync"

// ClampCalibrator passes the model's max class probability through unchanged,
// clamped into [0, 1]. It is the default when no outcome history exists yet.
type ClampCalibrator struct{}

// Calibrate clamps the raw signal into [0, 1].
func (ClampCalibrator) Calibrate(raw float64) float64 {
	if raw < 0 {
		return 0
	}
	if raw > 1 {
		return 1
	}
	return raw
}

// Observe is a no-op for the clamp calibrator.
func (ClampCalibrator) Observe(raw float64, correct bool) {}

// BucketCalibrator maps the raw signal onto the realized accuracy of its
// score bucket. Buckets partition [0.5, 1], the range of a two-class max
// probability. Calibrated output is the running cumulative maximum of bucket
// accuracies, which keeps confidence monotonic across buckets by
// construction. Buckets without enough observations fall back to the raw
// signal.
type BucketCalibrator struct {
	mu      sync.Mutex
	buckets int
	minObs  int
	total   []int
	correct []int
}

// NewBucketCalibrator creates a calibrator with the given bucket count and
// the minimum observations a bucket needs before its accuracy is trusted.
func NewBucketCalibrator(buckets, minObs int) *BucketCalibrator {
	if buckets <= 0 {
		buckets = 10
	}
	if minObs <= 0 {
		minObs = 20
	}
	return &BucketCalibrator{
		buckets: buckets,
		minObs:  minObs,
		total:   make([]int, buckets),
		correct: make([]int, buckets),
	}
}

func (c *BucketCalibrator) bucketOf(raw float64) int {
	// raw is a two-class max probability, so it lives in [0.5, 1]
	pos := (raw - 0.5) * 2
	if pos < 0 {
		pos = 0
	}
	idx := int(pos * float64(c.buckets))
	if idx >= c.buckets {
		idx = c.buckets - 1
	}
	return idx
}

// Calibrate returns the cumulative-max realized accuracy up to the raw
// signal's bucket.
func (c *BucketCalibrator) Calibrate(raw float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.bucketOf(raw)
	if c.total[idx] < c.minObs {
		return ClampCalibrator{}.Calibrate(raw)
	}

	best := 0.0
	for b := 0; b <= idx; b++ {
		if c.total[b] < c.minObs {
			continue
		}
		if acc := float64(c.correct[b]) / float64(c.total[b]); acc > best {
			best = acc
		}
	}
	return best
}

// Observe records whether the prediction behind a raw signal turned out
// correct.
func (c *BucketCalibrator) Observe(raw float64, correct bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.bucketOf(raw)
	c.total[idx]++
	if correct {
		c.correct[idx]++
	}
}
