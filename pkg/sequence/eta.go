package sequence

import (
	"math"
	"time"
)

const (
	// fastRate stands in for a rate of 0 when estimating ramp time.
	fastRate               = 1000.0 // K/min
	defaultMeasureOverhead = 10 * time.Second
)

// estimator predicts how long the rest of a program takes. The per-step
// measurement overhead is a running mean of its previous value and the last
// observed measurement duration.
type estimator struct {
	overhead time.Duration
}

func newEstimator(seed time.Duration) *estimator {
	if seed <= 0 {
		seed = defaultMeasureOverhead
	}
	return &estimator{overhead: seed}
}

func (e *estimator) observe(took time.Duration) {
	e.overhead = (e.overhead + took) / 2
}

// remaining is the estimated time to finish steps[from:].
func (e *estimator) remaining(steps []Step, from int) time.Duration {
	var total time.Duration
	for _, s := range steps[from:] {
		rate := math.Abs(s.Rate)
		if rate == 0 {
			rate = fastRate
		}
		total += time.Duration(s.Span / rate * float64(time.Minute))
		total += s.Dwell + e.overhead
	}
	return total
}
