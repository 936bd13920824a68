package sensor

import (
	"sync"
	"time"
)

// CoolingEstimator estimates the passive cooling rate from successive
// readings: the temperature delta between two samples divided by the time
// between them. Rising or flat stretches (heating, no usage) are ignored.
type CoolingEstimator struct {
	alpha    float64
	minDelta float64

	mu       sync.Mutex
	lastTemp float64
	lastAt   time.Time
	estimate float64 // minutes per degree, 0 until the first estimate
}

// NewCoolingEstimator creates an estimator that smooths with an exponential
// moving average of weight alpha and only learns from drops of at least
// minDelta degrees.
func NewCoolingEstimator(alpha, minDelta float64) *CoolingEstimator {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &CoolingEstimator{alpha: alpha, minDelta: minDelta}
}

// Observe records a reading.
func (e *CoolingEstimator) Observe(temperature float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastAt.IsZero() || !at.After(e.lastAt) {
		e.lastTemp, e.lastAt = temperature, at
		return
	}

	drop := e.lastTemp - temperature
	if drop <= 0 {
		e.lastTemp, e.lastAt = temperature, at
		return
	}
	if drop < e.minDelta {
		// keep the anchor until the drop is measurable
		return
	}

	sample := at.Sub(e.lastAt).Minutes() / drop
	if e.estimate == 0 {
		e.estimate = sample
	} else {
		e.estimate = e.alpha*sample + (1-e.alpha)*e.estimate
	}
	e.lastTemp, e.lastAt = temperature, at
}

// MinutesPerDegree returns the current estimate, or fallback while nothing
// has been learned yet.
func (e *CoolingEstimator) MinutesPerDegree(fallback float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.estimate > 0 {
		return e.estimate
	}
	return fallback
}
