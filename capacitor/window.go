package capacitor

import (
	"math"
	"time"
)

// ThermalRates describes how fast the storage changes temperature.
type ThermalRates struct {
	HeatMinutesPerDegree float64 `json:"heat_minutes_per_degree"` // while actively heating
	CoolMinutesPerDegree float64 `json:"cool_minutes_per_degree"` // while passively cooling
}

// Validate checks that both rates are positive and finite.
func (r ThermalRates) Validate() error {
	if !(r.HeatMinutesPerDegree > 0) || math.IsInf(r.HeatMinutesPerDegree, 0) {
		return invalidConfig("rates.heat_minutes_per_degree", "must be a positive number, got: %v", r.HeatMinutesPerDegree)
	}
	if !(r.CoolMinutesPerDegree > 0) || math.IsInf(r.CoolMinutesPerDegree, 0) {
		return invalidConfig("rates.cool_minutes_per_degree", "must be a positive number, got: %v", r.CoolMinutesPerDegree)
	}
	return nil
}

// ReachWindow is the span of time in which heat banked or withheld now is
// still felt by the storage.
type ReachWindow struct {
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

// Contains reports whether t lies inside the window, edges included.
func (w ReachWindow) Contains(t time.Time) bool {
	return !t.Before(w.Earliest) && !t.After(w.Latest)
}

// Duration returns the length of the window.
func (w ReachWindow) Duration() time.Duration {
	return w.Latest.Sub(w.Earliest)
}

// ComputeWindow returns the reach window around now. Heating maxAdjustment
// degrees takes maxAdjustment*heat minutes and reaches forward, cooling the
// same amount takes maxAdjustment*cool minutes and reaches back.
func ComputeWindow(now time.Time, rates ThermalRates, maxAdjustment float64) (ReachWindow, error) {
	if err := rates.Validate(); err != nil {
		return ReachWindow{}, err
	}
	if !(maxAdjustment >= 0) || math.IsInf(maxAdjustment, 0) {
		return ReachWindow{}, invalidConfig("bounds.max_adjustment", "must be non-negative, got: %v", maxAdjustment)
	}

	ahead := minutes(maxAdjustment * rates.HeatMinutesPerDegree)
	behind := minutes(maxAdjustment * rates.CoolMinutesPerDegree)

	return ReachWindow{
		Earliest: now.Add(-behind),
		Latest:   now.Add(ahead),
	}, nil
}

// minutes converts to a Duration, saturating at the largest representable
// one instead of wrapping around.
func minutes(m float64) time.Duration {
	d := m * float64(time.Minute)
	if d >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(d)
}
