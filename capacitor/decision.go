package capacitor

import (
	"math"
)

// State is the branch the decision engine took on a tick.
type State string

const (
	StateBoost      State = "BOOST"
	StateHold       State = "HOLD"
	StateForcedHeat State = "FORCED_HEAT"
)

// Bounds are the user-facing temperature limits of the storage.
type Bounds struct {
	Setpoint      float64 `json:"setpoint"`
	Hysteresis    float64 `json:"hysteresis"`
	MaxAdjustment float64 `json:"max_adjustment"`
	MinSavings    float64 `json:"min_savings"`
}

// Validate reports the first bound that is out of range.
func (b Bounds) Validate() error {
	if math.IsNaN(b.Setpoint) || math.IsInf(b.Setpoint, 0) {
		return invalidConfig("bounds.setpoint", "must be a finite number, got: %v", b.Setpoint)
	}
	if !(b.Hysteresis >= 0) || math.IsInf(b.Hysteresis, 0) {
		return invalidConfig("bounds.hysteresis", "must be non-negative, got: %v", b.Hysteresis)
	}
	if !(b.MaxAdjustment >= 0) || math.IsInf(b.MaxAdjustment, 0) {
		return invalidConfig("bounds.max_adjustment", "must be non-negative, got: %v", b.MaxAdjustment)
	}
	if !(b.MinSavings >= 0) || math.IsInf(b.MinSavings, 0) {
		return invalidConfig("bounds.min_savings", "must be non-negative, got: %v", b.MinSavings)
	}
	if b.Hysteresis > b.MaxAdjustment {
		return invalidConfig("bounds.hysteresis", "hysteresis (%v) cannot be greater than max_adjustment (%v)", b.Hysteresis, b.MaxAdjustment)
	}
	return nil
}

// Floor is the safety floor, setpoint minus hysteresis.
func (b Bounds) Floor() float64 {
	return b.Setpoint - b.Hysteresis
}

// BoostAdjustments are derived by the caller from the live temperature.
// HeatBoost is how far the storage is below setpoint. CoolSlack grows as the
// storage cools, once it exceeds the hysteresis the floor is breached.
type BoostAdjustments struct {
	HeatBoost float64 `json:"heat_boost"`
	CoolSlack float64 `json:"cool_slack"`
}

// Validate checks that the adjustments fit the bounds.
func (a BoostAdjustments) Validate(b Bounds) error {
	if !(a.HeatBoost >= 0) || math.IsInf(a.HeatBoost, 0) {
		return invalidConfig("boost.heat_boost", "must be non-negative, got: %v", a.HeatBoost)
	}
	if !(a.CoolSlack >= 0) || math.IsInf(a.CoolSlack, 0) {
		return invalidConfig("boost.cool_slack", "must be non-negative, got: %v", a.CoolSlack)
	}
	if a.HeatBoost > b.MaxAdjustment {
		return invalidConfig("boost.heat_boost", "heat_boost (%v) cannot be greater than max_adjustment (%v)", a.HeatBoost, b.MaxAdjustment)
	}
	return nil
}

// Decide runs the temperature state machine. It keeps no state between calls.
//
// Forced heat wins over everything; otherwise a BOOST from the savings
// evaluation heats up to the boost, and anything else lets the storage drift
// down to the floor. Targets never leave setpoint ± maxAdjustment, even for
// adjustments that skipped BoostAdjustments.Validate.
func Decide(bounds Bounds, boost BoostAdjustments, action Action) (State, float64) {
	upper := bounds.Setpoint + bounds.MaxAdjustment
	lower := bounds.Setpoint - bounds.MaxAdjustment

	switch {
	case boost.CoolSlack > bounds.Hysteresis:
		return StateForcedHeat, math.Min(bounds.Setpoint+boost.HeatBoost, upper)
	case action == ActionBoost:
		return StateBoost, math.Min(bounds.Setpoint+boost.HeatBoost, upper)
	default:
		return StateHold, math.Max(bounds.Floor(), lower)
	}
}
