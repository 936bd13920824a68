package capacitor

import (
	"fmt"
	"math"
)

// Action is the price-driven recommendation for the current segment.
type Action int

const (
	ActionHold Action = iota
	ActionBoost
)

func (a Action) String() string {
	if a == ActionBoost {
		return "BOOST"
	}
	return "HOLD"
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	switch string(text) {
	case "BOOST":
		*a = ActionBoost
	case "HOLD":
		*a = ActionHold
	default:
		return fmt.Errorf("unknown action %q", text)
	}
	return nil
}

// Baseline selects the price that banking heat now is compared against.
type Baseline string

const (
	// BaselineWindowPeak compares against the dearest segment in the reach
	// window, the price the banked heat displaces.
	BaselineWindowPeak Baseline = "window_peak"
	// BaselineFarEdge compares against the segment at the latest edge of the
	// reach window, the price faced after waiting out the thermal margin.
	BaselineFarEdge Baseline = "far_edge"
)

// ParseBaseline converts a configuration string into a Baseline. An empty
// string selects BaselineWindowPeak.
func ParseBaseline(s string) (Baseline, error) {
	switch Baseline(s) {
	case "", BaselineWindowPeak:
		return BaselineWindowPeak, nil
	case BaselineFarEdge:
		return BaselineFarEdge, nil
	}
	return "", invalidConfig("baseline", "unknown baseline %q, must be one of: %s, %s", s, BaselineWindowPeak, BaselineFarEdge)
}

// SavingsResult is the outcome of EvaluateSavings.
type SavingsResult struct {
	Action     Action     `json:"action"`
	IsCheapest bool       `json:"is_cheapest"`
	Cheapest   PricePoint `json:"cheapest"`
	Baseline   PricePoint `json:"baseline"`
	Savings    float64    `json:"savings"` // baseline price minus current price
}

// EvaluateSavings decides whether current is the cheapest point of the reach
// window and whether heating now beats the baseline by at least minSavings.
func EvaluateSavings(current PricePoint, window ReachWindow, index *ScheduleIndex, minSavings float64, baseline Baseline) (SavingsResult, error) {
	if !(minSavings >= 0) || math.IsInf(minSavings, 0) {
		return SavingsResult{}, invalidConfig("bounds.min_savings", "must be non-negative, got: %v", minSavings)
	}

	var (
		cheapest, peak, edge PricePoint
		seen                 bool
	)
	for p := range index.SegmentsBetween(window.Earliest, window.Latest) {
		if !seen {
			cheapest, peak, seen = p, p, true
		}
		// Segments arrive in start order, strict comparison keeps the earliest on ties.
		if p.UnitPrice < cheapest.UnitPrice {
			cheapest = p
		}
		if p.UnitPrice > peak.UnitPrice {
			peak = p
		}
		edge = p
	}
	if !seen {
		return SavingsResult{}, noCoverage("window", "no segment overlaps [%s, %s]", window.Earliest, window.Latest)
	}

	var base PricePoint
	switch baseline {
	case BaselineWindowPeak, "":
		base = peak
	case BaselineFarEdge:
		base = edge
	default:
		return SavingsResult{}, invalidConfig("baseline", "unknown baseline %q", string(baseline))
	}

	res := SavingsResult{
		Action:     ActionHold,
		IsCheapest: current.Start.Equal(cheapest.Start) || current.UnitPrice == cheapest.UnitPrice,
		Cheapest:   cheapest,
		Baseline:   base,
		Savings:    base.UnitPrice - current.UnitPrice,
	}
	if res.IsCheapest && res.Savings >= minSavings {
		res.Action = ActionBoost
	}
	return res, nil
}

func (r SavingsResult) String() string {
	return fmt.Sprintf("%s (cheapest=%v, savings=%.4f vs baseline %.4f)", r.Action, r.IsCheapest, r.Savings, r.Baseline.UnitPrice)
}
