package capacitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EvaluationRequest is the full input of one tick.
type EvaluationRequest struct {
	Now      time.Time        `json:"current_time"`
	Bounds   Bounds           `json:"bounds"`
	Rates    ThermalRates     `json:"rates"`
	Boost    BoostAdjustments `json:"boost"`
	Schedule PriceSchedule    `json:"schedule"`
}

// Decision is the result of one tick.
type Decision struct {
	TargetTemperature float64       `json:"target_temperature"`
	State             State         `json:"state"`
	Window            ReachWindow   `json:"window"`
	Current           PricePoint    `json:"current"`
	Savings           SavingsResult `json:"savings"`
}

// Evaluator composes the schedule index, reach window, savings evaluation and
// decision engine. The zero value uses BaselineWindowPeak. An Evaluator holds
// no mutable state and may be shared between goroutines.
type Evaluator struct {
	Baseline Baseline
}

// Evaluate runs one tick with the default Evaluator.
func Evaluate(req EvaluationRequest) (Decision, error) {
	return Evaluator{}.Evaluate(req)
}

// Evaluate validates req and computes the decision. On error no decision is
// produced and the caller is expected to keep its previous target.
func (e Evaluator) Evaluate(req EvaluationRequest) (Decision, error) {
	if err := validateInputs(req); err != nil {
		return Decision{}, err
	}
	index, err := NewScheduleIndex(req.Schedule)
	if err != nil {
		return Decision{}, err
	}
	return e.evaluate(index, req)
}

// EvaluateIndexed is Evaluate over an index built beforehand, so that one
// schedule snapshot can serve several storages. req.Schedule is ignored.
func (e Evaluator) EvaluateIndexed(index *ScheduleIndex, req EvaluationRequest) (Decision, error) {
	if index == nil {
		return Decision{}, invalidSchedule("schedule", "index is nil")
	}
	if err := validateInputs(req); err != nil {
		return Decision{}, err
	}
	return e.evaluate(index, req)
}

func validateInputs(req EvaluationRequest) error {
	if req.Now.IsZero() {
		return invalidConfig("current_time", "must be set")
	}
	if err := req.Bounds.Validate(); err != nil {
		return err
	}
	if err := req.Boost.Validate(req.Bounds); err != nil {
		return err
	}
	return req.Rates.Validate()
}

func (e Evaluator) evaluate(index *ScheduleIndex, req EvaluationRequest) (Decision, error) {
	current, err := index.SegmentAt(req.Now)
	if err != nil {
		return Decision{}, err
	}

	window, err := ComputeWindow(req.Now, req.Rates, req.Bounds.MaxAdjustment)
	if err != nil {
		return Decision{}, err
	}

	savings, err := EvaluateSavings(current, window, index, req.Bounds.MinSavings, e.Baseline)
	if err != nil {
		return Decision{}, err
	}

	state, target := Decide(req.Bounds, req.Boost, savings.Action)

	return Decision{
		TargetTemperature: target,
		State:             state,
		Window:            window,
		Current:           current,
		Savings:           savings,
	}, nil
}

// MarshalJSON writes an unbounded schedule as a plain array of points.
func (s PriceSchedule) MarshalJSON() ([]byte, error) {
	if !s.Bounded() {
		if s.Points == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(s.Points)
	}
	type alias PriceSchedule
	return json.Marshal(alias(s))
}

// UnmarshalJSON accepts either an array of points or {"points": [...], "end": ...}.
func (s *PriceSchedule) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var points []PricePoint
		if err := json.Unmarshal(trimmed, &points); err != nil {
			return fmt.Errorf("invalid schedule points: %w", err)
		}
		*s = PriceSchedule{Points: points}
		return nil
	}

	type alias PriceSchedule
	var aux alias
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	*s = PriceSchedule(aux)
	return nil
}
