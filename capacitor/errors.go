package capacitor

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by this package unwraps to one of them.
var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNoCoverage      = errors.New("no price coverage")
	ErrInvalidConfig   = errors.New("invalid config")
)

// ValidationError names the offending input field of a rejected evaluation.
type ValidationError struct {
	Kind    error
	Field   string
	Message string

	// also is set when a failure belongs to two kinds at once (empty schedule).
	also error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: field '%s': %s", e.Kind, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.also != nil {
		return []error{e.Kind, e.also}
	}
	return []error{e.Kind}
}

func invalidSchedule(field, format string, args ...any) error {
	return &ValidationError{Kind: ErrInvalidSchedule, Field: field, Message: fmt.Sprintf(format, args...)}
}

func noCoverage(field, format string, args ...any) error {
	return &ValidationError{Kind: ErrNoCoverage, Field: field, Message: fmt.Sprintf(format, args...)}
}

func invalidConfig(field, format string, args ...any) error {
	return &ValidationError{Kind: ErrInvalidConfig, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Kind reports which failure kind err belongs to, or "" for foreign errors.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNoCoverage):
		return "no_coverage"
	case errors.Is(err, ErrInvalidSchedule):
		return "invalid_schedule"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	}
	return ""
}
