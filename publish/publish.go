// Package publish delivers tick records to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devskill-org/heat-capacitor/capacitor"
)

// Record is the outcome of one controller tick. A failed tick carries Error
// and no Decision; the actuator keeps the last published target.
type Record struct {
	ID          uuid.UUID           `json:"id"`
	StorageID   string              `json:"storage_id"`
	Time        time.Time           `json:"time"`
	Temperature float64             `json:"temperature"`
	Decision    *capacitor.Decision `json:"decision,omitempty"`
	Error       string              `json:"error,omitempty"`
	ErrorKind   string              `json:"error_kind,omitempty"`
}

// NewRecord builds a record for a tick. Exactly one of decision and err is
// expected to be set.
func NewRecord(storageID string, at time.Time, temperature float64, decision *capacitor.Decision, err error) Record {
	r := Record{
		ID:          uuid.New(),
		StorageID:   storageID,
		Time:        at,
		Temperature: temperature,
		Decision:    decision,
	}
	if err != nil {
		r.Error = err.Error()
		r.ErrorKind = capacitor.Kind(err)
	}
	return r
}

// Failed reports whether the tick produced no decision.
func (r Record) Failed() bool {
	return r.Decision == nil
}

// Sink publishes records.
type Sink interface {
	Publish(ctx context.Context, r Record) error
	Close() error
}

func encode(r Record) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
	}
	return payload, nil
}

// LogSink writes records to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Publish implements Sink.
func (s LogSink) Publish(_ context.Context, r Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Failed() {
		logger.Warn("tick failed, keeping previous target",
			"id", r.ID, "storage", r.StorageID, "temperature", r.Temperature,
			"kind", r.ErrorKind, "error", r.Error)
		return nil
	}
	d := r.Decision
	logger.Info("decision",
		"id", r.ID,
		"storage", r.StorageID,
		"state", d.State,
		"target", d.TargetTemperature,
		"temperature", r.Temperature,
		"price", d.Current.UnitPrice,
		"cheapest", d.Savings.Cheapest.UnitPrice,
		"savings", d.Savings.Savings)
	return nil
}

// Close implements Sink.
func (LogSink) Close() error { return nil }

// Multi publishes to every sink in order. A failing sink does not stop the
// others; all errors are joined.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
