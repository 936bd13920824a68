// Package capacitor decides the target temperature of a thermal storage that
// is used as an energy buffer against time-varying prices.
//
// The package is pure: every call works on an immutable input snapshot and
// returns either a decision or a tagged error. Sensing, price acquisition,
// actuation and tracing belong to the caller.
package capacitor

import (
	"iter"
	"math"
	"sort"
	"time"
)

// PricePoint is one price segment, valid from Start until the next point starts.
type PricePoint struct {
	Start     time.Time `json:"start"`
	UnitPrice float64   `json:"value"`
}

// PriceSchedule is an ordered price forecast. The last segment extends
// indefinitely unless End is set.
type PriceSchedule struct {
	Points []PricePoint `json:"points"`
	End    time.Time    `json:"end,omitzero"`
}

// Bounded reports whether the schedule has an explicit end.
func (s PriceSchedule) Bounded() bool {
	return !s.End.IsZero()
}

// ScheduleIndex is a validated, read-only view over a PriceSchedule that
// answers lookups by time. It is safe for concurrent use.
type ScheduleIndex struct {
	points []PricePoint
	end    time.Time
}

// NewScheduleIndex validates schedule and indexes it for lookup.
// The points are copied, later changes to the caller's slice are not seen.
func NewScheduleIndex(schedule PriceSchedule) (*ScheduleIndex, error) {
	if len(schedule.Points) == 0 {
		return nil, &ValidationError{
			Kind:    ErrNoCoverage,
			Field:   "schedule",
			Message: "schedule is empty",
			also:    ErrInvalidSchedule,
		}
	}

	for i, p := range schedule.Points {
		if p.Start.IsZero() {
			return nil, invalidSchedule("schedule.start", "segment %d has no start time", i)
		}
		if math.IsNaN(p.UnitPrice) || math.IsInf(p.UnitPrice, 0) {
			return nil, invalidSchedule("schedule.value", "segment %d has a non-finite price", i)
		}
		if i == 0 {
			continue
		}
		prev := schedule.Points[i-1].Start
		if p.Start.Equal(prev) {
			return nil, invalidSchedule("schedule.start", "segment %d duplicates start %s", i, p.Start.Format(time.RFC3339))
		}
		if p.Start.Before(prev) {
			return nil, invalidSchedule("schedule.start", "segment %d starts at %s, before the previous segment at %s",
				i, p.Start.Format(time.RFC3339), prev.Format(time.RFC3339))
		}
	}

	last := schedule.Points[len(schedule.Points)-1].Start
	if schedule.Bounded() && !schedule.End.After(last) {
		return nil, invalidSchedule("schedule.end", "end %s must be after the last segment start %s",
			schedule.End.Format(time.RFC3339), last.Format(time.RFC3339))
	}

	points := make([]PricePoint, len(schedule.Points))
	copy(points, schedule.Points)

	return &ScheduleIndex{points: points, end: schedule.End}, nil
}

// Len returns the number of segments.
func (x *ScheduleIndex) Len() int {
	return len(x.points)
}

// First returns the earliest segment.
func (x *ScheduleIndex) First() PricePoint {
	return x.points[0]
}

// Last returns the latest segment.
func (x *ScheduleIndex) Last() PricePoint {
	return x.points[len(x.points)-1]
}

// SegmentAt returns the segment whose interval contains t.
func (x *ScheduleIndex) SegmentAt(t time.Time) (PricePoint, error) {
	if t.Before(x.points[0].Start) {
		return PricePoint{}, noCoverage("current_time", "%s precedes the first segment at %s",
			t.Format(time.RFC3339), x.points[0].Start.Format(time.RFC3339))
	}
	if !x.end.IsZero() && !t.Before(x.end) {
		return PricePoint{}, noCoverage("current_time", "%s is at or after the schedule end %s",
			t.Format(time.RFC3339), x.end.Format(time.RFC3339))
	}
	return x.points[x.indexAt(t)], nil
}

// SegmentsBetween yields, in order, every segment overlapping [start, end],
// including partially overlapping boundary segments. The sequence can be
// ranged over any number of times.
func (x *ScheduleIndex) SegmentsBetween(start, end time.Time) iter.Seq[PricePoint] {
	return func(yield func(PricePoint) bool) {
		if end.Before(start) {
			return
		}
		if !x.end.IsZero() && !start.Before(x.end) {
			return
		}

		i := 0
		if !start.Before(x.points[0].Start) {
			i = x.indexAt(start)
		}
		for ; i < len(x.points); i++ {
			if x.points[i].Start.After(end) {
				return
			}
			if !yield(x.points[i]) {
				return
			}
		}
	}
}

// indexAt returns the index of the segment containing t. t must not precede
// the first segment.
func (x *ScheduleIndex) indexAt(t time.Time) int {
	next := sort.Search(len(x.points), func(i int) bool {
		return x.points[i].Start.After(t)
	})
	return next - 1
}
