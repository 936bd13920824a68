// Package prices turns price forecasts from providers into schedules the
// decision engine can index.
package prices

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/devskill-org/heat-capacitor/capacitor"
)

// MarketDocument is the ENTSO-E day-ahead Publication_MarketDocument.
type MarketDocument struct {
	XMLName            xml.Name     `xml:"Publication_MarketDocument"`
	MRID               string       `xml:"mRID"`
	Type               string       `xml:"type"`
	CreatedDateTime    string       `xml:"createdDateTime"`
	PeriodTimeInterval TimeInterval `xml:"period.timeInterval"`
	TimeSeries         []TimeSeries `xml:"TimeSeries"`
}

// TimeInterval is a [start, end) interval of a document or period.
type TimeInterval struct {
	Start time.Time
	End   time.Time
}

// UnmarshalXML implements custom XML unmarshaling for TimeInterval
func (ti *TimeInterval) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var aux struct {
		Start string `xml:"start"`
		End   string `xml:"end"`
	}
	if err := d.DecodeElement(&aux, &start); err != nil {
		return err
	}

	var err error
	if ti.Start, err = parseTimeString(aux.Start); err != nil {
		return fmt.Errorf("error parsing start time: %w", err)
	}
	if ti.End, err = parseTimeString(aux.End); err != nil {
		return fmt.Errorf("error parsing end time: %w", err)
	}
	return nil
}

// parseTimeString accepts the timestamp layouts seen in ENTSO-E documents.
func parseTimeString(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z", "2006-01-02T15:04Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time string: %s", s)
}

// TimeSeries is one price curve of the document.
type TimeSeries struct {
	MRID                 string `xml:"mRID"`
	CurrencyUnitName     string `xml:"currency_Unit.name"`
	PriceMeasureUnitName string `xml:"price_Measure_Unit.name"`
	CurveType            string `xml:"curveType"`
	Period               Period `xml:"Period"`
}

// Period holds the points of a time series at a fixed resolution.
type Period struct {
	TimeInterval TimeInterval
	Resolution   time.Duration
	Points       []Point
}

// UnmarshalXML implements custom XML unmarshaling for Period
func (p *Period) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var aux struct {
		TimeInterval TimeInterval `xml:"timeInterval"`
		Resolution   string       `xml:"resolution"`
		Points       []Point      `xml:"Point"`
	}
	if err := d.DecodeElement(&aux, &start); err != nil {
		return err
	}

	res, err := parseResolution(aux.Resolution)
	if err != nil {
		return fmt.Errorf("error parsing resolution: %w", err)
	}
	if res <= 0 {
		return fmt.Errorf("error parsing resolution: %q is not positive", aux.Resolution)
	}

	p.TimeInterval = aux.TimeInterval
	p.Resolution = res
	p.Points = aux.Points
	return nil
}

// Point is a price at a 1-based position of a period.
type Point struct {
	Position    int     `xml:"position"`
	PriceAmount float64 `xml:"price.amount"`
}

// parseResolution parses the ISO 8601 durations used as period resolution,
// e.g. PT15M, PT60M, PT1H or P1D.
func parseResolution(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok {
		return 0, fmt.Errorf("invalid ISO 8601 duration format: %s", s)
	}

	var (
		total  time.Duration
		inTime bool
		num    strings.Builder
	)
	for _, c := range rest {
		switch {
		case c == 'T':
			if inTime || num.Len() > 0 {
				return 0, fmt.Errorf("invalid ISO 8601 duration format: %s", s)
			}
			inTime = true
			continue
		case c >= '0' && c <= '9' || c == '.':
			num.WriteRune(c)
			continue
		}

		if num.Len() == 0 {
			return 0, fmt.Errorf("missing value before %c in %s", c, s)
		}
		n, err := strconv.ParseFloat(num.String(), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in %s: %w", s, err)
		}
		num.Reset()

		var unit time.Duration
		switch {
		case !inTime && c == 'D':
			unit = 24 * time.Hour
		case !inTime && c == 'W':
			unit = 7 * 24 * time.Hour
		case inTime && c == 'H':
			unit = time.Hour
		case inTime && c == 'M':
			unit = time.Minute
		case inTime && c == 'S':
			unit = time.Second
		default:
			return 0, fmt.Errorf("unknown unit %c in %s", c, s)
		}
		total += time.Duration(n * float64(unit))
	}
	if num.Len() > 0 {
		return 0, fmt.Errorf("trailing number without unit in %s", s)
	}
	return total, nil
}

// DecodeEnergyPricesXML decodes an ENTSO-E market document.
func DecodeEnergyPricesXML(r io.Reader) (*MarketDocument, error) {
	var doc MarketDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("error parsing XML: %w", err)
	}
	return &doc, nil
}

// Schedule converts the document into a price schedule bounded by the end of
// its latest period. ENTSO-E omits positions whose price did not change, which
// matches schedule semantics where a segment lasts until the next one starts.
// When several series cover the same instant the first one wins.
func (doc *MarketDocument) Schedule() (capacitor.PriceSchedule, error) {
	var (
		points []capacitor.PricePoint
		end    time.Time
		seen   = make(map[int64]bool)
	)
	for _, ts := range doc.TimeSeries {
		period := ts.Period
		if period.Resolution <= 0 {
			return capacitor.PriceSchedule{}, fmt.Errorf("time series %s has no resolution", ts.MRID)
		}
		for _, pt := range period.Points {
			start, ok := period.startOf(pt.Position)
			if !ok {
				continue
			}
			if seen[start.UnixNano()] {
				continue
			}
			seen[start.UnixNano()] = true
			points = append(points, capacitor.PricePoint{Start: start, UnitPrice: pt.PriceAmount})
		}
		if period.TimeInterval.End.After(end) {
			end = period.TimeInterval.End
		}
	}

	if len(points) == 0 {
		return capacitor.PriceSchedule{}, fmt.Errorf("document %s contains no prices", doc.MRID)
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Start.Before(points[j].Start) })
	return capacitor.PriceSchedule{Points: points, End: end}, nil
}

// startOf returns the start of a 1-based position, false when the position
// falls outside the period.
func (p Period) startOf(position int) (time.Time, bool) {
	if position < 1 {
		return time.Time{}, false
	}
	start := p.TimeInterval.Start.Add(time.Duration(position-1) * p.Resolution)
	if !start.Before(p.TimeInterval.End) {
		return time.Time{}, false
	}
	return start, true
}

// Merge appends the time series of other to doc and widens the document interval.
func Merge(doc, other *MarketDocument) *MarketDocument {
	if doc == nil {
		return other
	}
	if other == nil {
		return doc
	}

	merged := *doc
	merged.TimeSeries = append(append([]TimeSeries(nil), doc.TimeSeries...), other.TimeSeries...)
	if other.PeriodTimeInterval.End.After(merged.PeriodTimeInterval.End) {
		merged.PeriodTimeInterval.End = other.PeriodTimeInterval.End
	}
	return &merged
}
