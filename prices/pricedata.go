package prices

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/devskill-org/heat-capacitor/capacitor"
)

// PriceData is the provider-neutral JSON price feed, as delivered by Tibber
// or Nord Pool integrations:
//
//	{"source": "Tibber", "priceData": [{"start": "2021-10-11T00:00:00.000+02:00", "value": 10}]}
type PriceData struct {
	Source    string       `json:"source"`
	PriceData []PriceEntry `json:"priceData"`
}

// PriceEntry is one element of PriceData.
type PriceEntry struct {
	Start time.Time `json:"start"`
	Value float64   `json:"value"`
}

// DecodePriceDataJSON decodes a price feed. A bare array of entries is
// accepted as well.
func DecodePriceDataJSON(r io.Reader) (*PriceData, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read price data: %w", err)
	}

	var data PriceData
	if err := json.Unmarshal(raw, &data); err != nil {
		var entries []PriceEntry
		if errArr := json.Unmarshal(raw, &entries); errArr != nil {
			return nil, fmt.Errorf("failed to decode price data JSON: %w", err)
		}
		data.PriceData = entries
	}
	return &data, nil
}

// Schedule converts the feed to an open-ended schedule sorted by start.
// Ordering problems beyond sorting, such as duplicate starts, are left for
// the schedule index to reject.
func (d *PriceData) Schedule() capacitor.PriceSchedule {
	points := make([]capacitor.PricePoint, 0, len(d.PriceData))
	for _, e := range d.PriceData {
		points = append(points, capacitor.PricePoint{Start: e.Start, UnitPrice: e.Value})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Start.Before(points[j].Start) })
	return capacitor.PriceSchedule{Points: points}
}
