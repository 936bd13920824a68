// Package sensor reads the storage temperature and derives the per-tick
// boost adjustments the decision engine expects.
package sensor

import (
	"context"
	"math"

	"github.com/devskill-org/heat-capacitor/capacitor"
)

// TemperatureReader returns the current storage temperature in degrees.
type TemperatureReader interface {
	ReadTemperature(ctx context.Context) (float64, error)
}

// StaticReader always reports the same temperature. Used for dry runs.
type StaticReader struct {
	Temperature float64
}

// ReadTemperature implements TemperatureReader.
func (s StaticReader) ReadTemperature(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Temperature, nil
}

// Adjustments derives heat boost and cool slack from a measured temperature.
//
// Both grow with the deficit below setpoint. The heat boost is capped at the
// maximum adjustment, the cool slack is not, so it exceeds the hysteresis
// exactly when the temperature is below setpoint - hysteresis.
func Adjustments(temperature float64, bounds capacitor.Bounds) capacitor.BoostAdjustments {
	deficit := math.Max(bounds.Setpoint-temperature, 0)
	return capacitor.BoostAdjustments{
		HeatBoost: math.Min(deficit, bounds.MaxAdjustment),
		CoolSlack: deficit,
	}
}
