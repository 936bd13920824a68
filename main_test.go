package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devskill-org/heat-capacitor/capacitor"
)

const request = `{
	"current_time": "2021-10-11T01:30:00+02:00",
	"bounds": {"setpoint": 48, "hysteresis": 3, "max_adjustment": 3, "min_savings": 1},
	"rates": {"heat_minutes_per_degree": 11.25, "cool_minutes_per_degree": 20},
	"boost": {"heat_boost": 0, "cool_slack": 0},
	"schedule": [
		{"start": "2021-10-11T00:00:00+02:00", "value": 10},
		{"start": "2021-10-11T01:00:00+02:00", "value": 8}
	]
}`

func TestEvaluate(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, evaluate(strings.NewReader(request), &out, ""))

	var decision capacitor.Decision
	require.NoError(t, json.Unmarshal(out.Bytes(), &decision))
	assert.Equal(t, capacitor.StateBoost, decision.State)
	assert.Equal(t, 48.0, decision.TargetTemperature)
}

func TestEvaluate_Rejected(t *testing.T) {
	var out bytes.Buffer
	body := strings.Replace(request, `"heat_boost": 0`, `"heat_boost": 4`, 1)
	err := evaluate(strings.NewReader(body), &out, "")
	require.ErrorIs(t, err, capacitor.ErrInvalidConfig)

	var rejected map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &rejected))
	assert.Equal(t, "invalid_config", rejected["kind"])
	assert.Equal(t, "boost.heat_boost", rejected["field"])

	assert.Error(t, evaluate(strings.NewReader(request), &out, "median"))
	assert.Error(t, evaluate(strings.NewReader("{"), &out, ""))
}

func TestPrintSchedule(t *testing.T) {
	start := time.Date(2021, 10, 11, 0, 0, 0, 0, time.UTC)
	schedule := capacitor.PriceSchedule{
		Points: []capacitor.PricePoint{
			{Start: start, UnitPrice: 10},
			{Start: start.Add(time.Hour), UnitPrice: 8},
			{Start: start.Add(2 * time.Hour), UnitPrice: 12},
		},
		End: start.Add(3 * time.Hour),
	}

	var out bytes.Buffer
	require.NoError(t, printSchedule(&out, schedule))
	assert.Contains(t, out.String(), "2021-10-11 01:00 UTC")
	assert.Contains(t, out.String(), "(end)")
	assert.Contains(t, out.String(), "3 segments, cheapest 8.0000 at 2021-10-11T01:00:00Z")

	assert.Error(t, printSchedule(&out, capacitor.PriceSchedule{}))
}
