package controller

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devskill-org/heat-capacitor/capacitor"
	"github.com/devskill-org/heat-capacitor/publish"
)

func TestPostgresStore_SaveAndLoad(t *testing.T) {
	// Skip if no database connection available
	connString := os.Getenv("TEST_POSTGRES_CONN")
	if connString == "" {
		t.Skip("Skipping test: TEST_POSTGRES_CONN not set")
	}

	ctx := context.Background()
	store, err := OpenPostgresStore(ctx, connString)
	require.NoError(t, err)
	defer store.Close()

	storageID := "test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		store.db.Exec("DELETE FROM heat_decisions WHERE storage_id = $1", storageID)
	})

	base := time.Now().UTC().Truncate(time.Second)
	decision := func(state capacitor.State, target float64) *capacitor.Decision {
		return &capacitor.Decision{
			TargetTemperature: target,
			State:             state,
			Window:            capacitor.ReachWindow{Earliest: base.Add(-time.Hour), Latest: base.Add(30 * time.Minute)},
			Current:           capacitor.PricePoint{Start: base, UnitPrice: 8},
			Savings: capacitor.SavingsResult{
				Action:     capacitor.ActionBoost,
				IsCheapest: true,
				Cheapest:   capacitor.PricePoint{Start: base, UnitPrice: 8},
				Baseline:   capacitor.PricePoint{UnitPrice: 10},
				Savings:    2,
			},
		}
	}

	first := publish.NewRecord(storageID, base, 46, decision(capacitor.StateBoost, 48), nil)
	second := publish.NewRecord(storageID, base.Add(time.Minute), 47, decision(capacitor.StateBoost, 48), nil)
	require.NoError(t, store.SaveDecision(ctx, first))
	require.NoError(t, store.SaveDecision(ctx, second))

	// same timestamp replaces the row
	replaced := publish.NewRecord(storageID, base.Add(time.Minute), 44, decision(capacitor.StateForcedHeat, 51), nil)
	require.NoError(t, store.SaveDecision(ctx, replaced))

	history, err := store.LoadHistory(ctx, storageID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, replaced.ID, history[0].ID)
	assert.Equal(t, capacitor.StateForcedHeat, history[0].Decision.State)
	assert.Equal(t, capacitor.ActionBoost, history[0].Decision.Savings.Action)
	assert.Equal(t, 51.0, history[0].Decision.TargetTemperature)
	assert.True(t, history[0].Decision.Savings.IsCheapest)
	assert.Equal(t, first.ID, history[1].ID)
	assert.True(t, history[1].Time.Equal(base))

	limited, err := store.LoadHistory(ctx, storageID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	assert.Error(t, store.SaveDecision(ctx, publish.NewRecord(storageID, base, 40, nil, capacitor.ErrNoCoverage)))
}
