package controller

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/devskill-org/heat-capacitor/capacitor"
	"github.com/devskill-org/heat-capacitor/publish"
)

const createDecisionsTable = `
	CREATE TABLE IF NOT EXISTS heat_decisions (
		storage_id         TEXT             NOT NULL,
		timestamp          TIMESTAMPTZ      NOT NULL,
		record_id          UUID             NOT NULL,
		state              TEXT             NOT NULL,
		action             TEXT             NOT NULL,
		target_temperature DOUBLE PRECISION NOT NULL,
		temperature        DOUBLE PRECISION NOT NULL,
		segment_start      TIMESTAMPTZ      NOT NULL,
		unit_price         DOUBLE PRECISION NOT NULL,
		cheapest_start     TIMESTAMPTZ      NOT NULL,
		cheapest_price     DOUBLE PRECISION NOT NULL,
		baseline_price     DOUBLE PRECISION NOT NULL,
		savings            DOUBLE PRECISION NOT NULL,
		window_earliest    TIMESTAMPTZ      NOT NULL,
		window_latest      TIMESTAMPTZ      NOT NULL,
		PRIMARY KEY (storage_id, timestamp)
	)`

// PostgresStore keeps the decision history in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects and makes sure the heat_decisions table exists
func OpenPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createDecisionsTable); err != nil {
		return fmt.Errorf("failed to create heat_decisions table: %w", err)
	}
	return nil
}

// SaveDecision persists a successful tick. A tick repeated at the same
// timestamp replaces the earlier row.
func (s *PostgresStore) SaveDecision(ctx context.Context, r publish.Record) error {
	if r.Decision == nil {
		return fmt.Errorf("record %s has no decision", r.ID)
	}
	d := r.Decision

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO heat_decisions (
			storage_id,
			timestamp,
			record_id,
			state,
			action,
			target_temperature,
			temperature,
			segment_start,
			unit_price,
			cheapest_start,
			cheapest_price,
			baseline_price,
			savings,
			window_earliest,
			window_latest
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (storage_id, timestamp) DO UPDATE SET
			record_id = EXCLUDED.record_id,
			state = EXCLUDED.state,
			action = EXCLUDED.action,
			target_temperature = EXCLUDED.target_temperature,
			temperature = EXCLUDED.temperature,
			segment_start = EXCLUDED.segment_start,
			unit_price = EXCLUDED.unit_price,
			cheapest_start = EXCLUDED.cheapest_start,
			cheapest_price = EXCLUDED.cheapest_price,
			baseline_price = EXCLUDED.baseline_price,
			savings = EXCLUDED.savings,
			window_earliest = EXCLUDED.window_earliest,
			window_latest = EXCLUDED.window_latest
	`,
		r.StorageID,
		r.Time,
		r.ID.String(),
		string(d.State),
		d.Savings.Action.String(),
		d.TargetTemperature,
		r.Temperature,
		d.Current.Start,
		d.Current.UnitPrice,
		d.Savings.Cheapest.Start,
		d.Savings.Cheapest.UnitPrice,
		d.Savings.Baseline.UnitPrice,
		d.Savings.Savings,
		d.Window.Earliest,
		d.Window.Latest,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert decision at %s: %w", r.Time.Format(time.RFC3339), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadHistory returns the latest decisions of a storage, newest first
func (s *PostgresStore) LoadHistory(ctx context.Context, storageID string, limit int) ([]publish.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			timestamp,
			record_id,
			state,
			action,
			target_temperature,
			temperature,
			segment_start,
			unit_price,
			cheapest_start,
			cheapest_price,
			baseline_price,
			savings,
			window_earliest,
			window_latest
		FROM heat_decisions
		WHERE storage_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, storageID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var history []publish.Record
	for rows.Next() {
		var (
			r        = publish.Record{StorageID: storageID}
			d        capacitor.Decision
			recordID string
			state    string
			action   string
		)
		err := rows.Scan(
			&r.Time,
			&recordID,
			&state,
			&action,
			&d.TargetTemperature,
			&r.Temperature,
			&d.Current.Start,
			&d.Current.UnitPrice,
			&d.Savings.Cheapest.Start,
			&d.Savings.Cheapest.UnitPrice,
			&d.Savings.Baseline.UnitPrice,
			&d.Savings.Savings,
			&d.Window.Earliest,
			&d.Window.Latest,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}

		if r.ID, err = uuid.Parse(recordID); err != nil {
			return nil, fmt.Errorf("invalid record id %q: %w", recordID, err)
		}
		d.State = capacitor.State(state)
		if err := d.Savings.Action.UnmarshalText([]byte(action)); err != nil {
			return nil, err
		}
		d.Savings.IsCheapest = d.Savings.Cheapest.Start.Equal(d.Current.Start) ||
			d.Savings.Cheapest.UnitPrice == d.Current.UnitPrice
		r.Decision = &d

		history = append(history, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return history, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
