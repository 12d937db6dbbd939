package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"engineroom-monitor/internal/eventing"
)

const defaultDLQTable = "dead_letter_events"

// DLQStore parks envelopes the dispatcher could not deliver, for
// example a reading event whose payload no longer decodes after a
// schema change. Rows are keyed by event id and count repeat failures.
type DLQStore struct {
	db    *sql.DB
	table string
}

// NewDLQStore constructs a store over the dead_letter_events table.
func NewDLQStore(db *sql.DB, opts ...DLQOption) *DLQStore {
	store := &DLQStore{db: db, table: defaultDLQTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// DLQOption configures the DLQ store.
type DLQOption func(*DLQStore)

// WithDLQTable overrides the backing table name.
func WithDLQTable(table string) DLQOption {
	return func(store *DLQStore) {
		if table != "" {
			store.table = table
		}
	}
}

// RecordFailure upserts the envelope keyed by event id. A repeat
// failure refreshes the payload and error text and bumps the attempt
// counter, so the row always reflects the latest delivery attempt.
func (s *DLQStore) RecordFailure(ctx context.Context, env eventing.Envelope, cause error) error {
	if s == nil || s.db == nil {
		return errors.New("dlq store: nil db")
	}
	if env.EventID == "" {
		return errors.New("dlq store: empty event id")
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	event_id,
	event_type,
	payload,
	error,
	first_seen_at,
	last_seen_at,
	attempts
) VALUES (
	$1, $2, $3, $4, $5, $5, 1
)
ON CONFLICT (event_id)
DO UPDATE SET
	event_type = EXCLUDED.event_type,
	payload = EXCLUDED.payload,
	error = EXCLUDED.error,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = %s.attempts + 1`, s.table, s.table)

	_, err = s.db.ExecContext(ctx, query,
		env.EventID, env.EventType, payload, errText(cause), time.Now().UTC())
	return err
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
