package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EventStore records processed webhook event ids so that redelivery of the
// same event is detected. Rows are pruned after a retention window; a
// reprocessed event older than the window is still harmless because every
// state write is conditional on the ordering token.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Seen reports whether the event id has already been processed.
func (s *EventStore) Seen(eventID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM webhook_events WHERE event_id = ?`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return true, nil
}

// MarkProcessed records the event id after successful processing.
func (s *EventStore) MarkProcessed(eventID, eventType string) error {
	_, err := s.db.Exec(
		`INSERT INTO webhook_events (event_id, event_type) VALUES (?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

// PruneBefore deletes event rows received before the cutoff and returns the
// number removed.
func (s *EventStore) PruneBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM webhook_events WHERE received_at < datetime(?, 'unixepoch')`,
		cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune webhook events rows affected: %w", err)
	}
	return n, nil
}
