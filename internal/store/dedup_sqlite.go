package store

import (
	"fmt"
	"log/slog"
	"time"
)

// RecordEvent inserts the event ID if it has not been seen before. Returns
// false when the ID already exists, which marks the delivery as a duplicate.
func (s *SQLiteStore) RecordEvent(eventID, userID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_events (event_id, user_id, received_at) VALUES (?, ?, ?)`,
		eventID, nilIfEmpty(userID), time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore RecordEvent failed", "error", err, "eventID", eventID)
		return false, fmt.Errorf("record event failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event failed: %w", err)
	}
	fresh := n > 0
	if !fresh {
		slog.Debug("SQLiteStore RecordEvent duplicate", "eventID", eventID)
	}
	return fresh, nil
}

func (s *SQLiteStore) MarkEventProcessed(eventID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_events SET processed_at = ? WHERE event_id = ?`,
		time.Now().UTC(), eventID,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkEventProcessed failed", "error", err, "eventID", eventID)
		return fmt.Errorf("mark event processed failed: %w", err)
	}
	return nil
}
