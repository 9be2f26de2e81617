package store

import (
	"fmt"
	"log/slog"
	"time"
)

func (s *PostgresStore) RecordEvent(eventID, userID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_events (event_id, user_id, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, nilIfEmpty(userID), time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore RecordEvent failed", "error", err, "eventID", eventID)
		return false, fmt.Errorf("record event failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event failed: %w", err)
	}
	fresh := n > 0
	if !fresh {
		slog.Debug("PostgresStore RecordEvent duplicate", "eventID", eventID)
	}
	return fresh, nil
}

func (s *PostgresStore) MarkEventProcessed(eventID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_events SET processed_at = $1 WHERE event_id = $2`,
		time.Now().UTC(), eventID,
	)
	if err != nil {
		slog.Error("PostgresStore MarkEventProcessed failed", "error", err, "eventID", eventID)
		return fmt.Errorf("mark event processed failed: %w", err)
	}
	return nil
}
