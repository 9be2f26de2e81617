package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/google/uuid"
)

const deferredColumns = `id, account_id, kind, payload_json, status, attempts, last_error,
	enqueued_at, next_attempt_at, claimed_at, updated_at`

func (s *SQLiteStore) EnqueueDeferred(entry models.DeferredEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = models.DeferredPending
	}
	var nextAttemptAt, claimedAt interface{}
	if entry.NextAttemptAt != nil {
		nextAttemptAt = *entry.NextAttemptAt
	}
	if entry.ClaimedAt != nil {
		claimedAt = *entry.ClaimedAt
	}
	_, err := s.db.Exec(
		`INSERT INTO deferred_entries (`+deferredColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AccountID, entry.Kind, entry.PayloadJSON, entry.Status,
		entry.Attempts, nilIfEmpty(entry.LastError), entry.EnqueuedAt, nextAttemptAt, claimedAt, entry.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore EnqueueDeferred failed", "error", err, "accountID", entry.AccountID, "kind", entry.Kind)
		return "", fmt.Errorf("enqueue deferred entry failed: %w", err)
	}
	slog.Debug("SQLiteStore EnqueueDeferred succeeded", "entryID", entry.ID, "accountID", entry.AccountID, "kind", entry.Kind)
	return entry.ID, nil
}

// ClaimDeferredBatch selects the oldest eligible pending entries for the
// account and flips each one to inflight inside a transaction. A row whose
// status changed between select and update is skipped, so two concurrent
// callers never claim the same entry.
func (s *SQLiteStore) ClaimDeferredBatch(accountID string, limit int, now time.Time) ([]models.DeferredEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim deferred batch begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+deferredColumns+` FROM deferred_entries
		 WHERE account_id = ? AND status = 'pending'
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY enqueued_at ASC LIMIT ?`,
		accountID, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim deferred batch query failed: %w", err)
	}
	var candidates []models.DeferredEntry
	for rows.Next() {
		entry, err := scanDeferred(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan deferred entry failed: %w", err)
		}
		candidates = append(candidates, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("deferred entry iteration failed: %w", err)
	}
	rows.Close()

	var claimed []models.DeferredEntry
	for _, entry := range candidates {
		res, err := tx.Exec(
			`UPDATE deferred_entries SET status = 'inflight', claimed_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'pending'`,
			now, now, entry.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim deferred entry %s failed: %w", entry.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim deferred entry %s failed: %w", entry.ID, err)
		}
		if n == 0 {
			continue
		}
		claimedAt := now
		entry.Status = models.DeferredInflight
		entry.ClaimedAt = &claimedAt
		entry.UpdatedAt = now
		claimed = append(claimed, entry)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim deferred batch commit failed: %w", err)
	}
	slog.Debug("SQLiteStore ClaimDeferredBatch succeeded", "accountID", accountID, "claimed", len(claimed))
	return claimed, nil
}

func (s *SQLiteStore) MarkDeferredDone(id string) error {
	_, err := s.db.Exec(
		`UPDATE deferred_entries SET status = 'done', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkDeferredDone failed", "error", err, "entryID", id)
		return fmt.Errorf("mark deferred %s done failed: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkDeferredRetry(id, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE deferred_entries
		 SET status = 'pending', attempts = attempts + 1, last_error = ?,
		     next_attempt_at = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, nextAttemptAt, time.Now().UTC(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkDeferredRetry failed", "error", err, "entryID", id)
		return fmt.Errorf("mark deferred %s retry failed: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkDeferredDead(id, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE deferred_entries
		 SET status = 'dead', last_error = ?, updated_at = ?
		 WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkDeferredDead failed", "error", err, "entryID", id)
		return fmt.Errorf("mark deferred %s dead failed: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) PendingAccounts(now time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT account_id FROM deferred_entries
		 WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`,
		now,
	)
	if err != nil {
		slog.Error("SQLiteStore PendingAccounts query failed", "error", err)
		return nil, fmt.Errorf("pending accounts query failed: %w", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending account failed: %w", err)
		}
		accounts = append(accounts, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending accounts iteration failed: %w", err)
	}
	return accounts, nil
}

func (s *SQLiteStore) GetDeferred(id string) (*models.DeferredEntry, error) {
	row := s.db.QueryRow(`SELECT `+deferredColumns+` FROM deferred_entries WHERE id = ?`, id)
	entry, err := scanDeferred(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetDeferred failed", "error", err, "entryID", id)
		return nil, fmt.Errorf("get deferred %s failed: %w", id, err)
	}
	return &entry, nil
}
