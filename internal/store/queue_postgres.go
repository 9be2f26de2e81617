package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/google/uuid"
)

func (s *PostgresStore) EnqueueDeferred(entry models.DeferredEntry) (string, error) {
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
		`INSERT INTO deferred_entries (`+deferredColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.AccountID, entry.Kind, entry.PayloadJSON, entry.Status,
		entry.Attempts, nilIfEmpty(entry.LastError), entry.EnqueuedAt, nextAttemptAt, claimedAt, entry.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore EnqueueDeferred failed", "error", err, "accountID", entry.AccountID, "kind", entry.Kind)
		return "", fmt.Errorf("enqueue deferred entry failed: %w", err)
	}
	slog.Debug("PostgresStore EnqueueDeferred succeeded", "entryID", entry.ID, "accountID", entry.AccountID, "kind", entry.Kind)
	return entry.ID, nil
}

// ClaimDeferredBatch flips the oldest eligible pending entries to inflight in
// one statement. SKIP LOCKED lets concurrent processors claim disjoint
// batches without blocking each other.
func (s *PostgresStore) ClaimDeferredBatch(accountID string, limit int, now time.Time) ([]models.DeferredEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		`UPDATE deferred_entries SET status = 'inflight', claimed_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM deferred_entries
		   WHERE account_id = $2 AND status = 'pending'
		     AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY enqueued_at ASC LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+deferredColumns,
		now, accountID, limit,
	)
	if err != nil {
		slog.Error("PostgresStore ClaimDeferredBatch failed", "error", err, "accountID", accountID)
		return nil, fmt.Errorf("claim deferred batch failed: %w", err)
	}
	defer rows.Close()

	var claimed []models.DeferredEntry
	for rows.Next() {
		entry, err := scanDeferred(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deferred entry failed: %w", err)
		}
		claimed = append(claimed, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deferred entry iteration failed: %w", err)
	}
	slog.Debug("PostgresStore ClaimDeferredBatch succeeded", "accountID", accountID, "claimed", len(claimed))
	return claimed, nil
}

func (s *PostgresStore) MarkDeferredDone(id string) error {
	_, err := s.db.Exec(
		`UPDATE deferred_entries SET status = 'done', updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		slog.Error("PostgresStore MarkDeferredDone failed", "error", err, "entryID", id)
		return fmt.Errorf("mark deferred %s done failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkDeferredRetry(id, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE deferred_entries
		 SET status = 'pending', attempts = attempts + 1, last_error = $1,
		     next_attempt_at = $2, claimed_at = NULL, updated_at = $3
		 WHERE id = $4`,
		errMsg, nextAttemptAt, time.Now().UTC(), id,
	)
	if err != nil {
		slog.Error("PostgresStore MarkDeferredRetry failed", "error", err, "entryID", id)
		return fmt.Errorf("mark deferred %s retry failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkDeferredDead(id, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE deferred_entries
		 SET status = 'dead', last_error = $1, updated_at = $2
		 WHERE id = $3`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		slog.Error("PostgresStore MarkDeferredDead failed", "error", err, "entryID", id)
		return fmt.Errorf("mark deferred %s dead failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) PendingAccounts(now time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT account_id FROM deferred_entries
		 WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)`,
		now,
	)
	if err != nil {
		slog.Error("PostgresStore PendingAccounts query failed", "error", err)
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

func (s *PostgresStore) GetDeferred(id string) (*models.DeferredEntry, error) {
	row := s.db.QueryRow(`SELECT `+deferredColumns+` FROM deferred_entries WHERE id = $1`, id)
	entry, err := scanDeferred(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetDeferred failed", "error", err, "entryID", id)
		return nil, fmt.Errorf("get deferred %s failed: %w", id, err)
	}
	return &entry, nil
}
