package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

func (s *PostgresStore) ReserveBudget(accountID string, ceiling int, now time.Time) (bool, error) {
	if ceiling <= 0 {
		return false, nil
	}
	res, err := s.db.Exec(
		`INSERT INTO budget_windows (account_id, window_start, count) VALUES ($1, $2, 1)
		 ON CONFLICT (account_id, window_start) DO UPDATE SET count = budget_windows.count + 1
		 WHERE budget_windows.count < $3`,
		accountID, WindowStart(now), ceiling,
	)
	if err != nil {
		slog.Error("PostgresStore ReserveBudget failed", "error", err, "accountID", accountID)
		return false, fmt.Errorf("reserve budget failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve budget failed: %w", err)
	}
	granted := n > 0
	slog.Debug("PostgresStore ReserveBudget", "accountID", accountID, "granted", granted)
	return granted, nil
}

func (s *PostgresStore) ReleaseBudget(accountID string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE budget_windows SET count = count - 1
		 WHERE account_id = $1 AND window_start = $2 AND count > 0`,
		accountID, WindowStart(now),
	)
	if err != nil {
		slog.Error("PostgresStore ReleaseBudget failed", "error", err, "accountID", accountID)
		return fmt.Errorf("release budget failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) BudgetUsed(accountID string, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT count FROM budget_windows WHERE account_id = $1 AND window_start = $2`,
		accountID, WindowStart(now),
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		slog.Error("PostgresStore BudgetUsed failed", "error", err, "accountID", accountID)
		return 0, fmt.Errorf("budget used query failed: %w", err)
	}
	return count, nil
}
