// Package store provides storage backends for FlowPilot.
//
// This file implements the SQLite-backed store for flows and sessions.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/FlowPilot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a file-backed Store suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY under
	// concurrent reservations.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

const flowColumns = `id, account_id, title, trigger_kind, keywords_json, active, nodes_json, created_at, updated_at`

func (s *SQLiteStore) SaveFlow(flow models.Flow) error {
	keywordsJSON, err := encodeJSON(flow.Trigger.Keywords)
	if err != nil {
		return fmt.Errorf("encode flow keywords failed: %w", err)
	}
	nodesJSON, err := encodeJSON(flow.Nodes)
	if err != nil {
		return fmt.Errorf("encode flow nodes failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO flows (`+flowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		flow.ID, flow.AccountID, flow.Title, flow.Trigger.Kind, nilIfEmpty(keywordsJSON),
		flow.Active, nodesJSON, flow.CreatedAt, flow.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("save flow %s failed: %w", flow.ID, err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flowID", flow.ID, "nodes", len(flow.Nodes))
	return nil
}

func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("get flow %s failed: %w", id, err)
	}
	return &flow, nil
}

func (s *SQLiteStore) ListActiveFlows(accountID string) ([]models.Flow, error) {
	rows, err := s.db.Query(
		`SELECT `+flowColumns+` FROM flows WHERE account_id = ? AND active = 1 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListActiveFlows query failed", "error", err, "accountID", accountID)
		return nil, fmt.Errorf("list active flows failed: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow failed: %w", err)
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flow iteration failed: %w", err)
	}
	slog.Debug("SQLiteStore ListActiveFlows succeeded", "accountID", accountID, "count", len(flows))
	return flows, nil
}

const sessionColumns = `id, account_id, user_id, flow_id, current_node_id, status, vars_json,
	trigger_comment_id, trigger_post_id, username, sent_dm, last_advanced_at, completed_at,
	created_at, updated_at, last_error`

func (s *SQLiteStore) SaveSession(sess models.Session) error {
	varsJSON, err := encodeJSON(sess.Vars)
	if err != nil {
		return fmt.Errorf("encode session vars failed: %w", err)
	}
	var completedAt interface{}
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AccountID, sess.UserID, sess.FlowID,
		nilIfEmpty(sess.CurrentNodeID), sess.Status, nilIfEmpty(varsJSON),
		nilIfEmpty(sess.TriggerCommentID), nilIfEmpty(sess.TriggerPostID), nilIfEmpty(sess.Username),
		sess.SentDM, sess.LastAdvancedAt, completedAt,
		sess.CreatedAt, sess.UpdatedAt, nilIfEmpty(sess.LastError),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("save session %s failed: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "sessionID", sess.ID, "status", sess.Status, "node", sess.CurrentNodeID)
	return nil
}

func (s *SQLiteStore) GetSession(accountID, userID, flowID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE account_id = ? AND user_id = ? AND flow_id = ?
		 ORDER BY created_at DESC LIMIT 1`,
		accountID, userID, flowID,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "accountID", accountID, "userID", userID, "flowID", flowID)
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) GetSessionByID(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSessionByID failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("get session %s failed: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) FindWaitingSession(accountID, userID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE account_id = ? AND user_id = ? AND status IN ('active', 'waiting_reply')
		 ORDER BY updated_at DESC LIMIT 1`,
		accountID, userID,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindWaitingSession failed", "error", err, "accountID", accountID, "userID", userID)
		return nil, fmt.Errorf("find waiting session failed: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) HasPriorSession(accountID, userID, excludeID string, since time.Time) (bool, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE account_id = ? AND user_id = ? AND id != ?`
	args := []interface{}{accountID, userID, excludeID}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		slog.Error("SQLiteStore HasPriorSession failed", "error", err, "accountID", accountID, "userID", userID)
		return false, fmt.Errorf("prior session check failed: %w", err)
	}
	return count > 0, nil
}
