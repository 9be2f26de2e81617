package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/FlowPilot/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Connection pool settings for the PostgreSQL backend.
const (
	// DefaultMaxOpenConns defines the maximum number of open connections.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns defines the maximum number of idle connections.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime defines how long a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

// PostgresStore is the PostgreSQL-backed Store for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running PostgreSQL migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}

func (s *PostgresStore) SaveFlow(flow models.Flow) error {
	keywordsJSON, err := encodeJSON(flow.Trigger.Keywords)
	if err != nil {
		return fmt.Errorf("encode flow keywords failed: %w", err)
	}
	nodesJSON, err := encodeJSON(flow.Nodes)
	if err != nil {
		return fmt.Errorf("encode flow nodes failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO flows (`+flowColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   account_id = EXCLUDED.account_id, title = EXCLUDED.title,
		   trigger_kind = EXCLUDED.trigger_kind, keywords_json = EXCLUDED.keywords_json,
		   active = EXCLUDED.active, nodes_json = EXCLUDED.nodes_json,
		   updated_at = EXCLUDED.updated_at`,
		flow.ID, flow.AccountID, flow.Title, flow.Trigger.Kind, nilIfEmpty(keywordsJSON),
		flow.Active, nodesJSON, flow.CreatedAt, flow.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("save flow %s failed: %w", flow.ID, err)
	}
	slog.Debug("PostgresStore SaveFlow succeeded", "flowID", flow.ID, "nodes", len(flow.Nodes))
	return nil
}

func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)
	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("get flow %s failed: %w", id, err)
	}
	return &flow, nil
}

func (s *PostgresStore) ListActiveFlows(accountID string) ([]models.Flow, error) {
	rows, err := s.db.Query(
		`SELECT `+flowColumns+` FROM flows WHERE account_id = $1 AND active = TRUE ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		slog.Error("PostgresStore ListActiveFlows query failed", "error", err, "accountID", accountID)
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
	slog.Debug("PostgresStore ListActiveFlows succeeded", "accountID", accountID, "count", len(flows))
	return flows, nil
}

func (s *PostgresStore) SaveSession(sess models.Session) error {
	varsJSON, err := encodeJSON(sess.Vars)
	if err != nil {
		return fmt.Errorf("encode session vars failed: %w", err)
	}
	var completedAt interface{}
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		   current_node_id = EXCLUDED.current_node_id, status = EXCLUDED.status,
		   vars_json = EXCLUDED.vars_json, sent_dm = EXCLUDED.sent_dm,
		   last_advanced_at = EXCLUDED.last_advanced_at, completed_at = EXCLUDED.completed_at,
		   updated_at = EXCLUDED.updated_at, last_error = EXCLUDED.last_error`,
		sess.ID, sess.AccountID, sess.UserID, sess.FlowID,
		nilIfEmpty(sess.CurrentNodeID), sess.Status, nilIfEmpty(varsJSON),
		nilIfEmpty(sess.TriggerCommentID), nilIfEmpty(sess.TriggerPostID), nilIfEmpty(sess.Username),
		sess.SentDM, sess.LastAdvancedAt, completedAt,
		sess.CreatedAt, sess.UpdatedAt, nilIfEmpty(sess.LastError),
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("save session %s failed: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "sessionID", sess.ID, "status", sess.Status, "node", sess.CurrentNodeID)
	return nil
}

func (s *PostgresStore) GetSession(accountID, userID, flowID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE account_id = $1 AND user_id = $2 AND flow_id = $3
		 ORDER BY created_at DESC LIMIT 1`,
		accountID, userID, flowID,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "accountID", accountID, "userID", userID, "flowID", flowID)
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) GetSessionByID(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSessionByID failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("get session %s failed: %w", id, err)
	}
	return &sess, nil
}

func (s *PostgresStore) FindWaitingSession(accountID, userID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE account_id = $1 AND user_id = $2 AND status IN ('active', 'waiting_reply')
		 ORDER BY updated_at DESC LIMIT 1`,
		accountID, userID,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindWaitingSession failed", "error", err, "accountID", accountID, "userID", userID)
		return nil, fmt.Errorf("find waiting session failed: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) HasPriorSession(accountID, userID, excludeID string, since time.Time) (bool, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE account_id = $1 AND user_id = $2 AND id != $3`
	args := []interface{}{accountID, userID, excludeID}
	if !since.IsZero() {
		query += ` AND created_at >= $4`
		args = append(args, since)
	}
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		slog.Error("PostgresStore HasPriorSession failed", "error", err, "accountID", accountID, "userID", userID)
		return false, fmt.Errorf("prior session check failed: %w", err)
	}
	return count > 0, nil
}
