// Package store provides storage backends for FlowPilot.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL backed stores for production use. All mutable core state
// (sessions, deferred entries, budget windows, inbound de-duplication) lives
// behind the Store interface; flow definitions are written by the authoring
// surface and read-only to the runtime.
package store

import (
	"strings"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/models"
)

// Store defines persistence operations shared by all backends.
type Store interface {
	// Flow definitions. SaveFlow is called by the authoring surface's save
	// endpoint only; the core never mutates flows.
	SaveFlow(flow models.Flow) error
	GetFlow(id string) (*models.Flow, error)
	ListActiveFlows(accountID string) ([]models.Flow, error)

	// Sessions.
	GetSession(accountID, userID, flowID string) (*models.Session, error)
	GetSessionByID(id string) (*models.Session, error)
	// FindWaitingSession returns the most recently advanced session for the
	// (account, user) pair that is active or waiting for a reply.
	FindWaitingSession(accountID, userID string) (*models.Session, error)
	SaveSession(sess models.Session) error
	// HasPriorSession reports whether the user has any session other than
	// excludeID created at or after since. A zero since means "ever".
	HasPriorSession(accountID, userID, excludeID string, since time.Time) (bool, error)

	// Inbound event de-duplication. RecordEvent returns false when the event
	// ID was already recorded.
	RecordEvent(eventID, userID string) (bool, error)
	MarkEventProcessed(eventID string) error

	// Deferral queue. ClaimDeferredBatch atomically flips up to limit
	// eligible pending entries for the account to inflight, oldest first; an
	// entry claimed by one caller is never returned to a concurrent one.
	EnqueueDeferred(entry models.DeferredEntry) (string, error)
	ClaimDeferredBatch(accountID string, limit int, now time.Time) ([]models.DeferredEntry, error)
	MarkDeferredDone(id string) error
	MarkDeferredRetry(id, errMsg string, nextAttemptAt time.Time) error
	MarkDeferredDead(id, errMsg string) error
	PendingAccounts(now time.Time) ([]string, error)
	GetDeferred(id string) (*models.DeferredEntry, error)

	// Rate budget. ReserveBudget atomically increments the account's counter
	// for the hour window containing now if it is below ceiling, creating
	// the window row lazily. Returns false without mutating state when the
	// budget is exhausted.
	ReserveBudget(accountID string, ceiling int, now time.Time) (bool, error)
	// ReleaseBudget returns one reservation that was never consumed.
	ReleaseBudget(accountID string, now time.Time) error
	// BudgetUsed reports the call count of the current window.
	BudgetUsed(accountID string, now time.Time) (int, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a functional option for configuring a store.
type Option func(*Opts)

// WithPostgresDSN sets the DSN for a PostgreSQL store.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the DSN (file path) for a SQLite store.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType determines the database type from a DSN string.
// PostgreSQL DSNs use URL or key=value form; everything else is treated as a
// SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// WindowStart truncates t to the fixed budget-window boundary. Window
// rollover derives from the reservation attempt's wall-clock time only.
func WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
