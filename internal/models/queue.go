package models

import "time"

// DeferredStatus represents the lifecycle state of a deferred entry.
// Transitions are monotonic: pending -> inflight -> {done, pending (retry),
// dead}.
type DeferredStatus string

const (
	DeferredPending  DeferredStatus = "pending"
	DeferredInflight DeferredStatus = "inflight"
	DeferredDone     DeferredStatus = "done"
	DeferredDead     DeferredStatus = "dead"
)

// DeferredKind distinguishes the two replayable actions.
type DeferredKind string

const (
	// DeferredSend replays a message send that was denied budget.
	DeferredSend DeferredKind = "send"
	// DeferredAdvance resumes a session advance at a specific node.
	DeferredAdvance DeferredKind = "advance"
)

// DeferredEntry is a send or advance action parked until rate budget frees
// up. Entries for the same account drain oldest-first; entries across
// accounts carry no relative ordering.
type DeferredEntry struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	Kind          DeferredKind   `json:"kind"`
	PayloadJSON   string         `json:"payload_json"`
	Status        DeferredStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SendPayload is the payload for a deferred send entry.
type SendPayload struct {
	SessionID string         `json:"session_id"`
	Message   MessagePayload `json:"message"`
}

// AdvancePayload is the payload for a deferred advance entry.
type AdvancePayload struct {
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`
}

// BudgetWindow is a fixed-window outbound call counter for one account.
// WindowStart is the attempt timestamp truncated to the hour; the row is
// created lazily on the first reservation of each window, so no reset job
// is needed.
type BudgetWindow struct {
	AccountID   string    `json:"account_id"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// DefaultRateCeiling is the default per-account outbound call budget per hour.
const DefaultRateCeiling = 500

// DefaultMaxAttempts is the retry ceiling before a deferred entry is
// dead-lettered.
const DefaultMaxAttempts = 5

// DefaultBackoffBase is the base delay for exponential retry backoff.
const DefaultBackoffBase = 30 * time.Second
