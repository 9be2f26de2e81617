package models

import "time"

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	// SessionActive indicates the engine is advancing through nodes.
	SessionActive SessionStatus = "active"
	// SessionWaiting indicates the flow is paused for an end-user reply.
	SessionWaiting SessionStatus = "waiting_reply"
	// SessionCompleted indicates the flow reached a terminal node.
	SessionCompleted SessionStatus = "completed"
	// SessionErrored indicates the flow aborted on an unrecoverable error.
	SessionErrored SessionStatus = "errored"
)

// Session tracks one end-user's progression through one flow. Sessions are
// created on the first matching inbound event for an (account, user, flow)
// triple and are only ever mutated by the flow engine.
type Session struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`
	FlowID    string `json:"flow_id"`

	// CurrentNodeID is empty for completed or not-yet-started sessions.
	CurrentNodeID string            `json:"current_node_id,omitempty"`
	Status        SessionStatus     `json:"status"`
	Vars          map[string]string `json:"vars,omitempty"`

	// Trigger context from the originating comment. TriggerCommentID doubles
	// as the recipient handle for the first private reply of the session.
	TriggerCommentID string `json:"trigger_comment_id,omitempty"`
	TriggerPostID    string `json:"trigger_post_id,omitempty"`
	Username         string `json:"username,omitempty"`

	// SentDM records whether any direct message went out on this session;
	// the first one is delivered as a private reply to the comment.
	SentDM bool `json:"sent_dm"`

	LastAdvancedAt time.Time  `json:"last_advanced_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastError      string     `json:"last_error,omitempty"`
}

// Internal variable keys used by the collect-data node. Keys with the
// underscore prefix are excluded from template substitution.
const (
	VarCollectingName  = "_collecting_variable"
	VarCollectingField = "_collecting_field_type"
	VarCollectingNode  = "_collecting_node_id"
	VarLastButton      = "_last_button_clicked"
	VarAIHistory       = "_ai_history"
	VarIsFollower      = "is_follower"
)

// Var returns a session variable, or an empty string when unset.
func (s *Session) Var(key string) string {
	if s.Vars == nil {
		return ""
	}
	return s.Vars[key]
}

// SetVar sets a session variable, allocating the map on first use.
func (s *Session) SetVar(key, value string) {
	if s.Vars == nil {
		s.Vars = make(map[string]string)
	}
	s.Vars[key] = value
}

// ClearVar removes a session variable.
func (s *Session) ClearVar(key string) {
	delete(s.Vars, key)
}

// Complete marks the session as finished at the given time.
func (s *Session) Complete(now time.Time) {
	s.Status = SessionCompleted
	s.CurrentNodeID = ""
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// IsValidSessionStatus checks if the given session status is valid.
func IsValidSessionStatus(status SessionStatus) bool {
	switch status {
	case SessionActive, SessionWaiting, SessionCompleted, SessionErrored:
		return true
	default:
		return false
	}
}
