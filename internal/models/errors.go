package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across modules.
var (
	ErrFlowNotFound     = errors.New("flow not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrEntryNotFound    = errors.New("deferred entry not found")
	ErrDuplicateEvent   = errors.New("duplicate inbound event")
	ErrInvalidPayload   = errors.New("malformed webhook payload")
	ErrRateLimited      = errors.New("rate budget exhausted")
	ErrSessionConflict  = errors.New("concurrent session advance detected")
	ErrUnknownNodeType  = errors.New("unknown node type")
	ErrDanglingEdge     = errors.New("edge references a node outside the flow")
	ErrEmptyFlow        = errors.New("flow has no nodes")
	ErrTemplateTooLong  = errors.New("message template exceeds maximum length")
	ErrFollowerConsent  = errors.New("follower condition requires an upstream interaction node")
	ErrMissingVariable  = errors.New("collect_data node requires a variable name")
	ErrMissingPrompt    = errors.New("collect_data node requires a prompt")
	ErrNoOptions        = errors.New("node requires at least one option")
	ErrTooManyOptions   = errors.New("node has too many options")
	ErrOptionTitleLong  = errors.New("option title exceeds provider limit")
	ErrMissingButtonURL = errors.New("web_url button requires a url")
)

// ConfigError marks a flow-definition problem. Configuration errors are
// rejected at flow-save time and must never reach runtime execution.
type ConfigError struct {
	FlowID string
	NodeID string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("flow %s node %s: %v", e.FlowID, e.NodeID, e.Err)
	}
	return fmt.Sprintf("flow %s: %v", e.FlowID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ProviderErrorKind classifies outbound provider failures.
type ProviderErrorKind string

const (
	// ProviderErrorTransient covers timeouts and temporary rejections; the
	// send may be retried with backoff.
	ProviderErrorTransient ProviderErrorKind = "transient"
	// ProviderErrorPermanent covers invalid recipients and policy blocks;
	// the send must not be retried.
	ProviderErrorPermanent ProviderErrorKind = "permanent"
)

// ProviderError wraps a failure from the outbound provider capability.
type ProviderError struct {
	Kind ProviderErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable provider error.
func NewTransientError(err error) *ProviderError {
	return &ProviderError{Kind: ProviderErrorTransient, Err: err}
}

// NewPermanentError wraps err as a non-retryable provider error.
func NewPermanentError(err error) *ProviderError {
	return &ProviderError{Kind: ProviderErrorPermanent, Err: err}
}

// IsTransient reports whether err is a transient provider error. Errors that
// are not provider errors at all (network-level failures surfaced before
// classification) are treated as transient: the dispatcher must never assume
// a message was sent when the provider call did not confirm it.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == ProviderErrorTransient
	}
	return true
}

// IsPermanent reports whether err is a permanent provider error.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == ProviderErrorPermanent
	}
	return false
}
