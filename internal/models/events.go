package models

// MessageKind identifies the shape of an outbound message payload.
type MessageKind string

const (
	MessageText         MessageKind = "text"
	MessageQuickReplies MessageKind = "quick_replies"
	MessageButtons      MessageKind = "buttons"
	MessageCommentReply MessageKind = "comment_reply"
)

// MessagePayload is a fully rendered outbound message, ready for the
// provider client. Variables are already substituted and a variation text
// already chosen by the time a payload exists.
type MessagePayload struct {
	Kind      MessageKind `json:"kind"`
	AccountID string      `json:"account_id"`
	UserID    string      `json:"user_id,omitempty"`
	// CommentID targets comment replies and the first private reply of a
	// session; empty for ordinary user-scoped sends.
	CommentID    string             `json:"comment_id,omitempty"`
	Text         string             `json:"text"`
	QuickReplies []QuickReplyOption `json:"quick_replies,omitempty"`
	Buttons      []Button           `json:"buttons,omitempty"`
}

// EventKind identifies the normalized inbound event variants.
type EventKind string

const (
	// EventComment is a new top-level comment on a monitored post.
	EventComment EventKind = "comment"
	// EventMessage is a direct text message from an end user.
	EventMessage EventKind = "message"
	// EventPostback is a quick-reply selection or button tap carrying a
	// structured payload.
	EventPostback EventKind = "postback"
)

// InboundEvent is a single normalized provider event after envelope parsing.
// EventID is the provider's identifier and drives de-duplication against
// webhook retries.
type InboundEvent struct {
	Kind      EventKind `json:"kind"`
	EventID   string    `json:"event_id"`
	AccountID string    `json:"account_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"text,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	CommentID string    `json:"comment_id,omitempty"`
	PostID    string    `json:"post_id,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// Webhook envelope types mirroring the provider's wire format. One POST may
// carry several entries, each with comment changes and messaging events.

// WebhookPayload is the top-level webhook envelope.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry groups the events for one business account.
type WebhookEntry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Changes   []WebhookChange  `json:"changes,omitempty"`
	Messaging []MessagingEvent `json:"messaging,omitempty"`
}

// WebhookChange carries a field-scoped change notification (comments).
type WebhookChange struct {
	Field string       `json:"field"`
	Value CommentValue `json:"value"`
}

// CommentValue is the payload of a comment change.
type CommentValue struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	ParentID string `json:"parent_id,omitempty"`
	Media    struct {
		ID string `json:"id"`
	} `json:"media"`
	From struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
}

// MessagingEvent is one direct-message event (text, quick reply, postback).
type MessagingEvent struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp int64               `json:"timestamp"`
	Message   *struct {
		MID        string `json:"mid"`
		Text       string `json:"text"`
		IsEcho     bool   `json:"is_echo"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply,omitempty"`
	} `json:"message,omitempty"`
	Postback *struct {
		MID     string `json:"mid"`
		Payload string `json:"payload"`
	} `json:"postback,omitempty"`
}
