// Package provider defines the outbound messaging capability and its HTTP
// implementation against the platform Graph-style API.
package provider

import (
	"context"

	"github.com/BTreeMap/FlowPilot/internal/models"
)

// Client is the outbound capability surface the engine and dispatcher rely
// on. Every call counts against the account's rate budget; callers reserve
// budget before invoking any send method.
type Client interface {
	// SendText sends a plain direct message to a user.
	SendText(ctx context.Context, accountID, userID, text string) error
	// SendQuickReplies sends a text message with tappable quick-reply options.
	SendQuickReplies(ctx context.Context, accountID, userID, text string, options []models.QuickReplyOption) error
	// SendButtons sends a button-template message.
	SendButtons(ctx context.Context, accountID, userID, text string, buttons []models.Button) error
	// ReplyToComment posts a public reply under a comment.
	ReplyToComment(ctx context.Context, accountID, commentID, text string) error
	// SendPrivateReply sends a direct message addressed by comment ID. The
	// platform only permits this once per comment, so it carries the first
	// message of a session.
	SendPrivateReply(ctx context.Context, accountID, commentID, text string) error
	// IsFollower reports whether the user follows the account.
	IsFollower(ctx context.Context, accountID, userID string) (bool, error)
}
