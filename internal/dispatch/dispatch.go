// Package dispatch sends rendered messages through the provider under the
// per-account rate budget. A send either goes out immediately, fails, or is
// parked on the deferral queue; nothing in this package ever sleeps waiting
// for capacity.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/BTreeMap/FlowPilot/internal/provider"
	"github.com/BTreeMap/FlowPilot/internal/store"
)

// Outcome reports how a dispatch attempt ended.
type Outcome string

const (
	// OutcomeSent means the provider accepted the message.
	OutcomeSent Outcome = "sent"
	// OutcomeDeferred means the rate budget was exhausted and the action was
	// parked on the deferral queue.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeFailed means the provider rejected the message or the call
	// failed; the budget reservation was returned.
	OutcomeFailed Outcome = "failed"
)

// BudgetTracker grants and returns fixed-window send reservations backed by
// the store. All mutual exclusion lives in the store's atomic conditional
// increment, so trackers on separate processes share one budget.
type BudgetTracker struct {
	store   store.Store
	ceiling int
	now     func() time.Time
}

// NewBudgetTracker creates a tracker with the given hourly ceiling per
// account. A non-positive ceiling falls back to the default.
func NewBudgetTracker(st store.Store, ceiling int) *BudgetTracker {
	if ceiling <= 0 {
		ceiling = models.DefaultRateCeiling
	}
	return &BudgetTracker{store: st, ceiling: ceiling, now: time.Now}
}

// Ceiling returns the per-account hourly call ceiling.
func (b *BudgetTracker) Ceiling() int { return b.ceiling }

// TryReserve attempts to claim one send slot in the account's current hour
// window. It returns false immediately when the budget is exhausted.
func (b *BudgetTracker) TryReserve(ctx context.Context, accountID string) (bool, error) {
	ok, err := b.store.ReserveBudget(accountID, b.ceiling, b.now())
	if err != nil {
		slog.Error("BudgetTracker.TryReserve failed", "error", err, "accountID", accountID)
		return false, fmt.Errorf("reserve budget for %s failed: %w", accountID, err)
	}
	if !ok {
		slog.Debug("BudgetTracker.TryReserve denied", "accountID", accountID, "ceiling", b.ceiling)
	}
	return ok, nil
}

// Release returns one reservation that was never consumed by a send.
func (b *BudgetTracker) Release(ctx context.Context, accountID string) {
	if err := b.store.ReleaseBudget(accountID, b.now()); err != nil {
		slog.Error("BudgetTracker.Release failed", "error", err, "accountID", accountID)
	}
}

// Used reports the account's call count in the current window.
func (b *BudgetTracker) Used(ctx context.Context, accountID string) (int, error) {
	return b.store.BudgetUsed(accountID, b.now())
}

// Dispatcher pushes rendered messages to the provider, deferring to the
// queue when the account is out of budget.
type Dispatcher struct {
	store    store.Store
	budget   *BudgetTracker
	provider provider.Client
	now      func() time.Time
}

// NewDispatcher creates a dispatcher over the given store, budget tracker,
// and provider client.
func NewDispatcher(st store.Store, budget *BudgetTracker, client provider.Client) *Dispatcher {
	return &Dispatcher{store: st, budget: budget, provider: client, now: time.Now}
}

// Budget exposes the dispatcher's tracker, shared with the queue processor.
func (d *Dispatcher) Budget() *BudgetTracker { return d.budget }

// Dispatch sends msg on behalf of sess. When the budget is exhausted the
// action is enqueued instead: with resumeNodeID set, as an advance entry that
// re-renders from that node; otherwise as a send entry replaying the already
// rendered payload. Dispatch never blocks on capacity.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *models.Session, msg models.MessagePayload, resumeNodeID string) (Outcome, error) {
	ok, err := d.budget.TryReserve(ctx, msg.AccountID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		if err := d.Park(sess, msg, resumeNodeID); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeDeferred, nil
	}

	if err := d.Send(ctx, msg); err != nil {
		// Nothing went out, so the reservation goes back.
		d.budget.Release(ctx, msg.AccountID)
		slog.Error("Dispatcher.Dispatch send failed", "error", err, "accountID", msg.AccountID, "kind", msg.Kind, "transient", models.IsTransient(err))
		return OutcomeFailed, err
	}
	slog.Debug("Dispatcher.Dispatch sent", "accountID", msg.AccountID, "kind", msg.Kind, "sessionID", sess.ID)
	return OutcomeSent, nil
}

// Send performs the provider call for a rendered payload without any budget
// bookkeeping. The queue processor uses it directly after claiming budget.
func (d *Dispatcher) Send(ctx context.Context, msg models.MessagePayload) error {
	switch msg.Kind {
	case models.MessageCommentReply:
		return d.provider.ReplyToComment(ctx, msg.AccountID, msg.CommentID, msg.Text)
	case models.MessageQuickReplies:
		return d.provider.SendQuickReplies(ctx, msg.AccountID, msg.UserID, msg.Text, msg.QuickReplies)
	case models.MessageButtons:
		return d.provider.SendButtons(ctx, msg.AccountID, msg.UserID, msg.Text, msg.Buttons)
	case models.MessageText:
		if msg.CommentID != "" {
			return d.provider.SendPrivateReply(ctx, msg.AccountID, msg.CommentID, msg.Text)
		}
		return d.provider.SendText(ctx, msg.AccountID, msg.UserID, msg.Text)
	default:
		return models.NewPermanentError(fmt.Errorf("unknown message kind %q", msg.Kind))
	}
}

// Park enqueues the action without attempting a send: as an advance entry
// resuming at resumeNodeID when set, otherwise as a send entry replaying the
// rendered payload.
func (d *Dispatcher) Park(sess *models.Session, msg models.MessagePayload, resumeNodeID string) error {
	now := d.now().UTC()
	entry := models.DeferredEntry{
		AccountID:  msg.AccountID,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if resumeNodeID != "" {
		payload, err := json.Marshal(models.AdvancePayload{SessionID: sess.ID, NodeID: resumeNodeID})
		if err != nil {
			return fmt.Errorf("encode advance payload failed: %w", err)
		}
		entry.Kind = models.DeferredAdvance
		entry.PayloadJSON = string(payload)
	} else {
		payload, err := json.Marshal(models.SendPayload{SessionID: sess.ID, Message: msg})
		if err != nil {
			return fmt.Errorf("encode send payload failed: %w", err)
		}
		entry.Kind = models.DeferredSend
		entry.PayloadJSON = string(payload)
	}

	id, err := d.store.EnqueueDeferred(entry)
	if err != nil {
		return fmt.Errorf("enqueue deferred entry failed: %w", err)
	}
	slog.Info("Dispatcher deferred action on exhausted budget",
		"entryID", id, "accountID", msg.AccountID, "kind", entry.Kind, "sessionID", sess.ID)
	return nil
}
