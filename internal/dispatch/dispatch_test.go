package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/BTreeMap/FlowPilot/internal/store"
)

// fakeProvider records sends and returns a scripted error.
type fakeProvider struct {
	sendErr error
	sent    []models.MessagePayload
	follows bool
}

func (f *fakeProvider) SendText(ctx context.Context, accountID, userID, text string) error {
	f.sent = append(f.sent, models.MessagePayload{Kind: models.MessageText, AccountID: accountID, UserID: userID, Text: text})
	return f.sendErr
}

func (f *fakeProvider) SendQuickReplies(ctx context.Context, accountID, userID, text string, options []models.QuickReplyOption) error {
	f.sent = append(f.sent, models.MessagePayload{Kind: models.MessageQuickReplies, AccountID: accountID, UserID: userID, Text: text, QuickReplies: options})
	return f.sendErr
}

func (f *fakeProvider) SendButtons(ctx context.Context, accountID, userID, text string, buttons []models.Button) error {
	f.sent = append(f.sent, models.MessagePayload{Kind: models.MessageButtons, AccountID: accountID, UserID: userID, Text: text, Buttons: buttons})
	return f.sendErr
}

func (f *fakeProvider) ReplyToComment(ctx context.Context, accountID, commentID, text string) error {
	f.sent = append(f.sent, models.MessagePayload{Kind: models.MessageCommentReply, AccountID: accountID, CommentID: commentID, Text: text})
	return f.sendErr
}

func (f *fakeProvider) SendPrivateReply(ctx context.Context, accountID, commentID, text string) error {
	f.sent = append(f.sent, models.MessagePayload{Kind: models.MessageText, AccountID: accountID, CommentID: commentID, Text: text})
	return f.sendErr
}

func (f *fakeProvider) IsFollower(ctx context.Context, accountID, userID string) (bool, error) {
	return f.follows, nil
}

func newTestDispatcher(ceiling int) (*Dispatcher, *fakeProvider, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	fp := &fakeProvider{}
	d := NewDispatcher(st, NewBudgetTracker(st, ceiling), fp)
	return d, fp, st
}

func testMsg(accountID string) models.MessagePayload {
	return models.MessagePayload{Kind: models.MessageText, AccountID: accountID, UserID: "user-1", Text: "hi"}
}

func TestDispatcher_SendWithinBudget(t *testing.T) {
	d, fp, _ := newTestDispatcher(5)
	sess := &models.Session{ID: "sess-1", AccountID: "acct-1"}

	outcome, err := d.Dispatch(context.Background(), sess, testMsg("acct-1"), "")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if outcome != OutcomeSent {
		t.Errorf("Expected sent, got %q", outcome)
	}
	if len(fp.sent) != 1 || fp.sent[0].Text != "hi" {
		t.Errorf("Provider did not receive the message: %+v", fp.sent)
	}

	used, err := d.Budget().Used(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Used failed: %v", err)
	}
	if used != 1 {
		t.Errorf("Expected 1 budget slot consumed, got %d", used)
	}
}

func TestDispatcher_DefersOnExhaustedBudget(t *testing.T) {
	d, fp, st := newTestDispatcher(1)
	sess := &models.Session{ID: "sess-1", AccountID: "acct-1"}
	ctx := context.Background()

	if outcome, err := d.Dispatch(ctx, sess, testMsg("acct-1"), ""); err != nil || outcome != OutcomeSent {
		t.Fatalf("First dispatch: outcome=%q err=%v", outcome, err)
	}

	outcome, err := d.Dispatch(ctx, sess, testMsg("acct-1"), "")
	if err != nil {
		t.Fatalf("Second dispatch failed: %v", err)
	}
	if outcome != OutcomeDeferred {
		t.Fatalf("Expected deferred, got %q", outcome)
	}
	// The message did not go to the provider.
	if len(fp.sent) != 1 {
		t.Errorf("Expected 1 provider send, got %d", len(fp.sent))
	}

	// A send entry holding the rendered payload landed on the queue.
	claimed, err := st.ClaimDeferredBatch("acct-1", 10, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("ClaimDeferredBatch failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Kind != models.DeferredSend {
		t.Fatalf("Expected one deferred send entry, got %+v", claimed)
	}
	var payload models.SendPayload
	if err := json.Unmarshal([]byte(claimed[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("Payload decode failed: %v", err)
	}
	if payload.SessionID != "sess-1" || payload.Message.Text != "hi" {
		t.Errorf("Deferred payload wrong: %+v", payload)
	}
}

func TestDispatcher_DefersAdvanceWhenResumable(t *testing.T) {
	d, _, st := newTestDispatcher(1)
	sess := &models.Session{ID: "sess-1", AccountID: "acct-1"}
	ctx := context.Background()

	d.Dispatch(ctx, sess, testMsg("acct-1"), "")
	outcome, err := d.Dispatch(ctx, sess, testMsg("acct-1"), "node-3")
	if err != nil || outcome != OutcomeDeferred {
		t.Fatalf("Expected deferred, got outcome=%q err=%v", outcome, err)
	}

	claimed, err := st.ClaimDeferredBatch("acct-1", 10, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("ClaimDeferredBatch failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Kind != models.DeferredAdvance {
		t.Fatalf("Expected one deferred advance entry, got %+v", claimed)
	}
	var payload models.AdvancePayload
	if err := json.Unmarshal([]byte(claimed[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("Payload decode failed: %v", err)
	}
	if payload.SessionID != "sess-1" || payload.NodeID != "node-3" {
		t.Errorf("Advance payload wrong: %+v", payload)
	}
}

func TestDispatcher_ReleasesBudgetOnSendFailure(t *testing.T) {
	d, fp, _ := newTestDispatcher(5)
	fp.sendErr = models.NewTransientError(errors.New("timeout"))
	sess := &models.Session{ID: "sess-1", AccountID: "acct-1"}

	outcome, err := d.Dispatch(context.Background(), sess, testMsg("acct-1"), "")
	if outcome != OutcomeFailed {
		t.Errorf("Expected failed, got %q", outcome)
	}
	if err == nil || !models.IsTransient(err) {
		t.Errorf("Expected transient error, got %v", err)
	}

	used, usedErr := d.Budget().Used(context.Background(), "acct-1")
	if usedErr != nil {
		t.Fatalf("Used failed: %v", usedErr)
	}
	if used != 0 {
		t.Errorf("Expected reservation returned after failure, used=%d", used)
	}
}

func TestDispatcher_PermanentFailure(t *testing.T) {
	d, fp, _ := newTestDispatcher(5)
	fp.sendErr = models.NewPermanentError(errors.New("invalid recipient"))
	sess := &models.Session{ID: "sess-1", AccountID: "acct-1"}

	outcome, err := d.Dispatch(context.Background(), sess, testMsg("acct-1"), "")
	if outcome != OutcomeFailed {
		t.Errorf("Expected failed, got %q", outcome)
	}
	if !models.IsPermanent(err) {
		t.Errorf("Expected permanent classification, got %v", err)
	}
}

func TestBudgetTracker_DefaultCeiling(t *testing.T) {
	st := store.NewInMemoryStore()
	b := NewBudgetTracker(st, 0)
	if b.Ceiling() != models.DefaultRateCeiling {
		t.Errorf("Expected default ceiling %d, got %d", models.DefaultRateCeiling, b.Ceiling())
	}
}
