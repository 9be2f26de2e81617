// Package ingest normalizes provider webhook envelopes into engine inputs.
// One webhook POST can carry comment notifications and direct-message events
// for several accounts and users; the ingestor fans them out so unrelated
// (account, user) pairs proceed concurrently while each pair stays ordered.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/engine"
	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/BTreeMap/FlowPilot/internal/store"
	"github.com/BTreeMap/FlowPilot/internal/util"
)

// Ingestor translates webhook payloads into session advances.
type Ingestor struct {
	store  store.Store
	engine *engine.Engine
	now    func() time.Time
}

// NewIngestor creates an ingestor over the shared store and engine.
func NewIngestor(st store.Store, eng *engine.Engine) *Ingestor {
	return &Ingestor{store: st, engine: eng, now: time.Now}
}

// Handle processes one webhook envelope. Events are normalized, filtered,
// de-duplicated, then grouped per (account, user) pair; pairs run
// concurrently and events within a pair run in arrival order. Handle only
// returns an error for malformed envelopes; per-event failures are logged
// and do not fail the batch, since the provider retries the whole POST.
func (in *Ingestor) Handle(ctx context.Context, payload *models.WebhookPayload) error {
	if payload == nil || len(payload.Entry) == 0 {
		return fmt.Errorf("empty webhook payload: %w", models.ErrInvalidPayload)
	}

	events := normalize(payload)
	slog.Debug("Ingestor.Handle normalized envelope", "entries", len(payload.Entry), "events", len(events))

	groups := make(map[string][]models.InboundEvent)
	var order []string
	for _, ev := range events {
		fresh, err := in.store.RecordEvent(ev.EventID, ev.UserID)
		if err != nil {
			slog.Error("Ingestor.Handle dedup check failed", "error", err, "eventID", ev.EventID)
			continue
		}
		if !fresh {
			slog.Debug("Ingestor.Handle dropping duplicate event", "eventID", ev.EventID)
			continue
		}
		key := ev.AccountID + "|" + ev.UserID
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}

	var wg sync.WaitGroup
	for _, key := range order {
		batch := groups[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, ev := range batch {
				if err := in.processEvent(ctx, ev); err != nil {
					slog.Error("Ingestor.Handle event processing failed", "error", err, "eventID", ev.EventID, "kind", ev.Kind)
					continue
				}
				if err := in.store.MarkEventProcessed(ev.EventID); err != nil {
					slog.Error("Ingestor.Handle failed to mark event processed", "error", err, "eventID", ev.EventID)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// normalize flattens the provider envelope into inbound events, dropping
// echoes, events the account sent to itself, and replies to comment replies.
func normalize(payload *models.WebhookPayload) []models.InboundEvent {
	var events []models.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "comments" {
				continue
			}
			v := change.Value
			if v.From.ID == entry.ID {
				// The account commenting on its own post.
				continue
			}
			if v.ParentID != "" {
				// Replies to comment replies would loop the bot against
				// itself.
				continue
			}
			events = append(events, models.InboundEvent{
				Kind:      models.EventComment,
				EventID:   v.ID,
				AccountID: entry.ID,
				UserID:    v.From.ID,
				Username:  v.From.Username,
				Text:      v.Text,
				CommentID: v.ID,
				PostID:    v.Media.ID,
				Timestamp: entry.Time,
			})
		}
		for _, msg := range entry.Messaging {
			if msg.Sender.ID == entry.ID {
				continue
			}
			switch {
			case msg.Postback != nil:
				events = append(events, models.InboundEvent{
					Kind:      models.EventPostback,
					EventID:   msg.Postback.MID,
					AccountID: entry.ID,
					UserID:    msg.Sender.ID,
					Payload:   msg.Postback.Payload,
					Timestamp: msg.Timestamp,
				})
			case msg.Message != nil:
				if msg.Message.IsEcho {
					continue
				}
				ev := models.InboundEvent{
					Kind:      models.EventMessage,
					EventID:   msg.Message.MID,
					AccountID: entry.ID,
					UserID:    msg.Sender.ID,
					Text:      msg.Message.Text,
					Timestamp: msg.Timestamp,
				}
				if msg.Message.QuickReply != nil {
					ev.Kind = models.EventPostback
					ev.Payload = msg.Message.QuickReply.Payload
				}
				events = append(events, ev)
			}
		}
	}
	return events
}

func (in *Ingestor) processEvent(ctx context.Context, ev models.InboundEvent) error {
	switch ev.Kind {
	case models.EventComment:
		return in.processComment(ctx, ev)
	case models.EventMessage, models.EventPostback:
		return in.processDirect(ctx, ev)
	default:
		return fmt.Errorf("unknown event kind %q: %w", ev.Kind, models.ErrInvalidPayload)
	}
}

// processComment starts a session for every active flow whose trigger
// matches the comment text. Flows fire independently; one comment can start
// several flows.
func (in *Ingestor) processComment(ctx context.Context, ev models.InboundEvent) error {
	flows, err := in.store.ListActiveFlows(ev.AccountID)
	if err != nil {
		return fmt.Errorf("list active flows failed: %w", err)
	}
	for i := range flows {
		flow := &flows[i]
		if !flow.MatchesComment(ev.Text) {
			continue
		}
		sess, err := in.resolveSession(flow, ev)
		if err != nil {
			slog.Error("Ingestor.processComment session resolution failed", "error", err, "flowID", flow.ID)
			continue
		}
		slog.Info("Ingestor.processComment triggering flow", "flowID", flow.ID, "sessionID", sess.ID, "commentID", ev.CommentID)
		if _, err := in.engine.Process(ctx, flow, sess, nil); err != nil {
			slog.Error("Ingestor.processComment flow start failed", "error", err, "flowID", flow.ID, "sessionID", sess.ID)
		}
	}
	return nil
}

// resolveSession reuses an in-progress session for the flow or creates a
// fresh one seeded with the comment's trigger context.
func (in *Ingestor) resolveSession(flow *models.Flow, ev models.InboundEvent) (*models.Session, error) {
	existing, err := in.store.GetSession(ev.AccountID, ev.UserID, flow.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && (existing.Status == models.SessionActive || existing.Status == models.SessionWaiting) {
		return existing, nil
	}
	now := in.now().UTC()
	sess := &models.Session{
		ID:               util.GenerateSessionID(),
		AccountID:        ev.AccountID,
		UserID:           ev.UserID,
		FlowID:           flow.ID,
		Status:           models.SessionActive,
		Vars:             map[string]string{},
		TriggerCommentID: ev.CommentID,
		TriggerPostID:    ev.PostID,
		Username:         ev.Username,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := in.store.SaveSession(*sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// processDirect routes a direct message or postback to a session. Structured
// payload tokens name their session and node directly; free text falls back
// to the user's most recently advanced waiting session.
func (in *Ingestor) processDirect(ctx context.Context, ev models.InboundEvent) error {
	input := &engine.Input{Text: ev.Text}
	var sess *models.Session

	if tok, ok := engine.ParseToken(ev.Payload); ok {
		s, err := in.store.GetSessionByID(tok.SessionID)
		if err != nil {
			return fmt.Errorf("session lookup failed: %w", err)
		}
		if s == nil {
			slog.Warn("Ingestor.processDirect token names unknown session", "sessionID", tok.SessionID)
			return nil
		}
		sess = s
		input.Payload = tok.Payload
		input.NodeID = tok.NodeID
		input.Button = tok.Button
	} else {
		s, err := in.store.FindWaitingSession(ev.AccountID, ev.UserID)
		if err != nil {
			return fmt.Errorf("waiting session lookup failed: %w", err)
		}
		if s == nil {
			slog.Debug("Ingestor.processDirect no session waiting for user", "accountID", ev.AccountID, "userID", ev.UserID)
			return nil
		}
		sess = s
	}

	flow, err := in.store.GetFlow(sess.FlowID)
	if err != nil {
		return fmt.Errorf("flow lookup failed: %w", err)
	}
	if flow == nil {
		return fmt.Errorf("flow %s for session %s: %w", sess.FlowID, sess.ID, models.ErrFlowNotFound)
	}

	if _, err := in.engine.Process(ctx, flow, sess, input); err != nil {
		return fmt.Errorf("session advance failed: %w", err)
	}
	return nil
}
