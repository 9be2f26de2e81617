package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/dispatch"
	"github.com/BTreeMap/FlowPilot/internal/models"
)

// stepResult is what one node handler decided.
type stepResult struct {
	sends []*SendMessage
	// next is the node to move to; empty means the flow completes. Ignored
	// when wait or stay is set.
	next string
	// wait parks the session at the current node until user input arrives.
	wait bool
	// stay keeps the session waiting at the current node (invalid collect
	// input re-prompt).
	stay bool
}

// advance walks the flow from the session's current node until it waits,
// completes, errors, or gets parked on the queue. Condition nodes cascade
// within the same walk.
func (e *Engine) advance(ctx context.Context, flow *models.Flow, sess *models.Session, input *Input, replay bool) ([]Effect, error) {
	var effects []Effect

	// A finished session only wakes up for a tapped node.
	if sess.Status == models.SessionCompleted && (input == nil || input.NodeID == "") {
		return effects, nil
	}

	// A fresh session starts at the flow's entry node.
	if sess.CurrentNodeID == "" {
		entry := flow.EntryNode()
		if entry == nil {
			return effects, &models.ConfigError{FlowID: flow.ID, Err: models.ErrEmptyFlow}
		}
		sess.CurrentNodeID = entry.ID
	}

	// A tap on a node other than the current one rewinds or reactivates the
	// session: stale buttons on old messages still route.
	if input != nil && input.NodeID != "" && input.NodeID != sess.CurrentNodeID {
		if flow.Node(input.NodeID) == nil {
			return effects, &models.ConfigError{FlowID: flow.ID, NodeID: input.NodeID, Err: models.ErrDanglingEdge}
		}
		slog.Debug("Engine.advance rerouting to tapped node", "sessionID", sess.ID, "from", sess.CurrentNodeID, "to", input.NodeID)
		sess.CurrentNodeID = input.NodeID
		sess.Status = models.SessionWaiting
		sess.CompletedAt = nil
	}

	for steps := 0; ; steps++ {
		if steps >= maxStepsPerAdvance {
			return effects, fmt.Errorf("flow %s advance exceeded %d steps at node %s", flow.ID, maxStepsPerAdvance, sess.CurrentNodeID)
		}
		if sess.CurrentNodeID == "" {
			sess.Complete(e.now().UTC())
			effects = append(effects, &CompleteSession{})
			return effects, nil
		}
		node := flow.Node(sess.CurrentNodeID)
		if node == nil {
			return effects, &models.ConfigError{FlowID: flow.ID, NodeID: sess.CurrentNodeID, Err: models.ErrDanglingEdge}
		}

		var res stepResult
		var err error
		if sess.Status == models.SessionWaiting {
			if input == nil {
				// Still waiting; nothing to do.
				return effects, nil
			}
			res, err = e.resumeNode(ctx, sess, node, input)
			input = nil
		} else {
			res, err = e.enterNode(ctx, flow, sess, node)
		}
		if err != nil {
			return effects, err
		}

		parked, dispatchErr := e.dispatchSends(ctx, sess, res.sends, &effects, replay)
		if dispatchErr != nil {
			return effects, dispatchErr
		}
		if parked {
			// The advance resumes from the queue; leave the node as-is.
			sess.Status = models.SessionActive
			return effects, nil
		}

		switch {
		case res.stay:
			sess.Status = models.SessionWaiting
			return effects, nil
		case res.wait:
			sess.Status = models.SessionWaiting
			return effects, nil
		default:
			sess.Status = models.SessionActive
			sess.CurrentNodeID = res.next
		}
	}
}

// dispatchSends pushes each send through the dispatcher, recording effects.
// It reports parked=true when a resumable send was deferred and the walk
// must stop here.
func (e *Engine) dispatchSends(ctx context.Context, sess *models.Session, sends []*SendMessage, effects *[]Effect, replay bool) (parked bool, err error) {
	for _, send := range sends {
		outcome, dispatchErr := e.dispatcher.Dispatch(ctx, sess, send.Message, send.ResumeNodeID)
		send.Outcome = outcome
		*effects = append(*effects, send)

		switch outcome {
		case dispatch.OutcomeSent:
			if send.Message.Kind != models.MessageCommentReply {
				sess.SentDM = true
			}
		case dispatch.OutcomeDeferred:
			if send.ResumeNodeID != "" {
				*effects = append(*effects, &EnqueueAdvance{NodeID: send.ResumeNodeID})
				return true, nil
			}
			*effects = append(*effects, &EnqueueSend{Message: send.Message})
		case dispatch.OutcomeFailed:
			if send.Tolerant {
				slog.Warn("Engine tolerated send failure", "error", dispatchErr, "sessionID", sess.ID, "kind", send.Message.Kind)
				continue
			}
			if models.IsPermanent(dispatchErr) {
				return false, dispatchErr
			}
			if replay {
				// The entry being replayed already counts attempts; surface
				// the failure instead of parking a second entry.
				return false, dispatchErr
			}
			// Transient failure: park the action for the queue to retry.
			if parkErr := e.dispatcher.Park(sess, send.Message, send.ResumeNodeID); parkErr != nil {
				return false, parkErr
			}
			if send.ResumeNodeID != "" {
				*effects = append(*effects, &EnqueueAdvance{NodeID: send.ResumeNodeID})
				return true, nil
			}
			*effects = append(*effects, &EnqueueSend{Message: send.Message})
		}
	}
	return false, nil
}

// enterNode runs a node's entry behavior: render and send for content nodes,
// branch for conditions, prompt for collectors.
func (e *Engine) enterNode(ctx context.Context, flow *models.Flow, sess *models.Session, node *models.FlowNode) (stepResult, error) {
	switch node.Type {
	case models.NodePlainReply:
		msg := models.MessagePayload{
			Kind:      models.MessageCommentReply,
			AccountID: sess.AccountID,
			CommentID: sess.TriggerCommentID,
			Text:      e.renderText(node, sess),
		}
		// A failed public reply never stalls the rest of the flow.
		return stepResult{
			sends: []*SendMessage{{Message: msg, Tolerant: true}},
			next:  node.NextNodeID,
		}, nil

	case models.NodeTextMessage, models.NodeLinkMessage:
		text := e.renderText(node, sess)
		if node.Type == models.NodeLinkMessage && node.URL != "" {
			text = strings.TrimSpace(text + "\n" + node.URL)
		}
		return stepResult{
			sends: []*SendMessage{{Message: e.directMessage(sess, text), ResumeNodeID: node.ID}},
			next:  node.NextNodeID,
		}, nil

	case models.NodeQuickReply:
		options := make([]models.QuickReplyOption, len(node.QuickReplies))
		for i, opt := range node.QuickReplies {
			options[i] = models.QuickReplyOption{
				Title:   opt.Title,
				Payload: OptionToken(sess.ID, node.ID, opt.Payload),
			}
		}
		msg := models.MessagePayload{
			Kind:         models.MessageQuickReplies,
			AccountID:    sess.AccountID,
			UserID:       sess.UserID,
			Text:         e.renderText(node, sess),
			QuickReplies: options,
		}
		return stepResult{
			sends: []*SendMessage{{Message: msg, ResumeNodeID: node.ID}},
			wait:  true,
		}, nil

	case models.NodeButtonMessage:
		buttons := make([]models.Button, len(node.Buttons))
		for i, b := range node.Buttons {
			buttons[i] = b
			if b.Kind != models.ButtonURL {
				buttons[i].Payload = ButtonToken(sess.ID, node.ID, b.Payload)
			}
		}
		msg := models.MessagePayload{
			Kind:      models.MessageButtons,
			AccountID: sess.AccountID,
			UserID:    sess.UserID,
			Text:      e.renderText(node, sess),
			Buttons:   buttons,
		}
		return stepResult{
			sends: []*SendMessage{{Message: msg, ResumeNodeID: node.ID}},
			wait:  true,
		}, nil

	case models.NodeFollowerCondition:
		follows := false
		if e.followers == nil {
			slog.Warn("Engine has no follower checker, taking false branch", "sessionID", sess.ID, "node", node.ID)
		} else {
			var err error
			follows, err = e.followers.IsFollower(ctx, sess.AccountID, sess.UserID)
			if err != nil {
				// The check is best-effort; an API hiccup routes to the
				// non-follower branch rather than stalling the flow.
				slog.Warn("Engine follower check failed, taking false branch", "error", err, "sessionID", sess.ID)
				follows = false
			}
		}
		sess.SetVar(models.VarIsFollower, strconv.FormatBool(follows))
		return stepResult{next: branch(node, follows)}, nil

	case models.NodeReturningCondition:
		var since time.Time
		if node.LookbackWindow > 0 {
			since = e.now().UTC().Add(-node.LookbackWindow)
		}
		returning, err := e.store.HasPriorSession(sess.AccountID, sess.UserID, sess.ID, since)
		if err != nil {
			return stepResult{}, fmt.Errorf("returning-user check failed: %w", err)
		}
		return stepResult{next: branch(node, returning)}, nil

	case models.NodeCollectData:
		sess.SetVar(models.VarCollectingName, node.Collect.VariableName)
		sess.SetVar(models.VarCollectingField, string(node.Collect.FieldType))
		sess.SetVar(models.VarCollectingNode, node.ID)
		prompt := substituteVars(node.Collect.Prompt, sess)
		return stepResult{
			sends: []*SendMessage{{Message: e.directMessage(sess, prompt), ResumeNodeID: node.ID}},
			wait:  true,
		}, nil

	case models.NodeAIConversation:
		if e.responder == nil {
			return stepResult{}, fmt.Errorf("ai_conversation node %s: no responder configured", node.ID)
		}
		reply, done, err := e.responder.Reply(ctx, sess, *node.AI, "")
		if err != nil {
			return stepResult{}, fmt.Errorf("responder opening turn failed: %w", err)
		}
		res := stepResult{
			sends: []*SendMessage{{Message: e.directMessage(sess, reply)}},
			wait:  !done,
		}
		if done {
			res.next = node.NextNodeID
		}
		return res, nil

	default:
		return stepResult{}, &models.ConfigError{FlowID: flow.ID, NodeID: node.ID, Err: models.ErrUnknownNodeType}
	}
}

// resumeNode consumes user input at a waiting node.
func (e *Engine) resumeNode(ctx context.Context, sess *models.Session, node *models.FlowNode, input *Input) (stepResult, error) {
	switch node.Type {
	case models.NodeQuickReply:
		if input.Payload == "" {
			// Typed text while options are showing; keep waiting.
			return stepResult{stay: true}, nil
		}
		for _, opt := range node.QuickReplies {
			if opt.Payload == input.Payload {
				next := opt.TargetNodeID
				if next == "" {
					next = node.NextNodeID
				}
				return stepResult{next: next}, nil
			}
		}
		slog.Debug("Engine ignoring unmatched quick-reply payload", "sessionID", sess.ID, "payload", input.Payload)
		return stepResult{stay: true}, nil

	case models.NodeButtonMessage:
		if input.Payload == "" {
			return stepResult{stay: true}, nil
		}
		for _, b := range node.Buttons {
			if b.Kind != models.ButtonURL && b.Payload == input.Payload {
				sess.SetVar(models.VarLastButton, b.Title)
				next := b.TargetNodeID
				if next == "" {
					next = node.NextNodeID
				}
				return stepResult{next: next}, nil
			}
		}
		slog.Debug("Engine ignoring unmatched button payload", "sessionID", sess.ID, "payload", input.Payload)
		return stepResult{stay: true}, nil

	case models.NodeCollectData:
		value := strings.TrimSpace(input.Text)
		if !validateCollectedValue(node.Collect, value) {
			return stepResult{
				sends: []*SendMessage{{Message: e.directMessage(sess, retryMessage(node.Collect))}},
				stay:  true,
			}, nil
		}
		sess.SetVar(node.Collect.VariableName, value)
		sess.ClearVar(models.VarCollectingName)
		sess.ClearVar(models.VarCollectingField)
		sess.ClearVar(models.VarCollectingNode)
		return stepResult{next: node.NextNodeID}, nil

	case models.NodeAIConversation:
		if e.responder == nil {
			return stepResult{}, fmt.Errorf("ai_conversation node %s: no responder configured", node.ID)
		}
		reply, done, err := e.responder.Reply(ctx, sess, *node.AI, input.Text)
		if err != nil {
			return stepResult{}, fmt.Errorf("responder turn failed: %w", err)
		}
		res := stepResult{
			sends: []*SendMessage{{Message: e.directMessage(sess, reply)}},
			wait:  !done,
		}
		if done {
			res.next = node.NextNodeID
		}
		return res, nil

	default:
		// The session was waiting on a node that does not wait: re-enter it.
		slog.Warn("Engine resumed non-waiting node, re-entering", "sessionID", sess.ID, "node", node.ID, "type", node.Type)
		sess.Status = models.SessionActive
		return stepResult{next: node.ID}, nil
	}
}

// directMessage builds a text payload for the session's user. The first
// direct message of a comment-triggered session goes out as a private reply
// to the comment.
func (e *Engine) directMessage(sess *models.Session, text string) models.MessagePayload {
	msg := models.MessagePayload{
		Kind:      models.MessageText,
		AccountID: sess.AccountID,
		UserID:    sess.UserID,
		Text:      text,
	}
	if !sess.SentDM && sess.TriggerCommentID != "" {
		msg.CommentID = sess.TriggerCommentID
	}
	return msg
}

func branch(node *models.FlowNode, cond bool) string {
	if cond {
		return node.TrueNodeID
	}
	return node.FalseNodeID
}
