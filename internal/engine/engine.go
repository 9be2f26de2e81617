// Package engine executes flow graphs against conversation sessions. It is
// the only writer of session state: every inbound event and every queue
// replay funnels through Process variants that hold the session's lock for
// the whole advance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/dispatch"
	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/BTreeMap/FlowPilot/internal/store"
)

// MessageDispatcher is the outbound surface the engine drives. Dispatch
// never blocks on rate capacity; Park explicitly defers an action to the
// queue.
type MessageDispatcher interface {
	Dispatch(ctx context.Context, sess *models.Session, msg models.MessagePayload, resumeNodeID string) (dispatch.Outcome, error)
	Park(sess *models.Session, msg models.MessagePayload, resumeNodeID string) error
}

// FollowerChecker answers follower-condition nodes.
type FollowerChecker interface {
	IsFollower(ctx context.Context, accountID, userID string) (bool, error)
}

// Responder produces the assistant turn for ai-conversation nodes. done
// reports that the conversation goal was reached and the flow should move
// on.
type Responder interface {
	Reply(ctx context.Context, sess *models.Session, cfg models.AIConfig, userText string) (text string, done bool, err error)
}

// Input is a normalized end-user action delivered to a waiting session:
// either typed text or a tapped option referencing a node by token.
type Input struct {
	Text    string
	Payload string
	NodeID  string
	Button  bool
}

// maxStepsPerAdvance bounds one advance so a cyclic condition graph cannot
// spin forever.
const maxStepsPerAdvance = 64

// Engine advances sessions through flow graphs.
type Engine struct {
	store      store.Store
	dispatcher MessageDispatcher
	followers  FollowerChecker
	responder  Responder

	locks    sync.Map // session ID -> *sync.Mutex
	now      func() time.Time
	randIntn func(int) int
}

// New creates an engine. followers and responder may be nil when the
// deployment has no follower-check or AI capability; flows using those node
// types will error at runtime.
func New(st store.Store, d MessageDispatcher, followers FollowerChecker, responder Responder) *Engine {
	return &Engine{
		store:      st,
		dispatcher: d,
		followers:  followers,
		responder:  responder,
		now:        time.Now,
		randIntn:   rand.Intn,
	}
}

// lockSession returns the mutex guarding a session, creating it on first
// use. Locks are never removed; the registry grows with the set of sessions
// touched by this process.
func (e *Engine) lockSession(id string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Process advances sess under its lock, dispatches the resulting effects,
// and persists the session. input may be nil for a freshly triggered
// session.
func (e *Engine) Process(ctx context.Context, flow *models.Flow, sess *models.Session, input *Input) ([]Effect, error) {
	mu := e.lockSession(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	return e.run(ctx, flow, sess, input, false)
}

// ProcessAdvance resumes sess at nodeID, replaying a parked advance from the
// deferral queue.
func (e *Engine) ProcessAdvance(ctx context.Context, flow *models.Flow, sess *models.Session, nodeID string) ([]Effect, error) {
	mu := e.lockSession(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	sess.CurrentNodeID = nodeID
	sess.Status = models.SessionActive
	return e.run(ctx, flow, sess, nil, true)
}

func (e *Engine) run(ctx context.Context, flow *models.Flow, sess *models.Session, input *Input, replay bool) ([]Effect, error) {
	effects, err := e.advance(ctx, flow, sess, input, replay)
	now := e.now().UTC()
	sess.LastAdvancedAt = now
	sess.UpdatedAt = now
	if err != nil {
		var cfgErr *models.ConfigError
		if errors.As(err, &cfgErr) {
			// Definition problems abort without touching session state.
			slog.Error("Engine.run aborted on flow definition error", "error", err, "sessionID", sess.ID, "flowID", flow.ID)
			return effects, err
		}
		if replay && !models.IsPermanent(err) {
			// The queue retries the claimed entry with backoff; the stored
			// session stays untouched so the next replay re-renders from the
			// same node.
			slog.Warn("Engine.run replay failed transiently", "error", err, "sessionID", sess.ID, "node", sess.CurrentNodeID)
			return effects, err
		}
		sess.Status = models.SessionErrored
		sess.LastError = err.Error()
		if saveErr := e.store.SaveSession(*sess); saveErr != nil {
			slog.Error("Engine.run failed to persist errored session", "error", saveErr, "sessionID", sess.ID)
		}
		slog.Error("Engine.run session errored", "error", err, "sessionID", sess.ID, "node", sess.CurrentNodeID)
		return effects, err
	}
	if err := e.store.SaveSession(*sess); err != nil {
		return effects, fmt.Errorf("persist session %s failed: %w", sess.ID, err)
	}
	slog.Debug("Engine.run completed", "sessionID", sess.ID, "status", sess.Status, "node", sess.CurrentNodeID, "effects", len(effects))
	return effects, nil
}
