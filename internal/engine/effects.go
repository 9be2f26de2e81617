package engine

import (
	"github.com/BTreeMap/FlowPilot/internal/dispatch"
	"github.com/BTreeMap/FlowPilot/internal/models"
)

// Effect records one externally visible action produced by an advance. The
// set is closed; effects double as the audit trail returned to callers and
// inspected by tests.
type Effect interface {
	effect()
}

// SendMessage is an outbound message attempt. Outcome is filled in after
// dispatch. ResumeNodeID names the node to re-render from if the send cannot
// go out now; Tolerant sends never abort the flow on failure.
type SendMessage struct {
	Message      models.MessagePayload
	ResumeNodeID string
	Tolerant     bool
	Outcome      dispatch.Outcome
}

// EnqueueSend records that a rendered payload was parked on the deferral
// queue.
type EnqueueSend struct {
	Message models.MessagePayload
}

// EnqueueAdvance records that the advance itself was parked at NodeID.
type EnqueueAdvance struct {
	NodeID string
}

// CompleteSession records that the session reached a terminal edge.
type CompleteSession struct{}

func (*SendMessage) effect()    {}
func (*EnqueueSend) effect()    {}
func (*EnqueueAdvance) effect() {}
func (*CompleteSession) effect() {}
