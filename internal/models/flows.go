// Package models defines the core data structures for FlowPilot.
//
// It includes flow-graph definitions, conversation sessions, deferred queue
// entries, and rate-budget windows, which are shared across modules.
package models

import (
	"strings"
	"time"
)

// TriggerKind defines how a flow is triggered by an inbound comment.
type TriggerKind string

const (
	// TriggerKeyword fires the flow when the comment contains a keyword.
	TriggerKeyword TriggerKind = "keyword"
	// TriggerAny fires the flow on any comment.
	TriggerAny TriggerKind = "any"
)

// NodeType identifies a flow node variant. The set is closed: every consumer
// must handle all types exhaustively.
type NodeType string

const (
	// NodePlainReply replies publicly to the triggering comment.
	NodePlainReply NodeType = "plain_reply"
	// NodeTextMessage sends a plain text direct message.
	NodeTextMessage NodeType = "text_message"
	// NodeLinkMessage sends a text message carrying a URL.
	NodeLinkMessage NodeType = "link_message"
	// NodeButtonMessage sends a message with up to three tappable buttons.
	NodeButtonMessage NodeType = "button_message"
	// NodeQuickReply sends a message with quick-reply options.
	NodeQuickReply NodeType = "quick_reply_message"
	// NodeFollowerCondition branches on whether the user follows the account.
	NodeFollowerCondition NodeType = "follower_condition"
	// NodeReturningCondition branches on whether the user has a prior session.
	NodeReturningCondition NodeType = "returning_user_condition"
	// NodeCollectData prompts for a value and stores the reply as a variable.
	NodeCollectData NodeType = "collect_data"
	// NodeAIConversation hands the turn to an external responder.
	NodeAIConversation NodeType = "ai_conversation"
)

// IsValidNodeType checks if the given node type is supported.
func IsValidNodeType(nt NodeType) bool {
	switch nt {
	case NodePlainReply, NodeTextMessage, NodeLinkMessage, NodeButtonMessage,
		NodeQuickReply, NodeFollowerCondition, NodeReturningCondition,
		NodeCollectData, NodeAIConversation:
		return true
	default:
		return false
	}
}

// Validation constants for flow configuration.
const (
	// MaxMessageLength defines the maximum rendered length of any outbound message.
	MaxMessageLength = 1000
	// MaxButtonCount defines the maximum number of buttons on a button message.
	MaxButtonCount = 3
	// MaxQuickReplyCount defines the maximum number of quick-reply options.
	MaxQuickReplyCount = 13
	// MaxQuickReplyTitleLength defines the provider limit on option titles.
	MaxQuickReplyTitleLength = 20
)

// ButtonKind distinguishes URL buttons from postback buttons.
type ButtonKind string

const (
	// ButtonPostback sends a webhook postback carrying the button payload.
	ButtonPostback ButtonKind = "postback"
	// ButtonURL opens a URL and produces no inbound event.
	ButtonURL ButtonKind = "web_url"
)

// Button is one tappable button on a button message node.
type Button struct {
	Kind         ButtonKind `json:"kind"`
	Title        string     `json:"title"`
	URL          string     `json:"url,omitempty"`
	Payload      string     `json:"payload,omitempty"`
	TargetNodeID string     `json:"target_node_id,omitempty"`
}

// QuickReplyOption is one selectable quick-reply option.
type QuickReplyOption struct {
	Title        string `json:"title"`
	Payload      string `json:"payload"`
	TargetNodeID string `json:"target_node_id,omitempty"`
}

// FieldType identifies what kind of value a collect-data node gathers.
type FieldType string

const (
	FieldEmail  FieldType = "email"
	FieldPhone  FieldType = "phone"
	FieldName   FieldType = "name"
	FieldCustom FieldType = "custom"
)

// CollectConfig configures a collect-data node.
type CollectConfig struct {
	FieldType    FieldType `json:"field_type"`
	VariableName string    `json:"variable_name"`
	Prompt       string    `json:"prompt"`
	Validation   string    `json:"validation,omitempty"`    // regex for custom fields
	ErrorMessage string    `json:"error_message,omitempty"` // re-prompt on invalid input
}

// AIConfig configures an ai-conversation node.
type AIConfig struct {
	SystemPrompt string `json:"system_prompt"`
	// DoneKeyword, when present in the responder output, signals completion
	// and advances the flow instead of looping on this node.
	DoneKeyword string `json:"done_keyword,omitempty"`
}

// FlowNode is one step in a flow graph. Type determines which configuration
// fields are meaningful and which outgoing edges exist:
//
//   - content nodes use Texts (random variation at render time) and NextNodeID
//   - quick_reply_message / button_message route per option or button; an
//     option without a target falls back to NextNodeID
//   - condition nodes use TrueNodeID / FalseNodeID
//   - an empty edge is terminal and completes the session
type FlowNode struct {
	ID    string   `json:"id"`
	Type  NodeType `json:"type"`
	Texts []string `json:"texts,omitempty"`
	URL   string   `json:"url,omitempty"`

	Buttons      []Button           `json:"buttons,omitempty"`
	QuickReplies []QuickReplyOption `json:"quick_replies,omitempty"`
	Collect      *CollectConfig     `json:"collect,omitempty"`
	AI           *AIConfig          `json:"ai,omitempty"`

	// LookbackWindow bounds the returning-user check; zero means "ever".
	LookbackWindow time.Duration `json:"lookback_window,omitempty"`

	NextNodeID  string `json:"next_node_id,omitempty"`
	TrueNodeID  string `json:"true_node_id,omitempty"`
	FalseNodeID string `json:"false_node_id,omitempty"`
}

// IsInteraction reports whether the node requires an explicit end-user action
// (tap or typed reply) before the flow can continue. Follower checks may only
// be placed downstream of such a node, modeling the provider's consent rule.
func (n *FlowNode) IsInteraction() bool {
	switch n.Type {
	case NodeQuickReply, NodeButtonMessage, NodeCollectData:
		return true
	default:
		return false
	}
}

// Trigger describes what inbound comments start a flow.
type Trigger struct {
	Kind     TriggerKind `json:"kind"`
	Keywords []string    `json:"keywords,omitempty"`
}

// Flow is an authored graph of messaging steps owned by the authoring
// surface; the core treats it as read-only.
type Flow struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Title     string     `json:"title"`
	Trigger   Trigger    `json:"trigger"`
	Active    bool       `json:"active"`
	Nodes     []FlowNode `json:"nodes"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// EntryNode returns the flow's entry node. The trigger node is virtual and
// not persisted; the first node of the graph is the entry.
func (f *Flow) EntryNode() *FlowNode {
	if len(f.Nodes) == 0 {
		return nil
	}
	return &f.Nodes[0]
}

// Node looks up a node by ID within the flow.
func (f *Flow) Node(id string) *FlowNode {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// MatchesComment reports whether a comment should trigger this flow.
// Keyword matching is a case-insensitive substring check across the keyword
// list; a flow with trigger kind "any" (or an empty keyword list) matches
// every comment.
func (f *Flow) MatchesComment(text string) bool {
	if f.Trigger.Kind == TriggerAny || len(f.Trigger.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range f.Trigger.Keywords {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
