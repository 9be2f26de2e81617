package engine

import (
	"strings"

	"github.com/BTreeMap/FlowPilot/internal/models"
)

// renderText picks one text variation uniformly at random and substitutes
// session variables. Each render draws fresh, so a retried node may pick a
// different variation.
func (e *Engine) renderText(node *models.FlowNode, sess *models.Session) string {
	if len(node.Texts) == 0 {
		return ""
	}
	text := node.Texts[0]
	if len(node.Texts) > 1 {
		text = node.Texts[e.randIntn(len(node.Texts))]
	}
	return substituteVars(text, sess)
}

// substituteVars replaces {name} placeholders with session variables.
// Underscore-prefixed keys are engine bookkeeping and never substituted;
// {username} resolves from the trigger context.
func substituteVars(text string, sess *models.Session) string {
	if sess.Username != "" {
		text = strings.ReplaceAll(text, "{username}", sess.Username)
	}
	for key, value := range sess.Vars {
		if strings.HasPrefix(key, "_") {
			continue
		}
		text = strings.ReplaceAll(text, "{"+key+"}", value)
	}
	return text
}

// Wire payload tokens carried on quick replies and postback buttons. The
// token embeds the session and node so an inbound tap can be routed without
// any server-side pending state.
const (
	tokenPrefix     = "flow_"
	tokenNodeMark   = "_node_"
	tokenOptionMark = "_opt_"
	tokenButtonMark = "_btn_"
)

// OptionToken builds the wire payload for a quick-reply option.
func OptionToken(sessionID, nodeID, payload string) string {
	return tokenPrefix + sessionID + tokenNodeMark + nodeID + tokenOptionMark + payload
}

// ButtonToken builds the wire payload for a postback button.
func ButtonToken(sessionID, nodeID, payload string) string {
	return tokenPrefix + sessionID + tokenNodeMark + nodeID + tokenButtonMark + payload
}

// Token is a parsed wire payload token.
type Token struct {
	SessionID string
	NodeID    string
	Payload   string
	Button    bool
}

// ParseToken decodes a wire payload token. It returns false for payloads
// that were not produced by OptionToken or ButtonToken, including raw
// payloads from other systems.
func ParseToken(raw string) (Token, bool) {
	if !strings.HasPrefix(raw, tokenPrefix) {
		return Token{}, false
	}
	rest := raw[len(tokenPrefix):]
	nodeIdx := strings.Index(rest, tokenNodeMark)
	if nodeIdx < 0 {
		return Token{}, false
	}
	sessionID := rest[:nodeIdx]
	rest = rest[nodeIdx+len(tokenNodeMark):]

	optIdx := strings.LastIndex(rest, tokenOptionMark)
	btnIdx := strings.LastIndex(rest, tokenButtonMark)
	if optIdx < 0 && btnIdx < 0 {
		return Token{}, false
	}
	if btnIdx > optIdx {
		return Token{
			SessionID: sessionID,
			NodeID:    rest[:btnIdx],
			Payload:   rest[btnIdx+len(tokenButtonMark):],
			Button:    true,
		}, true
	}
	return Token{
		SessionID: sessionID,
		NodeID:    rest[:optIdx],
		Payload:   rest[optIdx+len(tokenOptionMark):],
	}, true
}
