package models

import "regexp"

// ValidateFlow checks a flow definition for configuration errors at save
// time. Runtime execution assumes a validated flow: a dangling edge or
// unknown node type that slips past validation is fatal when encountered.
func ValidateFlow(f *Flow) error {
	if len(f.Nodes) == 0 {
		return &ConfigError{FlowID: f.ID, Err: ErrEmptyFlow}
	}

	seen := make(map[string]bool, len(f.Nodes))
	for i := range f.Nodes {
		node := &f.Nodes[i]
		if err := validateNode(f, node); err != nil {
			return err
		}
		seen[node.ID] = true
	}

	// Every edge must land on a node inside the same flow or be empty.
	for i := range f.Nodes {
		node := &f.Nodes[i]
		for _, target := range nodeEdges(node) {
			if target != "" && !seen[target] {
				return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrDanglingEdge}
			}
		}
	}

	return validateFollowerPlacement(f)
}

func validateNode(f *Flow, node *FlowNode) error {
	if !IsValidNodeType(node.Type) {
		return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrUnknownNodeType}
	}

	for _, text := range node.Texts {
		if len(text) > MaxMessageLength {
			return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrTemplateTooLong}
		}
	}

	switch node.Type {
	case NodeQuickReply:
		if len(node.QuickReplies) == 0 {
			return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrNoOptions}
		}
		if len(node.QuickReplies) > MaxQuickReplyCount {
			return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrTooManyOptions}
		}
		for _, opt := range node.QuickReplies {
			if len(opt.Title) > MaxQuickReplyTitleLength {
				return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrOptionTitleLong}
			}
		}
	case NodeButtonMessage:
		if len(node.Buttons) == 0 {
			return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrNoOptions}
		}
		if len(node.Buttons) > MaxButtonCount {
			return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrTooManyOptions}
		}
		for _, btn := range node.Buttons {
			if btn.Kind == ButtonURL && btn.URL == "" {
				return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrMissingButtonURL}
			}
		}
	case NodeCollectData:
		if node.Collect == nil || node.Collect.VariableName == "" {
			return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrMissingVariable}
		}
		if node.Collect.Prompt == "" {
			return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrMissingPrompt}
		}
		if node.Collect.Validation != "" {
			if _, err := regexp.Compile(node.Collect.Validation); err != nil {
				return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: err}
			}
		}
	}
	return nil
}

// nodeEdges returns all outgoing edge targets of a node, empty strings
// included, in configuration order.
func nodeEdges(node *FlowNode) []string {
	var edges []string
	switch node.Type {
	case NodeFollowerCondition, NodeReturningCondition:
		edges = append(edges, node.TrueNodeID, node.FalseNodeID)
	case NodeQuickReply:
		for _, opt := range node.QuickReplies {
			edges = append(edges, opt.TargetNodeID)
		}
		edges = append(edges, node.NextNodeID)
	case NodeButtonMessage:
		for _, btn := range node.Buttons {
			if btn.Kind == ButtonPostback {
				edges = append(edges, btn.TargetNodeID)
			}
		}
		edges = append(edges, node.NextNodeID)
	default:
		edges = append(edges, node.NextNodeID)
	}
	return edges
}

// validateFollowerPlacement enforces the provider's consent rule: a follower
// condition may only be reachable downstream of at least one node that makes
// the end user take an explicit action. The walk tracks whether an
// interaction node was crossed on the path so far; reaching a follower
// condition without one is a configuration error.
func validateFollowerPlacement(f *Flow) error {
	entry := f.EntryNode()
	if entry == nil {
		return nil
	}

	type state struct {
		nodeID     string
		interacted bool
	}
	visited := make(map[state]bool)
	stack := []state{{nodeID: entry.ID, interacted: false}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		node := f.Node(cur.nodeID)
		if node == nil {
			continue
		}
		if node.Type == NodeFollowerCondition && !cur.interacted {
			return &ConfigError{FlowID: f.ID, NodeID: node.ID, Err: ErrFollowerConsent}
		}

		next := cur.interacted || node.IsInteraction()
		for _, target := range nodeEdges(node) {
			if target != "" {
				stack = append(stack, state{nodeID: target, interacted: next})
			}
		}
	}
	return nil
}
