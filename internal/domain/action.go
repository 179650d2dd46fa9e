package domain

import "encoding/json"

// ActionType enumerates the decisions an agent may yield for its turn.
type ActionType string

const (
	ActionMessage   ActionType = "message"
	ActionToolCall  ActionType = "tool_call"
	ActionHandoff   ActionType = "handoff"
	ActionAskHuman  ActionType = "ask_human"
	ActionTerminate ActionType = "terminate"
)

// Action is the result of one AgentProxy decision. Exactly one of the
// variant fields is meaningful, selected by Type.
type Action struct {
	Type     ActionType      `json:"type"`
	Text     string          `json:"text,omitempty"`      // message
	ToolName string          `json:"tool_name,omitempty"` // tool_call
	ToolArgs json.RawMessage `json:"tool_args,omitempty"` // tool_call
	Target   string          `json:"target,omitempty"`    // handoff
	Prompt   string          `json:"prompt,omitempty"`    // ask_human
}
