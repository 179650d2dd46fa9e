package domain

import "encoding/json"

// TextMessagePayload is the payload for text_message events.
type TextMessagePayload struct {
	Text string `json:"text"`
}

// ToolCallPayload is the payload for tool_call events.
type ToolCallPayload struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ErrorDetail describes a classified failure.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ToolResultPayload is the payload for tool_result events.
type ToolResultPayload struct {
	CallID string          `json:"call_id"`
	Status string          `json:"status"` // ok | error
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// OK reports whether the tool call succeeded.
func (p ToolResultPayload) OK() bool { return p.Status == "ok" }

// HandoffPayload is the payload for handoff events.
type HandoffPayload struct {
	To string `json:"to"`
}

// HumanQuestionPayload is the payload for human_question events.
type HumanQuestionPayload struct {
	QuestionID string `json:"question_id"`
	Prompt     string `json:"prompt"`
}

// HumanAnswerPayload is the payload for human_answer events.
type HumanAnswerPayload struct {
	QuestionID string `json:"question_id"`
	Content    string `json:"content"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}
