// Package domain defines the core domain models for the orchestrator.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusPending       RunStatus = "pending"
	RunStatusRunning       RunStatus = "running"
	RunStatusAwaitingInput RunStatus = "awaiting_input"
	RunStatusCompleted     RunStatus = "completed"
	RunStatusFailed        RunStatus = "failed"
	RunStatusCancelled     RunStatus = "cancelled"
)

// IsTerminal reports whether the status allows no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// EventType represents the type of an event in the run log.
type EventType string

const (
	EventTypeTextMessage   EventType = "text_message"
	EventTypeToolCall      EventType = "tool_call"
	EventTypeToolResult    EventType = "tool_result"
	EventTypeHandoff       EventType = "handoff"
	EventTypeHumanQuestion EventType = "human_question"
	EventTypeHumanAnswer   EventType = "human_answer"
	EventTypeError         EventType = "error"
)

// SandboxState represents the lifecycle state of a sandbox session.
type SandboxState string

const (
	SandboxStateProvisioning SandboxState = "provisioning"
	SandboxStateReady        SandboxState = "ready"
	SandboxStateExecuting    SandboxState = "executing"
	SandboxStateTornDown     SandboxState = "torn_down"
	SandboxStateFailed       SandboxState = "failed"
)

// ErrorKind classifies failure events so the log can distinguish cause.
type ErrorKind string

const (
	ErrorKindModelError             ErrorKind = "model_error"
	ErrorKindUnknownTool            ErrorKind = "unknown_tool"
	ErrorKindToolTimeout            ErrorKind = "tool_timeout"
	ErrorKindResourceLimitExceeded  ErrorKind = "resource_limit_exceeded"
	ErrorKindSandboxProvisionFailed ErrorKind = "sandbox_provision_failure"
	ErrorKindInteractionTimeout     ErrorKind = "interaction_timeout"
	ErrorKindStaleAnswer            ErrorKind = "stale_answer"
	ErrorKindCancelled              ErrorKind = "cancelled"
	ErrorKindPolicyBlocked          ErrorKind = "policy_blocked"
	ErrorKindInteractionNotAllowed  ErrorKind = "interaction_not_allowed"
	ErrorKindToolFailed             ErrorKind = "tool_failed"
	ErrorKindSandboxBusy            ErrorKind = "sandbox_busy"
	ErrorKindStoreFailure           ErrorKind = "store_failure"
)

// Completion reasons recorded on terminal runs. Turn-limit exhaustion is a
// normal completion reason, not an error.
const (
	ReasonTurnLimitExceeded = "turn_limit_exceeded"
	ReasonTerminated        = "terminated"
	ReasonHandoffDone       = "done"
)

// SpeakerDone is the sentinel handoff target that completes a run.
const SpeakerDone = "done"

// SpeakerOperator is the identity attached to human answers and
// scheduler-synthesized events.
const SpeakerOperator = "operator"
