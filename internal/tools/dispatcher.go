package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/edaswarm/orchestrator/internal/domain"
	"github.com/edaswarm/orchestrator/internal/sandbox"
)

// ToolExecuteCode is the sandbox-backed code execution tool.
const ToolExecuteCode = "execute_code"

// Dispatcher routes tool calls to the in-process registry or the run's
// sandbox session and maps every failure to a classified result. It never
// returns an error: the outcome of a tool call is always a tool_result.
type Dispatcher struct {
	registry    *Registry
	sandboxes   *sandbox.Manager
	callTimeout time.Duration
}

// NewDispatcher creates a tool dispatcher with a per-call timeout.
func NewDispatcher(registry *Registry, sandboxes *sandbox.Manager, callTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		sandboxes:   sandboxes,
		callTimeout: callTimeout,
	}
}

// Has reports whether the dispatcher can serve the named tool.
func (d *Dispatcher) Has(toolName string) bool {
	if toolName == ToolExecuteCode {
		return true
	}
	return d.registry.Has(toolName)
}

// Invoke executes one tool call for a run and returns its result payload.
func (d *Dispatcher) Invoke(ctx context.Context, runID string, call domain.ToolCallPayload) domain.ToolResultPayload {
	if !d.Has(call.Name) {
		return errorResult(call.CallID, domain.ErrorKindUnknownTool,
			fmt.Sprintf("no tool named %s", call.Name))
	}

	callCtx := ctx
	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	if call.Name == ToolExecuteCode {
		return d.invokeExecuteCode(callCtx, runID, call)
	}

	result, err := d.registry.Execute(callCtx, call.Name, call.Args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return errorResult(call.CallID, domain.ErrorKindToolTimeout,
				fmt.Sprintf("tool %s exceeded %s", call.Name, d.callTimeout))
		}
		return errorResult(call.CallID, domain.ErrorKindToolFailed, err.Error())
	}
	return okResult(call.CallID, result)
}

func (d *Dispatcher) invokeExecuteCode(ctx context.Context, runID string, call domain.ToolCallPayload) domain.ToolResultPayload {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(call.Args, &req); err != nil {
		return errorResult(call.CallID, domain.ErrorKindToolFailed,
			fmt.Sprintf("invalid execute_code arguments: %v", err))
	}
	if req.Code == "" {
		return errorResult(call.CallID, domain.ErrorKindToolFailed, "code is required")
	}

	sess, err := d.sandboxes.EnsureSession(ctx, runID)
	if err != nil {
		return errorResult(call.CallID, domain.ErrorKindSandboxProvisionFailed, err.Error())
	}

	result, err := d.sandboxes.Execute(ctx, sess, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrBusy):
			return errorResult(call.CallID, domain.ErrorKindSandboxBusy,
				"an execution is already in flight for this run")
		case errors.Is(err, sandbox.ErrResourceLimit):
			return errorResult(call.CallID, domain.ErrorKindResourceLimitExceeded, err.Error())
		case ctx.Err() == context.DeadlineExceeded:
			// The interpreter may be wedged mid-execution; discard the session
			// so the next call gets a fresh one.
			if terr := d.sandboxes.Teardown(sess); terr != nil {
				log.Printf("WARN: failed to tear down timed-out session %s: %v", sess.SessionID, terr)
			}
			return errorResult(call.CallID, domain.ErrorKindToolTimeout,
				fmt.Sprintf("execute_code exceeded %s", d.callTimeout))
		default:
			return errorResult(call.CallID, domain.ErrorKindToolFailed, err.Error())
		}
	}

	out, _ := json.Marshal(result)
	return okResult(call.CallID, out)
}

func okResult(callID string, result json.RawMessage) domain.ToolResultPayload {
	return domain.ToolResultPayload{
		CallID: callID,
		Status: "ok",
		Result: result,
	}
}

func errorResult(callID string, kind domain.ErrorKind, message string) domain.ToolResultPayload {
	return domain.ToolResultPayload{
		CallID: callID,
		Status: "error",
		Error:  &domain.ErrorDetail{Kind: kind, Message: message},
	}
}
