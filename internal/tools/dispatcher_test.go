package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/edaswarm/orchestrator/internal/domain"
	"github.com/edaswarm/orchestrator/internal/sandbox"
)

type stubRunner struct {
	runErr   error
	runDelay time.Duration
	stdout   string
}

func (s *stubRunner) Provision(ctx context.Context, sess *domain.SandboxSession) error { return nil }

func (s *stubRunner) Run(ctx context.Context, sess *domain.SandboxSession, code string) (*sandbox.ExecutionResult, error) {
	if s.runDelay > 0 {
		select {
		case <-time.After(s.runDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.runErr != nil {
		return nil, s.runErr
	}
	return &sandbox.ExecutionResult{Stdout: s.stdout}, nil
}

func (s *stubRunner) Remove(sess *domain.SandboxSession) error { return nil }

func newTestDispatcher(runner sandbox.Runner, callTimeout time.Duration) *Dispatcher {
	limits := domain.ResourceLimits{CPUs: 1, MemoryMB: 256, ExecTimeout: time.Minute}
	mgr := sandbox.NewManager(runner, limits, 2, time.Second)
	reg := NewRegistry()
	reg.MustRegister("echo", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	})
	reg.MustRegister("broken", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("handler exploded")
	})
	reg.MustRegister("slow", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return NewDispatcher(reg, mgr, callTimeout)
}

func TestDispatcherUnknownTool(t *testing.T) {
	d := newTestDispatcher(&stubRunner{}, time.Second)
	res := d.Invoke(context.Background(), "r1", domain.ToolCallPayload{CallID: "tc_1", Name: "nope"})
	if res.OK() {
		t.Fatalf("expected error result")
	}
	if res.Error.Kind != domain.ErrorKindUnknownTool {
		t.Fatalf("expected unknown_tool, got %s", res.Error.Kind)
	}
	if res.CallID != "tc_1" {
		t.Fatalf("call id not propagated: %s", res.CallID)
	}
}

func TestDispatcherRegistryTool(t *testing.T) {
	d := newTestDispatcher(&stubRunner{}, time.Second)
	args := json.RawMessage(`{"x":1}`)
	res := d.Invoke(context.Background(), "r1", domain.ToolCallPayload{CallID: "tc_1", Name: "echo", Args: args})
	if !res.OK() {
		t.Fatalf("expected ok result, got %+v", res.Error)
	}
	if string(res.Result) != `{"x":1}` {
		t.Fatalf("unexpected result: %s", res.Result)
	}
}

func TestDispatcherRegistryToolFailure(t *testing.T) {
	d := newTestDispatcher(&stubRunner{}, time.Second)
	res := d.Invoke(context.Background(), "r1", domain.ToolCallPayload{CallID: "tc_1", Name: "broken"})
	if res.OK() || res.Error.Kind != domain.ErrorKindToolFailed {
		t.Fatalf("expected tool_failed, got %+v", res)
	}
	if !strings.Contains(res.Error.Message, "handler exploded") {
		t.Fatalf("error message lost: %s", res.Error.Message)
	}
}

func TestDispatcherRegistryToolTimeout(t *testing.T) {
	d := newTestDispatcher(&stubRunner{}, 20*time.Millisecond)
	res := d.Invoke(context.Background(), "r1", domain.ToolCallPayload{CallID: "tc_1", Name: "slow"})
	if res.OK() || res.Error.Kind != domain.ErrorKindToolTimeout {
		t.Fatalf("expected tool_timeout, got %+v", res)
	}
}

func TestDispatcherExecuteCode(t *testing.T) {
	d := newTestDispatcher(&stubRunner{stdout: "42\n"}, time.Second)
	args := json.RawMessage(`{"code":"print(42)"}`)
	res := d.Invoke(context.Background(), "r1", domain.ToolCallPayload{CallID: "tc_1", Name: ToolExecuteCode, Args: args})
	if !res.OK() {
		t.Fatalf("expected ok result, got %+v", res.Error)
	}
	var exec sandbox.ExecutionResult
	if err := json.Unmarshal(res.Result, &exec); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if exec.Stdout != "42\n" {
		t.Fatalf("unexpected stdout: %q", exec.Stdout)
	}
}

func TestDispatcherExecuteCodeMissingCode(t *testing.T) {
	d := newTestDispatcher(&stubRunner{}, time.Second)
	res := d.Invoke(context.Background(), "r1", domain.ToolCallPayload{CallID: "tc_1", Name: ToolExecuteCode, Args: json.RawMessage(`{}`)})
	if res.OK() || res.Error.Kind != domain.ErrorKindToolFailed {
		t.Fatalf("expected tool_failed, got %+v", res)
	}
}

func TestDispatcherExecuteCodeResourceLimit(t *testing.T) {
	runner := &stubRunner{runErr: fmt.Errorf("%w: killed (exit 137)", sandbox.ErrResourceLimit)}
	d := newTestDispatcher(runner, time.Second)
	args := json.RawMessage(`{"code":"while True: pass"}`)
	res := d.Invoke(context.Background(), "r1", domain.ToolCallPayload{CallID: "tc_1", Name: ToolExecuteCode, Args: args})
	if res.OK() || res.Error.Kind != domain.ErrorKindResourceLimitExceeded {
		t.Fatalf("expected resource_limit_exceeded, got %+v", res)
	}
}

func TestDispatcherExecuteCodeTimeoutDiscardsSession(t *testing.T) {
	runner := &stubRunner{runDelay: 200 * time.Millisecond}
	limits := domain.ResourceLimits{CPUs: 1, MemoryMB: 256, ExecTimeout: time.Minute}
	mgr := sandbox.NewManager(runner, limits, 2, time.Second)
	d := NewDispatcher(NewRegistry(), mgr, 20*time.Millisecond)

	args := json.RawMessage(`{"code":"import time; time.sleep(60)"}`)
	res := d.Invoke(context.Background(), "r1", domain.ToolCallPayload{CallID: "tc_1", Name: ToolExecuteCode, Args: args})
	if res.OK() || res.Error.Kind != domain.ErrorKindToolTimeout {
		t.Fatalf("expected tool_timeout, got %+v", res)
	}
	if mgr.Session("r1") != nil {
		t.Fatalf("expected session discarded after timeout")
	}
}
