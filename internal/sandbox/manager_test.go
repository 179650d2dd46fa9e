package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edaswarm/orchestrator/internal/domain"
)

// fakeRunner records lifecycle calls and asserts executions never overlap.
type fakeRunner struct {
	mu            sync.Mutex
	provisioned   []string
	removed       []string
	provisionErr  error
	runErr        error
	runDelay      time.Duration
	inFlight      int32
	maxInFlight   int32
	stdout        string
}

func (f *fakeRunner) Provision(ctx context.Context, sess *domain.SandboxSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return f.provisionErr
	}
	f.provisioned = append(f.provisioned, sess.SessionID)
	return nil
}

func (f *fakeRunner) Run(ctx context.Context, sess *domain.SandboxSession, code string) (*ExecutionResult, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, n) {
			break
		}
	}
	if f.runDelay > 0 {
		select {
		case <-time.After(f.runDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &ExecutionResult{Stdout: f.stdout}, nil
}

func (f *fakeRunner) Remove(sess *domain.SandboxSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, sess.SessionID)
	return nil
}

func testLimits() domain.ResourceLimits {
	return domain.ResourceLimits{CPUs: 1, MemoryMB: 256, ExecTimeout: time.Second}
}

func TestManagerEnsureSessionReusesReady(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{stdout: "2"}
	m := NewManager(runner, testLimits(), 2, time.Second)

	sess, err := m.EnsureSession(ctx, "r1")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if sess.State != domain.SandboxStateReady {
		t.Fatalf("expected ready, got %s", sess.State)
	}

	again, err := m.EnsureSession(ctx, "r1")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if again.SessionID != sess.SessionID {
		t.Fatalf("expected session reuse, got %s and %s", sess.SessionID, again.SessionID)
	}
	if len(runner.provisioned) != 1 {
		t.Fatalf("expected 1 provision, got %d", len(runner.provisioned))
	}
}

func TestManagerExecuteRoundTrip(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{stdout: "2"}
	m := NewManager(runner, testLimits(), 2, time.Second)

	sess, err := m.EnsureSession(ctx, "r1")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	result, err := m.Execute(ctx, sess, "print(1+1)")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Stdout != "2" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
	// Session remains ready for reuse.
	if sess.State != domain.SandboxStateReady {
		t.Fatalf("expected ready after execute, got %s", sess.State)
	}
}

func TestManagerExecuteSerializedPerSession(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{runDelay: 50 * time.Millisecond}
	m := NewManager(runner, testLimits(), 2, time.Second)

	sess, err := m.EnsureSession(ctx, "r1")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	var busy, ok int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Execute(ctx, sess, "pass")
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrBusy):
				atomic.AddInt32(&busy, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&runner.maxInFlight); got > 1 {
		t.Fatalf("executions overlapped: max in flight %d", got)
	}
	if ok == 0 || busy == 0 {
		t.Fatalf("expected successes and busy rejections, got ok=%d busy=%d", ok, busy)
	}
	if ok+busy != attempts {
		t.Fatalf("lost attempts: ok=%d busy=%d", ok, busy)
	}
}

func TestManagerProvisionFailure(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{provisionErr: fmt.Errorf("image pull failed")}
	m := NewManager(runner, testLimits(), 1, time.Second)

	if _, err := m.EnsureSession(ctx, "r1"); err == nil {
		t.Fatalf("expected provisioning error")
	}
	// The slot is released: a later provision attempt is not starved.
	runner.provisionErr = nil
	if _, err := m.EnsureSession(ctx, "r1"); err != nil {
		t.Fatalf("EnsureSession after recovery failed: %v", err)
	}
}

func TestManagerPoolExhaustionBoundedWait(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	m := NewManager(runner, testLimits(), 1, 30*time.Millisecond)

	if _, err := m.EnsureSession(ctx, "r1"); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	_, err := m.EnsureSession(ctx, "r2")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	// Tearing down the first run frees the slot.
	if err := m.TeardownRun("r1"); err != nil {
		t.Fatalf("TeardownRun failed: %v", err)
	}
	if _, err := m.EnsureSession(ctx, "r2"); err != nil {
		t.Fatalf("EnsureSession after teardown failed: %v", err)
	}
}

func TestManagerTeardownIdempotent(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	m := NewManager(runner, testLimits(), 2, time.Second)

	sess, err := m.EnsureSession(ctx, "r1")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if err := m.Teardown(sess); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if err := m.Teardown(sess); err != nil {
		t.Fatalf("second Teardown failed: %v", err)
	}
	if len(runner.removed) != 1 {
		t.Fatalf("expected 1 remove, got %d", len(runner.removed))
	}
	if sess.State != domain.SandboxStateTornDown {
		t.Fatalf("expected torn_down, got %s", sess.State)
	}
	if m.Session("r1") != nil {
		t.Fatalf("expected session removed from manager")
	}
}

func TestManagerFailedSessionReprovisioned(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{runErr: fmt.Errorf("interpreter crashed")}
	m := NewManager(runner, testLimits(), 2, time.Second)

	sess, err := m.EnsureSession(ctx, "r1")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if _, err := m.Execute(ctx, sess, "boom"); err == nil {
		t.Fatalf("expected execution error")
	}
	if sess.State != domain.SandboxStateFailed {
		t.Fatalf("expected failed, got %s", sess.State)
	}

	runner.runErr = nil
	fresh, err := m.EnsureSession(ctx, "r1")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if fresh.SessionID == sess.SessionID {
		t.Fatalf("expected a fresh session after failure")
	}
	if _, err := m.Execute(ctx, fresh, "pass"); err != nil {
		t.Fatalf("Execute on fresh session failed: %v", err)
	}
}
