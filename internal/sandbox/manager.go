// Package sandbox manages disposable, resource-bounded execution contexts
// for agent-generated code.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edaswarm/orchestrator/internal/domain"
)

var (
	// ErrBusy is returned when a session is already executing. Requests are
	// rejected rather than queued so callers can decide to wait or abort.
	ErrBusy = errors.New("sandbox session is busy")
	// ErrNotReady is returned when a session cannot accept executions.
	ErrNotReady = errors.New("sandbox session is not ready")
	// ErrPoolExhausted is returned when no pool slot frees up within the
	// bounded provisioning wait.
	ErrPoolExhausted = errors.New("sandbox pool exhausted")
	// ErrResourceLimit is returned when an execution is forcibly terminated
	// for exceeding a sandbox resource limit.
	ErrResourceLimit = errors.New("sandbox resource limit exceeded")
)

// ExecutionResult captures the output of one code execution.
type ExecutionResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// Runner is the pluggable execution backend behind a sandbox session.
type Runner interface {
	// Provision starts the isolated environment for the session.
	Provision(ctx context.Context, session *domain.SandboxSession) error
	// Run executes code inside the session. The session's wall-clock limit
	// is enforced by the runner; exceeding it returns ErrResourceLimit.
	Run(ctx context.Context, session *domain.SandboxSession, code string) (*ExecutionResult, error)
	// Remove destroys the environment. It must be idempotent.
	Remove(session *domain.SandboxSession) error
}

// Manager owns sandbox session lifecycle. The pool is capacity-bounded and
// shared across runs; at most one session exists per run.
type Manager struct {
	runner        Runner
	limits        domain.ResourceLimits
	provisionWait time.Duration
	slots         chan struct{}

	mu       sync.Mutex
	sessions map[string]*domain.SandboxSession // keyed by run id
}

// NewManager creates a sandbox manager with the given pool capacity.
func NewManager(runner Runner, limits domain.ResourceLimits, capacity int, provisionWait time.Duration) *Manager {
	if capacity <= 0 {
		capacity = 1
	}
	return &Manager{
		runner:        runner,
		limits:        limits,
		provisionWait: provisionWait,
		slots:         make(chan struct{}, capacity),
		sessions:      make(map[string]*domain.SandboxSession),
	}
}

// EnsureSession returns the run's session, reusing it when ready or
// executing, and provisioning a fresh one otherwise. Provisioning blocks for
// at most the configured wait when the pool is at capacity.
func (m *Manager) EnsureSession(ctx context.Context, runID string) (*domain.SandboxSession, error) {
	m.mu.Lock()
	if sess := m.sessions[runID]; sess != nil {
		switch sess.State {
		case domain.SandboxStateReady, domain.SandboxStateExecuting, domain.SandboxStateProvisioning:
			m.mu.Unlock()
			return sess, nil
		}
		// Failed or torn down: clean up the remnant before provisioning.
		m.mu.Unlock()
		if err := m.Teardown(sess); err != nil {
			return nil, fmt.Errorf("failed to tear down stale session %s: %w", sess.SessionID, err)
		}
		m.mu.Lock()
	}
	m.mu.Unlock()

	select {
	case m.slots <- struct{}{}:
	case <-time.After(m.provisionWait):
		return nil, fmt.Errorf("%w: no slot freed within %s", ErrPoolExhausted, m.provisionWait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sess := &domain.SandboxSession{
		SessionID: "sb_" + uuid.New().String()[:8],
		RunID:     runID,
		State:     domain.SandboxStateProvisioning,
		Limits:    m.limits,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.sessions[runID] = sess
	m.mu.Unlock()

	if err := m.runner.Provision(ctx, sess); err != nil {
		m.mu.Lock()
		sess.State = domain.SandboxStateFailed
		m.mu.Unlock()
		// Release the slot and remove whatever was partially created.
		_ = m.Teardown(sess)
		return nil, fmt.Errorf("failed to provision sandbox: %w", err)
	}

	m.mu.Lock()
	sess.State = domain.SandboxStateReady
	m.mu.Unlock()
	return sess, nil
}

// Execute runs code in the session. Executions are serialized per session:
// a request while one is in flight is rejected with ErrBusy.
func (m *Manager) Execute(ctx context.Context, sess *domain.SandboxSession, code string) (*ExecutionResult, error) {
	m.mu.Lock()
	switch sess.State {
	case domain.SandboxStateExecuting:
		m.mu.Unlock()
		return nil, ErrBusy
	case domain.SandboxStateReady:
		sess.State = domain.SandboxStateExecuting
		m.mu.Unlock()
	default:
		state := sess.State
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s is %s: %w", sess.SessionID, state, ErrNotReady)
	}

	result, err := m.runner.Run(ctx, sess, code)

	m.mu.Lock()
	if sess.State == domain.SandboxStateExecuting { // teardown may have raced
		if err != nil {
			sess.State = domain.SandboxStateFailed
		} else {
			sess.State = domain.SandboxStateReady
		}
	}
	m.mu.Unlock()
	return result, err
}

// Teardown destroys a session and releases its pool slot. Idempotent: a
// session already torn down is a no-op.
func (m *Manager) Teardown(sess *domain.SandboxSession) error {
	m.mu.Lock()
	if sess.State == domain.SandboxStateTornDown {
		m.mu.Unlock()
		return nil
	}
	sess.State = domain.SandboxStateTornDown
	if m.sessions[sess.RunID] == sess {
		delete(m.sessions, sess.RunID)
	}
	m.mu.Unlock()

	err := m.runner.Remove(sess)
	select {
	case <-m.slots:
	default:
	}
	return err
}

// TeardownRun destroys the run's session, if any. Called on every run exit
// path so sandbox resources never leak.
func (m *Manager) TeardownRun(runID string) error {
	m.mu.Lock()
	sess := m.sessions[runID]
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	return m.Teardown(sess)
}

// Session returns the run's current session, or nil.
func (m *Manager) Session(runID string) *domain.SandboxSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[runID]
}
