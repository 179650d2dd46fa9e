// Package scheduler owns run lifecycle: it admits runs, drives their turn
// loops, arbitrates turn order and enforces per-run limits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edaswarm/orchestrator/internal/agent"
	"github.com/edaswarm/orchestrator/internal/domain"
	"github.com/edaswarm/orchestrator/internal/policy"
	"github.com/edaswarm/orchestrator/internal/sandbox"
	"github.com/edaswarm/orchestrator/internal/store"
	"github.com/edaswarm/orchestrator/internal/tools"
)

var (
	// ErrNoPendingQuestion is returned when an answer arrives for a run that
	// is not awaiting input.
	ErrNoPendingQuestion = errors.New("run has no pending question")
	// ErrStaleAnswer is returned when an answer names a question that is no
	// longer pending, typically because it was already answered or timed out.
	ErrStaleAnswer = errors.New("answer refers to a stale question")
)

// Options bound run execution.
type Options struct {
	MaxTurns           int
	InteractionTimeout time.Duration
	MaxConsecutiveErrs int
	MaxActionsPerTurn  int
}

func (o *Options) applyDefaults() {
	if o.MaxTurns <= 0 {
		o.MaxTurns = 20
	}
	if o.InteractionTimeout <= 0 {
		o.InteractionTimeout = 10 * time.Minute
	}
	if o.MaxConsecutiveErrs <= 0 {
		o.MaxConsecutiveErrs = 3
	}
	if o.MaxActionsPerTurn <= 0 {
		o.MaxActionsPerTurn = 8
	}
}

type answer struct {
	questionID string
	content    string
}

// runHandle is the scheduler's live view of one active run.
type runHandle struct {
	runID    string
	cancel   context.CancelFunc
	answers  chan answer
	question *domain.PendingQuestion // guarded by Engine.mu, nil unless awaiting
}

// Engine coordinates runs end to end: agent decisions, tool dispatch,
// sandbox lifecycle and human interaction.
type Engine struct {
	store      store.Store
	sandboxes  *sandbox.Manager
	dispatcher *tools.Dispatcher
	policies   *policy.Engine
	proxy      agent.Proxy
	opts       Options

	mu   sync.Mutex
	runs map[string]*runHandle
	wg   sync.WaitGroup
}

// NewEngine creates a scheduler engine.
func NewEngine(st store.Store, sandboxes *sandbox.Manager, dispatcher *tools.Dispatcher, policies *policy.Engine, proxy agent.Proxy, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		store:      st,
		sandboxes:  sandboxes,
		dispatcher: dispatcher,
		policies:   policies,
		proxy:      proxy,
		opts:       opts,
		runs:       make(map[string]*runHandle),
	}
}

// StartRun admits a new run and drives it in the background.
func (e *Engine) StartRun(ctx context.Context, cfg domain.RunConfig) (*domain.Run, error) {
	if cfg.Task == "" {
		return nil, fmt.Errorf("task is required")
	}
	if cfg.EntryAgent == "" {
		return nil, fmt.Errorf("entry agent is required")
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}
	if !containsAgent(cfg.Agents, cfg.EntryAgent) {
		return nil, fmt.Errorf("entry agent %s is not in the agent set", cfg.EntryAgent)
	}
	if cfg.MaxTurns <= 0 || cfg.MaxTurns > e.opts.MaxTurns {
		cfg.MaxTurns = e.opts.MaxTurns
	}

	// v7 ids are time-ordered, so run ids sort by creation.
	run := &domain.Run{
		RunID:     "run_" + uuid.Must(uuid.NewV7()).String(),
		Status:    domain.RunStatusPending,
		Config:    cfg,
		StartedAt: time.Now(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &runHandle{
		runID:   run.RunID,
		cancel:  cancel,
		answers: make(chan answer, 1),
	}
	e.mu.Lock()
	e.runs[run.RunID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(runCtx, run, h)
	}()

	log.Printf("INFO: started run %s (entry=%s, max_turns=%d, interactive=%t)",
		run.RunID, cfg.EntryAgent, cfg.MaxTurns, cfg.Interactive)
	return run, nil
}

// Resume delivers a human answer to a run awaiting input. An answer for a
// question that is no longer pending is rejected with ErrStaleAnswer.
func (e *Engine) Resume(ctx context.Context, runID, questionID, content string) error {
	e.mu.Lock()
	h := e.runs[runID]
	if h == nil {
		e.mu.Unlock()
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return store.ErrRunTerminal
		}
		return ErrNoPendingQuestion
	}
	if h.question == nil {
		// The run is active but nothing is pending: the question was already
		// answered or timed out.
		e.mu.Unlock()
		return ErrStaleAnswer
	}
	if h.question.QuestionID != questionID {
		e.mu.Unlock()
		return ErrStaleAnswer
	}
	// Claim the question so a concurrent second answer is stale.
	h.question = nil
	e.mu.Unlock()

	if err := e.store.DeletePendingQuestion(ctx, runID, questionID); err != nil {
		log.Printf("WARN: failed to delete pending question for run %s: %v", runID, err)
	}
	h.answers <- answer{questionID: questionID, content: content}
	return nil
}

// Cancel requests cooperative cancellation. The run stops at the next turn
// or execution boundary; in-flight sandbox executions are interrupted.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	h := e.runs[runID]
	e.mu.Unlock()
	if h == nil {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return store.ErrRunTerminal
		}
		return fmt.Errorf("run %s is not active", runID)
	}
	h.cancel()
	log.Printf("INFO: cancellation requested for run %s", runID)
	return nil
}

// Wait blocks until all active runs have finished. Used during shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) removeHandle(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

func containsAgent(agents []string, name string) bool {
	for _, a := range agents {
		if a == name {
			return true
		}
	}
	return false
}
