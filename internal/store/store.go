// Package store persists runs and their append-only event logs.
package store

import (
	"context"
	"errors"

	"github.com/edaswarm/orchestrator/internal/domain"
)

var (
	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunTerminal is returned when appending to a run that already
	// reached a terminal status. The log is write-once and sealed.
	ErrRunTerminal = errors.New("run is terminal")
)

// Store is the durable run-state store. Append is the sole mutation path for
// the event log; sequence numbers are assigned atomically per run.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, reason string) error

	// AppendEvent assigns the next sequence number for the run, persists the
	// event durably, and returns the assigned sequence number.
	AppendEvent(ctx context.Context, event *domain.Event) (int64, error)
	// ReadEvents returns events with seq >= fromSeq in order. limit <= 0
	// means no limit.
	ReadEvents(ctx context.Context, runID string, fromSeq int64, limit int) ([]domain.Event, error)
	Summary(ctx context.Context, runID string) (*domain.RunSummary, error)

	CreatePendingQuestion(ctx context.Context, q *domain.PendingQuestion) error
	GetPendingQuestion(ctx context.Context, runID string) (*domain.PendingQuestion, error)
	DeletePendingQuestion(ctx context.Context, runID, questionID string) error

	Close() error
}
