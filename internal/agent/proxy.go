// Package agent turns model completions into validated turn actions.
package agent

import (
	"context"

	"github.com/edaswarm/orchestrator/internal/domain"
)

// Proxy decides the next action for a named agent given the run so far.
// Implementations must be safe for concurrent use across runs.
type Proxy interface {
	Decide(ctx context.Context, identity string, run *domain.Run, events []domain.Event) (domain.Action, error)
}
