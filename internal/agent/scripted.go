package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/edaswarm/orchestrator/internal/domain"
)

// ScriptedProxy replays a fixed sequence of actions per agent identity. It
// backs deterministic scheduler tests and demo runs.
type ScriptedProxy struct {
	mu      sync.Mutex
	scripts map[string][]domain.Action
	cursor  map[string]int
}

var _ Proxy = (*ScriptedProxy)(nil)

// NewScriptedProxy creates a proxy replaying the given per-agent scripts.
func NewScriptedProxy(scripts map[string][]domain.Action) *ScriptedProxy {
	return &ScriptedProxy{
		scripts: scripts,
		cursor:  make(map[string]int),
	}
}

// Decide returns the agent's next scripted action.
func (p *ScriptedProxy) Decide(ctx context.Context, identity string, run *domain.Run, events []domain.Event) (domain.Action, error) {
	if err := ctx.Err(); err != nil {
		return domain.Action{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	script, ok := p.scripts[identity]
	if !ok {
		return domain.Action{}, fmt.Errorf("no script for agent %s", identity)
	}
	i := p.cursor[identity]
	if i >= len(script) {
		return domain.Action{}, fmt.Errorf("script for agent %s exhausted after %d actions", identity, len(script))
	}
	p.cursor[identity] = i + 1
	return script[i], nil
}
