package domain

import (
	"encoding/json"
	"time"
)

// RunConfig is the configuration snapshot captured when a run starts.
type RunConfig struct {
	Model       string   `json:"model"`
	Task        string   `json:"task"`
	EntryAgent  string   `json:"entry_agent"`
	Agents      []string `json:"agents"`
	MaxTurns    int      `json:"max_turns"`
	Interactive bool     `json:"interactive"`
}

// Run represents one end-to-end orchestration session.
type Run struct {
	RunID     string     `json:"run_id"`
	Status    RunStatus  `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	Config    RunConfig  `json:"config"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Event is the atomic, immutable unit of the run log. Sequence numbers are
// contiguous per run starting at 0.
type Event struct {
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	Turn    int             `json:"turn"`
	Agent   string          `json:"agent"`
	Type    EventType       `json:"type"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResourceLimits bounds a sandbox session.
type ResourceLimits struct {
	CPUs        float64       `json:"cpus"`
	MemoryMB    int           `json:"memory_mb"`
	ExecTimeout time.Duration `json:"exec_timeout"`
}

// SandboxSession is a bounded-lifetime execution context. Exactly one may be
// active per run at a time.
type SandboxSession struct {
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id"`
	State     SandboxState   `json:"state"`
	Limits    ResourceLimits `json:"limits"`
	CreatedAt time.Time      `json:"created_at"`
}

// PendingQuestion links a run to its outstanding human question. It exists
// only while the run is awaiting_input.
type PendingQuestion struct {
	QuestionID string    `json:"question_id"`
	RunID      string    `json:"run_id"`
	Prompt     string    `json:"prompt"`
	AskedAt    time.Time `json:"asked_at"`
	Deadline   time.Time `json:"deadline"`
}

// RunSummary is the stable projection consumed by the history visualizer.
type RunSummary struct {
	RunID       string           `json:"run_id"`
	Status      RunStatus        `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	DurationMs  int64            `json:"duration_ms"`
	Turns       int              `json:"turns"`
	TotalEvents int64            `json:"total_events"`
	EventCounts map[string]int64 `json:"event_counts"` // per emitting agent
}
