package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/edaswarm/orchestrator/internal/domain"
	"github.com/edaswarm/orchestrator/internal/policy"
)

// runLoop carries the mutable state of one driven run.
type runLoop struct {
	e       *Engine
	run     *domain.Run
	h       *runHandle
	current string
	turn    int
	events  []domain.Event
	errs    int   // consecutive model errors
	broken  error // first failed event append; set once, fails the run

	status domain.RunStatus // terminal outcome, written by seal
	reason string
}

// drive executes a run from admission to terminal status. The sandbox is
// torn down on every exit path, and the terminal status is written only
// after cleanup so observers of a sealed run see a fully released one.
func (e *Engine) drive(ctx context.Context, run *domain.Run, h *runHandle) {
	l := &runLoop{e: e, run: run, h: h, current: run.Config.EntryAgent}
	defer l.seal()
	defer e.removeHandle(run.RunID)
	defer func() {
		if err := e.sandboxes.TeardownRun(run.RunID); err != nil {
			log.Printf("WARN: failed to tear down sandbox for run %s: %v", run.RunID, err)
		}
	}()

	if err := e.store.UpdateRunStatus(context.Background(), run.RunID, domain.RunStatusRunning); err != nil {
		log.Printf("ERROR: failed to mark run %s running: %v", run.RunID, err)
		return
	}
	run.Status = domain.RunStatusRunning

	l.execute(ctx)
}

func (l *runLoop) execute(ctx context.Context) {
	for l.turn < l.run.Config.MaxTurns {
		if ctx.Err() != nil {
			l.finishCancelled()
			return
		}
		if l.runTurn(ctx) {
			return
		}
		l.turn++
	}
	if l.broken != nil {
		l.finishFailed(domain.ErrorKindStoreFailure)
		return
	}
	l.finishCompleted(domain.ReasonTurnLimitExceeded)
}

// runTurn drives one agent turn: a bounded series of actions ending with a
// handoff, a question, a termination or an exhausted action budget. It
// returns true when the run reached a terminal status.
func (l *runLoop) runTurn(ctx context.Context) bool {
	for actions := 0; actions < l.e.opts.MaxActionsPerTurn; actions++ {
		if ctx.Err() != nil {
			l.finishCancelled()
			return true
		}
		if l.broken != nil {
			// The durable log diverged; nothing appended past this point
			// would be replayable, so the run fails.
			l.finishFailed(domain.ErrorKindStoreFailure)
			return true
		}

		action, err := l.e.proxy.Decide(ctx, l.current, l.run, l.events)
		if err != nil {
			if ctx.Err() != nil {
				l.finishCancelled()
				return true
			}
			l.errs++
			l.appendError(l.current, domain.ErrorKindModelError, err.Error())
			if l.errs >= l.e.opts.MaxConsecutiveErrs {
				l.finishFailed(domain.ErrorKindModelError)
				return true
			}
			return false
		}
		l.errs = 0

		switch action.Type {
		case domain.ActionMessage:
			l.appendEvent(l.current, domain.EventTypeTextMessage, domain.TextMessagePayload{Text: action.Text})

		case domain.ActionHandoff:
			return l.handleHandoff(action)

		case domain.ActionTerminate:
			l.finishCompleted(domain.ReasonTerminated)
			return true

		case domain.ActionAskHuman:
			return l.handleAskHuman(ctx, action)

		case domain.ActionToolCall:
			if l.handleToolCall(ctx, action) {
				return true
			}

		default:
			l.appendError(l.current, domain.ErrorKindModelError, "agent produced an unknown action type: "+string(action.Type))
			return false
		}
	}
	// Action budget for the turn is spent; yield.
	return false
}

func (l *runLoop) handleHandoff(action domain.Action) bool {
	if action.Target == domain.SpeakerDone {
		l.appendEvent(l.current, domain.EventTypeHandoff, domain.HandoffPayload{To: action.Target})
		l.finishCompleted(domain.ReasonHandoffDone)
		return true
	}
	if !containsAgent(l.run.Config.Agents, action.Target) {
		l.appendError(l.current, domain.ErrorKindModelError, "handoff to unknown agent "+action.Target)
		return false
	}
	l.appendEvent(l.current, domain.EventTypeHandoff, domain.HandoffPayload{To: action.Target})
	l.current = action.Target
	return false
}

// handleAskHuman parks the run until the operator answers. The turn ends
// either way so the agent reacts to the answer on its next turn.
func (l *runLoop) handleAskHuman(ctx context.Context, action domain.Action) bool {
	if !l.run.Config.Interactive {
		l.appendError(l.current, domain.ErrorKindInteractionNotAllowed,
			"ask_human is not available in a non-interactive run")
		return false
	}

	_, outcome := l.askOperator(ctx, action.Prompt)
	switch outcome {
	case gateAnswered:
		return false
	case gateTimeout:
		l.appendError(domain.SpeakerOperator, domain.ErrorKindInteractionTimeout,
			"no answer within "+l.e.opts.InteractionTimeout.String())
		l.finishFailed(domain.ErrorKindInteractionTimeout)
		return true
	default: // gateCancelled
		l.finishCancelled()
		return true
	}
}

// handleToolCall runs one tool call through policy, approval and dispatch.
// It returns true only when the run reached a terminal status.
func (l *runLoop) handleToolCall(ctx context.Context, action domain.Action) bool {
	call := domain.ToolCallPayload{
		CallID: "tc_" + uuid.New().String()[:8],
		Name:   action.ToolName,
		Args:   action.ToolArgs,
	}
	l.appendEvent(l.current, domain.EventTypeToolCall, call)

	decision, err := l.evaluatePolicy(ctx, call)
	if err != nil {
		log.Printf("ERROR: policy evaluation failed for run %s: %v", l.run.RunID, err)
		l.appendToolError(call.CallID, domain.ErrorKindToolFailed, "policy evaluation failed: "+err.Error())
		return false
	}

	switch decision {
	case policy.DecisionBlock:
		l.appendToolError(call.CallID, domain.ErrorKindPolicyBlocked, "blocked by policy")
		return false

	case policy.DecisionRequireApproval:
		if !l.run.Config.Interactive {
			l.appendToolError(call.CallID, domain.ErrorKindInteractionNotAllowed,
				"tool call requires approval but the run is non-interactive")
			return false
		}
		content, outcome := l.askOperator(ctx,
			"Approve tool call "+call.Name+" ("+call.CallID+")? Reply \"approve\" to proceed.")
		switch outcome {
		case gateTimeout:
			l.appendError(domain.SpeakerOperator, domain.ErrorKindInteractionTimeout,
				"approval not answered within "+l.e.opts.InteractionTimeout.String())
			l.finishFailed(domain.ErrorKindInteractionTimeout)
			return true
		case gateCancelled:
			l.finishCancelled()
			return true
		}
		if !isApproval(content) {
			l.appendToolError(call.CallID, domain.ErrorKindPolicyBlocked, "denied by operator")
			return false
		}
	}

	result := l.e.dispatcher.Invoke(ctx, l.run.RunID, call)
	l.appendEvent(l.current, domain.EventTypeToolResult, result)

	if ctx.Err() != nil {
		l.finishCancelled()
		return true
	}
	return false
}

func (l *runLoop) evaluatePolicy(ctx context.Context, call domain.ToolCallPayload) (string, error) {
	var args interface{}
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &args); err != nil {
			args = string(call.Args)
		}
	}
	return l.e.policies.Evaluate(ctx, policy.Input{
		ToolName:    call.Name,
		Args:        args,
		Agent:       l.current,
		Interactive: l.run.Config.Interactive,
	})
}

// appendEvent persists one event with the next sequence number. Append
// failures mark the loop broken; the run fails at the next action boundary
// rather than keep driving agents off a log that lost an event.
func (l *runLoop) appendEvent(agent string, typ domain.EventType, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: failed to marshal %s payload for run %s: %v", typ, l.run.RunID, err)
		return
	}
	ev := domain.Event{
		RunID:   l.run.RunID,
		Turn:    l.turn,
		Agent:   agent,
		Type:    typ,
		Ts:      time.Now().UnixMilli(),
		Payload: raw,
	}
	seq, err := l.e.store.AppendEvent(context.Background(), &ev)
	if err != nil {
		log.Printf("ERROR: failed to append %s event for run %s: %v", typ, l.run.RunID, err)
		if l.broken == nil {
			l.broken = err
		}
		return
	}
	ev.Seq = seq
	l.events = append(l.events, ev)
}

func (l *runLoop) appendError(agent string, kind domain.ErrorKind, detail string) {
	l.appendEvent(agent, domain.EventTypeError, domain.ErrorPayload{Kind: kind, Detail: detail})
}

func (l *runLoop) appendToolError(callID string, kind domain.ErrorKind, message string) {
	l.appendEvent(l.current, domain.EventTypeToolResult, domain.ToolResultPayload{
		CallID: callID,
		Status: "error",
		Error:  &domain.ErrorDetail{Kind: kind, Message: message},
	})
}

func (l *runLoop) finishCompleted(reason string) {
	l.status, l.reason = domain.RunStatusCompleted, reason
}

func (l *runLoop) finishFailed(kind domain.ErrorKind) {
	l.status, l.reason = domain.RunStatusFailed, string(kind)
}

func (l *runLoop) finishCancelled() {
	l.appendError(domain.SpeakerOperator, domain.ErrorKindCancelled, "run cancelled")
	l.status, l.reason = domain.RunStatusCancelled, "cancelled"
}

// seal flips the run terminal. All events are already durable at this point:
// nothing is appended to a sealed run.
func (l *runLoop) seal() {
	if l.status == "" {
		return
	}
	if err := l.e.store.UpdateRunCompleted(context.Background(), l.run.RunID, l.status, l.reason); err != nil {
		log.Printf("ERROR: failed to seal run %s as %s: %v", l.run.RunID, l.status, err)
		return
	}
	l.run.Status = l.status
	l.run.Reason = l.reason
	log.Printf("INFO: run %s finished: status=%s reason=%s turn=%d events=%d",
		l.run.RunID, l.status, l.reason, l.turn, len(l.events))
}

func isApproval(content string) bool {
	switch content {
	case "approve", "Approve", "APPROVE", "yes", "Yes", "y":
		return true
	}
	return false
}
