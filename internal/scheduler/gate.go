package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/edaswarm/orchestrator/internal/domain"
)

type gateOutcome int

const (
	gateAnswered gateOutcome = iota
	gateTimeout
	gateCancelled
)

// askOperator parks the run in awaiting_input with a pending question and
// blocks until an answer, the interaction deadline or cancellation. The
// question and its answer are recorded as events on the current turn.
func (l *runLoop) askOperator(ctx context.Context, prompt string) (string, gateOutcome) {
	q := &domain.PendingQuestion{
		QuestionID: "q_" + uuid.New().String()[:8],
		RunID:      l.run.RunID,
		Prompt:     prompt,
		AskedAt:    time.Now(),
		Deadline:   time.Now().Add(l.e.opts.InteractionTimeout),
	}

	l.appendEvent(l.current, domain.EventTypeHumanQuestion, domain.HumanQuestionPayload{
		QuestionID: q.QuestionID,
		Prompt:     prompt,
	})
	if err := l.e.store.CreatePendingQuestion(context.Background(), q); err != nil {
		log.Printf("ERROR: failed to persist pending question for run %s: %v", l.run.RunID, err)
	}

	l.e.mu.Lock()
	l.h.question = q
	l.e.mu.Unlock()

	if err := l.e.store.UpdateRunStatus(context.Background(), l.run.RunID, domain.RunStatusAwaitingInput); err != nil {
		log.Printf("ERROR: failed to mark run %s awaiting_input: %v", l.run.RunID, err)
	}
	l.run.Status = domain.RunStatusAwaitingInput
	log.Printf("INFO: run %s awaiting input (question=%s)", l.run.RunID, q.QuestionID)

	timer := time.NewTimer(l.e.opts.InteractionTimeout)
	defer timer.Stop()

	var a answer
	select {
	case a = <-l.h.answers:
	case <-timer.C:
		if l.claimQuestion(q.QuestionID) {
			l.discardQuestion(q.QuestionID)
			return "", gateTimeout
		}
		// An answer won the race and is already in flight.
		a = <-l.h.answers
	case <-ctx.Done():
		if l.claimQuestion(q.QuestionID) {
			l.discardQuestion(q.QuestionID)
			return "", gateCancelled
		}
		a = <-l.h.answers
	}

	if err := l.e.store.UpdateRunStatus(context.Background(), l.run.RunID, domain.RunStatusRunning); err != nil {
		log.Printf("ERROR: failed to mark run %s running: %v", l.run.RunID, err)
	}
	l.run.Status = domain.RunStatusRunning

	l.appendEvent(domain.SpeakerOperator, domain.EventTypeHumanAnswer, domain.HumanAnswerPayload{
		QuestionID: a.questionID,
		Content:    a.content,
	})
	return a.content, gateAnswered
}

// claimQuestion atomically takes back the pending question. It returns false
// when Resume already claimed it, meaning an answer is being delivered.
func (l *runLoop) claimQuestion(questionID string) bool {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	if l.h.question != nil && l.h.question.QuestionID == questionID {
		l.h.question = nil
		return true
	}
	return false
}

func (l *runLoop) discardQuestion(questionID string) {
	if err := l.e.store.DeletePendingQuestion(context.Background(), l.run.RunID, questionID); err != nil {
		log.Printf("WARN: failed to delete pending question %s: %v", questionID, err)
	}
}
