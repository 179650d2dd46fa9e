package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/edaswarm/orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRun(t *testing.T, s *SQLiteStore, runID string) *domain.Run {
	t.Helper()
	run := &domain.Run{
		RunID:  runID,
		Status: domain.RunStatusRunning,
		Config: domain.RunConfig{
			Model:      "test-model",
			Task:       "explore the dataset",
			EntryAgent: "analyst",
			Agents:     []string{"analyst", "reviewer"},
			MaxTurns:   5,
		},
		StartedAt: time.Now(),
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func TestSQLiteStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	newTestRun(t, s, "r1")

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusRunning || got.Config.EntryAgent != "analyst" {
		t.Fatalf("unexpected run: %+v", got)
	}

	if err := s.UpdateRunStatus(ctx, "r1", domain.RunStatusAwaitingInput); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}

	if err := s.UpdateRunCompleted(ctx, "r1", domain.RunStatusCompleted, domain.ReasonTurnLimitExceeded); err != nil {
		t.Fatalf("UpdateRunCompleted failed: %v", err)
	}

	got, err = s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusCompleted || got.Reason != domain.ReasonTurnLimitExceeded || got.EndedAt == nil {
		t.Fatalf("unexpected terminal run: %+v", got)
	}

	// Terminal runs are immutable.
	if err := s.UpdateRunCompleted(ctx, "r1", domain.RunStatusFailed, "boom"); err != ErrRunTerminal {
		t.Fatalf("expected ErrRunTerminal, got %v", err)
	}
	if err := s.UpdateRunStatus(ctx, "r1", domain.RunStatusRunning); err != ErrRunTerminal {
		t.Fatalf("expected ErrRunTerminal, got %v", err)
	}

	if _, err := s.GetRun(ctx, "missing"); err != ErrRunNotFound {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSQLiteStoreAppendAssignsContiguousSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestRun(t, s, "r1")

	for i := 0; i < 5; i++ {
		seq, err := s.AppendEvent(ctx, &domain.Event{
			RunID: "r1",
			Turn:  i,
			Agent: "analyst",
			Type:  domain.EventTypeTextMessage,
		})
		if err != nil {
			t.Fatalf("AppendEvent %d failed: %v", i, err)
		}
		if seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}
}

func TestSQLiteStoreConcurrentAppendsStayGapless(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestRun(t, s, "r1")

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendEvent(ctx, &domain.Event{
				RunID: "r1",
				Agent: "analyst",
				Type:  domain.EventTypeTextMessage,
			})
			if err != nil {
				t.Errorf("AppendEvent failed: %v", err)
			}
		}()
	}
	wg.Wait()

	events, err := s.ReadEvents(ctx, "r1", 0, 0)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Fatalf("gap or duplicate at position %d: seq %d", i, ev.Seq)
		}
	}
}

func TestSQLiteStoreAppendRejectedAfterTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestRun(t, s, "r1")

	if _, err := s.AppendEvent(ctx, &domain.Event{RunID: "r1", Agent: "analyst", Type: domain.EventTypeTextMessage}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if err := s.UpdateRunCompleted(ctx, "r1", domain.RunStatusCancelled, string(domain.ErrorKindCancelled)); err != nil {
		t.Fatalf("UpdateRunCompleted failed: %v", err)
	}
	if _, err := s.AppendEvent(ctx, &domain.Event{RunID: "r1", Agent: "analyst", Type: domain.EventTypeTextMessage}); err != ErrRunTerminal {
		t.Fatalf("expected ErrRunTerminal, got %v", err)
	}
	if _, err := s.AppendEvent(ctx, &domain.Event{RunID: "missing", Agent: "analyst", Type: domain.EventTypeTextMessage}); err != ErrRunNotFound {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSQLiteStoreReadEventsIncremental(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestRun(t, s, "r1")

	payload, _ := json.Marshal(domain.TextMessagePayload{Text: "hello"})
	for i := 0; i < 10; i++ {
		if _, err := s.AppendEvent(ctx, &domain.Event{
			RunID:   "r1",
			Agent:   "analyst",
			Type:    domain.EventTypeTextMessage,
			Payload: payload,
		}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := s.ReadEvents(ctx, "r1", 4, 3)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Seq != 4 || events[2].Seq != 6 {
		t.Fatalf("unexpected window: first=%d last=%d", events[0].Seq, events[2].Seq)
	}

	var text domain.TextMessagePayload
	if err := json.Unmarshal(events[0].Payload, &text); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if text.Text != "hello" {
		t.Fatalf("unexpected payload text: %q", text.Text)
	}

	// Reading past the end returns nothing.
	events, err = s.ReadEvents(ctx, "r1", 10, 0)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected 0 events, got %d", len(events))
	}
}

func TestSQLiteStoreSummary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestRun(t, s, "r1")

	appends := []struct {
		agent string
		turn  int
	}{
		{"analyst", 0}, {"analyst", 0}, {"reviewer", 1}, {"analyst", 2},
	}
	for _, a := range appends {
		if _, err := s.AppendEvent(ctx, &domain.Event{
			RunID: "r1", Turn: a.turn, Agent: a.agent, Type: domain.EventTypeTextMessage,
		}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
	if err := s.UpdateRunCompleted(ctx, "r1", domain.RunStatusCompleted, domain.ReasonTerminated); err != nil {
		t.Fatalf("UpdateRunCompleted failed: %v", err)
	}

	summary, err := s.Summary(ctx, "r1")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.Status != domain.RunStatusCompleted || summary.Turns != 3 || summary.TotalEvents != 4 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.EventCounts["analyst"] != 3 || summary.EventCounts["reviewer"] != 1 {
		t.Fatalf("unexpected event counts: %+v", summary.EventCounts)
	}
}

func TestSQLiteStorePendingQuestions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestRun(t, s, "r1")

	q := &domain.PendingQuestion{
		QuestionID: "q_1",
		RunID:      "r1",
		Prompt:     "Which feature set?",
		AskedAt:    time.Now(),
		Deadline:   time.Now().Add(time.Minute),
	}
	if err := s.CreatePendingQuestion(ctx, q); err != nil {
		t.Fatalf("CreatePendingQuestion failed: %v", err)
	}

	// Only one outstanding question per run.
	dup := &domain.PendingQuestion{QuestionID: "q_2", RunID: "r1", Prompt: "again?", AskedAt: time.Now(), Deadline: time.Now().Add(time.Minute)}
	if err := s.CreatePendingQuestion(ctx, dup); err == nil {
		t.Fatalf("expected unique constraint violation for second question")
	}

	got, err := s.GetPendingQuestion(ctx, "r1")
	if err != nil {
		t.Fatalf("GetPendingQuestion failed: %v", err)
	}
	if got == nil || got.QuestionID != "q_1" {
		t.Fatalf("unexpected question: %+v", got)
	}

	if err := s.DeletePendingQuestion(ctx, "r1", "q_1"); err != nil {
		t.Fatalf("DeletePendingQuestion failed: %v", err)
	}
	got, err = s.GetPendingQuestion(ctx, "r1")
	if err != nil {
		t.Fatalf("GetPendingQuestion failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no question, got %+v", got)
	}
}
