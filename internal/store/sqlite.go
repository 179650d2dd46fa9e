package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/edaswarm/orchestrator/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// Appends for a single run are serialized so sequence numbers stay
	// contiguous even under concurrent appenders.
	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// Durable appends: the caller's next decision may depend on the event
	// being recoverable after a crash.
	if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	s := &SQLiteStore{db: db, runLocks: make(map[string]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			reason TEXT,
			config TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			turn_idx INTEGER NOT NULL,
			agent TEXT NOT NULL,
			type TEXT NOT NULL,
			ts INTEGER NOT NULL,
			payload TEXT,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_questions (
			question_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE,
			prompt TEXT NOT NULL,
			asked_at DATETIME NOT NULL,
			deadline DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.runLocks[runID] = lock
	}
	return lock
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, status, reason, config, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.Status, nullString(run.Reason), string(cfg), run.StartedAt)
	return err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var reason sql.NullString
	var cfg string
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, status, reason, config, started_at, ended_at FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.Status, &reason, &cfg, &run.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		run.Reason = reason.String
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(cfg), &run.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run config: %w", err)
	}
	return &run, nil
}

// UpdateRunStatus updates the status of a non-terminal run.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE run_id = ? AND ended_at IS NULL`,
		status, runID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunTerminal
	}
	return nil
}

// UpdateRunCompleted moves a run to a terminal status with a recorded reason.
// Terminal runs are immutable, so a second completion is rejected.
func (s *SQLiteStore) UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, reason string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, reason = ?, ended_at = ? WHERE run_id = ? AND ended_at IS NULL`,
		status, nullString(reason), now, runID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunTerminal
	}
	return nil
}

// AppendEvent assigns the next per-run sequence number and persists the event.
// Appends to terminal runs are rejected with ErrRunTerminal.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) (int64, error) {
	lock := s.runLock(event.RunID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var status domain.RunStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, event.RunID).Scan(&status)
	if err == sql.ErrNoRows {
		return 0, ErrRunNotFound
	}
	if err != nil {
		return 0, err
	}
	if status.IsTerminal() {
		return 0, ErrRunTerminal
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM events WHERE run_id = ?`, event.RunID).Scan(&seq); err != nil {
		return 0, err
	}

	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, turn_idx, agent, type, ts, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.Turn, event.Agent, event.Type, event.Ts, payload); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	event.Seq = seq
	return seq, nil
}

// ReadEvents retrieves events for a run starting at fromSeq, in order.
func (s *SQLiteStore) ReadEvents(ctx context.Context, runID string, fromSeq int64, limit int) ([]domain.Event, error) {
	query := `SELECT run_id, seq, turn_idx, agent, type, ts, payload FROM events WHERE run_id = ? AND seq >= ? ORDER BY seq ASC`
	args := []interface{}{runID, fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Turn, &event.Agent, &event.Type, &event.Ts, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Summary builds the run summary projection: status, timings, and per-agent
// event counts.
func (s *SQLiteStore) Summary(ctx context.Context, runID string) (*domain.RunSummary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary := &domain.RunSummary{
		RunID:       run.RunID,
		Status:      run.Status,
		Reason:      run.Reason,
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		EventCounts: make(map[string]int64),
	}
	if run.EndedAt != nil {
		summary.DurationMs = run.EndedAt.Sub(run.StartedAt).Milliseconds()
	} else {
		summary.DurationMs = time.Since(run.StartedAt).Milliseconds()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent, COUNT(*) FROM events WHERE run_id = ? GROUP BY agent`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var agent string
		var count int64
		if err := rows.Scan(&agent, &count); err != nil {
			return nil, err
		}
		summary.EventCounts[agent] = count
		summary.TotalEvents += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var maxTurn sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(turn_idx) FROM events WHERE run_id = ?`, runID).Scan(&maxTurn); err != nil {
		return nil, err
	}
	if maxTurn.Valid {
		summary.Turns = int(maxTurn.Int64) + 1
	}
	return summary, nil
}

// CreatePendingQuestion records the outstanding question for a run. The
// UNIQUE constraint on run_id enforces at most one per run.
func (s *SQLiteStore) CreatePendingQuestion(ctx context.Context, q *domain.PendingQuestion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_questions (question_id, run_id, prompt, asked_at, deadline) VALUES (?, ?, ?, ?, ?)`,
		q.QuestionID, q.RunID, q.Prompt, q.AskedAt, q.Deadline)
	return err
}

// GetPendingQuestion retrieves the outstanding question for a run, or nil.
func (s *SQLiteStore) GetPendingQuestion(ctx context.Context, runID string) (*domain.PendingQuestion, error) {
	var q domain.PendingQuestion
	err := s.db.QueryRowContext(ctx,
		`SELECT question_id, run_id, prompt, asked_at, deadline FROM pending_questions WHERE run_id = ?`,
		runID).Scan(&q.QuestionID, &q.RunID, &q.Prompt, &q.AskedAt, &q.Deadline)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// DeletePendingQuestion removes the question once answered or timed out.
func (s *SQLiteStore) DeletePendingQuestion(ctx context.Context, runID, questionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_questions WHERE run_id = ? AND question_id = ?`, runID, questionID)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
