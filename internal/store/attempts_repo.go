package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"attendanced/internal/core"
)

var (
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrAttemptNotFinal  = errors.New("attempt is not finalized")
	errDuplicateSuccess = errors.New("success already recorded for day")
)

const (
	attemptColumns   = `id, action, day, started_at, finished_at, outcome, status, body, detail, source, tries, duplicate`
	defaultListLimit = 20
)

// Filter narrows ListAttempts. Zero values match everything.
type Filter struct {
	Action core.ActionKind
	Day    string
}

// Record appends a finalized attempt. A second success for the same action and
// day is stored as already_marked with Duplicate set, and the caller's attempt
// is updated to match what was written.
func (s *Store) Record(ctx context.Context, attempt *core.Attempt) error {
	if attempt.FinishedAt == nil {
		return ErrAttemptNotFinal
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if attempt.Outcome.Kind == core.OutcomeSuccess {
		prior, err := s.lastSuccess(ctx, attempt.Action, attempt.Day)
		if err != nil {
			return err
		}
		if prior != nil {
			downgrade(attempt, prior.ID)
		}
	}
	err := s.insertAttempt(ctx, attempt)
	if errors.Is(err, errDuplicateSuccess) {
		// Another writer won the race on the unique index.
		downgrade(attempt, "")
		err = s.insertAttempt(ctx, attempt)
	}
	if err != nil {
		return err
	}
	return s.appendMirror(attempt)
}

func downgrade(attempt *core.Attempt, priorID string) {
	attempt.Outcome.Kind = core.OutcomeAlreadyMarked
	attempt.Duplicate = true
	note := "duplicate success for the day"
	if priorID != "" {
		note = fmt.Sprintf("duplicate of attempt %s", priorID)
	}
	if attempt.Outcome.Detail == "" {
		attempt.Outcome.Detail = note
	} else {
		attempt.Outcome.Detail += "; " + note
	}
}

func (s *Store) insertAttempt(ctx context.Context, a *core.Attempt) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO attempts (`+attemptColumns+`, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Action, a.Day,
		a.StartedAt.UTC().Format(time.RFC3339Nano), a.FinishedAt.UTC().Format(time.RFC3339Nano),
		a.Outcome.Kind, a.Outcome.Status, nullableString(a.Outcome.Body), nullableString(a.Outcome.Detail),
		a.Source, a.Tries, a.Duplicate,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if a.Outcome.Kind == core.OutcomeSuccess && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errDuplicateSuccess
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// LastSuccess returns the most recent success for action on day, or nil.
func (s *Store) LastSuccess(ctx context.Context, action core.ActionKind, day string) (*core.Attempt, error) {
	return s.lastSuccess(ctx, action, day)
}

func (s *Store) lastSuccess(ctx context.Context, action core.ActionKind, day string) (*core.Attempt, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE action = ? AND day = ? AND outcome = ?
		ORDER BY seq DESC
		LIMIT 1
	`, action, day, core.OutcomeSuccess)
	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup last success: %w", err)
	}
	return attempt, nil
}

// GetAttempt loads one attempt by id.
func (s *Store) GetAttempt(ctx context.Context, id string) (*core.Attempt, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)
	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// ListAttempts returns attempts newest first.
func (s *Store) ListAttempts(ctx context.Context, filter Filter, limit, offset int) ([]*core.Attempt, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + attemptColumns + ` FROM attempts`
	var (
		where []string
		args  []any
	)
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Day != "" {
		where = append(where, "day = ?")
		args = append(args, filter.Day)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var attempts []*core.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attempts, nil
}

// mirrorLine is the JSON shape of one ledger.jsonl entry.
type mirrorLine struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Day        string    `json:"day"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Status     int       `json:"status,omitempty"`
	Body       string    `json:"body,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Source     string    `json:"source"`
	Tries      int       `json:"tries"`
	Duplicate  bool      `json:"duplicate,omitempty"`
}

func (s *Store) appendMirror(a *core.Attempt) error {
	line, err := json.Marshal(mirrorLine{
		ID:         a.ID,
		Action:     string(a.Action),
		Day:        a.Day,
		StartedAt:  a.StartedAt.UTC(),
		FinishedAt: a.FinishedAt.UTC(),
		Outcome:    string(a.Outcome.Kind),
		Status:     a.Outcome.Status,
		Body:       a.Outcome.Body,
		Detail:     a.Outcome.Detail,
		Source:     string(a.Source),
		Tries:      a.Tries,
		Duplicate:  a.Duplicate,
	})
	if err != nil {
		return fmt.Errorf("encode ledger line: %w", err)
	}
	if _, err := s.mirror.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append ledger mirror: %w", err)
	}
	return nil
}

func scanAttempt(scanner interface {
	Scan(dest ...any) error
}) (*core.Attempt, error) {
	var (
		id         string
		action     string
		day        string
		startedAt  string
		finishedAt string
		outcome    string
		status     int
		body       sql.NullString
		detail     sql.NullString
		source     string
		tries      int
		duplicate  bool
	)
	if err := scanner.Scan(&id, &action, &day, &startedAt, &finishedAt, &outcome, &status, &body, &detail, &source, &tries, &duplicate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	finished := mustParseTime(finishedAt)
	return &core.Attempt{
		ID:         id,
		Action:     core.ActionKind(action),
		Day:        day,
		StartedAt:  mustParseTime(startedAt),
		FinishedAt: &finished,
		Outcome: core.Outcome{
			Kind:   core.OutcomeKind(outcome),
			Status: status,
			Body:   body.String,
			Detail: detail.String,
		},
		Source:    core.AttemptSource(source),
		Tries:     tries,
		Duplicate: duplicate,
	}, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		panic(fmt.Sprintf("invalid stored time %q: %v", value, err))
	}
	return t
}
