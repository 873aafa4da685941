// Package requestlog persists an append-only audit trail of terminal
// request records for operator diagnosis. The broker itself never reads
// it back; the status API does.
package requestlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/webrelay/internal/webreq"
)

const maxResponseTextBytes = 64 * 1024

// ErrNotFound is returned when no audit row exists for a request id.
var ErrNotFound = errors.New("request not found")

// Entry is one audit row.
type Entry struct {
	ID           string
	URL          string
	Method       string
	Owner        string
	State        webreq.State
	ResultCode   int
	ResponseText string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Store wraps the request_log table.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// FromRecord projects a terminal record into an audit entry.
func FromRecord(rec *webreq.Record, ownerName string) Entry {
	res := rec.Result()
	created, started, completed := rec.Timestamps()

	e := Entry{
		ID:           rec.ID,
		URL:          rec.URL,
		Method:       string(rec.Method),
		Owner:        ownerName,
		State:        res.State,
		ResultCode:   res.Code,
		ResponseText: res.Text,
		CreatedAt:    created,
	}
	if !started.IsZero() {
		e.StartedAt = &started
	}
	if !completed.IsZero() {
		e.CompletedAt = &completed
	}
	return e
}

// Insert appends one terminal entry. Response text is capped at 64KB.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is empty")
	}
	if !e.State.Terminal() {
		return fmt.Errorf("entry state %q is not terminal", e.State)
	}

	text := e.ResponseText
	if len(text) > maxResponseTextBytes {
		text = text[:maxResponseTextBytes]
	}

	var startedAt, completedAt any
	if e.StartedAt != nil {
		startedAt = e.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if e.CompletedAt != nil {
		completedAt = e.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO request_log(
  id, url, method, owner, state, result_code, response_text, created_at, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.URL, e.Method, e.Owner, string(e.State), e.ResultCode, text,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("insert request_log: %w", err)
	}
	return nil
}

// Get loads one audit row by request id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, url, method, owner, state, result_code, response_text, created_at, started_at, completed_at
FROM request_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load request_log row: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, url, method, owner, state, result_code, response_text, created_at, started_at, completed_at
FROM request_log
ORDER BY created_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query request_log: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request_log row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e            Entry
		owner        sql.NullString
		responseText sql.NullString
		state        string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
	)
	if err := row.Scan(&e.ID, &e.URL, &e.Method, &owner, &state, &e.ResultCode,
		&responseText, &createdAtS, &startedAtS, &completedAtS); err != nil {
		return nil, err
	}

	e.State = webreq.State(state)
	if owner.Valid {
		e.Owner = owner.String
	}
	if responseText.Valid {
		e.ResponseText = responseText.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		e.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			e.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			e.CompletedAt = &t
		}
	}
	return &e, nil
}
