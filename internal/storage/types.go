package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("timer not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Timer is one scheduled reminder.
//
// DueAt and CreatedAt are stored with second precision. Optional columns are
// pointers so an absent value stays distinguishable from an empty one.
type Timer struct {
	ID        int64
	UserID    string
	ChannelID *string
	Comment   *string
	DueAt     time.Time
	CreatedAt time.Time
	Handled   bool

	HandledAt     *time.Time
	DeliveryError *string
}

// NewTimer is the input to Insert.
type NewTimer struct {
	UserID    string
	ChannelID *string
	Comment   *string
	DueAt     time.Time
	CreatedAt time.Time // zero means now
}

// Outcome records what happened to the single delivery attempt.
type Outcome struct {
	At  time.Time // zero means now
	Err error
}

// Stats is a point-in-time summary of the table.
type Stats struct {
	Driver    string     `json:"driver"`
	Pending   int64      `json:"pending"`
	Overdue   int64      `json:"overdue"`
	Handled   int64      `json:"handled"`
	Failed    int64      `json:"failed"`
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
}

// Store is the persistence API used by the dispatch loop and the command handler.
type Store interface {
	// Insert persists a new unhandled timer and returns its id.
	Insert(ctx context.Context, t NewTimer) (int64, error)
	// FetchDue returns unhandled timers with due_at <= now, oldest first
	// (ties broken by id), at most limit rows.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]Timer, error)
	// MarkHandled flips handled to true once. Calling it again is a no-op
	// and keeps the first outcome.
	MarkHandled(ctx context.Context, id int64, out Outcome) error

	Get(ctx context.Context, id int64) (Timer, error)
	ListPending(ctx context.Context, userID string, limit int) ([]Timer, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)

	// Maintain runs driver specific housekeeping (checkpoint, analyze).
	Maintain(ctx context.Context) error
	Driver() string
	Close() error
}

func (t NewTimer) validate() error {
	if t.UserID == "" {
		return errors.New("user_id is required")
	}
	if t.DueAt.IsZero() {
		return errors.New("due_at is required")
	}
	if t.DueAt.Unix() < t.CreatedAt.Unix() {
		return errors.New("due_at must not be before created_at")
	}
	return nil
}

func (t NewTimer) withDefaults() NewTimer {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	return t
}

func outcomeFields(out Outcome) (at int64, errText *string) {
	if out.At.IsZero() {
		out.At = time.Now()
	}
	if out.Err != nil {
		s := truncate(out.Err.Error(), 500)
		errText = &s
	}
	return out.At.Unix(), errText
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
