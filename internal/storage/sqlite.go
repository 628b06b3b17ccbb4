package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "timerbot/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

const timerColumns = `id, user_id, channel_id, comment, due_at, created_at, handled, handled_at, delivery_error`

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes the command handler's inserts with the
	// dispatch loop's updates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate: base schema: %w", err)
	}
	exec := func(ctx context.Context, stmt string) error {
		_, err := s.db.ExecContext(ctx, stmt)
		return err
	}
	return addColumns(ctx, "sqlite", exec, isSQLiteDuplicateColumn, s.log)
}

func isSQLiteDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}

func (s *sqliteStore) Driver() string { return "sqlite" }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) check() error {
	if s == nil || s.db == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) Insert(ctx context.Context, t NewTimer) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	t = t.withDefaults()
	if err := t.validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO timers(user_id, channel_id, comment, due_at, created_at, handled)
		 VALUES(?,?,?,?,?,0)`,
		t.UserID, nullStr(t.ChannelID), nullStr(t.Comment), t.DueAt.Unix(), t.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert timer: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+timerColumns+` FROM timers
		 WHERE handled = 0 AND due_at <= ?
		 ORDER BY due_at ASC, id ASC
		 LIMIT ?`,
		now.Unix(), clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch due: %w", err)
	}
	return scanTimers(rows)
}

func (s *sqliteStore) MarkHandled(ctx context.Context, id int64, out Outcome) error {
	if err := s.check(); err != nil {
		return err
	}
	at, errText := outcomeFields(out)
	_, err := s.db.ExecContext(ctx,
		`UPDATE timers SET handled = 1, handled_at = ?, delivery_error = ?
		 WHERE id = ? AND handled = 0`,
		at, nullStr(errText), id,
	)
	if err != nil {
		return fmt.Errorf("mark handled %d: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (Timer, error) {
	if err := s.check(); err != nil {
		return Timer{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+timerColumns+` FROM timers WHERE id = ?`, id)
	if err != nil {
		return Timer{}, fmt.Errorf("get timer %d: %w", id, err)
	}
	ts, err := scanTimers(rows)
	if err != nil {
		return Timer{}, err
	}
	if len(ts) == 0 {
		return Timer{}, ErrNotFound
	}
	return ts[0], nil
}

func (s *sqliteStore) ListPending(ctx context.Context, userID string, limit int) ([]Timer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+timerColumns+` FROM timers
		 WHERE handled = 0 AND user_id = ?
		 ORDER BY due_at ASC, id ASC
		 LIMIT ?`,
		userID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return scanTimers(rows)
}

func (s *sqliteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	if err := s.check(); err != nil {
		return Stats{}, err
	}
	st := Stats{Driver: s.Driver()}
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN handled = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN handled = 0 AND due_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN handled = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN handled = 1 AND delivery_error IS NOT NULL THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN handled = 0 THEN due_at END)
		 FROM timers`,
		now.Unix(),
	).Scan(&st.Pending, &st.Overdue, &st.Handled, &st.Failed, &next)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if next.Valid {
		t := time.Unix(next.Int64, 0)
		st.NextDueAt = &t
	}
	return st, nil
}

func (s *sqliteStore) Maintain(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func scanTimers(rows *sql.Rows) ([]Timer, error) {
	defer rows.Close()
	var out []Timer
	for rows.Next() {
		var (
			t                Timer
			channel, comment sql.NullString
			dueAt, createdAt int64
			handled          int64
			handledAt        sql.NullInt64
			deliveryErr      sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.UserID, &channel, &comment, &dueAt, &createdAt, &handled, &handledAt, &deliveryErr); err != nil {
			return nil, err
		}
		t.ChannelID = strPtr(channel)
		t.Comment = strPtr(comment)
		t.DueAt = time.Unix(dueAt, 0)
		t.CreatedAt = time.Unix(createdAt, 0)
		t.Handled = handled != 0
		if handledAt.Valid {
			ht := time.Unix(handledAt.Int64, 0)
			t.HandledAt = &ht
		}
		t.DeliveryError = strPtr(deliveryErr)
		out = append(out, t)
	}
	return out, rows.Err()
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullStr(v *string) any {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}
