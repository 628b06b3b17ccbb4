package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "timerbot/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

// SQLSTATE duplicate_column.
const pgDuplicateColumn = "42701"

type postgresStore struct {
	pool   *pgxpool.Pool
	log    logx.Logger
	closed atomic.Bool
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres store ready")
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: base schema: %w", err)
	}
	exec := func(ctx context.Context, stmt string) error {
		_, err := s.pool.Exec(ctx, stmt)
		return err
	}
	return addColumns(ctx, "postgres", exec, isPgDuplicateColumn, s.log)
}

func isPgDuplicateColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgDuplicateColumn
}

func (s *postgresStore) Driver() string { return "postgres" }

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) check() error {
	if s == nil || s.pool == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *postgresStore) Insert(ctx context.Context, t NewTimer) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	t = t.withDefaults()
	if err := t.validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO timers(user_id, channel_id, comment, due_at, created_at, handled)
		 VALUES($1,$2,$3,$4,$5,FALSE) RETURNING id`,
		t.UserID, nullStr(t.ChannelID), nullStr(t.Comment), t.DueAt.Unix(), t.CreatedAt.Unix(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert timer: %w", err)
	}
	return id, nil
}

func (s *postgresStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+timerColumns+` FROM timers
		 WHERE handled = FALSE AND due_at <= $1
		 ORDER BY due_at ASC, id ASC
		 LIMIT $2`,
		now.Unix(), clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch due: %w", err)
	}
	return collectPgTimers(rows)
}

func (s *postgresStore) MarkHandled(ctx context.Context, id int64, out Outcome) error {
	if err := s.check(); err != nil {
		return err
	}
	at, errText := outcomeFields(out)
	_, err := s.pool.Exec(ctx,
		`UPDATE timers SET handled = TRUE, handled_at = $1, delivery_error = $2
		 WHERE id = $3 AND handled = FALSE`,
		at, errText, id,
	)
	if err != nil {
		return fmt.Errorf("mark handled %d: %w", id, err)
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, id int64) (Timer, error) {
	if err := s.check(); err != nil {
		return Timer{}, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+timerColumns+` FROM timers WHERE id = $1`, id)
	if err != nil {
		return Timer{}, fmt.Errorf("get timer %d: %w", id, err)
	}
	ts, err := collectPgTimers(rows)
	if err != nil {
		return Timer{}, err
	}
	if len(ts) == 0 {
		return Timer{}, ErrNotFound
	}
	return ts[0], nil
}

func (s *postgresStore) ListPending(ctx context.Context, userID string, limit int) ([]Timer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+timerColumns+` FROM timers
		 WHERE handled = FALSE AND user_id = $1
		 ORDER BY due_at ASC, id ASC
		 LIMIT $2`,
		userID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectPgTimers(rows)
}

func (s *postgresStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	if err := s.check(); err != nil {
		return Stats{}, err
	}
	st := Stats{Driver: s.Driver()}
	var next *int64
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE NOT handled),
			COUNT(*) FILTER (WHERE NOT handled AND due_at <= $1),
			COUNT(*) FILTER (WHERE handled),
			COUNT(*) FILTER (WHERE handled AND delivery_error IS NOT NULL),
			MIN(due_at) FILTER (WHERE NOT handled)
		 FROM timers`,
		now.Unix(),
	).Scan(&st.Pending, &st.Overdue, &st.Handled, &st.Failed, &next)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if next != nil {
		t := time.Unix(*next, 0)
		st.NextDueAt = &t
	}
	return st, nil
}

func (s *postgresStore) Maintain(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, "ANALYZE timers")
	return err
}

func collectPgTimers(rows pgx.Rows) ([]Timer, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Timer, error) {
		var (
			t                Timer
			dueAt, createdAt int64
			handledAt        *int64
		)
		err := row.Scan(&t.ID, &t.UserID, &t.ChannelID, &t.Comment, &dueAt, &createdAt, &t.Handled, &handledAt, &t.DeliveryError)
		if err != nil {
			return Timer{}, err
		}
		t.DueAt = time.Unix(dueAt, 0)
		t.CreatedAt = time.Unix(createdAt, 0)
		if handledAt != nil {
			ht := time.Unix(*handledAt, 0)
			t.HandledAt = &ht
		}
		return t, nil
	})
}
