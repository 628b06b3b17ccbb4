package storage

import (
	"context"
	"fmt"

	logx "timerbot/pkg/logx"
)

// addedColumn is a column introduced after the base schema shipped.
// Older databases get it via ALTER TABLE; newer ones already have it and the
// driver reports a duplicate column, which is fine.
type addedColumn struct {
	name string
	ddl  map[string]string // driver -> column type
}

var addedColumns = []addedColumn{
	{name: "channel_id", ddl: map[string]string{"sqlite": "TEXT", "postgres": "TEXT"}},
	{name: "handled_at", ddl: map[string]string{"sqlite": "INTEGER", "postgres": "BIGINT"}},
	{name: "delivery_error", ddl: map[string]string{"sqlite": "TEXT", "postgres": "TEXT"}},
}

type execFunc func(ctx context.Context, stmt string) error

func addColumns(ctx context.Context, driver string, exec execFunc, isDuplicate func(error) bool, log logx.Logger) error {
	for _, c := range addedColumns {
		typ, ok := c.ddl[driver]
		if !ok {
			return fmt.Errorf("migrate: column %s has no %s type", c.name, driver)
		}
		stmt := fmt.Sprintf("ALTER TABLE timers ADD COLUMN %s %s", c.name, typ)
		err := exec(ctx, stmt)
		switch {
		case err == nil:
			log.Info("column added", logx.String("column", c.name))
		case isDuplicate(err):
			// already there
		default:
			return fmt.Errorf("migrate: add column %s: %w", c.name, err)
		}
	}
	return nil
}
