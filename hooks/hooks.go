// Package hooks instruments the ORM-backed fetchers. Every statement bun or
// gorm issues is classified and reported to an Observer.
package hooks

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

type Query struct {
	ORM       string
	Operation string // select, insert, update, delete, ddl, other
	Table     string
	SQL       string
	Rows      int64
	Elapsed   time.Duration
	Err       error
}

type Observer func(ctx context.Context, q Query)

// Chain calls each non-nil observer in order.
func Chain(obs ...Observer) Observer {
	return func(ctx context.Context, q Query) {
		for _, o := range obs {
			if o != nil {
				o(ctx, q)
			}
		}
	}
}

// Log reports failures and statements slower than slow at warn level and
// everything else at debug.
func Log(l *slog.Logger, slow time.Duration) Observer {
	return func(ctx context.Context, q Query) {
		attrs := []any{"orm", q.ORM, "op", q.Operation, "table", q.Table, "elapsed", q.Elapsed}
		switch {
		case q.Err != nil && !errors.Is(q.Err, sql.ErrNoRows):
			l.WarnContext(ctx, "query failed", append(attrs, "sql", q.SQL, "error", q.Err)...)
		case slow > 0 && q.Elapsed >= slow:
			l.WarnContext(ctx, "slow query", append(attrs, "sql", q.SQL)...)
		default:
			l.DebugContext(ctx, "query", append(attrs, "rows", q.Rows)...)
		}
	}
}

func newQuery(orm, stmt string, begin time.Time, rows int64, err error) Query {
	op, table := classify(stmt)
	return Query{
		ORM:       orm,
		Operation: op,
		Table:     table,
		SQL:       stmt,
		Rows:      rows,
		Elapsed:   time.Since(begin),
		Err:       err,
	}
}
