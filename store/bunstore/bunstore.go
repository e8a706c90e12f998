// Package bunstore implements store.Fetcher on uptrace/bun for deployments
// that already run bun against the parley_<entity> tables.
package bunstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/ripkitten-co/parley/model"
	"github.com/ripkitten-co/parley/schema"
	"github.com/ripkitten-co/parley/store"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

type row struct {
	bun.BaseModel `bun:"alias:r"`

	ID             string `bun:"id,pk"`
	OrganizationID string `bun:"organization_id"`
	Data           []byte `bun:"data,type:jsonb"`
	Version        int    `bun:"version"`
}

type Fetcher struct {
	db *bun.DB
}

type Option func(*bun.DB)

// WithQueryHook registers a hook on the underlying bun.DB.
func WithQueryHook(h bun.QueryHook) Option {
	return func(db *bun.DB) { db.AddQueryHook(h) }
}

// Open wraps the pool in a database/sql handle and a bun.DB.
func Open(pool *pgxpool.Pool, opts ...Option) *Fetcher {
	sqlDB := stdlib.OpenDBFromPool(pool)
	db := bun.NewDB(sqlDB, pgdialect.New())
	for _, o := range opts {
		o(db)
	}
	return New(db)
}

func New(db *bun.DB) *Fetcher {
	return &Fetcher{db: db}
}

func (f *Fetcher) Close() error {
	return f.db.Close()
}

func (f *Fetcher) FetchByIDs(ctx context.Context, entity model.EntityType, ids []string) ([]store.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []row
	err := f.selectFrom(entity, &rows).
		Where("r.id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("bunstore %s: fetch %d ids: %w", entity, len(ids), err)
	}
	return toRecords(entity, rows), nil
}

func (f *Fetcher) FetchByForeignKey(ctx context.Context, entity model.EntityType, fkField string, fkValues []string) ([]store.Record, error) {
	if len(fkValues) == 0 {
		return nil, nil
	}
	var rows []row
	q := f.selectFrom(entity, &rows)
	if fkField == model.FieldOrganizationID {
		q = q.Where("r.organization_id IN (?)", bun.In(fkValues))
	} else {
		if err := schema.ValidateFieldName(fkField); err != nil {
			return nil, err
		}
		q = q.Where("r.data->>? IN (?)", fkField, bun.In(fkValues))
	}
	if err := q.OrderExpr("r.created_at, r.id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("bunstore %s: fetch by %s: %w", entity, fkField, err)
	}
	return toRecords(entity, rows), nil
}

func (f *Fetcher) selectFrom(entity model.EntityType, dest *[]row) *bun.SelectQuery {
	return f.db.NewSelect().
		Model(dest).
		ModelTableExpr("? AS r", bun.Ident(schema.Table(string(entity))))
}

func toRecords(entity model.EntityType, rows []row) []store.Record {
	recs := make([]store.Record, len(rows))
	for i, r := range rows {
		recs[i] = store.Record{
			Entity:         entity,
			ID:             r.ID,
			OrganizationID: r.OrganizationID,
			Data:           r.Data,
			Version:        r.Version,
		}
	}
	return recs
}
