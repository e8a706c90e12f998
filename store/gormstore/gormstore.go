// Package gormstore implements store.Fetcher on gorm for deployments that
// already run gorm against the parley_<entity> tables.
package gormstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/ripkitten-co/parley/model"
	"github.com/ripkitten-co/parley/schema"
	"github.com/ripkitten-co/parley/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type row struct {
	ID             string `gorm:"column:id;primaryKey"`
	OrganizationID string `gorm:"column:organization_id"`
	Data           []byte `gorm:"column:data"`
	Version        int    `gorm:"column:version"`
}

type Fetcher struct {
	db *gorm.DB
}

type Option func(*gorm.Config)

// WithLogger replaces the default silent logger.
func WithLogger(l logger.Interface) Option {
	return func(c *gorm.Config) { c.Logger = l }
}

// Open builds a gorm.DB on top of the shared pgx pool.
func Open(pool *pgxpool.Pool, opts ...Option) (*Fetcher, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	for _, o := range opts {
		o(cfg)
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), cfg)
	if err != nil {
		return nil, fmt.Errorf("gormstore: open: %w", err)
	}
	return New(db), nil
}

func New(db *gorm.DB) *Fetcher {
	return &Fetcher{db: db}
}

func (f *Fetcher) FetchByIDs(ctx context.Context, entity model.EntityType, ids []string) ([]store.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []row
	err := f.db.WithContext(ctx).
		Table(schema.Table(string(entity))).
		Where("id IN ?", ids).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore %s: fetch %d ids: %w", entity, len(ids), err)
	}
	return toRecords(entity, rows), nil
}

func (f *Fetcher) FetchByForeignKey(ctx context.Context, entity model.EntityType, fkField string, fkValues []string) ([]store.Record, error) {
	if len(fkValues) == 0 {
		return nil, nil
	}
	q := f.db.WithContext(ctx).Table(schema.Table(string(entity)))
	if fkField == model.FieldOrganizationID {
		q = q.Where("organization_id IN ?", fkValues)
	} else {
		if err := schema.ValidateFieldName(fkField); err != nil {
			return nil, err
		}
		q = q.Where("data->>? IN ?", fkField, fkValues)
	}
	var rows []row
	if err := q.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore %s: fetch by %s: %w", entity, fkField, err)
	}
	return toRecords(entity, rows), nil
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
