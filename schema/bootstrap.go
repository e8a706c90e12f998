package schema

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/ripkitten-co/parley/internal/pg"
)

var (
	validName  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,40}$`)
	validField = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,40}$`)
)

// ValidateEntityName checks that name is a valid entity identifier
// (lowercase alphanumeric + underscores, max 41 characters, starts with a letter).
func ValidateEntityName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("schema: invalid entity name %q: must be lowercase alphanumeric with underscores, max 41 chars", name)
	}
	return nil
}

// ValidateFieldName checks that a foreign-key field is safe to embed in a
// JSONB path expression.
func ValidateFieldName(field string) error {
	if !validField.MatchString(field) {
		return fmt.Errorf("schema: invalid field name %q", field)
	}
	return nil
}

// Table returns the table backing an entity.
func Table(entity string) string {
	return "parley_" + entity
}

// IndexName returns the name of the expression index on a foreign-key field.
func IndexName(entity, field string) string {
	return "idx_parley_" + entity + "_" + field
}

func entityDDL(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS parley_%s (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	data JSONB NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, name)
}

func foreignKeyIndexDDL(entity, field string) string {
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON parley_%s ((data->>'%s'))`,
		IndexName(entity, field), entity, field)
}

// Bootstrap manages idempotent creation of entity tables and indexes.
// It caches which tables and indexes have been created to avoid repeated DDL.
type Bootstrap struct {
	tables  sync.Map
	indexes sync.Map
}

// New returns a Bootstrap with empty caches.
func New() *Bootstrap {
	return &Bootstrap{}
}

// Fork returns a Bootstrap seeded with b's caches. DDL recorded on the fork
// stays on the fork, so a transaction that rolls back never marks a table as
// created on b.
func (b *Bootstrap) Fork() *Bootstrap {
	f := New()
	b.tables.Range(func(k, v any) bool {
		f.tables.Store(k, v)
		return true
	})
	b.indexes.Range(func(k, v any) bool {
		f.indexes.Store(k, v)
		return true
	})
	return f
}

// IsCreated reports whether the named table has been created.
func (b *Bootstrap) IsCreated(table string) bool {
	_, ok := b.tables.Load(table)
	return ok
}

// MarkCreated records that the named table has been created.
func (b *Bootstrap) MarkCreated(table string) {
	b.tables.Store(table, true)
}

// IsIndexCreated reports whether the named index has been created.
func (b *Bootstrap) IsIndexCreated(name string) bool {
	_, ok := b.indexes.Load(name)
	return ok
}

// MarkIndexCreated records that the named index has been created.
func (b *Bootstrap) MarkIndexCreated(name string) {
	b.indexes.Store(name, true)
}

// EnsureEntity creates the parley_{name} table if it doesn't exist.
func (b *Bootstrap) EnsureEntity(ctx context.Context, exec pg.Executor, name string) error {
	if err := ValidateEntityName(name); err != nil {
		return err
	}
	table := Table(name)
	if _, ok := b.tables.Load(table); ok {
		return nil
	}
	if _, err := exec.Exec(ctx, entityDDL(name)); err != nil {
		return fmt.Errorf("schema: create table %s: %w", table, err)
	}
	b.tables.Store(table, true)
	return nil
}

// EnsureForeignKeyIndex creates an expression index on data->>field so
// one-to-many lookups by that field avoid a sequential scan. The entity table
// must already exist.
func (b *Bootstrap) EnsureForeignKeyIndex(ctx context.Context, exec pg.Executor, entity, field string) error {
	if err := ValidateEntityName(entity); err != nil {
		return err
	}
	if err := ValidateFieldName(field); err != nil {
		return err
	}
	name := IndexName(entity, field)
	if _, ok := b.indexes.Load(name); ok {
		return nil
	}
	if _, err := exec.Exec(ctx, foreignKeyIndexDDL(entity, field)); err != nil {
		return fmt.Errorf("schema: create index %s: %w", name, err)
	}
	b.indexes.Store(name, true)
	return nil
}
