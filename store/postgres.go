package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/internal/pg"
	"github.com/ripkitten-co/parley/model"
	"github.com/ripkitten-co/parley/schema"
)

// Postgres stores entities in parley_<entity> tables, one JSONB document per
// row with a real organization_id column for tenant scoping.
type Postgres struct {
	exec   pg.Executor
	schema *schema.Bootstrap
}

// NewPostgres binds the store to a Store or Session.
func NewPostgres(b parley.Backend) *Postgres {
	return &Postgres{
		exec:   b.DBExecutor(),
		schema: b.SchemaBootstrap(),
	}
}

func (p *Postgres) ensure(ctx context.Context, entity model.EntityType) error {
	return p.schema.EnsureEntity(ctx, p.exec, string(entity))
}

// foreignKeys lists the one-to-many lookups the loaders issue.
var foreignKeys = map[model.EntityType][]string{
	model.EntityMeeting:    {model.FieldHostID},
	model.EntityTranscript: {model.FieldMeetingID},
}

// Migrate creates every entity table and foreign key index. Fetchers that
// bypass Postgres, such as bunstore and gormstore, rely on it having run.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, e := range model.EntityTypes() {
		if err := p.ensure(ctx, e); err != nil {
			return err
		}
		for _, field := range foreignKeys[e] {
			if err := p.schema.EnsureForeignKeyIndex(ctx, p.exec, string(e), field); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Postgres) FetchByIDs(ctx context.Context, entity model.EntityType, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := p.ensure(ctx, entity); err != nil {
		return nil, err
	}

	query, args, err := selectByIDs(entity, ids)
	if err != nil {
		return nil, fmt.Errorf("store %s: fetch %d ids: build sql: %w", entity, len(ids), err)
	}
	recs, err := p.query(ctx, entity, query, args)
	if err != nil {
		return nil, fmt.Errorf("store %s: fetch %d ids: %w", entity, len(ids), err)
	}
	return recs, nil
}

func (p *Postgres) FetchByForeignKey(ctx context.Context, entity model.EntityType, fkField string, fkValues []string) ([]Record, error) {
	if len(fkValues) == 0 {
		return nil, nil
	}
	if err := p.ensure(ctx, entity); err != nil {
		return nil, err
	}
	if fkField != model.FieldOrganizationID {
		if err := p.schema.EnsureForeignKeyIndex(ctx, p.exec, string(entity), fkField); err != nil {
			return nil, err
		}
	}

	query, args, err := selectByForeignKey(entity, fkField, fkValues)
	if err != nil {
		return nil, fmt.Errorf("store %s: fetch by %s: build sql: %w", entity, fkField, err)
	}
	recs, err := p.query(ctx, entity, query, args)
	if err != nil {
		return nil, fmt.Errorf("store %s: fetch by %s: %w", entity, fkField, err)
	}
	return recs, nil
}

func (p *Postgres) query(ctx context.Context, entity model.EntityType, query string, args []any) ([]Record, error) {
	rows, err := p.exec.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec := Record{Entity: entity}
		if err := rows.Scan(&rec.ID, &rec.OrganizationID, &rec.Data, &rec.Version); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpdateStatus sets the meeting status and bumps the version in one
// statement. A stale expectedVersion yields ErrConcurrencyConflict.
func (p *Postgres) UpdateStatus(ctx context.Context, meetingID string, expectedVersion int, status model.MeetingStatus) (Record, error) {
	query, args, err := updateStatus(meetingID, expectedVersion, status)
	if err != nil {
		return Record{}, fmt.Errorf("store meetings: update status %s: build sql: %w", meetingID, err)
	}
	rec, err := p.updateMeeting(ctx, meetingID, query, args)
	if err != nil {
		return Record{}, fmt.Errorf("store meetings: update status %s: %w", meetingID, err)
	}
	return rec, nil
}

func (p *Postgres) UpdateTitle(ctx context.Context, meetingID string, expectedVersion int, title string) (Record, error) {
	query, args, err := updateTitle(meetingID, expectedVersion, title)
	if err != nil {
		return Record{}, fmt.Errorf("store meetings: update title %s: build sql: %w", meetingID, err)
	}
	rec, err := p.updateMeeting(ctx, meetingID, query, args)
	if err != nil {
		return Record{}, fmt.Errorf("store meetings: update title %s: %w", meetingID, err)
	}
	return rec, nil
}

// updateMeeting runs a versioned UPDATE ... RETURNING. No row back means the
// meeting is missing or the version moved on.
func (p *Postgres) updateMeeting(ctx context.Context, meetingID, query string, args []any) (Record, error) {
	if err := p.ensure(ctx, model.EntityMeeting); err != nil {
		return Record{}, err
	}
	rec := Record{Entity: model.EntityMeeting}
	err := p.exec.QueryRow(ctx, query, args...).Scan(&rec.ID, &rec.OrganizationID, &rec.Data, &rec.Version)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, err
	}
	if _, verr := p.currentVersion(ctx, model.EntityMeeting, meetingID); verr != nil {
		return Record{}, verr
	}
	return Record{}, parley.ErrConcurrencyConflict
}

// Put inserts rec when Version is zero, otherwise replaces it if the stored
// version still equals rec.Version. It returns the new version.
func (p *Postgres) Put(ctx context.Context, rec Record) (int, error) {
	if err := p.ensure(ctx, rec.Entity); err != nil {
		return 0, err
	}
	table := schema.Table(string(rec.Entity))

	if rec.Version == 0 {
		query, args, err := psql.Insert(table).
			Columns("id", "organization_id", "data").
			Values(rec.ID, rec.OrganizationID, rec.Data).
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("store %s: insert %s: build sql: %w", rec.Entity, rec.ID, err)
		}
		if _, err := p.exec.Exec(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("store %s: insert %s: %w", rec.Entity, rec.ID, err)
		}
		return 1, nil
	}

	query, args, err := psql.Update(table).
		Set("data", rec.Data).
		Set("organization_id", rec.OrganizationID).
		Set("version", rec.Version+1).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": rec.ID, "version": rec.Version}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("store %s: update %s: build sql: %w", rec.Entity, rec.ID, err)
	}
	tag, err := p.exec.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store %s: update %s: %w", rec.Entity, rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, verr := p.currentVersion(ctx, rec.Entity, rec.ID); verr != nil {
			return 0, fmt.Errorf("store %s: update %s: %w", rec.Entity, rec.ID, verr)
		}
		return 0, fmt.Errorf("store %s: update %s: %w", rec.Entity, rec.ID, parley.ErrConcurrencyConflict)
	}
	return rec.Version + 1, nil
}

func (p *Postgres) currentVersion(ctx context.Context, entity model.EntityType, id string) (int, error) {
	query, args, err := psql.Select("version").From(schema.Table(string(entity))).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return 0, err
	}
	var v int
	if err := p.exec.QueryRow(ctx, query, args...).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, parley.ErrNotFound
		}
		return 0, err
	}
	return v, nil
}
