package store

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/ripkitten-co/parley/model"
	"github.com/ripkitten-co/parley/schema"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var recordColumns = []string{"id", "organization_id", "data", "version"}

// foreignKeyColumn maps a foreign-key field to its SQL expression. The tenant
// column is real; everything else lives in the JSON document.
func foreignKeyColumn(field string) (string, error) {
	if field == model.FieldOrganizationID {
		return "organization_id", nil
	}
	if err := schema.ValidateFieldName(field); err != nil {
		return "", err
	}
	return fmt.Sprintf("data->>'%s'", field), nil
}

func selectByIDs(entity model.EntityType, ids []string) (string, []any, error) {
	return psql.Select(recordColumns...).
		From(schema.Table(string(entity))).
		Where(sq.Eq{"id": ids}).
		ToSql()
}

func selectByForeignKey(entity model.EntityType, field string, values []string) (string, []any, error) {
	col, err := foreignKeyColumn(field)
	if err != nil {
		return "", nil, err
	}
	return psql.Select(recordColumns...).
		From(schema.Table(string(entity))).
		Where(sq.Eq{col: values}).
		OrderBy("created_at", "id").
		ToSql()
}

func updateStatus(meetingID string, expectedVersion int, status model.MeetingStatus) (string, []any, error) {
	return setMeetingField(meetingID, expectedVersion, "{status}", string(status))
}

func updateTitle(meetingID string, expectedVersion int, title string) (string, []any, error) {
	return setMeetingField(meetingID, expectedVersion, "{title}", title)
}

// setMeetingField replaces one top-level string field of a meeting document.
// path is always a constant from this file.
func setMeetingField(meetingID string, expectedVersion int, path, value string) (string, []any, error) {
	return psql.Update(schema.Table(string(model.EntityMeeting))).
		Set("data", sq.Expr("jsonb_set(data, '"+path+"', to_jsonb(?::text))", value)).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": meetingID, "version": expectedVersion}).
		Suffix("RETURNING id, organization_id, data, version").
		ToSql()
}
