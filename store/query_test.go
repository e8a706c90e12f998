package store

import (
	"strings"
	"testing"

	"github.com/ripkitten-co/parley/model"
)

func TestSelectByIDs(t *testing.T) {
	sql, args, err := selectByIDs(model.EntityUser, []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "SELECT id, organization_id, data, version FROM parley_users WHERE id IN ($1,$2)"
	if sql != want {
		t.Errorf("got:\n%s\nwant:\n%s", sql, want)
	}
	if len(args) != 2 {
		t.Errorf("got %d args, want 2", len(args))
	}
}

func TestSelectByForeignKey(t *testing.T) {
	tests := []struct {
		field string
		want  string
	}{
		{model.FieldMeetingID, "data->>'meetingId' IN ($1,$2,$3)"},
		{model.FieldOrganizationID, "organization_id IN ($1,$2,$3)"},
	}
	for _, tt := range tests {
		sql, args, err := selectByForeignKey(model.EntityTranscript, tt.field, []string{"a", "b", "c"})
		if err != nil {
			t.Fatalf("%s: build: %v", tt.field, err)
		}
		if !strings.Contains(sql, tt.want) {
			t.Errorf("%s: got %s, want it to contain %s", tt.field, sql, tt.want)
		}
		if !strings.HasPrefix(sql, "SELECT id, organization_id, data, version FROM parley_transcripts") {
			t.Errorf("%s: unexpected select: %s", tt.field, sql)
		}
		if len(args) != 3 {
			t.Errorf("%s: got %d args, want 3", tt.field, len(args))
		}
	}
}

func TestSelectByForeignKey_RejectsInjection(t *testing.T) {
	_, _, err := selectByForeignKey(model.EntityTranscript, "x'); DROP TABLE parley_users;--", []string{"a"})
	if err == nil {
		t.Fatal("expected error for unsafe field name")
	}
}

func TestUpdateStatus(t *testing.T) {
	sql, args, err := updateStatus("m1", 3, model.StatusInProgress)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, part := range []string{
		"UPDATE parley_meetings SET data = jsonb_set(data, '{status}', to_jsonb($1::text))",
		"version = version + 1",
		"RETURNING id, organization_id, data, version",
	} {
		if !strings.Contains(sql, part) {
			t.Errorf("got %s, want it to contain %s", sql, part)
		}
	}
	if len(args) != 3 {
		t.Fatalf("got %d args, want 3", len(args))
	}
	if args[0] != "in_progress" {
		t.Errorf("got status arg %v, want in_progress", args[0])
	}
}

func TestUpdateTitle(t *testing.T) {
	sql, args, err := updateTitle("m1", 2, "Weekly sync")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(sql, "jsonb_set(data, '{title}', to_jsonb($1::text))") {
		t.Errorf("got %s, want a title jsonb_set", sql)
	}
	if len(args) != 3 || args[0] != "Weekly sync" {
		t.Fatalf("got args %v", args)
	}
}
