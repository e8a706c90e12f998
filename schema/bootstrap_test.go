package schema

import "testing"

func TestEntityDDL(t *testing.T) {
	ddl := entityDDL("meetings")
	want := `CREATE TABLE IF NOT EXISTS parley_meetings (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	data JSONB NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if ddl != want {
		t.Errorf("got:\n%s\nwant:\n%s", ddl, want)
	}
}

func TestForeignKeyIndexDDL(t *testing.T) {
	ddl := foreignKeyIndexDDL("transcripts", "meetingId")
	want := `CREATE INDEX IF NOT EXISTS idx_parley_transcripts_meetingId ON parley_transcripts ((data->>'meetingId'))`
	if ddl != want {
		t.Errorf("got:\n%s\nwant:\n%s", ddl, want)
	}
}

func TestValidateEntityName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"meetings", true},
		{"meeting_notes", true},
		{"users2", true},
		{"Users", false},
		{"", false},
		{"drop table;--", false},
		{"has space", false},
		{"has-dash", false},
	}
	for _, tt := range tests {
		err := ValidateEntityName(tt.name)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateEntityName(%q): got err=%v, wantValid=%v", tt.name, err, tt.valid)
		}
	}
}

func TestValidateFieldName(t *testing.T) {
	tests := []struct {
		field string
		valid bool
	}{
		{"meetingId", true},
		{"host_id", true},
		{"", false},
		{"x'); DROP TABLE parley_users;--", false},
		{"1abc", false},
	}
	for _, tt := range tests {
		err := ValidateFieldName(tt.field)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateFieldName(%q): got err=%v, wantValid=%v", tt.field, err, tt.valid)
		}
	}
}

func TestBootstrap_TracksCreated(t *testing.T) {
	b := New()
	if b.IsCreated("parley_users") {
		t.Error("should not be created yet")
	}
	b.MarkCreated("parley_users")
	if !b.IsCreated("parley_users") {
		t.Error("should be created")
	}
}

func TestBootstrap_TracksIndexes(t *testing.T) {
	b := New()
	name := IndexName("transcripts", "meetingId")
	if b.IsIndexCreated(name) {
		t.Error("should not be created yet")
	}
	b.MarkIndexCreated(name)
	if !b.IsIndexCreated(name) {
		t.Error("should be created")
	}
}

func TestBootstrap_ForkIsolated(t *testing.T) {
	b := New()
	b.MarkCreated("parley_users")

	f := b.Fork()
	if !f.IsCreated("parley_users") {
		t.Fatal("fork should inherit created tables")
	}
	f.MarkCreated("parley_meetings")
	f.MarkIndexCreated(IndexName("meetings", "hostId"))
	if b.IsCreated("parley_meetings") || b.IsIndexCreated(IndexName("meetings", "hostId")) {
		t.Error("fork marks leaked into parent")
	}
}
