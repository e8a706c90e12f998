package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/model"
	"github.com/ripkitten-co/parley/store"
)

func seed(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s := New()
	for _, tr := range []model.Transcript{
		{ID: "t1", MeetingID: "m1", OrganizationID: "org1"},
		{ID: "t2", MeetingID: "m2", OrganizationID: "org1"},
		{ID: "t3", MeetingID: "m1", OrganizationID: "org1"},
	} {
		if err := s.PutValue(ctx, model.EntityTranscript, tr.ID, tr.OrganizationID, tr); err != nil {
			t.Fatalf("seed %s: %v", tr.ID, err)
		}
	}
	m := model.Meeting{ID: "m1", OrganizationID: "org1", Status: model.StatusScheduled}
	if err := s.PutValue(ctx, model.EntityMeeting, m.ID, m.OrganizationID, m); err != nil {
		t.Fatalf("seed meeting: %v", err)
	}
	return s
}

func TestFetchByIDs_SkipsMissing(t *testing.T) {
	s := seed(t)
	recs, err := s.FetchByIDs(context.Background(), model.EntityTranscript, []string{"t2", "nope", "t1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].ID != "t2" || recs[1].ID != "t1" {
		t.Errorf("got %s,%s", recs[0].ID, recs[1].ID)
	}
}

func TestFetchByForeignKey(t *testing.T) {
	s := seed(t)
	recs, err := s.FetchByForeignKey(context.Background(), model.EntityTranscript, model.FieldMeetingID, []string{"m1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "t1" || recs[1].ID != "t3" {
		t.Fatalf("got %+v, want t1 and t3 in insertion order", recs)
	}

	calls := s.CallsFor(model.EntityTranscript)
	if len(calls) != 1 || calls[0].Field != model.FieldMeetingID {
		t.Errorf("got calls %+v", calls)
	}
}

func TestFail(t *testing.T) {
	s := seed(t)
	boom := errors.New("boom")
	s.Fail(model.EntityTranscript, boom)

	if _, err := s.FetchByIDs(context.Background(), model.EntityTranscript, []string{"t1"}); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if _, err := s.FetchByIDs(context.Background(), model.EntityMeeting, []string{"m1"}); err != nil {
		t.Fatalf("other entity should be unaffected: %v", err)
	}

	s.Fail(model.EntityTranscript, nil)
	if _, err := s.FetchByIDs(context.Background(), model.EntityTranscript, []string{"t1"}); err != nil {
		t.Fatalf("cleared failure: %v", err)
	}
}

func TestPut_Versioning(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := store.Record{Entity: model.EntityUser, ID: "u1", OrganizationID: "org1", Data: []byte(`{"id":"u1"}`)}

	v, err := s.Put(ctx, rec)
	if err != nil || v != 1 {
		t.Fatalf("insert: got %d, %v", v, err)
	}
	if _, err := s.Put(ctx, rec); !errors.Is(err, parley.ErrConcurrencyConflict) {
		t.Fatalf("duplicate insert: got %v, want ErrConcurrencyConflict", err)
	}

	rec.Version = 1
	if v, err = s.Put(ctx, rec); err != nil || v != 2 {
		t.Fatalf("update: got %d, %v", v, err)
	}
	if _, err := s.Put(ctx, rec); !errors.Is(err, parley.ErrConcurrencyConflict) {
		t.Fatalf("stale update: got %v, want ErrConcurrencyConflict", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	rec, err := s.UpdateStatus(ctx, "m1", 1, model.StatusInProgress)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("got version %d, want 2", rec.Version)
	}
	var m model.Meeting
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Status != model.StatusInProgress {
		t.Errorf("got status %s, want in_progress", m.Status)
	}

	if _, err := s.UpdateStatus(ctx, "m1", 1, model.StatusCompleted); !errors.Is(err, parley.ErrConcurrencyConflict) {
		t.Errorf("stale: got %v, want ErrConcurrencyConflict", err)
	}
	if _, err := s.UpdateStatus(ctx, "nope", 1, model.StatusCompleted); !errors.Is(err, parley.ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}
}

func TestUpdateTitle(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	rec, err := s.UpdateTitle(ctx, "m1", 1, "Renamed")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	var m model.Meeting
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Title != "Renamed" || rec.Version != 2 {
		t.Errorf("got title %q version %d, want Renamed 2", m.Title, rec.Version)
	}
	if _, err := s.UpdateTitle(ctx, "m1", 1, "Again"); !errors.Is(err, parley.ErrConcurrencyConflict) {
		t.Errorf("stale: got %v, want ErrConcurrencyConflict", err)
	}
}
