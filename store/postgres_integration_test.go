//go:build integration

package store_test

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/internal/testutil"
	"github.com/ripkitten-co/parley/model"
	"github.com/ripkitten-co/parley/store"
	"github.com/ripkitten-co/parley/store/bunstore"
	"github.com/ripkitten-co/parley/store/gormstore"
)

func setupStore(t *testing.T) *parley.Store {
	t.Helper()
	connStr := testutil.SetupPostgres(t)
	s, err := parley.Open(context.Background(), connStr)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func seedTranscripts(t *testing.T, p *store.Postgres) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range []store.Record{
		{Entity: model.EntityTranscript, ID: "t1", OrganizationID: "org1", Data: []byte(`{"id":"t1","meetingId":"m1"}`)},
		{Entity: model.EntityTranscript, ID: "t2", OrganizationID: "org1", Data: []byte(`{"id":"t2","meetingId":"m2"}`)},
		{Entity: model.EntityTranscript, ID: "t3", OrganizationID: "org2", Data: []byte(`{"id":"t3","meetingId":"m1"}`)},
	} {
		if _, err := p.Put(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.ID, err)
		}
	}
}

func ids(recs []store.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFetchers(t *testing.T) {
	s := setupStore(t)
	pgStore := store.NewPostgres(s)
	seedTranscripts(t, pgStore)

	gormFetcher, err := gormstore.Open(s.PgxPool())
	if err != nil {
		t.Fatalf("gorm: %v", err)
	}
	bunFetcher := bunstore.Open(s.PgxPool())
	t.Cleanup(func() { bunFetcher.Close() })

	fetchers := map[string]store.Fetcher{
		"pgx":  pgStore,
		"bun":  bunFetcher,
		"gorm": gormFetcher,
	}
	ctx := context.Background()

	for name, f := range fetchers {
		t.Run(name, func(t *testing.T) {
			recs, err := f.FetchByIDs(ctx, model.EntityTranscript, []string{"t1", "t3", "missing"})
			if err != nil {
				t.Fatalf("by ids: %v", err)
			}
			if got := ids(recs); !equal(got, []string{"t1", "t3"}) {
				t.Errorf("by ids: got %v", got)
			}

			recs, err = f.FetchByForeignKey(ctx, model.EntityTranscript, model.FieldMeetingID, []string{"m1", "m2"})
			if err != nil {
				t.Fatalf("by fk: %v", err)
			}
			if got := ids(recs); !equal(got, []string{"t1", "t2", "t3"}) {
				t.Errorf("by fk: got %v", got)
			}

			recs, err = f.FetchByForeignKey(ctx, model.EntityTranscript, model.FieldOrganizationID, []string{"org2"})
			if err != nil {
				t.Fatalf("by org: %v", err)
			}
			if got := ids(recs); !equal(got, []string{"t3"}) {
				t.Errorf("by org: got %v", got)
			}
			if recs[0].Version != 1 {
				t.Errorf("got version %d, want 1", recs[0].Version)
			}
		})
	}
}

func TestPostgres_UpdateStatus(t *testing.T) {
	s := setupStore(t)
	p := store.NewPostgres(s)
	ctx := context.Background()

	_, err := p.Put(ctx, store.Record{
		Entity: model.EntityMeeting, ID: "m1", OrganizationID: "org1",
		Data: []byte(`{"id":"m1","organizationId":"org1","status":"scheduled"}`),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	rec, err := p.UpdateStatus(ctx, "m1", 1, model.StatusInProgress)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("got version %d, want 2", rec.Version)
	}
	var m model.Meeting
	if err := s.JSONCodec().Unmarshal(rec.Data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Status != model.StatusInProgress {
		t.Errorf("got status %s, want in_progress", m.Status)
	}

	if _, err := p.UpdateStatus(ctx, "m1", 1, model.StatusCompleted); !errors.Is(err, parley.ErrConcurrencyConflict) {
		t.Errorf("stale: got %v, want ErrConcurrencyConflict", err)
	}
	if _, err := p.UpdateStatus(ctx, "missing", 1, model.StatusCompleted); !errors.Is(err, parley.ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}
}

func TestPostgres_SessionRollback(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	sess, err := s.Session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	_, err = store.NewPostgres(sess).Put(ctx, store.Record{
		Entity: model.EntityUser, ID: "u1", OrganizationID: "org1", Data: []byte(`{"id":"u1"}`),
	})
	if err != nil {
		t.Fatalf("put in session: %v", err)
	}
	if err := sess.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	recs, err := store.NewPostgres(s).FetchByIDs(ctx, model.EntityUser, []string{"u1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records after rollback, want 0", len(recs))
	}
}

func TestTxWriter(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := store.NewPostgres(s)
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, err := p.Put(ctx, store.Record{
		Entity: model.EntityMeeting, ID: "m1", OrganizationID: "org1",
		Data: []byte(`{"id":"m1","organizationId":"org1","title":"Kickoff","status":"scheduled"}`),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	w := store.NewTxWriter(s)
	if _, err := w.UpdateStatus(ctx, "m1", 1, model.StatusInProgress); err != nil {
		t.Fatalf("update status: %v", err)
	}
	rec, err := w.UpdateTitle(ctx, "m1", 2, "Kickoff v2")
	if err != nil {
		t.Fatalf("update title: %v", err)
	}
	if rec.Version != 3 {
		t.Errorf("got version %d, want 3", rec.Version)
	}

	recs, err := p.FetchByIDs(ctx, model.EntityMeeting, []string{"m1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var m model.Meeting
	if err := s.JSONCodec().Unmarshal(recs[0].Data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Status != model.StatusInProgress || m.Title != "Kickoff v2" || recs[0].Version != 3 {
		t.Errorf("got %+v at version %d", m, recs[0].Version)
	}

	if _, err := w.UpdateTitle(ctx, "m1", 1, "stale"); !errors.Is(err, parley.ErrConcurrencyConflict) {
		t.Errorf("stale: got %v, want ErrConcurrencyConflict", err)
	}
	if _, err := w.UpdateStatus(ctx, "missing", 1, model.StatusCompleted); !errors.Is(err, parley.ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}
}

func TestPostgres_Migrate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := store.NewPostgres(s).Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// a fresh bun fetcher reads empty tables without any pgx call first
	f := bunstore.Open(s.PgxPool())
	t.Cleanup(func() { f.Close() })
	for _, e := range model.EntityTypes() {
		recs, err := f.FetchByIDs(ctx, e, []string{"x"})
		if err != nil {
			t.Fatalf("%s: %v", e, err)
		}
		if len(recs) != 0 {
			t.Fatalf("%s: got %d records, want 0", e, len(recs))
		}
	}

	var n int
	err := s.PgxPool().QueryRow(ctx,
		`SELECT count(*) FROM pg_indexes WHERE indexname IN ('idx_parley_meetings_hostid', 'idx_parley_transcripts_meetingid')`).Scan(&n)
	if err != nil {
		t.Fatalf("query indexes: %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d foreign key indexes, want 2", n)
	}
}
