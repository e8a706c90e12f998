package main

import (
	"context"
	"time"

	"github.com/ripkitten-co/parley/model"
	"github.com/ripkitten-co/parley/store/memstore"
)

// seed loads a small two-tenant data set for --dev.
func seed(ctx context.Context, s *memstore.Store) error {
	at := time.Date(2026, 1, 12, 15, 0, 0, 0, time.UTC)
	docs := []struct {
		entity model.EntityType
		id     string
		org    string
		v      any
	}{
		{model.EntityOrganization, "org1", "org1", model.Organization{ID: "org1", Name: "Acme", Plan: "team"}},
		{model.EntityOrganization, "org2", "org2", model.Organization{ID: "org2", Name: "Globex", Plan: "free"}},
		{model.EntityUser, "u1", "org1", model.User{ID: "u1", OrganizationID: "org1", Name: "Ada", Email: "ada@acme.test"}},
		{model.EntityUser, "u2", "org1", model.User{ID: "u2", OrganizationID: "org1", Name: "Lin", Email: "lin@acme.test"}},
		{model.EntityUser, "u3", "org2", model.User{ID: "u3", OrganizationID: "org2", Name: "Hank", Email: "hank@globex.test"}},
		{model.EntityMeeting, "m1", "org1", model.Meeting{ID: "m1", OrganizationID: "org1", HostID: "u1", Title: "Weekly sync", Status: model.StatusScheduled, ScheduledAt: at}},
		{model.EntityMeeting, "m2", "org1", model.Meeting{ID: "m2", OrganizationID: "org1", HostID: "u2", Title: "Design review", Status: model.StatusScheduled, ScheduledAt: at.Add(2 * time.Hour)}},
		{model.EntityMeeting, "m3", "org2", model.Meeting{ID: "m3", OrganizationID: "org2", HostID: "u3", Title: "Board prep", Status: model.StatusScheduled, ScheduledAt: at}},
		{model.EntityTranscript, "t1", "org1", model.Transcript{ID: "t1", MeetingID: "m1", OrganizationID: "org1", Language: "en", SegmentCount: 42}},
	}
	for _, d := range docs {
		if err := s.PutValue(ctx, d.entity, d.id, d.org, d.v); err != nil {
			return err
		}
	}
	s.ResetCalls()
	return nil
}
