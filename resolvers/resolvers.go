// Package resolvers is the thin layer between transport and the loaders,
// publisher and live registry. Resolvers receive validated inputs and read
// everything through the request's loaders.
package resolvers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/events"
	"github.com/ripkitten-co/parley/internal/codecs"
	"github.com/ripkitten-co/parley/live"
	"github.com/ripkitten-co/parley/model"
	"github.com/ripkitten-co/parley/request"
	"github.com/ripkitten-co/parley/store"
	"golang.org/x/sync/errgroup"
)

// Publisher is the part of events.Publisher the mutations need.
type Publisher interface {
	Publish(ctx context.Context, typ events.Type, scopeKey, organizationID string, payload any) (events.Envelope, error)
}

type Resolver struct {
	writer    store.MeetingWriter
	publisher Publisher
	registry  *live.Registry
	codec     codecs.Codec
	logger    *slog.Logger
}

type Option func(*Resolver)

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func WithCodec(c codecs.Codec) Option {
	return func(r *Resolver) { r.codec = c }
}

func New(w store.MeetingWriter, p Publisher, reg *live.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		writer:    w,
		publisher: p,
		registry:  reg,
		codec:     codecs.NewJSONIter(),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// FieldError reports a nested field that failed to resolve while the rest
// of the item resolved.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type MeetingView struct {
	Meeting      *model.Meeting      `json:"meeting"`
	Host         *model.User         `json:"host,omitempty"`
	Organization *model.Organization `json:"organization,omitempty"`
	Transcripts  []*model.Transcript `json:"transcripts,omitempty"`
	Errors       []FieldError        `json:"errors,omitempty"`
}

func requestContext(ctx context.Context) (*request.Context, error) {
	rc, ok := request.FromContext(ctx)
	if !ok {
		return nil, parley.ErrUnauthenticated
	}
	return rc, nil
}

// Meeting resolves one meeting with its nested fields.
func (r *Resolver) Meeting(ctx context.Context, q MeetingQuery) (*MeetingView, error) {
	views, err := r.Meetings(ctx, MeetingsQuery{IDs: []string{q.ID}})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// Meetings resolves meetings in input order. A missing or foreign meeting
// fails the whole query; a failing nested field is reported on its item.
func (r *Resolver) Meetings(ctx context.Context, q MeetingsQuery) ([]MeetingView, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	rc, err := requestContext(ctx)
	if err != nil {
		return nil, err
	}

	meetings, err := rc.Loaders.Meetings.LoadAll(ctx, q.IDs)
	if err != nil {
		return nil, fmt.Errorf("meetings: %w", err)
	}
	for _, m := range meetings {
		if err := request.Authorize(rc.Principal, m.OrganizationID); err != nil {
			return nil, fmt.Errorf("meeting %s: %w", m.ID, err)
		}
	}
	return r.expand(ctx, rc, meetings)
}

// OrganizationMeetings resolves every meeting of the caller's organization.
func (r *Resolver) OrganizationMeetings(ctx context.Context, q OrganizationMeetingsQuery) ([]MeetingView, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	rc, err := requestContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := request.Authorize(rc.Principal, q.OrganizationID); err != nil {
		return nil, err
	}

	meetings, err := rc.Loaders.MeetingsByOrganization.Load(ctx, q.OrganizationID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("organization %s meetings: %w", q.OrganizationID, err)
	}
	return r.expand(ctx, rc, meetings)
}

// expand resolves the nested fields of every meeting concurrently so that
// the loaders see all of them inside one collection window.
func (r *Resolver) expand(ctx context.Context, rc *request.Context, meetings []*model.Meeting) ([]MeetingView, error) {
	views := make([]MeetingView, len(meetings))
	var (
		g         errgroup.Group
		mu        sync.Mutex
		forbidden error
	)
	fieldErr := func(i int, field string, err error) {
		if errors.Is(err, parley.ErrForbidden) {
			mu.Lock()
			if forbidden == nil {
				forbidden = err
			}
			mu.Unlock()
			return
		}
		r.logger.Warn("resolve field", "meeting", meetings[i].ID, "field", field, "error", err)
		mu.Lock()
		views[i].Errors = append(views[i].Errors, FieldError{Field: field, Message: err.Error()})
		mu.Unlock()
	}

	for i, m := range meetings {
		views[i].Meeting = m

		g.Go(func() error {
			u, err := rc.Loaders.Users.Load(ctx, m.HostID).Get(ctx)
			if err == nil {
				err = request.Authorize(rc.Principal, u.OrganizationID)
			}
			if err != nil {
				fieldErr(i, "host", err)
				return nil
			}
			views[i].Host = u
			return nil
		})
		g.Go(func() error {
			o, err := rc.Loaders.Organizations.Load(ctx, m.OrganizationID).Get(ctx)
			if err != nil {
				fieldErr(i, "organization", err)
				return nil
			}
			views[i].Organization = o
			return nil
		})
		g.Go(func() error {
			ts, err := rc.Loaders.TranscriptsByMeeting.Load(ctx, m.ID).Get(ctx)
			if err != nil {
				fieldErr(i, "transcripts", err)
				return nil
			}
			views[i].Transcripts = ts
			return nil
		})
	}
	_ = g.Wait()

	if forbidden != nil {
		return nil, forbidden
	}
	return views, nil
}

// MeetingPayload is the result of a meeting mutation. Event is nil when
// nothing changed or the announcement failed; the failure is in Warnings.
type MeetingPayload struct {
	Meeting  *model.Meeting   `json:"meeting"`
	Event    *events.Envelope `json:"event,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
}

// UpdateMeetingStatus changes a meeting's status and announces it. The write
// commits before publishing; a publish failure becomes a warning and never
// fails the mutation.
func (r *Resolver) UpdateMeetingStatus(ctx context.Context, in UpdateMeetingStatusInput) (*MeetingPayload, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	rc, m, err := r.editable(ctx, in.MeetingID)
	if err != nil {
		return nil, fmt.Errorf("update status %s: %w", in.MeetingID, err)
	}
	if m.Status == in.Status {
		return &MeetingPayload{Meeting: m}, nil
	}
	if !m.Status.CanTransition(in.Status) {
		return nil, fmt.Errorf("update status %s: %s to %s: %w", in.MeetingID, m.Status, in.Status, parley.ErrInvalidInput)
	}

	rec, err := r.writer.UpdateStatus(ctx, m.ID, m.Version, in.Status)
	if err != nil {
		return nil, fmt.Errorf("update status %s: %w", in.MeetingID, err)
	}
	updated, err := r.refresh(rc, rec)
	if err != nil {
		return nil, fmt.Errorf("update status %s: %w", in.MeetingID, err)
	}
	return r.announce(ctx, updated, events.MeetingStatusChanged, events.StatusChange{
		Old:           string(m.Status),
		New:           string(updated.Status),
		ChangedFields: []string{"status"},
	}), nil
}

// RenameMeeting changes a meeting's title and announces meeting.updated with
// changedFields ["title"]. Same rules as UpdateMeetingStatus otherwise.
func (r *Resolver) RenameMeeting(ctx context.Context, in RenameMeetingInput) (*MeetingPayload, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	rc, m, err := r.editable(ctx, in.MeetingID)
	if err != nil {
		return nil, fmt.Errorf("rename %s: %w", in.MeetingID, err)
	}
	if m.Title == in.Title {
		return &MeetingPayload{Meeting: m}, nil
	}

	rec, err := r.writer.UpdateTitle(ctx, m.ID, m.Version, in.Title)
	if err != nil {
		return nil, fmt.Errorf("rename %s: %w", in.MeetingID, err)
	}
	updated, err := r.refresh(rc, rec)
	if err != nil {
		return nil, fmt.Errorf("rename %s: %w", in.MeetingID, err)
	}
	return r.announce(ctx, updated, events.MeetingUpdated, events.Change{
		ChangedFields: []string{"title"},
		Values:        map[string]any{"title": updated.Title},
	}), nil
}

// editable loads a meeting the caller may change: same tenant, and either
// its host or a manager.
func (r *Resolver) editable(ctx context.Context, meetingID string) (*request.Context, *model.Meeting, error) {
	rc, err := requestContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	p := rc.Principal

	m, err := rc.Loaders.Meetings.Load(ctx, meetingID).Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := request.Authorize(p, m.OrganizationID); err != nil {
		return nil, nil, err
	}
	if m.HostID != p.UserID && !p.CanManageMeetings() {
		return nil, nil, fmt.Errorf("not host: %w", parley.ErrForbidden)
	}
	return rc, m, nil
}

// refresh decodes the written record and replaces the request's cached copy.
func (r *Resolver) refresh(rc *request.Context, rec store.Record) (*model.Meeting, error) {
	updated := new(model.Meeting)
	if err := r.codec.Unmarshal(rec.Data, updated); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	updated.Version = rec.Version

	rc.Loaders.Meetings.Clear(updated.ID)
	rc.Loaders.Meetings.Prime(updated.ID, updated)
	return updated, nil
}

func (r *Resolver) announce(ctx context.Context, m *model.Meeting, typ events.Type, payload any) *MeetingPayload {
	out := &MeetingPayload{Meeting: m}
	env, err := r.publisher.Publish(ctx, typ, m.ID, m.OrganizationID, payload)
	if err != nil {
		r.logger.Warn("meeting change not announced", "meeting", m.ID, "type", typ, "error", err)
		out.Warnings = append(out.Warnings, "live update not delivered: "+err.Error())
		return out
	}
	out.Event = &env
	return out
}

// Subscribe opens a live subscription for the request's principal. The
// tenant check at open time goes through the request's meeting loader.
func (r *Resolver) Subscribe(ctx context.Context, in SubscribeInput) (*live.Connection, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	rc, err := requestContext(ctx)
	if err != nil {
		return nil, err
	}
	return r.registry.Subscribe(ctx, live.SubscribeRequest{
		Principal: rc.Principal,
		Filter: live.Filter{
			Type:           in.EventType,
			ScopeKey:       in.Filter.MeetingID,
			OrganizationID: in.Filter.OrganizationID,
			Fields:         in.Filter.Fields,
		},
		Scope: meetingScope{rc},
	})
}

type meetingScope struct {
	rc *request.Context
}

func (s meetingScope) ScopeOrganization(ctx context.Context, _ events.Type, meetingID string) (string, error) {
	m, err := s.rc.Loaders.Meetings.Load(ctx, meetingID).Get(ctx)
	if err != nil {
		return "", err
	}
	return m.OrganizationID, nil
}
