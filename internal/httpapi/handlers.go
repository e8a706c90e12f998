package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/ripkitten-co/parley/events"
	"github.com/ripkitten-co/parley/resolvers"
)

func (s *Server) queryMeetings(w http.ResponseWriter, r *http.Request) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	q, err := resolvers.Decode[resolvers.MeetingsQuery](body)
	if err != nil {
		return err
	}
	views, err := s.resolver.Meetings(r.Context(), q)
	if err != nil {
		return err
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"meetings": views})
	return nil
}

func (s *Server) getMeeting(w http.ResponseWriter, r *http.Request) error {
	view, err := s.resolver.Meeting(r.Context(), resolvers.MeetingQuery{ID: mux.Vars(r)["id"]})
	if err != nil {
		return err
	}
	s.writeJSON(w, http.StatusOK, view)
	return nil
}

func (s *Server) organizationMeetings(w http.ResponseWriter, r *http.Request) error {
	q := resolvers.OrganizationMeetingsQuery{OrganizationID: mux.Vars(r)["id"]}
	views, err := s.resolver.OrganizationMeetings(r.Context(), q)
	if err != nil {
		return err
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"meetings": views})
	return nil
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	in, err := resolvers.Decode[resolvers.UpdateMeetingStatusInput](body)
	if err != nil {
		return err
	}
	out, err := s.resolver.UpdateMeetingStatus(r.Context(), in)
	if err != nil {
		return err
	}
	s.writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) renameMeeting(w http.ResponseWriter, r *http.Request) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	in, err := resolvers.Decode[resolvers.RenameMeetingInput](body)
	if err != nil {
		return err
	}
	out, err := s.resolver.RenameMeeting(r.Context(), in)
	if err != nil {
		return err
	}
	s.writeJSON(w, http.StatusOK, out)
	return nil
}

func subscribeInput(r *http.Request) resolvers.SubscribeInput {
	q := r.URL.Query()
	in := resolvers.SubscribeInput{
		EventType: events.Type(q.Get("eventType")),
		Filter: resolvers.SubscribeFilter{
			MeetingID:      q.Get("meetingId"),
			OrganizationID: q.Get("organizationId"),
		},
	}
	if f := q.Get("fields"); f != "" {
		in.Filter.Fields = strings.Split(f, ",")
	}
	return in
}
