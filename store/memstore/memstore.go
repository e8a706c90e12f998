// Package memstore is an in-memory store.Fetcher and store.MeetingWriter.
// It records every fetch so tests can assert batching, and backs the daemon's
// --dev mode.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/model"
	"github.com/ripkitten-co/parley/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Call is one recorded fetch.
type Call struct {
	Method string
	Entity model.EntityType
	Field  string
	Keys   []string
}

type Store struct {
	mu       sync.Mutex
	records  map[model.EntityType]map[string]store.Record
	order    map[model.EntityType][]string
	calls    []Call
	failures map[model.EntityType]error
}

func New() *Store {
	return &Store{
		records:  make(map[model.EntityType]map[string]store.Record),
		order:    make(map[model.EntityType][]string),
		failures: make(map[model.EntityType]error),
	}
}

// Fail makes every subsequent fetch of entity return err. A nil err clears it.
func (s *Store) Fail(entity model.EntityType, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, entity)
		return
	}
	s.failures[entity] = err
}

// Calls returns a copy of the recorded fetches.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallsFor returns the recorded fetches of one entity type.
func (s *Store) CallsFor(entity model.EntityType) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Entity == entity {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

func (s *Store) FetchByIDs(ctx context.Context, entity model.EntityType, ids []string) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "FetchByIDs", Entity: entity, Keys: slices.Clone(ids)})
	if err := s.failures[entity]; err != nil {
		return nil, err
	}

	var out []store.Record
	for _, id := range ids {
		if rec, ok := s.records[entity][id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) FetchByForeignKey(ctx context.Context, entity model.EntityType, fkField string, fkValues []string) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "FetchByForeignKey", Entity: entity, Field: fkField, Keys: slices.Clone(fkValues)})
	if err := s.failures[entity]; err != nil {
		return nil, err
	}

	var out []store.Record
	for _, id := range s.order[entity] {
		rec := s.records[entity][id]
		v, err := fieldValue(rec, fkField)
		if err != nil {
			return nil, err
		}
		if slices.Contains(fkValues, v) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func fieldValue(rec store.Record, field string) (string, error) {
	if field == model.FieldOrganizationID {
		return rec.OrganizationID, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Data, &doc); err != nil {
		return "", fmt.Errorf("memstore %s: decode %s: %w", rec.Entity, rec.ID, err)
	}
	s, _ := doc[field].(string)
	return s, nil
}

// Put inserts rec when Version is zero, otherwise replaces it if the stored
// version still equals rec.Version.
func (s *Store) Put(_ context.Context, rec store.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(rec)
}

func (s *Store) put(rec store.Record) (int, error) {
	byID := s.records[rec.Entity]
	if byID == nil {
		byID = make(map[string]store.Record)
		s.records[rec.Entity] = byID
	}
	cur, exists := byID[rec.ID]
	switch {
	case rec.Version == 0 && exists:
		return 0, fmt.Errorf("memstore %s: insert %s: %w", rec.Entity, rec.ID, parley.ErrConcurrencyConflict)
	case rec.Version != 0 && !exists:
		return 0, fmt.Errorf("memstore %s: update %s: %w", rec.Entity, rec.ID, parley.ErrNotFound)
	case rec.Version != 0 && cur.Version != rec.Version:
		return 0, fmt.Errorf("memstore %s: update %s: %w", rec.Entity, rec.ID, parley.ErrConcurrencyConflict)
	}
	if !exists {
		s.order[rec.Entity] = append(s.order[rec.Entity], rec.ID)
	}
	rec.Version++
	rec.Data = slices.Clone(rec.Data)
	byID[rec.ID] = rec
	return rec.Version, nil
}

// PutValue encodes v and inserts it as a new record.
func (s *Store) PutValue(ctx context.Context, entity model.EntityType, id, organizationID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memstore %s: encode %s: %w", entity, id, err)
	}
	_, err = s.Put(ctx, store.Record{Entity: entity, ID: id, OrganizationID: organizationID, Data: data})
	return err
}

func (s *Store) UpdateStatus(_ context.Context, meetingID string, expectedVersion int, status model.MeetingStatus) (store.Record, error) {
	rec, err := s.setField(meetingID, expectedVersion, "status", string(status))
	if err != nil {
		return store.Record{}, fmt.Errorf("memstore meetings: update status %s: %w", meetingID, err)
	}
	return rec, nil
}

func (s *Store) UpdateTitle(_ context.Context, meetingID string, expectedVersion int, title string) (store.Record, error) {
	rec, err := s.setField(meetingID, expectedVersion, "title", title)
	if err != nil {
		return store.Record{}, fmt.Errorf("memstore meetings: update title %s: %w", meetingID, err)
	}
	return rec, nil
}

func (s *Store) setField(meetingID string, expectedVersion int, field, value string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[model.EntityMeeting][meetingID]
	if !ok {
		return store.Record{}, parley.ErrNotFound
	}
	var doc map[string]any
	if err := json.Unmarshal(cur.Data, &doc); err != nil {
		return store.Record{}, fmt.Errorf("decode: %w", err)
	}
	doc[field] = value
	data, err := json.Marshal(doc)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode: %w", err)
	}

	next := cur
	next.Data = data
	next.Version = expectedVersion
	if _, err := s.put(next); err != nil {
		return store.Record{}, err
	}
	return s.records[model.EntityMeeting][meetingID], nil
}
