// Package loaders assembles the per-request set of entity loaders.
package loaders

import (
	"context"
	"fmt"

	"github.com/ripkitten-co/parley/internal/codecs"
	"github.com/ripkitten-co/parley/loader"
	"github.com/ripkitten-co/parley/model"
	"github.com/ripkitten-co/parley/store"
)

// Set holds one loader per entity type. A Set is created for every request
// and discarded with it; nothing is shared between requests.
type Set struct {
	Users         *loader.Loader[string, *model.User]
	Organizations *loader.Loader[string, *model.Organization]
	Meetings      *loader.Loader[string, *model.Meeting]
	Transcripts   *loader.Loader[string, *model.Transcript]

	TranscriptsByMeeting   *loader.Loader[string, []*model.Transcript]
	MeetingsByOrganization *loader.Loader[string, []*model.Meeting]
}

type versioned interface {
	SetVersion(int)
}

// entity constrains the model pointer types the loaders decode into.
type entity[T any] interface {
	*T
	versioned
}

func New(f store.Fetcher, codec codecs.Codec, opts ...loader.Option) *Set {
	s := &Set{
		Users:         byID[model.User](f, codec, model.EntityUser, opts),
		Organizations: byID[model.Organization](f, codec, model.EntityOrganization, opts),
		Meetings:      byID[model.Meeting](f, codec, model.EntityMeeting, opts),
		Transcripts:   byID[model.Transcript](f, codec, model.EntityTranscript, opts),
	}

	s.TranscriptsByMeeting = byForeignKey(f, codec, model.EntityTranscript, model.FieldMeetingID,
		func(t *model.Transcript) string { return t.MeetingID },
		func(t *model.Transcript) { s.Transcripts.Prime(t.ID, t) },
		opts)
	s.MeetingsByOrganization = byForeignKey(f, codec, model.EntityMeeting, model.FieldOrganizationID,
		func(m *model.Meeting) string { return m.OrganizationID },
		func(m *model.Meeting) { s.Meetings.Prime(m.ID, m) },
		opts)
	return s
}

func withName(name string, opts []loader.Option) []loader.Option {
	return append([]loader.Option{loader.WithName(name)}, opts...)
}

func byID[T any, PT entity[T]](f store.Fetcher, codec codecs.Codec, typ model.EntityType, opts []loader.Option) *loader.Loader[string, *T] {
	fetch := func(ctx context.Context, ids []string) (map[string]*T, error) {
		recs, err := f.FetchByIDs(ctx, typ, ids)
		if err != nil {
			return nil, err
		}
		out := make(map[string]*T, len(recs))
		for _, rec := range recs {
			v, err := decode[T, PT](codec, rec)
			if err != nil {
				return nil, err
			}
			out[rec.ID] = v
		}
		return out, nil
	}
	return loader.New(fetch, withName(string(typ), opts)...)
}

// byForeignKey builds a one-to-many loader. Every requested value resolves,
// to an empty slice when nothing references it. Loaded children are primed
// into their by-ID loader.
func byForeignKey[T any, PT entity[T]](
	f store.Fetcher,
	codec codecs.Codec,
	typ model.EntityType,
	field string,
	keyOf func(*T) string,
	prime func(*T),
	opts []loader.Option,
) *loader.Loader[string, []*T] {
	fetch := func(ctx context.Context, keys []string) (map[string][]*T, error) {
		recs, err := f.FetchByForeignKey(ctx, typ, field, keys)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]*T, len(keys))
		for _, k := range keys {
			out[k] = []*T{}
		}
		for _, rec := range recs {
			v, err := decode[T, PT](codec, rec)
			if err != nil {
				return nil, err
			}
			k := keyOf(v)
			if _, ok := out[k]; !ok {
				continue
			}
			out[k] = append(out[k], v)
			prime(v)
		}
		return out, nil
	}
	return loader.New(fetch, withName(string(typ)+"_by_"+field, opts)...)
}

func decode[T any, PT entity[T]](codec codecs.Codec, rec store.Record) (*T, error) {
	v := new(T)
	if err := codec.Unmarshal(rec.Data, v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", rec.Entity, rec.ID, err)
	}
	PT(v).SetVersion(rec.Version)
	return v, nil
}
