// Package events defines the live-update envelope and the publisher that
// hands envelopes to the broker after a mutation commits.
package events

import (
	stdjson "encoding/json"
	"fmt"
	"time"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/internal/codecs"
)

// Type names a kind of live update. Each type maps to one broker topic.
type Type string

const (
	MeetingStatusChanged   Type = "meeting.statusChanged"
	MeetingUpdated         Type = "meeting.updated"
	TranscriptSegmentAdded Type = "transcript.segmentAdded"
	ScorecardUpdated       Type = "scorecard.updated"
)

const topicPrefix = "parley."

var types = []Type{MeetingStatusChanged, MeetingUpdated, TranscriptSegmentAdded, ScorecardUpdated}

// Types lists every known event type.
func Types() []Type {
	return append([]Type(nil), types...)
}

func (t Type) Valid() bool {
	for _, k := range types {
		if t == k {
			return true
		}
	}
	return false
}

// Topic is the broker topic carrying envelopes of this type.
func (t Type) Topic() string {
	return topicPrefix + string(t)
}

// Topics lists the broker topics of every known event type.
func Topics() []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.Topic()
	}
	return out
}

// Envelope is the serialized unit crossing process boundaries. Seq increases
// by one per published envelope of a topic from one Origin, so receivers can
// detect duplicates and gaps.
type Envelope struct {
	ID             string             `json:"id"`
	Type           Type               `json:"type"`
	ScopeKey       string             `json:"scopeKey"`
	OrganizationID string             `json:"organizationId"`
	Payload        stdjson.RawMessage `json:"payload"`
	ProducedAt     time.Time          `json:"producedAt"`
	Origin         string             `json:"origin"`
	Seq            uint64             `json:"seq"`
}

// StatusChange is the payload of meeting.statusChanged.
type StatusChange struct {
	Old           string   `json:"old"`
	New           string   `json:"new"`
	ChangedFields []string `json:"changedFields"`
}

// Change is the generic payload shape for field-level updates.
type Change struct {
	ChangedFields []string       `json:"changedFields"`
	Values        map[string]any `json:"values,omitempty"`
}

func (e Envelope) Validate() error {
	switch {
	case !e.Type.Valid():
		return fmt.Errorf("envelope: unknown type %q: %w", e.Type, parley.ErrInvalidInput)
	case e.ScopeKey == "":
		return fmt.Errorf("envelope: empty scope key: %w", parley.ErrInvalidInput)
	case e.OrganizationID == "":
		return fmt.Errorf("envelope: empty organization: %w", parley.ErrInvalidInput)
	}
	return nil
}

func Encode(c codecs.Codec, e Envelope) ([]byte, error) {
	data, err := c.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: encode: %w", e.ID, err)
	}
	return data, nil
}

func Decode(c codecs.Codec, data []byte) (Envelope, error) {
	var e Envelope
	if err := c.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// ChangedFields extracts payload.changedFields. A payload without the key
// yields nil, meaning every field may have changed.
func ChangedFields(c codecs.Codec, payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	var p struct {
		ChangedFields []string `json:"changedFields"`
	}
	if err := c.Unmarshal(payload, &p); err != nil {
		return nil
	}
	return p.ChangedFields
}
