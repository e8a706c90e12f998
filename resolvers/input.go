package resolvers

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/events"
	"github.com/ripkitten-co/parley/internal/codecs"
	"github.com/ripkitten-co/parley/model"
)

const (
	maxQueryIDs = 100
	maxTitleLen = 200
)

var strict = codecs.NewStrictJSONIter()

// Input is implemented by every resolver argument struct.
type Input interface {
	Validate() error
}

// Decode parses data strictly into T and validates it. Unknown fields and
// invalid values fail with ErrInvalidInput.
func Decode[T Input](data []byte) (T, error) {
	var in T
	if err := strict.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("decode input: %w: %v", parley.ErrInvalidInput, err)
	}
	if err := in.Validate(); err != nil {
		return in, err
	}
	return in, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), parley.ErrInvalidInput)
}

type MeetingQuery struct {
	ID string `json:"id"`
}

func (q MeetingQuery) Validate() error {
	if q.ID == "" {
		return invalid("meeting query: id required")
	}
	return nil
}

type MeetingsQuery struct {
	IDs []string `json:"ids"`
}

func (q MeetingsQuery) Validate() error {
	if len(q.IDs) == 0 {
		return invalid("meetings query: ids required")
	}
	if len(q.IDs) > maxQueryIDs {
		return invalid("meetings query: at most %d ids", maxQueryIDs)
	}
	for i, id := range q.IDs {
		if id == "" {
			return invalid("meetings query: empty id at %d", i)
		}
	}
	return nil
}

type OrganizationMeetingsQuery struct {
	OrganizationID string `json:"organizationId"`
}

func (q OrganizationMeetingsQuery) Validate() error {
	if q.OrganizationID == "" {
		return invalid("organization meetings query: organizationId required")
	}
	return nil
}

type UpdateMeetingStatusInput struct {
	MeetingID string              `json:"meetingId"`
	Status    model.MeetingStatus `json:"status"`
}

func (in UpdateMeetingStatusInput) Validate() error {
	if in.MeetingID == "" {
		return invalid("update status: meetingId required")
	}
	if !in.Status.Valid() {
		return invalid("update status: unknown status %q", in.Status)
	}
	return nil
}

type RenameMeetingInput struct {
	MeetingID string `json:"meetingId"`
	Title     string `json:"title"`
}

func (in RenameMeetingInput) Validate() error {
	if in.MeetingID == "" {
		return invalid("rename: meetingId required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return invalid("rename: title required")
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLen {
		return invalid("rename: title longer than %d characters", maxTitleLen)
	}
	return nil
}

type SubscribeFilter struct {
	MeetingID      string   `json:"meetingId,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
	Fields         []string `json:"fields,omitempty"`
}

type SubscribeInput struct {
	EventType events.Type     `json:"eventType"`
	Filter    SubscribeFilter `json:"filter"`
}

func (in SubscribeInput) Validate() error {
	if !in.EventType.Valid() {
		return invalid("subscribe: unknown event type %q", in.EventType)
	}
	if in.Filter.MeetingID == "" && in.Filter.OrganizationID == "" {
		return invalid("subscribe: filter needs meetingId or organizationId")
	}
	return nil
}
