// Package model holds the entity types served by the loaders and carried in
// live-update payloads.
package model

import "time"

// EntityType names a persisted entity. It doubles as the table suffix.
type EntityType string

const (
	EntityUser         EntityType = "users"
	EntityOrganization EntityType = "organizations"
	EntityMeeting      EntityType = "meetings"
	EntityTranscript   EntityType = "transcripts"
)

func EntityTypes() []EntityType {
	return []EntityType{EntityUser, EntityOrganization, EntityMeeting, EntityTranscript}
}

// Foreign-key fields used by one-to-many lookups.
const (
	FieldOrganizationID = "organizationId"
	FieldMeetingID      = "meetingId"
	FieldHostID         = "hostId"
)

type MeetingStatus string

const (
	StatusScheduled  MeetingStatus = "scheduled"
	StatusInProgress MeetingStatus = "in_progress"
	StatusCompleted  MeetingStatus = "completed"
	StatusCancelled  MeetingStatus = "cancelled"
)

func (s MeetingStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a meeting may move from s to next.
// Completed and cancelled meetings are final.
func (s MeetingStatus) CanTransition(next MeetingStatus) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case StatusScheduled:
		return next != StatusCompleted
	case StatusInProgress:
		return next == StatusCompleted || next == StatusCancelled
	}
	return false
}

type Organization struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Plan    string `json:"plan,omitempty"`
	Version int    `json:"-"`
}

type User struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Version        int    `json:"-"`
}

type Meeting struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	HostID         string        `json:"hostId"`
	Title          string        `json:"title"`
	Status         MeetingStatus `json:"status"`
	ScheduledAt    time.Time     `json:"scheduledAt"`
	Version        int           `json:"-"`
}

type Transcript struct {
	ID             string `json:"id"`
	MeetingID      string `json:"meetingId"`
	OrganizationID string `json:"organizationId"`
	Language       string `json:"language"`
	SegmentCount   int    `json:"segmentCount"`
	Version        int    `json:"-"`
}

func (o *Organization) SetVersion(v int) { o.Version = v }
func (u *User) SetVersion(v int)         { u.Version = v }
func (m *Meeting) SetVersion(v int)      { m.Version = v }
func (t *Transcript) SetVersion(v int)   { t.Version = v }
