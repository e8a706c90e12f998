// Package store defines the persistence collaborators the loaders and
// mutations depend on, plus a PostgreSQL implementation.
package store

import (
	"context"

	"github.com/ripkitten-co/parley/model"
)

// Record is one persisted entity row. Data holds the JSON document.
type Record struct {
	Entity         model.EntityType
	ID             string
	OrganizationID string
	Data           []byte
	Version        int
}

// Fetcher is the batch read interface behind every loader. Implementations
// return the records that exist in any order; missing keys are simply absent.
type Fetcher interface {
	FetchByIDs(ctx context.Context, entity model.EntityType, ids []string) ([]Record, error)
	FetchByForeignKey(ctx context.Context, entity model.EntityType, fkField string, fkValues []string) ([]Record, error)
}

// MeetingWriter applies meeting mutations with an optimistic version check.
type MeetingWriter interface {
	UpdateStatus(ctx context.Context, meetingID string, expectedVersion int, status model.MeetingStatus) (Record, error)
	UpdateTitle(ctx context.Context, meetingID string, expectedVersion int, title string) (Record, error)
}

// Putter inserts or replaces records. Used for seeding and tests.
type Putter interface {
	Put(ctx context.Context, rec Record) (int, error)
}
