package store

import (
	"context"
	"fmt"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/model"
)

// Sessioner opens transactions. *parley.Store implements it.
type Sessioner interface {
	Session(ctx context.Context) (*parley.Session, error)
}

// TxWriter runs every meeting mutation in its own session and commits before
// returning, so the caller only publishes changes that are durable.
type TxWriter struct {
	sessions Sessioner
}

var _ MeetingWriter = (*TxWriter)(nil)

func NewTxWriter(s Sessioner) *TxWriter {
	return &TxWriter{sessions: s}
}

func (w *TxWriter) UpdateStatus(ctx context.Context, meetingID string, expectedVersion int, status model.MeetingStatus) (Record, error) {
	return w.inSession(ctx, func(p *Postgres) (Record, error) {
		return p.UpdateStatus(ctx, meetingID, expectedVersion, status)
	})
}

func (w *TxWriter) UpdateTitle(ctx context.Context, meetingID string, expectedVersion int, title string) (Record, error) {
	return w.inSession(ctx, func(p *Postgres) (Record, error) {
		return p.UpdateTitle(ctx, meetingID, expectedVersion, title)
	})
}

func (w *TxWriter) inSession(ctx context.Context, fn func(*Postgres) (Record, error)) (Record, error) {
	sess, err := w.sessions.Session(ctx)
	if err != nil {
		return Record{}, err
	}
	defer sess.Close(ctx)

	rec, err := fn(NewPostgres(sess))
	if err != nil {
		return Record{}, err
	}
	if err := sess.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("store: %w", err)
	}
	return rec, nil
}
