package hooks

import (
	"context"

	"github.com/uptrace/bun"
)

// BunHook is a bun.QueryHook that reports every statement.
type BunHook struct {
	obs Observer
}

var _ bun.QueryHook = (*BunHook)(nil)

func NewBunHook(obs Observer) *BunHook {
	return &BunHook{obs: obs}
}

func (h *BunHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *BunHook) AfterQuery(ctx context.Context, e *bun.QueryEvent) {
	var rows int64
	if e.Result != nil {
		rows, _ = e.Result.RowsAffected()
	}
	h.obs(ctx, newQuery("bun", e.Query, e.StartTime, rows, e.Err))
}
