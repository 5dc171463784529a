// Package handlers provides reusable callback handlers and decorators for the reactor.
package handlers

import (
	"context"
	"log"

	"github.com/coachpo/reactor/internal/app/reactor"
	"github.com/coachpo/reactor/internal/domain/schema"
	"github.com/coachpo/reactor/lib/async"
)

// Offload runs h on the pool so the dispatch worker is not blocked by slow callbacks.
// The returned handler reports Success once the work is queued and Fail when the pool
// cannot accept it. The disposition of the offloaded call is only logged.
func Offload(pool *async.Pool, h reactor.Handler, logger *log.Logger) reactor.Handler {
	if pool == nil || h == nil {
		return h
	}
	return reactor.HandlerFunc(func(ctx context.Context, evt *schema.Event) schema.Disposition {
		clone := *evt
		err := pool.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
			if disposition := h.Handle(taskCtx, &clone); disposition != schema.DispositionSuccess && logger != nil {
				logger.Printf("session=%s event=%s offloaded handler reported %s", clone.SessionID, clone.ID, disposition)
			}
			return nil
		})
		if err != nil {
			if logger != nil {
				logger.Printf("session=%s event=%s offload rejected: %v", evt.SessionID, evt.ID, err)
			}
			return schema.DispositionFail
		}
		return schema.DispositionSuccess
	})
}
