// Package middleware wraps unit-of-work execution with cross-cutting logic
// (panic recovery, logging, tracing). Middleware runs on the task's worker
// goroutine, outside the dispatcher lock.
package middleware

import (
	"context"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
)

// Handler is the terminal function that runs the unit of work.
type Handler func(ctx context.Context) (any, error)

// Middleware wraps a Handler. It receives the invocation being executed and
// must call next to continue the chain unless it short-circuits with an error.
type Middleware func(ctx context.Context, inv *call.Invocation, next Handler) (any, error)

// Chain composes middleware into one. The first middleware in the list is
// the outermost wrapper:
//
//	Chain(logging, tracing, recover) runs as logging → tracing → recover → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *call.Invocation, next Handler) (any, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (any, error) {
				return mw(ctx, inv, prev)
			}
		}
		return h(ctx)
	}
}
