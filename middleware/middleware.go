// Package middleware provides composable wrappers around the server's
// dispatch handler.
package middleware

import (
	"context"

	"objrpc/dispatch"
)

// HandlerFunc processes one parsed request into a reply.
type HandlerFunc func(ctx context.Context, req *dispatch.Request) *dispatch.Reply

// Middleware wraps a handler with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one. Chain(A, B, C)(h) executes
// A.before → B.before → C.before → h → C.after → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
