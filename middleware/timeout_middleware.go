package middleware

import (
	"context"
	"time"

	"objrpc/dispatch"
)

// Timeout bounds how long a single dispatch may run. An expired call keeps
// running in its goroutine, but the caller gets an error reply instead of
// holding a worker's reply slot forever.
func Timeout(limit time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *dispatch.Request) *dispatch.Reply {
			ctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()

			done := make(chan *dispatch.Reply, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case rep := <-done:
				return rep
			case <-ctx.Done():
				return &dispatch.Reply{
					CallID: req.CallID,
					Status: dispatch.StatusAppError,
					Error:  "request timed out",
				}
			}
		}
	}
}
