package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"objrpc/dispatch"
)

// RateLimit rejects dispatches beyond a token-bucket budget with a busy
// reply, so the client sees a typed failure instead of queueing delay.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *dispatch.Request) *dispatch.Reply {
			if !limiter.Allow() {
				return &dispatch.Reply{
					CallID: req.CallID,
					Status: dispatch.StatusBusy,
					Error:  "rate limit exceeded",
				}
			}
			return next(ctx, req)
		}
	}
}
