package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"objrpc/dispatch"
)

// Logging records every dispatch with its qualified name, duration, and
// outcome status.
func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *dispatch.Request) *dispatch.Reply {
			start := time.Now()
			rep := next(ctx, req)
			fields := []zap.Field{
				zap.String("qualified", req.Qualified),
				zap.Uint64("object", req.ObjectID),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("status", rep.Status),
			}
			if rep.Status != dispatch.StatusOK {
				fields = append(fields, zap.String("error", rep.Error))
				log.Warn("dispatch failed", fields...)
			} else {
				log.Debug("dispatch", fields...)
			}
			return rep
		}
	}
}
