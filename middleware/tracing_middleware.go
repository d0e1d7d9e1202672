package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"objrpc/dispatch"
)

// Tracing opens a span per dispatch, named after the qualified method.
// With no tracer provider configured this is a no-op.
func Tracing(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer("objrpc")
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *dispatch.Request) *dispatch.Reply {
			ctx, span := tracer.Start(ctx, req.Qualified, trace.WithAttributes(
				attribute.Int64("rpc.call_id", int64(req.CallID)),
				attribute.Int64("rpc.object_id", int64(req.ObjectID)),
			))
			defer span.End()

			rep := next(ctx, req)
			if rep.Status != dispatch.StatusOK {
				span.SetStatus(codes.Error, rep.Error)
				span.SetAttributes(attribute.String("rpc.status", rep.Status.String()))
			}
			return rep
		}
	}
}
