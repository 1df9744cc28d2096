package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
)

// tracerName is the instrumentation scope name for dispatcher tracing.
const tracerName = "github.com/ChuLiYu/beaver-dispatch"

// Tracing wraps execution in an OpenTelemetry span using the global
// TracerProvider (a noop tracer unless one is installed).
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer is Tracing with an explicit tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, inv *call.Invocation, next Handler) (any, error) {
		ctx, span := tracer.Start(ctx, "dispatch.task.execute",
			trace.WithAttributes(
				attribute.String("dispatch.task.id", string(inv.TaskID)),
				attribute.String("dispatch.operation", inv.Operation),
				attribute.String("dispatch.job.id", inv.JobID),
				attribute.String("dispatch.principal", inv.Principal),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		result, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return result, err
	}
}
