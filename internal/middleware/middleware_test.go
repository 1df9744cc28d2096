package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	mw "github.com/ChuLiYu/beaver-dispatch/internal/middleware"
)

func newInvocation() *call.Invocation {
	return &call.Invocation{
		TaskID:    "task-1",
		JobID:     "job-1",
		Principal: "admin",
		Operation: "repo.sync",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func TestChain_Order(t *testing.T) {
	var order []string
	record := func(name string) mw.Middleware {
		return func(ctx context.Context, inv *call.Invocation, next mw.Handler) (any, error) {
			order = append(order, name+":before")
			res, err := next(ctx)
			order = append(order, name+":after")
			return res, err
		}
	}

	chain := mw.Chain(record("a"), record("b"))
	res, err := chain(context.Background(), newInvocation(), func(context.Context) (any, error) {
		order = append(order, "handler")
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, res)
	assert.Equal(t, []string{"a:before", "b:before", "handler", "b:after", "a:after"}, order)
}

func TestChain_Empty(t *testing.T) {
	res, err := mw.Chain()(context.Background(), newInvocation(), func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestRecover_ConvertsPanic(t *testing.T) {
	m := mw.Recover(discardLogger())

	res, err := m(context.Background(), newInvocation(), func(context.Context) (any, error) {
		panic("boom")
	})

	assert.Nil(t, res)
	var pe *call.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.Contains(t, pe.Traceback(), "goroutine")
}

func TestRecover_PassesErrors(t *testing.T) {
	want := errors.New("sync failed")
	_, err := mw.Recover(discardLogger())(context.Background(), newInvocation(), func(context.Context) (any, error) {
		return nil, want
	})
	assert.ErrorIs(t, err, want)
}

func TestLogging_PassesThrough(t *testing.T) {
	want := errors.New("nope")
	m := mw.Logging(discardLogger())

	res, err := m(context.Background(), newInvocation(), func(context.Context) (any, error) {
		return "r", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "r", res)

	_, err = m(context.Background(), newInvocation(), func(context.Context) (any, error) {
		return nil, want
	})
	assert.ErrorIs(t, err, want)
}

func TestTracing_SpanAttributes(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	_, err := m(context.Background(), newInvocation(), func(context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dispatch.task.execute", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "task-1", attrs["dispatch.task.id"])
	assert.Equal(t, "repo.sync", attrs["dispatch.operation"])
	assert.Equal(t, "job-1", attrs["dispatch.job.id"])
	assert.Equal(t, "admin", attrs["dispatch.principal"])
}

func TestTracing_RecordsError(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	_, err := m(context.Background(), newInvocation(), func(context.Context) (any, error) {
		return nil, errors.New("publish failed")
	})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "publish failed", spans[0].Status().Description)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestTracing_ContextCarriesSpan(t *testing.T) {
	_, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	var valid bool
	_, _ = m(context.Background(), newInvocation(), func(ctx context.Context) (any, error) {
		valid = trace.SpanFromContext(ctx).SpanContext().IsValid()
		return nil, nil
	})
	assert.True(t, valid)
}
