package serve

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// tracerName identifies this instrumentation scope.
const tracerName = "github.com/dshills/graphserve-go/serve"

// tracer wraps an OpenTelemetry tracer with the span shapes used by the run
// pipeline. Attribute keys are namespaced "graphserve.".
type tracer struct {
	tr trace.Tracer
}

// newTracer builds the pipeline tracer. A nil provider yields no-op spans.
func newTracer(tp trace.TracerProvider) *tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &tracer{tr: tp.Tracer(tracerName)}
}

// startRun opens the span covering one executor attempt of a run.
func (t *tracer) startRun(ctx context.Context, runID, threadID string, attempt int) (context.Context, trace.Span) {
	return t.tr.Start(ctx, "graphserve.run",
		trace.WithAttributes(
			attribute.String("graphserve.run_id", runID),
			attribute.String("graphserve.thread_id", threadID),
			attribute.Int("graphserve.attempt", attempt),
		),
	)
}

// startStep opens the span covering one checkpointed step.
func (t *tracer) startStep(ctx context.Context, runID string, seq int) (context.Context, trace.Span) {
	return t.tr.Start(ctx, "graphserve.step",
		trace.WithAttributes(
			attribute.String("graphserve.run_id", runID),
			attribute.Int("graphserve.step_seq", seq),
		),
	)
}

// endSpan closes a span, recording err if the operation failed.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
