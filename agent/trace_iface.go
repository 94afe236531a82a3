package agent

import "context"

// TraceRecorder is the narrow slice of the tracing package's API the
// step loop needs. It's declared here, not imported from tracing,
// because tracing itself needs to know about agent.Message and
// agent.ToolCall to render useful spans — importing agent.TraceRecorder
// back from tracing would create a cycle. Whatever concrete recorder
// tracing.NewTrace produces just has to satisfy this shape.
type TraceRecorder interface {
	// StartSpan opens a span named name; the caller must eventually call
	// End on the returned handle.
	StartSpan(name string) SpanHandle
	// RecordEvent logs a zero-duration event with arbitrary metadata.
	RecordEvent(name string, metadata map[string]any)
}

// SpanHandle accumulates key/value metadata over its lifetime and is
// closed with End.
type SpanHandle interface {
	Set(key string, value any) SpanHandle
	End()
}

type traceContextKey struct{}

// WithTraceRecorder attaches tr to ctx so nested calls down the step
// loop can record spans without threading a recorder through every
// function signature.
func WithTraceRecorder(ctx context.Context, tr TraceRecorder) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tr)
}

// TraceFromContext retrieves the TraceRecorder attached by
// WithTraceRecorder, or nil if none was attached — callers must treat a
// nil recorder as "tracing disabled" rather than an error.
func TraceFromContext(ctx context.Context) TraceRecorder {
	tr, _ := ctx.Value(traceContextKey{}).(TraceRecorder)
	return tr
}
