package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"deepagent/agent"
)

// Span is one timed operation recorded inside a Trace — a single model
// call, a single tool call, or an instantaneous event with zero
// duration.
type Span struct {
	Name       string         `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMs float64        `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Trace collects every span produced while handling one invoke/stream
// request. It implements agent.TraceRecorder so the step loop can record
// into it without importing this package.
type Trace struct {
	mu sync.Mutex

	TraceID    string         `json:"trace_id"`
	AgentID    string         `json:"agent_id"`
	ThreadID   string         `json:"thread_id"`
	Model      string         `json:"model"`
	Method     string         `json:"method"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMs float64        `json:"duration_ms"`
	Spans      []Span         `json:"spans"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

var _ agent.TraceRecorder = (*Trace)(nil)

// NewTrace opens a trace for a single agent invocation, stamping it with
// a fresh trace ID.
func NewTrace(agentID, threadID, model, method string, messageCount int) *Trace {
	return &Trace{
		TraceID:   uuid.NewString(),
		AgentID:   agentID,
		ThreadID:  threadID,
		Model:     model,
		Method:    method,
		StartTime: time.Now(),
		Spans:     []Span{},
		Input:     map[string]any{"message_count": messageCount},
	}
}

// span is the live builder StartSpan hands back; it satisfies
// agent.SpanHandle.
type span struct {
	trace *Trace
	rec   Span
}

var _ agent.SpanHandle = (*span)(nil)

func (t *Trace) StartSpan(name string) agent.SpanHandle {
	return &span{trace: t, rec: Span{Name: name, StartTime: time.Now(), Metadata: map[string]any{}}}
}

func (t *Trace) RecordEvent(name string, metadata map[string]any) {
	now := time.Now()
	t.append(Span{Name: name, StartTime: now, EndTime: now, Metadata: metadata})
}

func (s *span) Set(key string, value any) agent.SpanHandle {
	s.rec.Metadata[key] = value
	return s
}

func (s *span) End() {
	s.rec.EndTime = time.Now()
	s.rec.DurationMs = float64(s.rec.EndTime.Sub(s.rec.StartTime)) / float64(time.Millisecond)
	s.trace.append(s.rec)
}

func (t *Trace) append(s Span) {
	t.mu.Lock()
	t.Spans = append(t.Spans, s)
	t.mu.Unlock()
}

// Finish stamps the trace's end time and duration, recording err (if
// any) as the trace-level failure.
func (t *Trace) Finish(err error) {
	t.EndTime = time.Now()
	t.DurationMs = float64(t.EndTime.Sub(t.StartTime)) / float64(time.Millisecond)
	if err != nil {
		t.Error = err.Error()
	}
}

// Store is a bounded, in-memory ring of recently finished traces, kept
// for the diagnostic trace-inspection endpoints.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*Trace
	arrival []string
	cap     int
}

// NewStore returns a store that retains at most capacity traces,
// evicting the oldest on overflow.
func NewStore(capacity int) *Store {
	return &Store{
		byID:    make(map[string]*Trace),
		arrival: make([]string, 0, capacity),
		cap:     capacity,
	}
}

// Put records t, evicting the oldest trace first if the store is full.
func (s *Store) Put(t *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.arrival) >= s.cap {
		oldest := s.arrival[0]
		delete(s.byID, oldest)
		s.arrival = s.arrival[1:]
	}
	s.byID[t.TraceID] = t
	s.arrival = append(s.arrival, t.TraceID)
}

// Get returns the trace with the given ID, or nil.
func (s *Store) Get(traceID string) *Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[traceID]
}

// List returns up to limit of the most recently arrived traces, newest
// first.
func (s *Store) List(limit int) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.arrival)
	if limit > n {
		limit = n
	}
	out := make([]*Trace, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.byID[s.arrival[n-1-i]]
	}
	return out
}

// WithTrace attaches t to ctx through agent.WithTraceRecorder, so both
// packages read from the same context key.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return agent.WithTraceRecorder(ctx, t)
}

// FromContext recovers the concrete *Trace attached by WithTrace, or nil
// if the context carries none (or carries some other TraceRecorder).
func FromContext(ctx context.Context) *Trace {
	tr := agent.TraceFromContext(ctx)
	if tr == nil {
		return nil
	}
	t, _ := tr.(*Trace)
	return t
}
