package tracing

import (
	"context"

	"deepagent/agent"
	"deepagent/llm"
)

const spanPreviewBytes = 500

// Hook is the agent.Hook that turns every model call and every tool
// call into a timed span on whatever agent.TraceRecorder is attached to
// the context — it does nothing when no recorder is present, so a
// harness running without tracing enabled pays no cost beyond the
// context lookup.
type Hook struct {
	agent.BaseHook
}

// NewTracingHook builds the tracing hook.
func NewTracingHook() *Hook {
	return &Hook{}
}

func (h *Hook) Name() string { return "tracing" }

func (h *Hook) Phases() []string {
	return []string{"wrap_model_call", "wrap_tool_call"}
}

func (h *Hook) WrapModelCall(ctx context.Context, msgs []agent.Message, next agent.ModelCallWrapFunc) (*llm.Response, error) {
	tr := agent.TraceFromContext(ctx)
	if tr == nil {
		return next(ctx, msgs)
	}

	s := tr.StartSpan("llm.call")
	s.Set("message_count", len(msgs))
	resp, err := next(ctx, msgs)
	if err != nil {
		s.Set("error", err.Error())
		s.End()
		return resp, err
	}

	s.Set("content_length", len(resp.Content))
	s.Set("tool_calls_count", len(resp.ToolCalls))
	s.Set("content", clip(resp.Content, spanPreviewBytes))
	if len(resp.ToolCalls) > 0 {
		names := make([]string, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			names[i] = tc.Name
		}
		s.Set("tool_calls", names)
	}
	s.End()
	return resp, err
}

func (h *Hook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) (*agent.ToolResult, error) {
	tr := agent.TraceFromContext(ctx)
	if tr == nil {
		return next(ctx, call)
	}

	s := tr.StartSpan("tool.call")
	s.Set("tool_name", call.Name)
	s.Set("tool_call_id", call.ID)
	s.Set("tool_args", call.Args)
	result, err := next(ctx, call)
	if err != nil {
		s.Set("error", err.Error())
		s.End()
		return result, err
	}
	if result != nil {
		s.Set("output_length", len(result.Output))
		s.Set("output", clip(result.Output, spanPreviewBytes))
		if result.Error != "" {
			s.Set("tool_error", result.Error)
		}
	}
	s.End()
	return result, err
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
