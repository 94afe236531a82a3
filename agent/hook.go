package agent

import (
	"context"

	"deepagent/llm"
)

// ModelCallWrapFunc is the "next" continuation a hook's WrapModelCall
// receives — call it to let the chain proceed to the actual model
// request (or the next hook inward).
type ModelCallWrapFunc func(ctx context.Context, msgs []Message) (*llm.Response, error)

// ToolCallFunc is the "next" continuation a hook's WrapToolCall
// receives — call it to let the chain proceed to the actual tool
// execution (or the next hook inward).
type ToolCallFunc func(ctx context.Context, call ToolCall) (*ToolResult, error)

// Hook is one layer of the agent's onion-ring middleware: it can run
// setup once at agent creation, rewrite the outgoing message list before
// every model call, wrap the model call itself, and wrap every tool
// call. A hook that doesn't care about a given phase simply passes
// through to next, which is why BaseHook exists as an embeddable
// zero-value implementation.
type Hook interface {
	// Name identifies the hook for logging, AgentInfo summaries, and
	// HookOverrides.Remove/Add matching.
	Name() string

	// Phases lists which of the four phases below this hook
	// participates in: "before_agent", "modify_request",
	// "wrap_model_call", "wrap_tool_call".
	Phases() []string

	// BeforeAgent runs once when the agent is built, before the first
	// step — the place to register tools, load skills/memory content,
	// or otherwise prepare AgentState.
	BeforeAgent(ctx context.Context, state *AgentState) error

	// WrapModelCall wraps a single model call. A hook implementing
	// summarization or prompt caching does its work here and then
	// delegates to next; a hook uninterested in the model call just
	// returns next(ctx, msgs).
	WrapModelCall(ctx context.Context, msgs []Message, next ModelCallWrapFunc) (*llm.Response, error)

	// WrapToolCall wraps a single tool execution — used for logging,
	// large-result offload, and similar cross-cutting behavior around
	// every tool invocation regardless of which tool it is.
	WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (*ToolResult, error)

	// ModifyRequest runs immediately before each model call and may
	// rewrite the outgoing message list — typically to inject or update
	// a system-prompt section owned by this hook.
	ModifyRequest(ctx context.Context, msgs []Message) ([]Message, error)
}

// BaseHook implements Hook with pass-through defaults for every method,
// so a concrete hook only needs to override the phases it actually
// participates in.
type BaseHook struct{}

func (BaseHook) Name() string { return "base" }

func (BaseHook) Phases() []string {
	return []string{"before_agent", "modify_request", "wrap_model_call", "wrap_tool_call"}
}

func (BaseHook) BeforeAgent(ctx context.Context, state *AgentState) error {
	return nil
}

func (BaseHook) WrapModelCall(ctx context.Context, msgs []Message, next ModelCallWrapFunc) (*llm.Response, error) {
	return next(ctx, msgs)
}

func (BaseHook) WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (*ToolResult, error) {
	return next(ctx, call)
}

func (BaseHook) ModifyRequest(ctx context.Context, msgs []Message) ([]Message, error) {
	return msgs, nil
}
