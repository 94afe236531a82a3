// Package llm is the model-provider boundary the agent loop calls
// through: one Client interface, three concrete implementations
// (OpenAI-compatible, Anthropic, and an HTTP proxy for out-of-process
// providers), and a Resolve function that turns a model spec from
// agent config into the right one.
package llm

import "context"

// Client is anything that can answer a chat request, synchronously or
// as a stream of chunks.
type Client interface {
	// Call blocks for the full response.
	Call(ctx context.Context, req Request) (*Response, error)

	// Stream sends incremental chunks to ch, closing it when the
	// response is complete or the call fails.
	Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error
}

// Message is one turn of a conversation, in the shape every provider
// adapter converts to and from its own wire format.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCallInfo `json:"tool_calls,omitempty"`
}

// ToolCallInfo is a tool call already attached to an assistant message
// (as opposed to ToolCallResult, which a provider hands back fresh).
type ToolCallInfo struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// ToolSchema describes one tool a model may call.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is everything a Client needs to produce a Response.
type Request struct {
	Model        string       `json:"model"`
	Messages     []Message    `json:"messages"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
	Temperature  *float64     `json:"temperature,omitempty"`
}

// Response is a completed, non-streaming model turn.
type Response struct {
	Content   string           `json:"content"`
	ToolCalls []ToolCallResult `json:"tool_calls,omitempty"`
}

// ToolCallResult is one tool invocation a model asked for.
type ToolCallResult struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// StreamChunk is one increment of a streaming Response: either a text
// delta, a completed tool call, the terminal Done marker, or an error
// that ends the stream early.
type StreamChunk struct {
	Delta    string          `json:"delta,omitempty"`
	ToolCall *ToolCallResult `json:"tool_call,omitempty"`
	Done     bool            `json:"done,omitempty"`
	Error    error           `json:"-"`
}
