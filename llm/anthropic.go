package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicBaseURL     = "https://api.anthropic.com/v1"
	anthropicAPIVersion  = "2023-06-01"
	anthropicMaxTokens   = 4096
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	apiKey string
	model  string
	client *http.Client
}

// NewAnthropicClient builds an AnthropicClient for model, authenticated
// with apiKey.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []wireContentBlock
}

type wireContentBlock struct {
	Type      string         `json:"type"` // "text", "tool_use", "tool_result"
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	System    string        `json:"system,omitempty"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream"`
	Tools     []wireTool    `json:"tools,omitempty"`
}

type wireResponse struct {
	Content []wireContentBlock `json:"content"`
}

type wireStreamEvent struct {
	Type         string          `json:"type"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	ContentBlock *wireContentBlock `json:"content_block,omitempty"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

func (c *AnthropicClient) Call(ctx context.Context, req Request) (*Response, error) {
	data, err := c.send(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	out := &Response{}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCallResult{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	return out, nil
}

func (c *AnthropicClient) Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error {
	defer close(ch)

	httpReq, err := c.newRequest(ctx, c.buildRequest(req, true))
	if err != nil {
		return err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, string(body))
	}

	acc := &toolCallAccumulator{}
	streamDone := false

	err = scanEventStream(resp.Body, func(data string) (bool, error) {
		var event wireStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return false, nil
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				acc.start(event.ContentBlock.ID, event.ContentBlock.Name)
			}

		case "content_block_delta":
			var delta wireDelta
			json.Unmarshal(event.Delta, &delta)
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					ch <- StreamChunk{Delta: delta.Text}
				}
			case "input_json_delta":
				acc.append(delta.PartialJSON)
			}

		case "content_block_stop":
			if tc := acc.finish(); tc != nil {
				ch <- StreamChunk{ToolCall: tc}
			}

		case "message_stop":
			ch <- StreamChunk{Done: true}
			streamDone = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !streamDone {
		ch <- StreamChunk{Done: true}
	}
	return nil
}

// toolCallAccumulator collects an in-progress tool_use block's
// streamed JSON arguments across multiple content_block_delta events.
type toolCallAccumulator struct {
	id, name string
	args     strings.Builder
}

func (a *toolCallAccumulator) start(id, name string) {
	a.id, a.name = id, name
	a.args.Reset()
}

func (a *toolCallAccumulator) append(partial string) {
	a.args.WriteString(partial)
}

func (a *toolCallAccumulator) finish() *ToolCallResult {
	if a.id == "" {
		return nil
	}
	var args map[string]any
	json.Unmarshal([]byte(a.args.String()), &args)
	tc := &ToolCallResult{ID: a.id, Name: a.name, Args: args}
	a.id, a.name = "", ""
	a.args.Reset()
	return tc
}

func (c *AnthropicClient) buildRequest(req Request, stream bool) []byte {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			continue // carried separately as wireRequest.System
		case "assistant":
			msgs = append(msgs, assistantWireMessage(m))
		case "tool":
			msgs = append(msgs, wireMessage{
				Role: "user",
				Content: []wireContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		default:
			msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
		}
	}

	wire := wireRequest{
		Model:     c.model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
		System:    req.SystemPrompt,
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = anthropicMaxTokens
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toolParams(t.Parameters),
		})
	}

	data, _ := json.Marshal(wire)
	return data
}

func assistantWireMessage(m Message) wireMessage {
	if len(m.ToolCalls) == 0 {
		return wireMessage{Role: "assistant", Content: m.Content}
	}

	var blocks []wireContentBlock
	if m.Content != "" {
		blocks = append(blocks, wireContentBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, wireContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Args})
	}
	return wireMessage{Role: "assistant", Content: blocks}
}

func toolParams(params map[string]any) map[string]any {
	if params != nil {
		return params
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (c *AnthropicClient) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicBaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	return req, nil
}

func (c *AnthropicClient) send(ctx context.Context, body []byte) ([]byte, error) {
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
