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

// OpenAIClient speaks the OpenAI chat-completions wire format, which
// covers OpenAI itself plus every OpenAI-compatible endpoint the
// resolver hands it (Ollama, vLLM, LiteLLM, a gateway).
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIClient builds a client against baseURL (an OpenAI-compatible
// chat-completions root) for model, authenticated with apiKey.
func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolCallFunc `json:"function"`
}

type chatToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatCompletion struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

func (c *OpenAIClient) Call(ctx context.Context, req Request) (*Response, error) {
	data, err := c.doRequest(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	var completion chatCompletion
	if err := json.Unmarshal(data, &completion); err != nil {
		return nil, fmt.Errorf("parse chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return &Response{}, nil
	}

	msg := completion.Choices[0].Message
	out := &Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, ToolCallResult{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return out, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error {
	defer close(ch)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(c.buildRequest(req, true)))
	if err != nil {
		return err
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat completions error %d: %s", resp.StatusCode, string(data))
	}

	pending := newToolCallSet()

	err = scanEventStream(resp.Body, func(data string) (bool, error) {
		if data == "[DONE]" {
			return true, nil
		}

		var chunk chatCompletion
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, nil
		}
		if len(chunk.Choices) == 0 {
			return false, nil
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			ch <- StreamChunk{Delta: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			pending.accumulate(tc)
		}

		if choice.FinishReason == "tool_calls" || choice.FinishReason == "stop" {
			for _, tc := range pending.drain() {
				ch <- StreamChunk{ToolCall: tc}
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	ch <- StreamChunk{Done: true}
	return nil
}

// toolCallSet accumulates a streamed tool call's arguments by the
// index OpenAI tags each delta fragment with, since a single call's
// JSON arguments arrive split across many chunks.
type toolCallSet struct {
	calls map[int]*ToolCallResult
	args  map[int]*strings.Builder
}

func newToolCallSet() *toolCallSet {
	return &toolCallSet{calls: map[int]*ToolCallResult{}, args: map[int]*strings.Builder{}}
}

func (s *toolCallSet) accumulate(tc chatToolCall) {
	if _, ok := s.calls[tc.Index]; !ok {
		s.calls[tc.Index] = &ToolCallResult{ID: tc.ID, Name: tc.Function.Name}
		s.args[tc.Index] = &strings.Builder{}
	}
	if tc.Function.Arguments != "" {
		s.args[tc.Index].WriteString(tc.Function.Arguments)
	}
}

func (s *toolCallSet) drain() []*ToolCallResult {
	out := make([]*ToolCallResult, 0, len(s.calls))
	for idx, tc := range s.calls {
		var args map[string]any
		json.Unmarshal([]byte(s.args[idx].String()), &args)
		tc.Args = args
		out = append(out, tc)
	}
	s.calls = map[int]*ToolCallResult{}
	s.args = map[int]*strings.Builder{}
	return out
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) []byte {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toChatMessage(m))
	}

	out := chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: toolParams(t.Parameters)},
		})
	}

	data, _ := json.Marshal(out)
	return data
}

func toChatMessage(m Message) chatMessage {
	msg := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
	for _, tc := range m.ToolCalls {
		argsJSON, _ := json.Marshal(tc.Args)
		msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: chatToolCallFunc{Name: tc.Name, Arguments: string(argsJSON)},
		})
	}
	return msg
}

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" && c.apiKey != "ollama" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *OpenAIClient) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

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
		return nil, fmt.Errorf("chat completions error %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
