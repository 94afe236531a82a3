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

// HTTPProxyClient forwards calls to an out-of-process sidecar over
// HTTP instead of talking to a model provider directly, so a caller
// can implement a custom model handler (its own auth, its own
// request/response shaping) without the harness needing to know about
// it.
type HTTPProxyClient struct {
	callbackURL string
	modelName   string
	client      *http.Client
}

// NewHTTPProxyClient builds a proxy client that forwards to callbackURL
// (e.g. "http://127.0.0.1:9100").
func NewHTTPProxyClient(callbackURL, modelName string) *HTTPProxyClient {
	return &HTTPProxyClient{
		callbackURL: strings.TrimRight(callbackURL, "/"),
		modelName:   modelName,
		client:      &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *HTTPProxyClient) endpoint(verb string) string {
	return fmt.Sprintf("%s/llm/%s/%s", c.callbackURL, c.modelName, verb)
}

func (c *HTTPProxyClient) Call(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal proxy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("call"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy call failed (%d): %s", resp.StatusCode, string(data))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse proxy response: %w", err)
	}
	return &out, nil
}

// Stream forwards to the sidecar's streaming endpoint and relays its
// SSE frames onto ch as StreamChunk values.
func (c *HTTPProxyClient) Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error {
	defer close(ch)

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal proxy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("stream"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("proxy stream failed (%d): %s", resp.StatusCode, string(data))
	}

	return scanEventStream(resp.Body, func(data string) (bool, error) {
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, nil
		}
		ch <- chunk
		return chunk.Done, nil
	})
}
