package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpToolTimeout bounds how long a single callback round trip may take
// before the tool call fails rather than block the step loop forever.
const httpToolTimeout = 120 * time.Second

// HTTPTool is a Tool whose Execute forwards the call over HTTP to a
// process outside the harness — the mechanism by which an external tool
// server can register a capability the model can invoke without the
// harness knowing anything about it beyond name, description, and
// schema. Every HTTPTool shares one shape: POST the call as JSON to
// {CallbackURL}/tools/{name} and decode a {result, error} envelope back.
type HTTPTool struct {
	ToolName    string
	ToolDesc    string
	ToolParams  map[string]any
	CallbackURL string
	Client      *http.Client
}

// NewHTTPTool builds an HTTPTool pointed at callbackURL, with a default
// client timeout generous enough for slow external handlers.
func NewHTTPTool(name, desc string, params map[string]any, callbackURL string) *HTTPTool {
	return &HTTPTool{
		ToolName:    name,
		ToolDesc:    desc,
		ToolParams:  params,
		CallbackURL: callbackURL,
		Client:      &http.Client{Timeout: httpToolTimeout},
	}
}

func (t *HTTPTool) Name() string              { return t.ToolName }
func (t *HTTPTool) Description() string       { return t.ToolDesc }
func (t *HTTPTool) Parameters() map[string]any { return t.ToolParams }

// ParallelSafe is always false: an HTTPTool call runs an external process
// the harness knows nothing about, so it is treated as side-effecting.
func (t *HTTPTool) ParallelSafe() bool { return false }

type httpToolEnvelope struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

// Execute posts {name, args} to the callback and unwraps its response
// envelope, surfacing a non-empty Error field as a Go error rather than
// a successful-looking empty result.
func (t *HTTPTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"name": t.ToolName,
		"args": args,
	})
	if err != nil {
		return "", fmt.Errorf("http tool %s: encode call: %w", t.ToolName, err)
	}

	endpoint := fmt.Sprintf("%s/tools/%s", t.CallbackURL, t.ToolName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("http tool %s: build request: %w", t.ToolName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http tool %s: %w", t.ToolName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("http tool %s: read response: %w", t.ToolName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http tool %s: callback returned %d: %s", t.ToolName, resp.StatusCode, body)
	}

	var env httpToolEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("http tool %s: decode response: %w", t.ToolName, err)
	}
	if env.Error != "" {
		return "", fmt.Errorf("http tool %s: %s", t.ToolName, env.Error)
	}
	return env.Result, nil
}
