package handlers

import (
	"sync"

	"deepagent/agent"
)

// ToolStore is a process-wide registry of externally supplied tools:
// HTTP-callback tools registered by an outside process, plus any native
// agent.Tool the harness itself wants to make available without wiring
// it through a per-agent hook.
type ToolStore struct {
	mu     sync.RWMutex
	http   map[string]*agent.HTTPTool
	native map[string]agent.Tool
}

// NewToolStore returns an empty tool store.
func NewToolStore() *ToolStore {
	return &ToolStore{
		http:   make(map[string]*agent.HTTPTool),
		native: make(map[string]agent.Tool),
	}
}

// Register installs or replaces an HTTP-callback tool.
func (ts *ToolStore) Register(tool *agent.HTTPTool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.http[tool.ToolName] = tool
}

// AddTool installs or replaces a native tool implementation.
func (ts *ToolStore) AddTool(t agent.Tool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.native[t.Name()] = t
}

// Remove deletes name from both the HTTP and native maps, reporting
// whether anything was actually removed.
func (ts *ToolStore) Remove(name string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, hadHTTP := ts.http[name]
	_, hadNative := ts.native[name]
	delete(ts.http, name)
	delete(ts.native, name)
	return hadHTTP || hadNative
}

// Get returns the HTTP tool registered under name, or nil.
func (ts *ToolStore) Get(name string) *agent.HTTPTool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.http[name]
}

// All returns every registered tool, HTTP and native alike, as the
// common agent.Tool interface.
func (ts *ToolStore) All() []agent.Tool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]agent.Tool, 0, len(ts.http)+len(ts.native))
	for _, t := range ts.http {
		out = append(out, t)
	}
	for _, t := range ts.native {
		out = append(out, t)
	}
	return out
}

// Names returns the names of every registered tool.
func (ts *ToolStore) Names() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	names := make([]string, 0, len(ts.http)+len(ts.native))
	for name := range ts.http {
		names = append(names, name)
	}
	for name := range ts.native {
		names = append(names, name)
	}
	return names
}
