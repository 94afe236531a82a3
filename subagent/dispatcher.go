// Package subagent implements the sub-agent dispatcher (harness spec §4.E):
// a single "task" tool that spawns isolated child agent runs and stitches
// their results back into the parent state deterministically.
package subagent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"deepagent/agent"
	"deepagent/llm"
)

// ErrUnknownSubAgent is returned when a task call names an unregistered
// sub-agent.
type ErrUnknownSubAgent struct{ Name string }

func (e *ErrUnknownSubAgent) Error() string {
	return fmt.Sprintf("UnknownSubAgent: %q is not a registered sub-agent", e.Name)
}

// Definition is a lazily-compiled sub-agent template: its own prompt, tool
// set, and model, compiled into a runnable *agent.Agent on first use.
type Definition struct {
	Name         string
	Description  string
	SystemPrompt string
	Model        llm.Client
	Tools        []agent.Tool
	Hooks        []agent.Hook // the enclosing harness's hook stack minus SubAgentHook
	ExcludeState []string     // the child always starts from a fresh state; listing "files" here stops shared files from being copied back to the parent

	compiled     *agent.Agent
	compileMutex sync.Mutex
}

// Registry holds sub-agent definitions available to the "task" tool.
type Registry struct {
	mu          sync.RWMutex
	defs        map[string]*Definition
	checkpoint  *agent.Checkpointer
	maxParallel int
}

// NewRegistry creates an empty sub-agent registry. checkpointer is shared
// with the parent harness so child runs are checkpointed under the same
// store as the parent, keyed by a distinct thread ID.
func NewRegistry(checkpointer *agent.Checkpointer, maxParallel int) *Registry {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Registry{defs: make(map[string]*Definition), checkpoint: checkpointer, maxParallel: maxParallel}
}

// Register adds or replaces a sub-agent definition.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Names lists every registered sub-agent name, for system-prompt injection.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

func (r *Registry) get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// compile builds (or returns the cached) *agent.Agent for a definition,
// sharing checkpointer with the parent harness so child runs persist under
// the same store as the parent, keyed by their own distinct thread ID.
func (d *Definition) compile(id string, checkpointer *agent.Checkpointer) *agent.Agent {
	d.compileMutex.Lock()
	defer d.compileMutex.Unlock()
	if d.compiled != nil {
		return d.compiled
	}
	cfg := &agent.AgentConfig{Name: d.Name, SystemPrompt: d.SystemPrompt}
	d.compiled = agent.NewAgent(id, cfg, d.Model, d.Tools, d.Hooks, checkpointer)
	return d.compiled
}

// Hook contributes the "task" tool. It is excluded from a compiled child's
// own hook stack to prevent recursive dispatch by default.
type Hook struct {
	agent.BaseHook
	registry *Registry
	// sharedFilePrefixes lists path prefixes whose writes propagate from a
	// child's AgentState.Files back into the parent; all other child files
	// are discarded once the child run completes.
	sharedFilePrefixes []string
	// sem bounds how many task calls run concurrently across the whole
	// hook instance, independent of how many sibling calls the model made
	// in one assistant message.
	sem chan struct{}
}

// NewHook creates a sub-agent dispatcher hook backed by registry.
func NewHook(registry *Registry, sharedFilePrefixes []string) *Hook {
	return &Hook{registry: registry, sharedFilePrefixes: sharedFilePrefixes, sem: make(chan struct{}, registry.maxParallel)}
}

func (h *Hook) Name() string { return "subagents" }

func (h *Hook) Phases() []string {
	return []string{"before_agent", "modify_request"}
}

// BeforeAgent registers the task tool, capturing the parent state and
// thread ID via closure so concurrent sibling task calls can be dispatched
// against the same registry and stitched back deterministically by the
// caller (the tool-call chain preserves original call-index ordering).
func (h *Hook) BeforeAgent(ctx context.Context, state *agent.AgentState) error {
	agent.RegisterToolOnState(state, &agent.FuncTool{
		ToolName: "task",
		ToolDesc: "Delegate a self-contained piece of work to a named sub-agent. Returns the sub-agent's final answer.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"subagent_name": map[string]any{"type": "string", "description": "Name of the sub-agent to invoke"},
				"description":   map[string]any{"type": "string", "description": "Task description / instructions for the sub-agent"},
			},
			"required": []string{"subagent_name", "description"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["subagent_name"].(string)
			description, _ := args["description"].(string)
			return h.dispatch(ctx, state, name, description)
		},
	})
	return nil
}

// ModifyRequest appends a short section to the system prompt naming the
// task tool and the available sub-agents, mirroring how the original
// deepagents library documents delegation inline in the parent prompt.
func (h *Hook) ModifyRequest(ctx context.Context, msgs []agent.Message) ([]agent.Message, error) {
	names := h.registry.Names()
	if len(names) == 0 {
		return msgs, nil
	}
	note := fmt.Sprintf(
		"\n\nYou have a `task` tool for delegating self-contained work to sub-agents: %s. "+
			"Call task(subagent_name, description) and use its returned summary; the sub-agent's "+
			"own conversation is not visible to you.",
		strings.Join(names, ", "),
	)
	for i, m := range msgs {
		if m.Role == "system" {
			msgs[i].Content += note
			return msgs, nil
		}
	}
	return append([]agent.Message{{Role: "system", Content: strings.TrimPrefix(note, "\n\n")}}, msgs...), nil
}

// dispatch runs a single child agent to completion and returns its visible
// result text.
func (h *Hook) dispatch(ctx context.Context, parent *agent.AgentState, name, description string) (string, error) {
	def, ok := h.registry.get(name)
	if !ok {
		return "", &ErrUnknownSubAgent{Name: name}
	}

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	childID := name + ":" + parent.ThreadID
	child := def.compile(childID, h.registry.checkpoint)

	callID := agent.ToolCallIDFromContext(ctx)
	if callID == "" {
		callID = newCallID()
	}
	childThreadID := parent.ThreadID + ":" + callID
	childMessages := []agent.Message{agent.Human(description)}

	childState, err := child.Run(ctx, childMessages, childThreadID)
	if err != nil {
		return "", fmt.Errorf("subagent %s: %w", name, err)
	}

	h.propagateSharedFiles(parent, childState, def.ExcludeState)

	return finalAssistantText(childState.Messages), nil
}

// propagateSharedFiles copies child files under a configured shared prefix
// into the parent state; everything else, including todos, is discarded.
func (h *Hook) propagateSharedFiles(parent, child *agent.AgentState, excluded []string) {
	if len(h.sharedFilePrefixes) == 0 || child.Files == nil {
		return
	}
	if contains(excluded, "files") {
		return
	}
	for path, content := range child.Files {
		for _, prefix := range h.sharedFilePrefixes {
			if strings.HasPrefix(path, prefix) {
				if parent.Files == nil {
					parent.Files = make(map[string]string)
				}
				parent.Files[path] = content
				break
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// finalAssistantText concatenates the text parts of the last assistant
// message, which is the only part of a child run visible to the parent.
func finalAssistantText(msgs []agent.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			return msgs[i].Content
		}
	}
	return ""
}

// newCallID derives a short, dependency-free identifier for a child thread
// suffix. It does not need global uniqueness beyond the parent thread, only
// distinctness between sibling task calls, so a monotonic counter suffices.
var callCounter struct {
	mu sync.Mutex
	n  int
}

func newCallID() string {
	callCounter.mu.Lock()
	defer callCounter.mu.Unlock()
	callCounter.n++
	return "call" + strconv.Itoa(callCounter.n)
}
