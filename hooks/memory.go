package hooks

import (
	"context"
	"fmt"
	"strings"

	"deepagent/agent"
	"deepagent/backend"
	"deepagent/llm"
)

const memoryGuidelines = `
Guidelines for agent memory:
- This memory persists across conversations
- You can update it by using edit_file on the AGENTS.md file
- Use it to track important context, decisions, and patterns
- Keep entries concise and organized`

// MemoryHook reads AGENTS.md files from a set of sandbox paths at the
// start of every run and folds their content into that run's system prompts,
// wrapped in <agent_memory> tags, so the model treats it as durable
// context rather than conversation it should forget.
type MemoryHook struct {
	agent.BaseHook
	backend backend.Backend
	paths   []string
	content string
}

// NewMemoryHook builds a hook that loads AGENTS.md content from paths
// against b, the sandbox they live in.
func NewMemoryHook(b backend.Backend, paths []string) *MemoryHook {
	return &MemoryHook{backend: b, paths: paths}
}

func (h *MemoryHook) Name() string { return "memory" }

func (h *MemoryHook) Phases() []string { return []string{"before_agent", "modify_request"} }

func (h *MemoryHook) BeforeAgent(ctx context.Context, state *agent.AgentState) error {
	var parts []string
	for _, path := range h.paths {
		result := h.backend.Execute(fmt.Sprintf("cat %s 2>/dev/null", shellQuote(path)))
		if result.ExitCode == 0 && strings.TrimSpace(result.Output) != "" {
			parts = append(parts, result.Output)
		}
	}
	h.content = strings.Join(parts, "\n\n---\n\n")
	return nil
}

func (h *MemoryHook) ModifyRequest(ctx context.Context, msgs []agent.Message) ([]agent.Message, error) {
	if h.content == "" {
		return msgs, nil
	}

	injection := fmt.Sprintf("\n\n<agent_memory>\n%s\n</agent_memory>\n%s", h.content, memoryGuidelines)

	if len(msgs) > 0 && msgs[0].Role == "system" {
		msgs[0].Content += injection
		return msgs, nil
	}
	return append([]agent.Message{{Role: "system", Content: injection}}, msgs...), nil
}

func (h *MemoryHook) WrapModelCall(ctx context.Context, msgs []agent.Message, next agent.ModelCallWrapFunc) (*llm.Response, error) {
	return next(ctx, msgs)
}

func (h *MemoryHook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) (*agent.ToolResult, error) {
	return next(ctx, call)
}
