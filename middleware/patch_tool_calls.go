// Package middleware holds cross-cutting agent middlewares that operate on
// the shared message list rather than a single backend or tool surface.
package middleware

import (
	"context"
	"encoding/json"
	"log"

	"deepagent/agent"
)

// PatchToolCallsHook repairs dangling tool calls once before the agent loop
// starts: an assistant message loaded from a checkpoint may declare tool
// calls that never received a matching tool response, e.g. the process was
// interrupted mid tool-execution, or that reference a tool name no longer
// registered (e.g. removed from the agent's config since the checkpoint was
// written). Left unanswered or unresolved, the next model call would
// violate the provider's strict tool_call/tool_response pairing and fail.
type PatchToolCallsHook struct {
	agent.BaseHook
	staticTools map[string]bool
}

// NewPatchToolCallsHook creates a PatchToolCalls middleware. staticTools
// names every tool available independent of what a hook registers at
// BeforeAgent time (built-in tools plus anything registered externally via
// Server.RegisterTool).
func NewPatchToolCallsHook(staticTools []string) *PatchToolCallsHook {
	known := make(map[string]bool, len(staticTools))
	for _, name := range staticTools {
		known[name] = true
	}
	return &PatchToolCallsHook{staticTools: known}
}

func (h *PatchToolCallsHook) Name() string { return "patch_tool_calls" }

func (h *PatchToolCallsHook) Phases() []string {
	return []string{"before_agent"}
}

// BeforeAgent scans state.Messages for assistant tool calls with no
// matching tool response and synthesizes a structured cancellation tool
// message for each, then strips any assistant message whose only content
// was tool calls that reference a tool no longer known to this agent, so
// the history is always valid to replay to the model. It runs last among
// the before_agent hooks (see the wiring in handlers.buildAgent), so
// agent.RuntimeToolNames(state) already reflects every tool the hooks
// ahead of it registered.
func (h *PatchToolCallsHook) BeforeAgent(ctx context.Context, state *agent.AgentState) error {
	messages := state.Messages
	if len(messages) == 0 {
		return nil
	}

	known := h.knownTools(state)

	patched := make([]agent.Message, 0, len(messages))
	for i, m := range messages {
		if m.Role == agent.RoleAssistant && len(m.ToolCalls) > 0 && m.Content == "" && allInvalid(m.ToolCalls, known) {
			log.Printf("patch_tool_calls: dropping assistant message with %d call(s) to unknown tool(s)", len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if !hasToolResponse(messages[i:], tc.ID) {
					patched = append(patched, cancellationMessage(tc, known))
				}
			}
			continue
		}

		patched = append(patched, m)
		if m.Role != agent.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			if hasToolResponse(messages[i:], tc.ID) {
				continue
			}
			patched = append(patched, cancellationMessage(tc, known))
		}
	}

	state.Messages = patched
	return nil
}

func (h *PatchToolCallsHook) knownTools(state *agent.AgentState) map[string]bool {
	known := make(map[string]bool, len(h.staticTools))
	for name := range h.staticTools {
		known[name] = true
	}
	for _, name := range agent.RuntimeToolNames(state) {
		known[name] = true
	}
	return known
}

func allInvalid(calls []agent.ToolCall, known map[string]bool) bool {
	for _, tc := range calls {
		if known[tc.Name] {
			return false
		}
	}
	return true
}

func hasToolResponse(rest []agent.Message, callID string) bool {
	for _, m := range rest {
		if m.Role == agent.RoleTool && m.ToolCallID == callID {
			return true
		}
	}
	return false
}

// cancellationPayload is the structured body a cancelled tool call's
// synthesized response carries, matching the shape rejectedResult uses in
// agent/loop.go for a human-rejected call.
type cancellationPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func cancellationMessage(tc agent.ToolCall, known map[string]bool) agent.Message {
	reason := "another message came in before it could be completed"
	if !known[tc.Name] {
		reason = "tool is no longer available"
	}
	body, _ := json.Marshal(cancellationPayload{Status: "cancelled", Reason: reason})
	return agent.ToolMsg(tc.ID, tc.Name, string(body))
}
