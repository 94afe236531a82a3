package middleware

import (
	"context"
	"encoding/json"
	"testing"

	"deepagent/agent"
)

func TestPatchToolCallsHook_BeforeAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("answered tool calls are left untouched", func(t *testing.T) {
		state := &agent.AgentState{
			Messages: []agent.Message{
				agent.Human("list files"),
				agent.AI("", agent.ToolCall{ID: "call_1", Name: "ls", Args: map[string]any{}}),
				agent.ToolMsg("call_1", "ls", "a.txt\nb.txt"),
			},
		}
		hook := NewPatchToolCallsHook([]string{"ls"})
		if err := hook.BeforeAgent(ctx, state); err != nil {
			t.Fatal(err)
		}
		if len(state.Messages) != 3 {
			t.Fatalf("expected no messages inserted, got %d", len(state.Messages))
		}
	})

	t.Run("dangling tool call gets a synthesized cancellation", func(t *testing.T) {
		state := &agent.AgentState{
			Messages: []agent.Message{
				agent.Human("run a command"),
				agent.AI("", agent.ToolCall{ID: "call_9", Name: "execute", Args: map[string]any{}}),
			},
		}
		hook := NewPatchToolCallsHook([]string{"execute"})
		if err := hook.BeforeAgent(ctx, state); err != nil {
			t.Fatal(err)
		}
		if len(state.Messages) != 3 {
			t.Fatalf("expected a synthesized tool message appended, got %d messages", len(state.Messages))
		}
		last := state.Messages[2]
		if last.Role != agent.RoleTool || last.ToolCallID != "call_9" || last.Name != "execute" {
			t.Fatalf("unexpected synthesized message: %+v", last)
		}
		var body map[string]string
		if err := json.Unmarshal([]byte(last.Content), &body); err != nil {
			t.Fatalf("expected structured JSON cancellation body: %v", err)
		}
		if body["status"] != "cancelled" || body["reason"] == "" {
			t.Fatalf("unexpected cancellation body: %+v", body)
		}
	})

	t.Run("multiple dangling calls in one assistant message each get patched", func(t *testing.T) {
		state := &agent.AgentState{
			Messages: []agent.Message{
				agent.AI("", agent.ToolCall{ID: "a", Name: "read_file"}, agent.ToolCall{ID: "b", Name: "write_file"}),
			},
		}
		hook := NewPatchToolCallsHook([]string{"read_file", "write_file"})
		if err := hook.BeforeAgent(ctx, state); err != nil {
			t.Fatal(err)
		}
		if len(state.Messages) != 3 {
			t.Fatalf("expected 2 synthesized tool messages, got %d total messages", len(state.Messages))
		}
	})

	t.Run("empty history is a no-op", func(t *testing.T) {
		state := &agent.AgentState{}
		hook := NewPatchToolCallsHook(nil)
		if err := hook.BeforeAgent(ctx, state); err != nil {
			t.Fatal(err)
		}
		if len(state.Messages) != 0 {
			t.Fatalf("expected empty history to stay empty, got %d", len(state.Messages))
		}
	})

	t.Run("assistant message with only unknown tool calls is dropped after being cancelled", func(t *testing.T) {
		state := &agent.AgentState{
			Messages: []agent.Message{
				agent.Human("do the thing"),
				agent.AI("", agent.ToolCall{ID: "call_x", Name: "retired_tool", Args: map[string]any{}}),
			},
		}
		hook := NewPatchToolCallsHook([]string{"ls"})
		if err := hook.BeforeAgent(ctx, state); err != nil {
			t.Fatal(err)
		}
		for _, m := range state.Messages {
			if m.Role == agent.RoleAssistant {
				t.Fatalf("expected the assistant message to be dropped, still present: %+v", m)
			}
		}
		if len(state.Messages) != 2 {
			t.Fatalf("expected human message plus synthesized cancellation, got %d: %+v", len(state.Messages), state.Messages)
		}
	})

	t.Run("assistant message mixing content and a dangling call is kept", func(t *testing.T) {
		state := &agent.AgentState{
			Messages: []agent.Message{
				agent.AI("thinking out loud", agent.ToolCall{ID: "call_y", Name: "retired_tool", Args: map[string]any{}}),
			},
		}
		hook := NewPatchToolCallsHook([]string{"ls"})
		if err := hook.BeforeAgent(ctx, state); err != nil {
			t.Fatal(err)
		}
		if len(state.Messages) != 2 {
			t.Fatalf("expected the assistant message kept plus a cancellation, got %d: %+v", len(state.Messages), state.Messages)
		}
	})
}
