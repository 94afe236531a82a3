package subagent

import (
	"context"
	"strings"
	"testing"

	"deepagent/agent"
	"deepagent/llm"
)

// fakeClient always returns a single canned assistant reply, with no tool
// calls, so a dispatched child run terminates after one iteration.
type fakeClient struct {
	reply string
}

func (f *fakeClient) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: f.reply}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req llm.Request, ch chan<- llm.StreamChunk) error {
	defer close(ch)
	ch <- llm.StreamChunk{Delta: f.reply}
	ch <- llm.StreamChunk{Done: true}
	return nil
}

func TestHook_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown subagent fails", func(t *testing.T) {
		reg := NewRegistry(agent.NewCheckpointer(), 4)
		hook := NewHook(reg, nil)
		parent := &agent.AgentState{ThreadID: "parent-thread"}
		_, err := hook.dispatch(ctx, parent, "missing", "do something")
		if err == nil {
			t.Fatal("expected UnknownSubAgent error")
		}
	})

	t.Run("dispatch returns child's final assistant text", func(t *testing.T) {
		reg := NewRegistry(agent.NewCheckpointer(), 4)
		reg.Register(&Definition{
			Name:         "researcher",
			SystemPrompt: "You are a researcher.",
			Model:        &fakeClient{reply: "the answer is 42"},
		})
		hook := NewHook(reg, nil)
		parent := &agent.AgentState{ThreadID: "parent-thread"}

		out, err := hook.dispatch(ctx, parent, "researcher", "what is the answer?")
		if err != nil {
			t.Fatal(err)
		}
		if out != "the answer is 42" {
			t.Fatalf("expected 'the answer is 42', got %q", out)
		}
	})

	t.Run("child does not inherit parent messages or todos", func(t *testing.T) {
		reg := NewRegistry(agent.NewCheckpointer(), 4)
		reg.Register(&Definition{
			Name:  "worker",
			Model: &fakeClient{reply: "done"},
		})
		hook := NewHook(reg, nil)
		parent := &agent.AgentState{
			ThreadID: "parent-thread",
			Messages: []agent.Message{agent.Human("parent context that must not leak")},
			Todos:    []agent.Todo{{ID: "1", Content: "parent todo", Status: "pending"}},
		}

		out, err := hook.dispatch(ctx, parent, "worker", "do work")
		if err != nil {
			t.Fatal(err)
		}
		if out != "done" {
			t.Fatalf("expected 'done', got %q", out)
		}
		// The child's state is not directly observable here beyond the
		// returned text; the key invariant is that a fresh empty history
		// was used to seed the child rather than parent.Messages, which
		// dispatch enforces by constructing []agent.Message{Human(description)}.
	})

	t.Run("system prompt gains task tool note when subagents registered", func(t *testing.T) {
		reg := NewRegistry(agent.NewCheckpointer(), 4)
		reg.Register(&Definition{Name: "helper", Model: &fakeClient{reply: "ok"}})
		hook := NewHook(reg, nil)

		msgs := []agent.Message{agent.System("base prompt")}
		out, err := hook.ModifyRequest(ctx, msgs)
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 1 {
			t.Fatalf("expected 1 message, got %d", len(out))
		}
		if !strings.Contains(out[0].Content, "base prompt") || !strings.Contains(out[0].Content, "helper") {
			t.Fatalf("expected base prompt plus a task tool note naming helper, got %q", out[0].Content)
		}
	})
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry(agent.NewCheckpointer(), 4)
	reg.Register(&Definition{Name: "a"})
	reg.Register(&Definition{Name: "b"})

	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d", len(names))
	}
}
