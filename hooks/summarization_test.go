package hooks

import (
	"context"
	"strings"
	"testing"

	"deepagent/agent"
	"deepagent/llm"
)

type fakeSummarizeClient struct {
	summary string
	calls   int
}

func (f *fakeSummarizeClient) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.calls++
	return &llm.Response{Content: f.summary}, nil
}

func (f *fakeSummarizeClient) Stream(ctx context.Context, req llm.Request, ch chan<- llm.StreamChunk) error {
	defer close(ch)
	ch <- llm.StreamChunk{Done: true}
	return nil
}

func TestSummarizationHook_WrapModelCall(t *testing.T) {
	ctx := context.Background()

	t.Run("under high water mark passes through untouched", func(t *testing.T) {
		client := &fakeSummarizeClient{summary: "summary"}
		hook := NewSummarizationHook(client, 1_000_000)

		msgs := []agent.Message{agent.Human("hi")}
		var seen []agent.Message
		_, err := hook.WrapModelCall(ctx, msgs, func(ctx context.Context, m []agent.Message) (*llm.Response, error) {
			seen = m
			return &llm.Response{Content: "ok"}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if client.calls != 0 {
			t.Fatalf("expected no summarization call, got %d", client.calls)
		}
		if len(seen) != 1 {
			t.Fatalf("expected passthrough of the original message list, got %d messages", len(seen))
		}
	})

	t.Run("over high water mark compresses down toward low water mark", func(t *testing.T) {
		client := &fakeSummarizeClient{summary: "condensed history"}
		hook := NewSummarizationHook(client, 100).WithLowWater(20)

		var msgs []agent.Message
		for i := 0; i < 50; i++ {
			msgs = append(msgs, agent.Human(strings.Repeat("x", 40)))
		}

		var seen []agent.Message
		_, err := hook.WrapModelCall(ctx, msgs, func(ctx context.Context, m []agent.Message) (*llm.Response, error) {
			seen = m
			return &llm.Response{Content: "ok"}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if client.calls != 1 {
			t.Fatalf("expected exactly one summarization call, got %d", client.calls)
		}
		if len(seen) >= len(msgs) {
			t.Fatalf("expected compression, got %d messages from %d originals", len(seen), len(msgs))
		}
		if seen[0].Role != agent.RoleSystem || !strings.Contains(seen[0].Content, "condensed history") {
			t.Fatalf("expected first message to be the summary, got %+v", seen[0])
		}
	})

	t.Run("never splits a tool call from its response", func(t *testing.T) {
		client := &fakeSummarizeClient{summary: "condensed"}
		hook := NewSummarizationHook(client, 10).WithLowWater(1)

		msgs := []agent.Message{
			agent.Human(strings.Repeat("a", 200)),
			agent.AI("", agent.ToolCall{ID: "call_1", Name: "read_file"}),
			agent.ToolMsg("call_1", "read_file", strings.Repeat("b", 200)),
		}

		_, err := hook.WrapModelCall(ctx, msgs, func(ctx context.Context, m []agent.Message) (*llm.Response, error) {
			for i, msg := range m {
				if msg.Role == agent.RoleTool {
					if i == 0 || m[i-1].Role != agent.RoleAssistant {
						t.Fatalf("tool message at %d has no preceding assistant tool call in kept slice: %+v", i, m)
					}
				}
			}
			return &llm.Response{Content: "ok"}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

func TestSummarizationCutIndex(t *testing.T) {
	msgs := []agent.Message{
		agent.Human("a"),
		agent.AI("", agent.ToolCall{ID: "c1", Name: "tool"}),
		agent.ToolMsg("c1", "tool", "result"),
		agent.Human("b"),
	}
	cut := summarizationCutIndex(msgs, 1)
	if breaksToolCallPair(msgs, cut) {
		t.Fatalf("cut index %d breaks a tool call pair", cut)
	}
}
