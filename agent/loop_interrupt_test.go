package agent

import (
	"context"
	"strings"
	"testing"

	"deepagent/llm"
)

// scriptedClient replies with a tool call requesting toolName on its first
// Stream call, then a plain text reply on every call after, so a test can
// drive exactly one round of tool calls followed by completion.
type scriptedClient struct {
	toolName string
	toolArgs map[string]any
	calls    int
}

func (c *scriptedClient) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: "done"}, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req llm.Request, ch chan<- llm.StreamChunk) error {
	defer close(ch)
	c.calls++
	if c.calls == 1 {
		ch <- llm.StreamChunk{ToolCall: &llm.ToolCallResult{ID: "call_1", Name: c.toolName, Args: c.toolArgs}}
	} else {
		ch <- llm.StreamChunk{Delta: "all done"}
	}
	ch <- llm.StreamChunk{Done: true}
	return nil
}

// recordingTool records the args it was actually invoked with.
type recordingTool struct {
	name    string
	lastArg map[string]any
	invoked int
}

func (t *recordingTool) Name() string              { return t.name }
func (t *recordingTool) Description() string       { return "records invocation args" }
func (t *recordingTool) Parameters() map[string]any { return map[string]any{} }
func (t *recordingTool) ParallelSafe() bool         { return false }
func (t *recordingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	t.invoked++
	t.lastArg = args
	return "executed", nil
}

// alwaysGate suspends every call to a named tool, unconditionally.
type alwaysGate struct {
	BaseHook
	toolName string
}

func (g *alwaysGate) Name() string { return "always_gate" }

func (g *alwaysGate) CheckApproval(ctx context.Context, state *AgentState, call ToolCall) (*PendingInterrupt, bool) {
	if call.Name != g.toolName {
		return nil, false
	}
	return &PendingInterrupt{
		Call:             call,
		AllowedDecisions: []string{DecisionApprove, DecisionEdit, DecisionReject},
		RunID:            state.ThreadID,
	}, true
}

func newTestAgent(client llm.Client, tool Tool, gate Hook) *Agent {
	return NewAgent("test", &AgentConfig{Model: "test-model"}, client, []Tool{tool}, []Hook{gate}, NewCheckpointer())
}

func TestAgent_Interrupt_ApproveResumes(t *testing.T) {
	tool := &recordingTool{name: "deploy"}
	client := &scriptedClient{toolName: "deploy", toolArgs: map[string]any{"env": "prod"}}
	a := newTestAgent(client, tool, &alwaysGate{toolName: "deploy"})

	state, err := a.Run(context.Background(), []Message{Human("ship it")}, "t1")
	if err == nil || err != ErrInterrupted {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if state.PendingInterrupt == nil || state.PendingInterrupt.Call.Name != "deploy" {
		t.Fatalf("expected pending interrupt for deploy, got %+v", state.PendingInterrupt)
	}
	if tool.invoked != 0 {
		t.Fatalf("tool must not run before approval, invoked=%d", tool.invoked)
	}

	eventCh := make(chan StreamEvent, 64)
	go func() {
		for range eventCh {
		}
	}()
	final, err := a.Resume(context.Background(), "t1", state.PendingInterrupt.Call.ID, Decision{Type: DecisionApprove}, eventCh)
	close(eventCh)
	if err != nil {
		t.Fatal(err)
	}
	if tool.invoked != 1 {
		t.Fatalf("expected tool to run once after approval, invoked=%d", tool.invoked)
	}
	if tool.lastArg["env"] != "prod" {
		t.Fatalf("approve must not alter args, got %+v", tool.lastArg)
	}
	if final.PendingInterrupt != nil {
		t.Fatalf("expected interrupt cleared after resume, got %+v", final.PendingInterrupt)
	}
}

func TestAgent_Interrupt_EditRewritesArgs(t *testing.T) {
	tool := &recordingTool{name: "deploy"}
	client := &scriptedClient{toolName: "deploy", toolArgs: map[string]any{"env": "prod"}}
	a := newTestAgent(client, tool, &alwaysGate{toolName: "deploy"})

	state, _ := a.Run(context.Background(), []Message{Human("ship it")}, "t2")

	eventCh := make(chan StreamEvent, 64)
	go func() {
		for range eventCh {
		}
	}()
	defer close(eventCh)

	_, err := a.Resume(context.Background(), "t2", state.PendingInterrupt.Call.ID,
		Decision{Type: DecisionEdit, Args: map[string]any{"env": "staging"}}, eventCh)
	if err != nil {
		t.Fatal(err)
	}
	if tool.lastArg["env"] != "staging" {
		t.Fatalf("expected edited args to reach the tool, got %+v", tool.lastArg)
	}
}

func TestAgent_Interrupt_RejectSkipsExecution(t *testing.T) {
	tool := &recordingTool{name: "deploy"}
	client := &scriptedClient{toolName: "deploy", toolArgs: map[string]any{"env": "prod"}}
	a := newTestAgent(client, tool, &alwaysGate{toolName: "deploy"})

	state, _ := a.Run(context.Background(), []Message{Human("ship it")}, "t3")

	eventCh := make(chan StreamEvent, 64)
	go func() {
		for range eventCh {
		}
	}()
	defer close(eventCh)

	final, err := a.Resume(context.Background(), "t3", state.PendingInterrupt.Call.ID,
		Decision{Type: DecisionReject, Reason: "not safe"}, eventCh)
	if err != nil {
		t.Fatal(err)
	}
	if tool.invoked != 0 {
		t.Fatalf("rejected call must not execute the tool, invoked=%d", tool.invoked)
	}
	var toolMsg *Message
	for i := range final.Messages {
		if final.Messages[i].Role == RoleTool {
			toolMsg = &final.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("expected a tool result message recording the rejection")
	}
	if !strings.Contains(toolMsg.Content, "rejected") || !strings.Contains(toolMsg.Content, "not safe") {
		t.Fatalf("expected rejection payload with reason, got %q", toolMsg.Content)
	}
}

func TestAgent_Resume_RejectsMismatchedCallID(t *testing.T) {
	tool := &recordingTool{name: "deploy"}
	client := &scriptedClient{toolName: "deploy", toolArgs: map[string]any{"env": "prod"}}
	a := newTestAgent(client, tool, &alwaysGate{toolName: "deploy"})

	_, _ = a.Run(context.Background(), []Message{Human("ship it")}, "t4")

	eventCh := make(chan StreamEvent, 64)
	go func() {
		for range eventCh {
		}
	}()
	defer close(eventCh)

	_, err := a.Resume(context.Background(), "t4", "not-the-real-call-id", Decision{Type: DecisionApprove}, eventCh)
	if err == nil {
		t.Fatal("expected an error resuming with a mismatched call ID")
	}
	if _, ok := err.(*ErrNoPendingInterrupt); !ok {
		t.Fatalf("expected *ErrNoPendingInterrupt, got %T: %v", err, err)
	}
}

func TestAgent_Resume_RejectsSecondResumeOfSameInterrupt(t *testing.T) {
	tool := &recordingTool{name: "deploy"}
	client := &scriptedClient{toolName: "deploy", toolArgs: map[string]any{"env": "prod"}}
	a := newTestAgent(client, tool, &alwaysGate{toolName: "deploy"})

	state, _ := a.Run(context.Background(), []Message{Human("ship it")}, "t5")
	callID := state.PendingInterrupt.Call.ID

	eventCh := make(chan StreamEvent, 64)
	go func() {
		for range eventCh {
		}
	}()
	if _, err := a.Resume(context.Background(), "t5", callID, Decision{Type: DecisionApprove}, eventCh); err != nil {
		t.Fatal(err)
	}
	close(eventCh)

	eventCh2 := make(chan StreamEvent, 64)
	go func() {
		for range eventCh2 {
		}
	}()
	defer close(eventCh2)
	_, err := a.Resume(context.Background(), "t5", callID, Decision{Type: DecisionApprove}, eventCh2)
	if err == nil {
		t.Fatal("expected replayed resume against an already-resolved interrupt to be rejected")
	}
	if _, ok := err.(*ErrNoPendingInterrupt); !ok {
		t.Fatalf("expected *ErrNoPendingInterrupt, got %T: %v", err, err)
	}
	if tool.invoked != 1 {
		t.Fatalf("second resume must not re-execute the tool, invoked=%d", tool.invoked)
	}
}
