package interrupt

import (
	"context"
	"testing"

	"deepagent/agent"
)

func TestHumanInTheLoop_CheckApproval(t *testing.T) {
	gate := NewHumanInTheLoop(map[string]ToolApprovalConfig{
		"deploy": {AllowedDecisions: []string{agent.DecisionApprove, agent.DecisionReject}},
	})
	state := &agent.AgentState{ThreadID: "t1"}

	t.Run("gated tool requires a decision", func(t *testing.T) {
		pi, needs := gate.CheckApproval(context.Background(), state, agent.ToolCall{ID: "c1", Name: "deploy"})
		if !needs {
			t.Fatal("expected deploy to require approval")
		}
		if pi.Call.ID != "c1" || pi.RunID != "t1" {
			t.Fatalf("unexpected descriptor: %+v", pi)
		}
		if len(pi.AllowedDecisions) != 2 {
			t.Fatalf("expected the configured decision set to be echoed back, got %v", pi.AllowedDecisions)
		}
	})

	t.Run("ungated tool passes straight through", func(t *testing.T) {
		_, needs := gate.CheckApproval(context.Background(), state, agent.ToolCall{ID: "c2", Name: "read_file"})
		if needs {
			t.Fatal("expected read_file to not require approval")
		}
	})
}

func TestTokenIssuer_IssueAndVerify(t *testing.T) {
	issuer := NewTokenIssuer("test-secret")

	tok, err := issuer.Issue("thread-1", "run-1", "call-1")
	if err != nil {
		t.Fatal(err)
	}

	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.ThreadID != "thread-1" || claims.RunID != "run-1" || claims.CallID != "call-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenIssuer_RejectsWrongSecret(t *testing.T) {
	tok, err := NewTokenIssuer("secret-a").Issue("t", "r", "c")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewTokenIssuer("secret-b").Verify(tok); err == nil {
		t.Fatal("expected verification with a different secret to fail")
	}
}

func TestTokenIssuer_RejectsGarbage(t *testing.T) {
	issuer := NewTokenIssuer("test-secret")
	if _, err := issuer.Verify("not-a-jwt"); err == nil {
		t.Fatal("expected an error parsing a non-token string")
	}
}
