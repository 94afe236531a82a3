// Package interrupt implements human-in-the-loop approval gating for
// sensitive tool calls, plus the signed resume tokens an outer HTTP driver
// hands back to a caller after a run suspends.
package interrupt

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"deepagent/agent"
)

// ToolApprovalConfig lists the decisions permitted for one gated tool.
type ToolApprovalConfig struct {
	AllowedDecisions []string
}

// HumanInTheLoop suspends a run before executing any tool named in its
// configuration, until a matching Decision has been recorded on the
// AgentState (via Agent.Resume). It implements agent.ApprovalGate.
type HumanInTheLoop struct {
	agent.BaseHook
	gated map[string]ToolApprovalConfig
}

// NewHumanInTheLoop builds a gate from a tool name → approval config
// mapping, matching the harness's agents.yaml "interrupt_on" convention.
func NewHumanInTheLoop(gated map[string]ToolApprovalConfig) *HumanInTheLoop {
	return &HumanInTheLoop{gated: gated}
}

func (h *HumanInTheLoop) Name() string { return "human_in_the_loop" }

func (h *HumanInTheLoop) Phases() []string { return []string{"before_tool_call"} }

// CheckApproval reports whether call needs a human decision before it can
// run. Only tools present in the gate's configuration are ever suspended.
func (h *HumanInTheLoop) CheckApproval(ctx context.Context, state *agent.AgentState, call agent.ToolCall) (*agent.PendingInterrupt, bool) {
	cfg, gated := h.gated[call.Name]
	if !gated {
		return nil, false
	}
	return &agent.PendingInterrupt{
		Call:             call,
		AllowedDecisions: cfg.AllowedDecisions,
		RunID:            state.ThreadID,
	}, true
}

// ResumeTokenClaims signs the identity of one pending interrupt so a token
// handed back to an untrusted HTTP client can't be forged into resuming a
// different thread's interrupt, or replayed against a run whose interrupt
// has already been resolved (a resume against a mismatched or stale
// ThreadID/CallID is rejected by Agent.Resume's own state check, not by the
// token — the token only proves who was allowed to ask).
type ResumeTokenClaims struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
	CallID   string `json:"call_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies resume tokens with a shared HS256 secret.
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Issue signs a resume token for the given pending interrupt. The token
// records its issue time and expires 24 hours later; a repeated resume
// for an already resolved call is rejected by Agent.Resume, not by the
// token.
func (t *TokenIssuer) Issue(threadID, runID, callID string) (string, error) {
	now := time.Now()
	claims := ResumeTokenClaims{
		ThreadID: threadID,
		RunID:    runID,
		CallID:   callID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify parses and validates a resume token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*ResumeTokenClaims, error) {
	claims := &ResumeTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid resume token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid resume token claims")
	}
	return claims, nil
}
