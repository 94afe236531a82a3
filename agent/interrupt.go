package agent

import (
	"context"
	"errors"
)

// PendingInterrupt describes a suspended tool call awaiting a human
// decision. It is attached to AgentState and kept by the in-memory
// checkpointer, so the interrupt survives from the suspending Run to a
// later Resume as long as the same checkpointer instance backs both calls.
type PendingInterrupt struct {
	Call             ToolCall `json:"call"`
	AllowedDecisions []string `json:"allowed_decisions"`
	RunID            string   `json:"run_id"`
}

// Decision is a human's resolution of a PendingInterrupt, applied via
// Agent.Resume.
type Decision struct {
	Type   string         `json:"type"` // "approve", "edit", "reject"
	Args   map[string]any `json:"args,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

const (
	DecisionApprove = "approve"
	DecisionEdit    = "edit"
	DecisionReject  = "reject"
)

// ApprovalGate is implemented by hooks that can suspend a run before a
// tool call executes (human-in-the-loop). CheckApproval inspects an
// about-to-run call and returns a descriptor plus true if it requires a
// decision that hasn't already been recorded in state.Decisions.
type ApprovalGate interface {
	CheckApproval(ctx context.Context, state *AgentState, call ToolCall) (*PendingInterrupt, bool)
}

// ErrInterrupted is returned by Run/RunStream when the run suspended
// pending a human decision. state.PendingInterrupt describes what is
// awaited; resolve it and call Agent.Resume to continue.
var ErrInterrupted = errors.New("agent run interrupted pending approval")

// ErrNoPendingInterrupt is returned by Resume when the thread has no
// suspended interrupt to resolve, or the callID doesn't match the one
// actually pending — including the case where it was already resolved by
// a prior Resume call, making a repeated resume with the same token a
// rejection rather than a silent no-op re-application.
type ErrNoPendingInterrupt struct {
	ThreadID string
	CallID   string
}

func (e *ErrNoPendingInterrupt) Error() string {
	return "no pending interrupt for call " + e.CallID + " on thread " + e.ThreadID
}
