package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"deepagent/llm"
)

// MaxIterations is the maximum number of LLM-tool loop iterations.
const MaxIterations = 25

// Agent is a configured agent instance ready to run.
type Agent struct {
	ID          string
	Config      *AgentConfig
	LLM         llm.Client
	Tools       []Tool
	Hooks       []Hook
	threadStore *Checkpointer
}

// NewAgent creates a new Agent with the given configuration. checkpointer is
// owned by the caller (typically one per harness instance) rather than a
// process-wide singleton, so separate harness instances never share thread
// state.
func NewAgent(id string, cfg *AgentConfig, llmClient llm.Client, tools []Tool, hooks []Hook, checkpointer *Checkpointer) *Agent {
	return &Agent{
		ID:          id,
		Config:      cfg,
		LLM:         llmClient,
		Tools:       tools,
		Hooks:       hooks,
		threadStore: checkpointer,
	}
}

// Run executes the agent synchronously and returns the final state. If a
// tool call configured for human-in-the-loop approval is encountered, Run
// returns (state, ErrInterrupted) with state.PendingInterrupt describing
// what's awaited; resolve it and call Resume to continue.
func (a *Agent) Run(ctx context.Context, messages []Message, threadID string) (*AgentState, error) {
	ch := make(chan StreamEvent, 64)
	var state *AgentState
	var runErr error

	go func() {
		defer close(ch)
		state, runErr = a.runLoop(ctx, messages, threadID, ch)
	}()

	// Drain channel
	for range ch {
	}

	return state, runErr
}

// RunStream executes the agent and streams events to the given channel.
// The caller must read from eventCh until it's closed.
func (a *Agent) RunStream(ctx context.Context, messages []Message, threadID string, eventCh chan<- StreamEvent) {
	defer close(eventCh)

	state, err := a.runLoop(ctx, messages, threadID, eventCh)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			eventCh <- StreamEvent{
				Event:    "interrupted",
				ThreadID: state.ThreadID,
				Data:     state.PendingInterrupt,
			}
			return
		}
		eventCh <- StreamEvent{
			Event: "error",
			Data:  map[string]string{"error": err.Error()},
		}
		return
	}

	eventCh <- StreamEvent{
		Event:    "done",
		ThreadID: state.ThreadID,
		Data: map[string]any{
			"thread_id": state.ThreadID,
		},
	}
}

// Resume resolves a pending interrupt with decision and continues the run
// from where it suspended. callID must match state.PendingInterrupt.Call.ID
// exactly — a stale or already-applied token is rejected rather than
// silently replayed, which is what makes resume idempotent.
func (a *Agent) Resume(ctx context.Context, threadID, callID string, decision Decision, eventCh chan<- StreamEvent) (*AgentState, error) {
	state := a.threadStore.LoadOrCreate(threadID)
	if state.PendingInterrupt == nil || state.PendingInterrupt.Call.ID != callID {
		return nil, &ErrNoPendingInterrupt{ThreadID: threadID, CallID: callID}
	}

	if state.Decisions == nil {
		state.Decisions = make(map[string]Decision)
	}
	state.Decisions[callID] = decision
	state.PendingInterrupt = nil

	toolMap := a.buildToolMap(state)
	return a.iterate(ctx, state, threadID, toolMap, buildToolSchemas(toolMap), eventCh)
}

func (a *Agent) buildToolMap(state *AgentState) map[string]Tool {
	toolMap := make(map[string]Tool)
	for _, t := range a.Tools {
		toolMap[t.Name()] = t
	}
	// Also check state-registered tools (from hooks like FilesystemHook)
	if state.runtimeTools != nil {
		for name, t := range state.runtimeTools.All() {
			toolMap[name] = t
		}
	}
	return toolMap
}

func (a *Agent) runLoop(ctx context.Context, messages []Message, threadID string, eventCh chan<- StreamEvent) (*AgentState, error) {
	// Load or create thread state
	state := a.threadStore.LoadOrCreate(threadID)
	state.Messages = append(state.Messages, messages...)

	// Trace recorder (nil-safe — all checks below handle nil)
	tr := TraceFromContext(ctx)

	// 1. BeforeAgent hooks
	for _, hook := range a.Hooks {
		var s SpanHandle
		if tr != nil {
			s = tr.StartSpan("hook.before_agent/" + hook.Name())
		}
		if err := hook.BeforeAgent(ctx, state); err != nil {
			if s != nil {
				s.Set("error", err.Error()).End()
			}
			return nil, fmt.Errorf("hook %s BeforeAgent: %w", hook.Name(), err)
		}
		if s != nil {
			s.End()
		}
	}

	toolMap := a.buildToolMap(state)
	toolSchemas := buildToolSchemas(toolMap)

	// Record available tools
	if tr != nil {
		names := make([]string, 0, len(toolMap))
		for name := range toolMap {
			names = append(names, name)
		}
		tr.RecordEvent("tools.available", map[string]any{
			"count": len(names),
			"tools": names,
		})
	}

	return a.iterate(ctx, state, threadID, toolMap, toolSchemas, eventCh)
}

// iterate runs the LLM-tool loop starting from state's current position. A
// non-empty state.ActiveToolCalls means a tool-call batch is already in
// flight (a resumed interrupt) and the model isn't called again until that
// batch finishes; otherwise each iteration calls the model for a fresh
// batch. Shared between a fresh Run and a resumed Resume so both paths
// suspend and continue identically.
func (a *Agent) iterate(ctx context.Context, state *AgentState, threadID string, toolMap map[string]Tool, toolSchemas []llm.ToolSchema, eventCh chan<- StreamEvent) (*AgentState, error) {
	tr := TraceFromContext(ctx)

	for iter := 0; iter < MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		default:
		}

		var calls []ToolCall
		if len(state.ActiveToolCalls) > 0 {
			calls = state.ActiveToolCalls
		} else {
			response, err := a.callModel(ctx, state, toolSchemas, iter, tr, eventCh)
			if err != nil {
				return nil, err
			}
			state.Messages = append(state.Messages, AI(response.Content, response.ToolCalls...))
			if len(response.ToolCalls) == 0 {
				break
			}
			calls = response.ToolCalls
			state.ActiveToolCalls = calls
		}

		interrupted, err := a.runToolBatch(ctx, state, toolMap, calls, eventCh)
		if err != nil {
			return nil, err
		}
		if interrupted {
			a.threadStore.Save(threadID, state)
			return state, ErrInterrupted
		}
	}

	a.threadStore.Save(threadID, state)
	return state, nil
}

func (a *Agent) callModel(ctx context.Context, state *AgentState, toolSchemas []llm.ToolSchema, iter int, tr TraceRecorder, eventCh chan<- StreamEvent) (*ModelResponse, error) {
	// Apply ModifyRequest hooks
	msgs := make([]Message, len(state.Messages))
	copy(msgs, state.Messages)
	for _, hook := range a.Hooks {
		before := len(msgs)
		var s SpanHandle
		if tr != nil {
			s = tr.StartSpan("hook.modify_request/" + hook.Name())
			s.Set("iteration", iter)
			s.Set("message_count_before", before)
		}
		var err error
		msgs, err = hook.ModifyRequest(ctx, msgs)
		if err != nil {
			if s != nil {
				s.Set("error", err.Error()).End()
			}
			return nil, fmt.Errorf("hook %s ModifyRequest: %w", hook.Name(), err)
		}
		if s != nil {
			s.Set("message_count_after", len(msgs)).End()
		}
	}

	// Record what will be sent to the LLM
	if tr != nil {
		inputEvent := map[string]any{
			"iteration":     iter,
			"message_count": len(msgs),
		}

		// System prompt (sent separately via req.SystemPrompt, not in messages)
		if a.Config.SystemPrompt != "" {
			sp := a.Config.SystemPrompt
			if len(sp) <= 1000 {
				inputEvent["system_prompt"] = sp
			} else {
				inputEvent["system_prompt"] = sp[:1000] + "...(truncated)"
			}
		}

		msgSummary := make([]map[string]any, len(msgs))
		for i, m := range msgs {
			entry := map[string]any{
				"role":           m.Role,
				"content_length": len(m.Content),
			}
			if len(m.Content) <= 500 {
				entry["content"] = m.Content
			} else {
				entry["content"] = m.Content[:500] + "...(truncated)"
			}
			if len(m.ToolCalls) > 0 {
				tcNames := make([]string, len(m.ToolCalls))
				for j, tc := range m.ToolCalls {
					tcNames[j] = tc.Name
				}
				entry["tool_calls"] = tcNames
			}
			if m.ToolCallID != "" {
				entry["tool_call_id"] = m.ToolCallID
			}
			msgSummary[i] = entry
		}
		inputEvent["messages"] = msgSummary
		tr.RecordEvent("llm.input", inputEvent)
	}

	// Build model call chain (onion ring)
	modelCall := a.buildModelChain(toolSchemas)

	eventCh <- StreamEvent{Event: "on_chat_model_start", Name: a.Config.ModelStr()}
	response, err := modelCall(ctx, msgs, eventCh)
	if err != nil {
		return nil, fmt.Errorf("LLM call: %w", err)
	}
	eventCh <- StreamEvent{Event: "on_chat_model_end", Name: a.Config.ModelStr()}

	return response, nil
}

// runToolBatch executes calls, first giving every ApprovalGate hook a
// chance to suspend on any call that hasn't already been decided. It
// returns interrupted=true (and leaves state.ActiveToolCalls/Decisions
// untouched) the moment any call needs a decision, so the caller can save
// and surface state.PendingInterrupt without running the rest of the
// batch. Once every call has either executed or been decided, results are
// appended to state.Messages and the batch is cleared.
func (a *Agent) runToolBatch(ctx context.Context, state *AgentState, toolMap map[string]Tool, calls []ToolCall, eventCh chan<- StreamEvent) (interrupted bool, err error) {
	if state.Decisions == nil {
		state.Decisions = make(map[string]Decision)
	}

	for _, tc := range calls {
		if _, decided := state.Decisions[tc.ID]; decided {
			continue
		}
		for _, hook := range a.Hooks {
			gate, ok := hook.(ApprovalGate)
			if !ok {
				continue
			}
			if pi, needs := gate.CheckApproval(ctx, state, tc); needs {
				state.PendingInterrupt = pi
				return true, nil
			}
		}
	}

	results := make([]ToolResult, len(calls))

	// Tools are assumed non-pure and dispatched sequentially by default;
	// a run of consecutive calls whose tools all opt into ParallelSafe
	// races together, but the loop never reorders or parallelizes across
	// a non-parallel-safe call.
	for i := 0; i < len(calls); {
		if a.toolParallelSafe(toolMap, calls[i]) {
			j := i
			var wg sync.WaitGroup
			for j < len(calls) && a.toolParallelSafe(toolMap, calls[j]) {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					results[idx] = a.dispatchToolCall(ctx, state, toolMap, calls[idx], eventCh)
				}(j)
				j++
			}
			wg.Wait()
			i = j
			continue
		}
		results[i] = a.dispatchToolCall(ctx, state, toolMap, calls[i], eventCh)
		i++
	}

	for _, result := range results {
		state.Messages = append(state.Messages, ToolMsg(result.ToolCallID, result.Name, result.Output))
	}

	state.Decisions = nil
	state.ActiveToolCalls = nil
	return false, nil
}

// toolParallelSafe reports whether tc's tool opts into concurrent
// dispatch. An unknown tool name is treated as not parallel-safe so it
// falls through to the sequential path and executeTool's normal
// unknown-tool error handling.
func (a *Agent) toolParallelSafe(toolMap map[string]Tool, tc ToolCall) bool {
	tool, ok := toolMap[tc.Name]
	return ok && tool.ParallelSafe()
}

// dispatchToolCall resolves any pending decision, runs the call through
// the tool-call middleware chain, and emits the on_tool_start/end events
// around it. Called either inline (sequential path) or from a goroutine
// (parallel-safe run), so it must not mutate anything calls[idx] shares
// with a sibling beyond its own indexed result slot.
func (a *Agent) dispatchToolCall(ctx context.Context, state *AgentState, toolMap map[string]Tool, tc ToolCall, eventCh chan<- StreamEvent) ToolResult {
	if d, ok := state.Decisions[tc.ID]; ok {
		switch d.Type {
		case DecisionReject:
			return rejectedResult(tc, d.Reason)
		case DecisionEdit:
			if d.Args != nil {
				tc.Args = d.Args
			}
		}
	}

	eventCh <- StreamEvent{
		Event: "on_tool_start",
		Name:  tc.Name,
		RunID: tc.ID,
		Data:  map[string]any{"input": tc.Args},
	}

	toolCallFn := a.buildToolCallChain(toolMap)
	wrapped, err := toolCallFn(ctx, tc)
	var result ToolResult
	if err != nil {
		result = ToolResult{
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Error:      err.Error(),
			Output:     "Error: " + err.Error(),
		}
	} else if wrapped != nil {
		result = *wrapped
	}

	eventCh <- StreamEvent{
		Event: "on_tool_end",
		Name:  tc.Name,
		RunID: tc.ID,
		Data:  map[string]any{"output": result.Output},
	}
	return result
}

func rejectedResult(tc ToolCall, reason string) ToolResult {
	if reason == "" {
		reason = "rejected by reviewer"
	}
	payload, _ := json.Marshal(map[string]string{"status": "rejected", "reason": reason})
	return ToolResult{ToolCallID: tc.ID, Name: tc.Name, Output: string(payload)}
}

func (a *Agent) executeTool(ctx context.Context, tc ToolCall, toolMap map[string]Tool) ToolResult {
	tool, ok := toolMap[tc.Name]
	if !ok {
		return ToolResult{
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Error:      fmt.Sprintf("unknown tool: %s", tc.Name),
			Output:     fmt.Sprintf("Error: tool %q not found", tc.Name),
		}
	}

	output, err := tool.Execute(ContextWithToolCallID(ctx, tc.ID), tc.Args)
	if err != nil {
		return ToolResult{
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Error:      err.Error(),
			Output:     "Error: " + err.Error(),
		}
	}

	return ToolResult{
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Output:     output,
	}
}

// ModelCallFunc is the type for functions in the model call chain.
type ModelCallFunc func(ctx context.Context, msgs []Message, eventCh chan<- StreamEvent) (*ModelResponse, error)

// ModelResponse holds the result of an LLM call.
type ModelResponse struct {
	Content   string
	ToolCalls []ToolCall
}

func (a *Agent) buildModelChain(toolSchemas []llm.ToolSchema) ModelCallFunc {
	// Base function: call the LLM
	base := func(ctx context.Context, msgs []Message, eventCh chan<- StreamEvent) (*ModelResponse, error) {
		llmMsgs := convertMessages(msgs)
		req := llm.Request{
			Model:       a.Config.ModelStr(),
			Messages:    llmMsgs,
			Tools:       toolSchemas,
			MaxTokens:   4096,
		}

		if a.Config.SystemPrompt != "" {
			req.SystemPrompt = a.Config.SystemPrompt
		}

		// Use streaming — capture errors from the LLM client
		chunkCh := make(chan llm.StreamChunk, 64)
		var llmErr error
		var llmDone sync.WaitGroup
		llmDone.Add(1)
		go func() {
			defer llmDone.Done()
			llmErr = a.LLM.Stream(ctx, req, chunkCh)
		}()

		var content string
		var toolCalls []ToolCall

		for chunk := range chunkCh {
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			if chunk.Delta != "" {
				content += chunk.Delta
				eventCh <- StreamEvent{
					Event: "on_chat_model_stream",
					Name:  a.Config.ModelStr(),
					Data: map[string]any{
						"chunk": map[string]any{
							"content": chunk.Delta,
						},
					},
				}
			}
			if chunk.ToolCall != nil {
				tc := ToolCall{
					ID:   chunk.ToolCall.ID,
					Name: chunk.ToolCall.Name,
					Args: chunk.ToolCall.Args,
				}
				toolCalls = append(toolCalls, tc)
			}
		}

		// Check if the LLM stream returned an error
		llmDone.Wait()
		if llmErr != nil {
			return nil, llmErr
		}

		return &ModelResponse{
			Content:   content,
			ToolCalls: toolCalls,
		}, nil
	}

	// Wrap with hooks (onion ring)
	fn := base
	for i := len(a.Hooks) - 1; i >= 0; i-- {
		hook := a.Hooks[i]
		prev := fn
		fn = func(ctx context.Context, msgs []Message, eventCh chan<- StreamEvent) (*ModelResponse, error) {
			wrapped, err := hook.WrapModelCall(ctx, msgs, func(c context.Context, m []Message) (*llm.Response, error) {
				resp, err := prev(c, m, eventCh)
				if err != nil {
					return nil, err
				}
				// Convert back to llm.Response for the hook
				var llmTC []llm.ToolCallResult
				for _, tc := range resp.ToolCalls {
					llmTC = append(llmTC, llm.ToolCallResult{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Args,
					})
				}
				return &llm.Response{
					Content:   resp.Content,
					ToolCalls: llmTC,
				}, nil
			})
			if err != nil {
				return nil, err
			}
			if wrapped == nil {
				return prev(ctx, msgs, eventCh)
			}
			// Convert llm.Response back to ModelResponse
			var tcs []ToolCall
			for _, tc := range wrapped.ToolCalls {
				tcs = append(tcs, ToolCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Args,
				})
			}
			return &ModelResponse{
				Content:   wrapped.Content,
				ToolCalls: tcs,
			}, nil
		}
	}

	return fn
}

// buildToolCallChain builds an onion-ring chain for tool execution,
// wrapping the actual executeTool call with all WrapToolCall hooks.
func (a *Agent) buildToolCallChain(toolMap map[string]Tool) ToolCallFunc {
	// Base: actual tool execution
	base := func(ctx context.Context, tc ToolCall) (*ToolResult, error) {
		r := a.executeTool(ctx, tc, toolMap)
		return &r, nil
	}

	// Wrap with hooks (reverse order so index-0 is outermost)
	fn := base
	for i := len(a.Hooks) - 1; i >= 0; i-- {
		hook := a.Hooks[i]
		prev := fn
		fn = func(ctx context.Context, tc ToolCall) (*ToolResult, error) {
			return hook.WrapToolCall(ctx, tc, prev)
		}
	}
	return fn
}

func convertMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, llm.ToolCallInfo{
				ID:   tc.ID,
				Name: tc.Name,
				Args: tc.Args,
			})
		}
	}
	return out
}

func buildToolSchemas(toolMap map[string]Tool) []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(toolMap))
	for _, t := range toolMap {
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return schemas
}
