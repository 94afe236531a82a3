package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"deepagent/agent"
	"deepagent/llm"
)

var todoStatuses = map[string]bool{"pending": true, "in_progress": true, "completed": true}

var todoItemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"id":      map[string]any{"type": "string"},
		"content": map[string]any{"type": "string"},
		"status":  map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
	},
	"required": []string{"content", "status"},
}

// TodoListHook gives the model a scratchpad for its own plan: a
// write_todos tool to replace the list wholesale and a read_todos tool
// to check it, both backed by AgentState.Todos so the plan survives
// across steps without the model re-deriving it from scrollback.
type TodoListHook struct {
	agent.BaseHook
}

func NewTodoListHook() *TodoListHook {
	return &TodoListHook{}
}

func (h *TodoListHook) Name() string { return "todolist" }

func (h *TodoListHook) BeforeAgent(ctx context.Context, state *agent.AgentState) error {
	if state.Todos == nil {
		state.Todos = []agent.Todo{}
	}
	agent.RegisterToolOnState(state, writeTodosTool(state))
	agent.RegisterToolOnState(state, readTodosTool(state))
	return nil
}

func writeTodosTool(state *agent.AgentState) *agent.FuncTool {
	return &agent.FuncTool{
		ToolName: "write_todos",
		ToolDesc: "Update the task tracking list. Pass the complete list of todos with their current status.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"todos": map[string]any{"type": "array", "items": todoItemSchema},
			},
			"required": []string{"todos"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			raw, ok := args["todos"]
			if !ok {
				return "Error: 'todos' field is required", nil
			}

			data, _ := json.Marshal(raw)
			var todos []agent.Todo
			if err := json.Unmarshal(data, &todos); err != nil {
				return "Error parsing todos: " + err.Error(), nil
			}

			for i, t := range todos {
				if strings.TrimSpace(t.Content) == "" {
					return fmt.Sprintf("Error: todo %d has empty content", i), nil
				}
				if !todoStatuses[t.Status] {
					return fmt.Sprintf("Error: todo %d has invalid status %q", i, t.Status), nil
				}
			}

			state.Todos = todos
			return fmt.Sprintf("Updated %d todo(s)", len(todos)), nil
		},
	}
}

func readTodosTool(state *agent.AgentState) *agent.FuncTool {
	return &agent.FuncTool{
		ToolName:   "read_todos",
		Parallel:   true,
		ToolDesc:   "Return the current task tracking list.",
		ToolParams: map[string]any{"type": "object", "properties": map[string]any{}},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			data, _ := json.Marshal(state.Todos)
			return string(data), nil
		},
	}
}

func (h *TodoListHook) ModifyRequest(ctx context.Context, msgs []agent.Message) ([]agent.Message, error) {
	return msgs, nil
}

func (h *TodoListHook) WrapModelCall(ctx context.Context, msgs []agent.Message, next agent.ModelCallWrapFunc) (*llm.Response, error) {
	return next(ctx, msgs)
}

func (h *TodoListHook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) (*agent.ToolResult, error) {
	return next(ctx, call)
}
