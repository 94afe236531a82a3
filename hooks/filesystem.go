package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"deepagent/agent"
	"deepagent/fsbackend"
	"deepagent/llm"
)

const defaultOffloadThresholdBytes = 80_000

// FilesystemHook registers file-operation tools (ls, read_file, write_file,
// edit_file, glob, grep, execute) that delegate to an fsbackend.Backend.
// The execute tool is only registered when the backend advertises the
// Executor capability, so a State-only harness never surfaces it.
//
// Large tool results are not truncated in place: they are offloaded to a
// synthetic path under /tool_outputs/<call_id> through the same backend,
// and the tool call returns a short stub referencing that path.
type FilesystemHook struct {
	agent.BaseHook
	backend                fsbackend.Backend
	workdir                string
	offloadThresholdBytes  int
}

// NewFilesystemHook creates a filesystem hook backed by b, rooted at workdir.
func NewFilesystemHook(b fsbackend.Backend, workdir string) *FilesystemHook {
	return &FilesystemHook{backend: b, workdir: workdir, offloadThresholdBytes: defaultOffloadThresholdBytes}
}

// WithOffloadThreshold overrides the default 80,000-byte offload threshold.
func (h *FilesystemHook) WithOffloadThreshold(n int) *FilesystemHook {
	if n > 0 {
		h.offloadThresholdBytes = n
	}
	return h
}

func (h *FilesystemHook) Name() string { return "filesystem" }

func (h *FilesystemHook) Phases() []string {
	return []string{"before_agent", "wrap_tool_call"}
}

// BeforeAgent registers the file-operation tools on the agent state.
func (h *FilesystemHook) BeforeAgent(ctx context.Context, state *agent.AgentState) error {
	workdir := h.workdir

	agent.RegisterToolOnState(state, &agent.FuncTool{
		ToolName: "ls",
		Parallel: true,
		ToolDesc: "List files and directories at a given path. Returns names, types, and sizes.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": fmt.Sprintf("Directory path to list (default: %s)", workdir)},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			if path == "" {
				path = workdir
			}
			entries, err := h.backend.LsInfo(ctx, path)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			data, _ := json.Marshal(entries)
			return string(data), nil
		},
	})

	agent.RegisterToolOnState(state, &agent.FuncTool{
		ToolName: "read_file",
		Parallel: true,
		ToolDesc: "Read the contents of a file at the given path. Optionally paginate with offset/limit line counts.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string", "description": "Absolute path of the file to read; relative paths are rejected"},
				"offset":    map[string]any{"type": "integer", "description": "Line to start reading from (0-indexed)"},
				"limit":     map[string]any{"type": "integer", "description": "Maximum number of lines to return"},
			},
			"required": []string{"file_path"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["file_path"].(string)
			if path == "" {
				return "Error: file_path is required", nil
			}
			offset := intArg(args, "offset")
			limit := intArg(args, "limit")
			content, err := h.backend.Read(ctx, path, offset, limit)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			return content, nil
		},
	})

	agent.RegisterToolOnState(state, &agent.FuncTool{
		ToolName: "write_file",
		ToolDesc: "Write content to a file at the given path. Creates the file and parent directories if they don't exist.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string", "description": "Absolute path to write the file to; relative paths are rejected"},
				"content":   map[string]any{"type": "string", "description": "Content to write"},
			},
			"required": []string{"file_path", "content"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["file_path"].(string)
			content, _ := args["content"].(string)
			if path == "" {
				return "Error: file_path is required", nil
			}
			if err := h.backend.Write(ctx, path, content); err != nil {
				return "Error: " + err.Error(), nil
			}
			if state.Files == nil {
				state.Files = make(map[string]string)
			}
			state.Files[path] = content
			return fmt.Sprintf("File written: %s (%d bytes)", path, len(content)), nil
		},
	})

	agent.RegisterToolOnState(state, &agent.FuncTool{
		ToolName: "edit_file",
		ToolDesc: "Edit a file by replacing old_string with new_string. old_string must match exactly once unless replace_all is set.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string", "description": "Absolute path of the file to edit; relative paths are rejected"},
				"old_string":  map[string]any{"type": "string", "description": "Exact text to find and replace"},
				"new_string":  map[string]any{"type": "string", "description": "Text to replace old_string with"},
				"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence instead of requiring a unique match"},
			},
			"required": []string{"path", "old_string", "new_string"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			oldText, _ := args["old_string"].(string)
			newText, _ := args["new_string"].(string)
			replaceAll, _ := args["replace_all"].(bool)
			if path == "" {
				return "Error: path is required", nil
			}
			n, err := h.backend.Edit(ctx, path, oldText, newText, replaceAll)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			if content, readErr := h.backend.Read(ctx, path, 0, 0); readErr == nil {
				if state.Files == nil {
					state.Files = make(map[string]string)
				}
				state.Files[path] = content
			}
			return fmt.Sprintf("OK (%d replacement(s))", n), nil
		},
	})

	agent.RegisterToolOnState(state, &agent.FuncTool{
		ToolName: "glob",
		Parallel: true,
		ToolDesc: "Find files matching a glob pattern (supports ** for recursive matching). Returns matching file paths.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Glob pattern (e.g., '*.py', '**/*.js')"},
				"path":    map[string]any{"type": "string", "description": fmt.Sprintf("Directory to search in (default: %s)", workdir)},
			},
			"required": []string{"pattern"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			pattern, _ := args["pattern"].(string)
			path, _ := args["path"].(string)
			if path == "" {
				path = workdir
			}
			matches, err := h.backend.Glob(ctx, pattern, path)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			data, _ := json.Marshal(matches)
			return string(data), nil
		},
	})

	agent.RegisterToolOnState(state, &agent.FuncTool{
		ToolName: "grep",
		Parallel: true,
		ToolDesc: "Search file contents for a pattern. Returns matching lines with file paths and line numbers.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern":          map[string]any{"type": "string", "description": "Search pattern (regex supported)"},
				"path":             map[string]any{"type": "string", "description": fmt.Sprintf("File or directory to search in (default: %s)", workdir)},
				"include":          map[string]any{"type": "string", "description": "Optional glob restricting which files are searched"},
				"case_insensitive": map[string]any{"type": "boolean"},
			},
			"required": []string{"pattern"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			pattern, _ := args["pattern"].(string)
			path, _ := args["path"].(string)
			if path == "" {
				path = workdir
			}
			include, _ := args["include"].(string)
			caseInsensitive, _ := args["case_insensitive"].(bool)
			hits, err := h.backend.Grep(ctx, pattern, path, fsbackend.GrepOptions{Include: include, CaseInsensitive: caseInsensitive})
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			data, _ := json.Marshal(hits)
			return string(data), nil
		},
	})

	if fsbackend.SupportsExecute(h.backend) {
		agent.RegisterToolOnState(state, &agent.FuncTool{
			ToolName: "execute",
			ToolDesc: "Execute an arbitrary shell command in the workspace.",
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Shell command to execute"},
				},
				"required": []string{"command"},
			},
			Fn: func(ctx context.Context, args map[string]any) (string, error) {
				command, _ := args["command"].(string)
				if command == "" {
					return "Error: command is required", nil
				}
				executor := h.backend.(fsbackend.Executor)
				result, err := executor.Execute(ctx, command, workdir, 0)
				if err != nil {
					return "Error: " + err.Error(), nil
				}
				data, _ := json.Marshal(result)
				return string(data), nil
			},
		})
	}

	return nil
}

// WrapToolCall implements the context offload policy: results larger than
// offloadThresholdBytes are written to /tool_outputs/<call_id> through the
// active backend and replaced with a short stub.
func (h *FilesystemHook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) (*agent.ToolResult, error) {
	result, err := next(ctx, call)
	if err != nil || result == nil {
		return result, err
	}

	if len(result.Output) <= h.offloadThresholdBytes {
		return result, nil
	}

	stubPath := fmt.Sprintf("/tool_outputs/%s", call.ID)
	if werr := h.backend.Write(ctx, stubPath, result.Output); werr != nil {
		// Offload failed; fall back to returning the full payload rather
		// than silently dropping it.
		return result, nil
	}

	preview := result.Output
	const previewBytes = 500
	if len(preview) > previewBytes {
		preview = preview[:previewBytes]
	}
	result.Output = fmt.Sprintf("%d bytes written to %s; preview: %s", len(result.Output), stubPath, preview)
	return result, nil
}

// ModifyRequest is a no-op for FilesystemHook.
func (h *FilesystemHook) ModifyRequest(ctx context.Context, msgs []agent.Message) ([]agent.Message, error) {
	return msgs, nil
}

// WrapModelCall passes through.
func (h *FilesystemHook) WrapModelCall(ctx context.Context, msgs []agent.Message, next agent.ModelCallWrapFunc) (*llm.Response, error) {
	return next(ctx, msgs)
}

func intArg(args map[string]any, key string) int {
	v, ok := args[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
