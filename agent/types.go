package agent

// Message, ToolCall, and ToolResult are defined in messages.go, alongside
// the LangChain-style constructors (Human, System, AI, ToolMsg) that build
// them.

// AgentState holds the full conversation state for a thread.
type AgentState struct {
	ThreadID string            `json:"thread_id"`
	Messages []Message         `json:"messages"`
	Todos    []Todo            `json:"todos,omitempty"`
	Files    map[string]string `json:"files,omitempty"` // path → content (tracked writes)

	// PendingInterrupt is set while a tool call awaits a human decision
	// (see ApprovalGate). Nil when the thread isn't suspended.
	PendingInterrupt *PendingInterrupt `json:"pending_interrupt,omitempty"`

	// Decisions records resolved human decisions for the current
	// in-progress tool-call batch, keyed by call ID. Cleared once every
	// call in the batch has executed.
	Decisions map[string]Decision `json:"decisions,omitempty"`

	// ActiveToolCalls holds the tool calls of the step currently being
	// executed. Non-nil between the assistant message that requested them
	// and the point every one of them has a recorded result, including
	// across a suspend/resume round trip — its presence is what tells the
	// loop to resume tool execution instead of calling the model again.
	ActiveToolCalls []ToolCall `json:"active_tool_calls,omitempty"`

	// runtimeTools holds tools registered at runtime by hooks (e.g.
	// FilesystemHook, TodoListHook) via RegisterToolOnState. Not
	// serialized — rebuilt on each agent run.
	runtimeTools *ToolRegistry `json:"-"`
}

// Todo represents a task tracked by the TodoList hook.
type Todo struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"` // "pending", "in_progress", "completed"
}

// StreamEvent is sent from the agent loop to the SSE handler.
type StreamEvent struct {
	Event    string `json:"event"`              // on_chat_model_stream, on_tool_start, on_tool_end, done, error
	Name     string `json:"name,omitempty"`     // tool name or model name
	RunID    string `json:"run_id,omitempty"`
	Data     any    `json:"data,omitempty"`
	ThreadID string `json:"thread_id,omitempty"` // set on "done" event
}

// AgentConfig is the configuration for creating an agent from agents.yaml.
type AgentConfig struct {
	Name        string         `yaml:"name" json:"name"`
	Model       any            `yaml:"model" json:"model"` // string or map
	SystemPrompt string        `yaml:"system_prompt" json:"system_prompt"`
	Tools       []string       `yaml:"tools" json:"tools"`
	Middleware  []string       `yaml:"middleware" json:"middleware"`
	Subagents   []SubAgentCfg  `yaml:"subagents" json:"subagents"`
	Backend     *BackendCfg    `yaml:"backend" json:"backend"`
	Skills      *SkillsCfg     `yaml:"skills" json:"skills"`
	Memory      *MemoryCfg     `yaml:"memory" json:"memory"`
	Debug       bool           `yaml:"debug" json:"debug"`

	// ContextWindow bounds the token budget the summarization hook
	// measures against; 0 means the model resolver's default applies.
	ContextWindow int `yaml:"context_window" json:"context_window"`

	// BuiltinConfig holds free-form credentials/settings for built-in
	// tools that need them (e.g. "tavily_api_key" for internet_search).
	BuiltinConfig map[string]string `yaml:"builtin_config" json:"builtin_config"`

	InterruptOn                   []string `yaml:"interrupt_on" json:"interrupt_on"`
	OffloadThresholdBytes         int      `yaml:"offload_threshold_bytes" json:"offload_threshold_bytes"`
	SummarizationHighWaterTokens  int      `yaml:"summarization_high_water_tokens" json:"summarization_high_water_tokens"`
	SummarizationLowWaterTokens   int      `yaml:"summarization_low_water_tokens" json:"summarization_low_water_tokens"`
	ParallelSubagentLimit         int      `yaml:"parallel_subagent_limit" json:"parallel_subagent_limit"`
	SharedFilePrefixes            []string `yaml:"shared_file_prefixes" json:"shared_file_prefixes"`
}

// SubAgentCfg describes a subagent template.
type SubAgentCfg struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	SystemPrompt string   `yaml:"system_prompt" json:"system_prompt"`
	Tools        []string `yaml:"tools" json:"tools"`
	Model        string   `yaml:"model" json:"model"`

	// ExcludeState lists AgentState fields the dispatcher does not copy
	// from the child back to the parent; only "files" is ever copied back,
	// so "files" is the one entry with an effect. The child never receives
	// the parent's state.
	ExcludeState []string `yaml:"exclude_state" json:"exclude_state"`
}

// BackendCfg holds backend configuration. Type selects both the sandbox
// execution provider and the filesystem storage it backs:
//
//   - "local", "docker" — real shell sandbox; files live on its disk.
//   - "state" — in-memory only, hermetic and checkpointable (the default
//     when Type is empty).
//   - "store" — durable, namespaced key-value storage that survives a
//     process restart.
//   - "composite" — routes each path to a child backend by longest
//     matching prefix, via Default and Routes.
type BackendCfg struct {
	Type           string  `yaml:"type" json:"type"`
	Workdir        string  `yaml:"workdir" json:"workdir"`
	Timeout        float64 `yaml:"timeout" json:"timeout"`
	MaxOutputBytes int     `yaml:"max_output_bytes" json:"max_output_bytes"`
	DockerHost     string  `yaml:"docker_host" json:"docker_host"`
	Image          string  `yaml:"image" json:"image"`
	ContainerName  string  `yaml:"container_name" json:"container_name"`

	// Namespace names the bucket a "store" backend persists into.
	// Defaults to the agent ID when empty.
	Namespace string `yaml:"namespace" json:"namespace"`

	// Default and Routes configure a "composite" backend: Default backs
	// any path not matched by a Routes prefix (e.g. "/memories/").
	Default *BackendCfg            `yaml:"default" json:"default"`
	Routes  map[string]*BackendCfg `yaml:"routes" json:"routes"`
}

// SkillsCfg holds skills configuration.
type SkillsCfg struct {
	Paths []string `yaml:"paths" json:"paths"`
}

// MemoryCfg holds memory configuration.
type MemoryCfg struct {
	Paths          []string          `yaml:"paths" json:"paths"`
	InitialContent map[string]string `yaml:"initial_content" json:"initial_content"`
}

// AgentInfo is the JSON response for agent metadata (matches Python AgentInfo).
type AgentInfo struct {
	AgentID         string   `json:"agent_id"`
	Name            *string  `json:"name"`
	Model           string   `json:"model"`
	SystemPrompt    *string  `json:"system_prompt"`
	Tools           []string `json:"tools"`
	Subagents       []string `json:"subagents"`
	Middleware      []string `json:"middleware"`
	Hooks           []string `json:"hooks"`
	BackendType     string   `json:"backend_type"`
	SandboxURL      *string  `json:"sandbox_url"`
	HasInterruptOn  bool     `json:"has_interrupt_on"`
	Skills          []string `json:"skills"`
	LoadedSkills    []string `json:"loaded_skills"`
	Memory          []string `json:"memory"`
	HasResponseFmt  bool     `json:"has_response_format"`
	CacheEnabled    bool     `json:"cache_enabled"`
	Debug           bool     `json:"debug"`
	ContainerStatus *string  `json:"container_status"`
	ContainerError  *string  `json:"container_error"`
}

// ModelStr extracts a display string from the Model field (string or map).
func (c *AgentConfig) ModelStr() string {
	switch v := c.Model.(type) {
	case string:
		return v
	case map[string]any:
		prov, _ := v["provider"].(string)
		model, _ := v["model"].(string)
		if prov != "" && model != "" {
			return prov + ":" + model
		}
		if model != "" {
			return model
		}
		return prov
	default:
		return ""
	}
}
