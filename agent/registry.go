package agent

import (
	"fmt"
	"sync"
)

// Registry is the harness's live directory of agents: named Templates
// loaded once from configuration, and per-caller Instances cloned lazily
// the first time a given (agentID, username) pair asks for one. The
// dispatcher and sub-agent plumbing reach into this directory to resolve
// an agent by name; Registry itself only owns naming and cloning, never
// the step-loop behavior that lives on the built *Agent.
type Registry struct {
	mu sync.RWMutex

	byID  map[string]*Template  // key: agent_id
	byKey map[string]*Instance  // key: "agent_id:username"
}

// Template is a named, not-yet-instantiated agent configuration — what
// a config load contributes to the registry before any caller has
// touched it.
type Template struct {
	AgentID string
	Config  *AgentConfig
}

// HookOverrides lets a caller reshape the hook chain a cloned instance
// runs with, without mutating the shared template: hooks named in
// Remove are dropped, hooks named in Add are appended, and Config
// carries per-hook settings (e.g. memory paths) a hook constructor may
// consult.
type HookOverrides struct {
	Remove []string       `json:"remove"`
	Add    []string       `json:"add"`
	Config map[string]any `json:"config"`
}

// Instance is one caller's live, possibly-already-built agent, cloned
// from a Template. Agent is nil until the caller's first request forces
// a build, and is reset to nil whenever config or hook overrides change
// underneath it so the next request rebuilds from current state.
type Instance struct {
	AgentID       string
	Username      string
	Config        *AgentConfig
	Agent         *Agent
	HookOverrides *HookOverrides
	BackendID     string
}

// NewRegistry returns an empty registry with no templates or instances.
func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]*Template),
		byKey: make(map[string]*Instance),
	}
}

func instanceKey(agentID, username string) string {
	return agentID + ":" + username
}

// RegisterTemplate installs or replaces the template for agentID. It
// does not touch any Instance already cloned from a previous version —
// callers wanting existing instances to pick up the change should
// follow with UpdateInstanceConfig or InvalidateAllAgents.
func (r *Registry) RegisterTemplate(agentID string, cfg *AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[agentID] = &Template{AgentID: agentID, Config: cfg}
}

// ListTemplates returns the agent IDs of every registered template, in
// no particular order.
func (r *Registry) ListTemplates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// AllConfigs returns the configuration of every registered template —
// used by callers that need to scan across all agents (e.g. resolving
// skills or memory paths) without instantiating any of them.
func (r *Registry) AllConfigs() []*AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfgs := make([]*AgentConfig, 0, len(r.byID))
	for _, t := range r.byID {
		cfgs = append(cfgs, t.Config)
	}
	return cfgs
}

// TemplateCount reports how many templates are registered.
func (r *Registry) TemplateCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// GetOrClone returns the caller's existing Instance for (agentID,
// username), cloning a fresh one from the template on first request. The
// clone gets its own copy of the template's AgentConfig so per-caller
// mutations (tool lists, backend selection, hook overrides) never leak
// back into the template or across callers.
func (r *Registry) GetOrClone(agentID, username string) (*Instance, error) {
	key := instanceKey(agentID, username)

	r.mu.RLock()
	inst, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return inst, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.byKey[key]; ok {
		return inst, nil
	}

	tmpl, ok := r.byID[agentID]
	if !ok {
		return nil, fmt.Errorf("agent template %q not found", agentID)
	}

	cfgCopy := *tmpl.Config
	inst = &Instance{
		AgentID:  agentID,
		Username: username,
		Config:   &cfgCopy,
	}
	r.byKey[key] = inst
	return inst, nil
}

// GetInstance looks up an already-cloned instance without creating one;
// it returns nil if the caller has never invoked this agent before.
func (r *Registry) GetInstance(agentID, username string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[instanceKey(agentID, username)]
}

// DeleteInstance drops a caller's cloned instance so the next
// GetOrClone starts fresh from the current template.
func (r *Registry) DeleteInstance(agentID, username string) error {
	key := instanceKey(agentID, username)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[key]; !ok {
		return fmt.Errorf("agent %q not found for user %q", agentID, username)
	}
	delete(r.byKey, key)
	return nil
}

// ListAgents summarizes every agent visible to username: one entry per
// registered template, using that user's cloned instance in place of the
// template wherever one already exists (so live hook overrides and
// config edits show up instead of the stale template defaults).
func (r *Registry) ListAgents(username string) []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []AgentInfo
	seen := make(map[string]bool)

	for _, inst := range r.byKey {
		if inst.Username != username {
			continue
		}
		result = append(result, describeInstance(inst))
		seen[inst.AgentID] = true
	}

	for id, tmpl := range r.byID {
		if !seen[id] {
			result = append(result, describeTemplate(tmpl))
		}
	}

	return result
}

// UpdateHookOverrides atomically replaces the hook overrides for an
// existing instance and forces the next request to rebuild its Agent
// with the new chain.
func (r *Registry) UpdateHookOverrides(agentID, username string, overrides *HookOverrides) error {
	key := instanceKey(agentID, username)

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byKey[key]
	if !ok {
		return fmt.Errorf("agent %q not found for user %q", agentID, username)
	}
	inst.HookOverrides = overrides
	inst.Agent = nil
	return nil
}

// InvalidateAllAgents clears the built Agent on every instance so the
// next request for each rebuilds from current config and overrides —
// used after tools are registered or deregistered so live agents pick
// them up.
func (r *Registry) InvalidateAllAgents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.byKey {
		inst.Agent = nil
	}
}

// UpdateInstanceConfig replaces an instance's configuration wholesale
// and forces a rebuild on next use.
func (r *Registry) UpdateInstanceConfig(agentID, username string, cfg *AgentConfig) error {
	key := instanceKey(agentID, username)

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byKey[key]
	if !ok {
		return fmt.Errorf("agent %q not found for user %q", agentID, username)
	}
	inst.Config = cfg
	inst.Agent = nil
	return nil
}

// describeInstance builds the AgentInfo summary for a live instance,
// preferring the hooks actually wired into its built Agent when one
// exists, and falling back to the config-derived default chain
// otherwise.
func describeInstance(inst *Instance) AgentInfo {
	cfg := inst.Config
	info := AgentInfo{
		AgentID:      inst.AgentID,
		Tools:        orEmpty(cfg.Tools),
		Subagents:    subAgentNames(cfg.Subagents),
		Middleware:   orEmpty(cfg.Middleware),
		Hooks:        []string{},
		BackendType:  "state",
		Skills:       []string{},
		LoadedSkills: []string{},
		Memory:       []string{},
		Model:        cfg.ModelStr(),
		Debug:        cfg.Debug,
	}
	if inst.Agent != nil {
		for _, h := range inst.Agent.Hooks {
			info.Hooks = append(info.Hooks, h.Name())
		}
	} else {
		info.Hooks = wiredHookChain(cfg)
	}
	applyTemplateFields(&info, cfg)
	return info
}

// describeTemplate builds the AgentInfo summary for a template no
// caller has instantiated yet, always projecting the config-derived
// default hook chain since there's no built Agent to consult.
func describeTemplate(tmpl *Template) AgentInfo {
	cfg := tmpl.Config
	info := AgentInfo{
		AgentID:      tmpl.AgentID,
		Tools:        orEmpty(cfg.Tools),
		Subagents:    subAgentNames(cfg.Subagents),
		Middleware:   orEmpty(cfg.Middleware),
		Hooks:        wiredHookChain(cfg),
		BackendType:  "state",
		Skills:       []string{},
		LoadedSkills: []string{},
		Memory:       []string{},
		Model:        cfg.ModelStr(),
		Debug:        cfg.Debug,
	}
	applyTemplateFields(&info, cfg)
	return info
}

// applyTemplateFields fills in the pointer/optional fields common to
// both a live instance and an un-cloned template summary.
func applyTemplateFields(info *AgentInfo, cfg *AgentConfig) {
	if cfg.Name != "" {
		name := cfg.Name
		info.Name = &name
	}
	if cfg.SystemPrompt != "" {
		preview := shorten(cfg.SystemPrompt, 120)
		info.SystemPrompt = &preview
	}
	if cfg.Backend != nil {
		info.BackendType = cfg.Backend.Type
		if cfg.Backend.DockerHost != "" {
			host := cfg.Backend.DockerHost
			info.SandboxURL = &host
		}
	}
	if cfg.Skills != nil {
		info.Skills = cfg.Skills.Paths
	}
	if cfg.Memory != nil {
		info.Memory = cfg.Memory.Paths
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func subAgentNames(subs []SubAgentCfg) []string {
	names := make([]string, len(subs))
	for i, sa := range subs {
		names[i] = sa.Name
	}
	return names
}

// wiredHookChain reconstructs the hook names a freshly built Agent
// would carry for cfg, mirroring the constructor's wiring order:
// tracing, the todo tool and filesystem are always present; skills and
// memory hooks are added only when the config enables the paths and
// backend they depend on; the sub-agent hook follows when sub-agents are
// declared, then summarization, then the human-in-the-loop gate when
// interrupt_on is set, and patch_tool_calls always comes last.
func wiredHookChain(cfg *AgentConfig) []string {
	names := []string{"tracing", "todolist", "filesystem"}
	if cfg.Skills != nil && len(cfg.Skills.Paths) > 0 && cfg.Backend != nil {
		names = append(names, "skills")
	}
	if cfg.Memory != nil && len(cfg.Memory.Paths) > 0 && cfg.Backend != nil {
		names = append(names, "memory")
	}
	if len(cfg.Subagents) > 0 {
		names = append(names, "subagents")
	}
	names = append(names, "summarization")
	if len(cfg.InterruptOn) > 0 {
		names = append(names, "human_in_the_loop")
	}
	names = append(names, "patch_tool_calls")
	return names
}

func shorten(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
