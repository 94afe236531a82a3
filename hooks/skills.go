package hooks

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"deepagent/agent"
	"deepagent/backend"
	"deepagent/llm"

	"gopkg.in/yaml.v3"
)

var frontmatterPattern = regexp.MustCompile(`(?s)\A---\s*\n(.*?\n)---\s*\n`)

// SkillEntry is one discovered SKILL.md, its metadata parsed from YAML
// frontmatter (falling back to the containing directory name).
type SkillEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Path        string
}

// SkillsHook advertises a catalog of skills to the model without paying
// to load their full content: it scans for SKILL.md files at the start
// of the first run that finds any, keeps that catalog, and injects only name/description/path into the system
// prompt, leaving the model to read_file a skill's contents on demand.
type SkillsHook struct {
	agent.BaseHook
	backend backend.Backend
	paths   []string
	skills  []SkillEntry
}

// NewSkillsHook builds a hook that scans paths (skill root directories)
// for SKILL.md files against b, the sandbox they live in.
func NewSkillsHook(b backend.Backend, paths []string) *SkillsHook {
	return &SkillsHook{backend: b, paths: paths}
}

func (h *SkillsHook) Name() string { return "skills" }

func (h *SkillsHook) Phases() []string { return []string{"before_agent", "modify_request"} }

func (h *SkillsHook) BeforeAgent(ctx context.Context, state *agent.AgentState) error {
	if h.skills != nil {
		return nil
	}
	for _, dir := range h.paths {
		h.skills = append(h.skills, discoverSkills(h.backend, dir)...)
	}
	return nil
}

func discoverSkills(b backend.Backend, dir string) []SkillEntry {
	find := b.Execute(fmt.Sprintf("find %s -name SKILL.md -type f 2>/dev/null", shellQuote(dir)))
	if find.ExitCode != 0 || strings.TrimSpace(find.Output) == "" {
		return nil
	}

	var entries []SkillEntry
	for _, path := range strings.Split(strings.TrimSpace(find.Output), "\n") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if entry, ok := readSkillEntry(b, path); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

func readSkillEntry(b backend.Backend, path string) (SkillEntry, bool) {
	read := b.Execute(fmt.Sprintf("cat %s", shellQuote(path)))
	if read.ExitCode != 0 {
		return SkillEntry{}, false
	}

	entry := SkillEntry{Path: path, Name: dirNameFromSkillPath(path)}
	if match := frontmatterPattern.FindStringSubmatch(read.Output); match != nil {
		var front map[string]any
		if err := yaml.Unmarshal([]byte(match[1]), &front); err == nil {
			if name, ok := front["name"].(string); ok {
				entry.Name = name
			}
			if desc, ok := front["description"].(string); ok {
				entry.Description = strings.TrimSpace(desc)
			}
		}
	}
	return entry, true
}

// dirNameFromSkillPath falls back to the parent directory name when a
// SKILL.md carries no frontmatter name — "skills/pdf-fill/SKILL.md"
// yields "pdf-fill".
func dirNameFromSkillPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

func (h *SkillsHook) ModifyRequest(ctx context.Context, msgs []agent.Message) ([]agent.Message, error) {
	if len(h.skills) == 0 {
		return msgs, nil
	}

	var sb strings.Builder
	sb.WriteString("\n\nAvailable Skills:\n")
	for _, skill := range h.skills {
		fmt.Fprintf(&sb, "- [%s] %s -> Read %s for full instructions\n", skill.Name, skill.Description, skill.Path)
	}

	if len(msgs) > 0 && msgs[0].Role == "system" {
		msgs[0].Content += sb.String()
		return msgs, nil
	}
	return append([]agent.Message{{Role: "system", Content: sb.String()}}, msgs...), nil
}

func (h *SkillsHook) WrapModelCall(ctx context.Context, msgs []agent.Message, next agent.ModelCallWrapFunc) (*llm.Response, error) {
	return next(ctx, msgs)
}

func (h *SkillsHook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) (*agent.ToolResult, error) {
	return next(ctx, call)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
