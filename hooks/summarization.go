package hooks

import (
	"context"
	"fmt"
	"strings"

	"deepagent/agent"
	"deepagent/llm"
)

// SummarizationHook compresses conversation context once it exceeds a high
// water mark, cutting it back down to a low water mark rather than to some
// fixed fraction of what triggered it — a wide gap between the two water
// marks means summarization runs rarely even on long-lived threads, instead
// of firing again almost immediately after every trim.
type SummarizationHook struct {
	agent.BaseHook
	llmClient llm.Client
	highWater int // token estimate that triggers a summarization pass
	lowWater  int // target token estimate to trim recent messages down to
}

// NewSummarizationHook creates a summarization hook with the given trigger
// threshold. Defaults lowWater to 40% of highWater until WithLowWater
// overrides it.
func NewSummarizationHook(client llm.Client, highWater int) *SummarizationHook {
	if highWater <= 0 {
		highWater = 170_000
	}
	return &SummarizationHook{
		llmClient: client,
		highWater: highWater,
		lowWater:  highWater * 2 / 5,
	}
}

// WithLowWater overrides the target token count summarization trims down
// to. A zero or negative value leaves the constructor's default in place.
func (h *SummarizationHook) WithLowWater(lowWater int) *SummarizationHook {
	if lowWater > 0 {
		h.lowWater = lowWater
	}
	return h
}

func (h *SummarizationHook) Name() string { return "summarization" }

func (h *SummarizationHook) Phases() []string {
	return []string{"wrap_model_call"}
}

// WrapModelCall checks token count and summarizes if needed.
func (h *SummarizationHook) WrapModelCall(ctx context.Context, msgs []agent.Message, next agent.ModelCallWrapFunc) (*llm.Response, error) {
	if estimateTokens(msgs) <= h.highWater {
		return next(ctx, msgs)
	}

	cut := summarizationCutIndex(msgs, h.lowWater)
	if cut <= 0 {
		// Nothing safe to drop (e.g. everything is one atomic tail block).
		return next(ctx, msgs)
	}

	oldMsgs, recentMsgs := msgs[:cut], msgs[cut:]

	var sb strings.Builder
	sb.WriteString("Summarize the following conversation context concisely. ")
	sb.WriteString("Preserve key decisions, file paths, tool results, and important details. ")
	sb.WriteString("Keep the summary under 2000 words.\n\n")
	for _, m := range oldMsgs {
		content := m.Content
		if len(content) > 2000 && (m.Name == "write_file" || m.Name == "edit_file") {
			content = content[:2000] + "... [truncated]"
		}
		sb.WriteString(fmt.Sprintf("[%s] %s\n\n", m.Role, content))
	}

	summaryResp, err := h.llmClient.Call(ctx, llm.Request{
		Messages:  []llm.Message{{Role: "user", Content: sb.String()}},
		MaxTokens: 2000,
	})
	if err != nil {
		// On failure, just pass through (degraded but functional).
		return next(ctx, msgs)
	}

	summaryMsg := agent.Message{
		Role:    agent.RoleSystem,
		Content: fmt.Sprintf("[Conversation Summary]\n%s", summaryResp.Content),
	}

	compressed := append([]agent.Message{summaryMsg}, recentMsgs...)
	return next(ctx, compressed)
}

// summarizationCutIndex returns the index at which msgs can be split so
// that everything before it is safe to summarize away and everything from
// it onward is kept verbatim, respecting two constraints: the kept tail
// stays under lowWater tokens, and the cut never lands between an
// assistant tool call and its tool response.
func summarizationCutIndex(msgs []agent.Message, lowWater int) int {
	keptTokens := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		msgTokens := len(msgs[i].Content) / 4
		if keptTokens+msgTokens > lowWater {
			break
		}
		keptTokens += msgTokens
		cut = i
	}
	for cut > 0 && cut < len(msgs) && breaksToolCallPair(msgs, cut) {
		cut--
	}
	return cut
}

// breaksToolCallPair reports whether splitting msgs right before index cut
// would separate a tool response from the assistant tool call it answers.
func breaksToolCallPair(msgs []agent.Message, cut int) bool {
	if msgs[cut].Role != agent.RoleTool {
		return false
	}
	callID := msgs[cut].ToolCallID
	for i := cut - 1; i >= 0; i-- {
		if msgs[i].Role != agent.RoleAssistant {
			continue
		}
		for _, tc := range msgs[i].ToolCalls {
			if tc.ID == callID {
				return true
			}
		}
	}
	return false
}

// estimateTokens gives a rough token count (len/4 heuristic).
func estimateTokens(msgs []agent.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
	}
	return total
}
