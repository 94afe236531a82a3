package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"deepagent/agent"
)

// NewBuiltinTools returns the tools every agent gets regardless of
// backend: calculate and current_datetime always, and internet_search
// only when cfg carries a Tavily API key in BuiltinConfig.
func NewBuiltinTools(cfg *agent.AgentConfig) []agent.Tool {
	tools := []agent.Tool{calculateTool(), currentDatetimeTool()}
	if key := cfg.BuiltinConfig["tavily_api_key"]; key != "" {
		tools = append([]agent.Tool{internetSearchTool(key)}, tools...)
	}
	return tools
}

func internetSearchTool(apiKey string) agent.Tool {
	return &agent.FuncTool{
		ToolName: "internet_search",
		Parallel: true,
		ToolDesc: "Search the internet for information. Returns relevant search results with snippets.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
			},
			"required": []string{"query"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "Error: query is required", nil
			}
			return tavilySearch(ctx, apiKey, query)
		},
	}
}

func calculateTool() agent.Tool {
	return &agent.FuncTool{
		ToolName: "calculate",
		Parallel: true,
		ToolDesc: "Evaluate a mathematical expression. Supports basic arithmetic (+, -, *, /, ^, %, sqrt).",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{"type": "string", "description": "Mathematical expression to evaluate"},
			},
			"required": []string{"expression"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			expr, _ := args["expression"].(string)
			if expr == "" {
				return "Error: expression is required", nil
			}
			return evalExpr(expr), nil
		},
	}
}

func currentDatetimeTool() agent.Tool {
	return &agent.FuncTool{
		ToolName:   "current_datetime",
		Parallel:   true,
		ToolDesc:   "Get the current date and time in UTC and local timezone.",
		ToolParams: map[string]any{"type": "object", "properties": map[string]any{}},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			now := time.Now()
			return fmt.Sprintf("UTC: %s\nLocal: %s", now.UTC().Format(time.RFC3339), now.Format(time.RFC3339)), nil
		},
	}
}

const tavilyEndpoint = "https://api.tavily.com/search"

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func tavilySearch(ctx context.Context, apiKey, query string) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"api_key":        apiKey,
		"query":          query,
		"search_depth":   "basic",
		"include_answer": true,
		"max_results":    5,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tavilyEndpoint, strings.NewReader(string(payload)))
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "Error: search request failed: " + err.Error(), nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Error: search API returned %d: %s", resp.StatusCode, body), nil
	}

	var result tavilyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "Error parsing search results: " + err.Error(), nil
	}

	var sb strings.Builder
	if result.Answer != "" {
		fmt.Fprintf(&sb, "Answer: %s\n\n", result.Answer)
	}
	sb.WriteString("Sources:\n")
	for _, r := range result.Results {
		fmt.Fprintf(&sb, "- [%s](%s)\n  %s\n\n", r.Title, r.URL, r.Content)
	}
	return sb.String(), nil
}

var arithmeticOps = []byte{'+', '-', '*', '/', '^', '%'}

// evalExpr evaluates a single binary arithmetic expression or a
// sqrt(...) call — deliberately not a general expression parser, just
// enough for a calculator tool the model reaches for on simple math.
func evalExpr(expr string) string {
	expr = strings.TrimSpace(expr)

	if inner, ok := strings.CutPrefix(expr, "sqrt("); ok && strings.HasSuffix(inner, ")") {
		val, err := strconv.ParseFloat(inner[:len(inner)-1], 64)
		if err != nil {
			return "Error: invalid number in sqrt"
		}
		return fmt.Sprintf("%g", math.Sqrt(val))
	}

	for _, op := range arithmeticOps {
		idx := strings.IndexByte(expr[1:], op)
		if idx < 0 {
			continue
		}
		idx++ // account for the [1:] slice above (skip a leading sign)

		left, errL := strconv.ParseFloat(strings.TrimSpace(expr[:idx]), 64)
		right, errR := strconv.ParseFloat(strings.TrimSpace(expr[idx+1:]), 64)
		if errL != nil || errR != nil {
			continue
		}

		switch op {
		case '+':
			return fmt.Sprintf("%g", left+right)
		case '-':
			return fmt.Sprintf("%g", left-right)
		case '*':
			return fmt.Sprintf("%g", left*right)
		case '/':
			if right == 0 {
				return "Error: division by zero"
			}
			return fmt.Sprintf("%g", left/right)
		case '^':
			return fmt.Sprintf("%g", math.Pow(left, right))
		case '%':
			return fmt.Sprintf("%g", math.Mod(left, right))
		}
	}

	if val, err := strconv.ParseFloat(expr, 64); err == nil {
		return fmt.Sprintf("%g", val)
	}
	return "Error: could not evaluate expression: " + expr
}
