package llm

import (
	"fmt"
	"strings"
)

const defaultOllamaURL = "http://localhost:11434/v1"

// Resolve turns a model spec from agent config — either a bare string
// (ollama shorthand only) or a map carrying an explicit provider and
// credentials — into a ready Client plus the resolved model name.
func Resolve(modelSpec any) (Client, string, error) {
	switch v := modelSpec.(type) {
	case string:
		return resolveShorthand(v)
	case map[string]any:
		return resolveSpec(v)
	default:
		return nil, "", fmt.Errorf("unsupported model spec type: %T", modelSpec)
	}
}

// resolveShorthand handles the bare-string form, which only ever means
// ollama: "provider:model" or just "model" against the local daemon.
func resolveShorthand(spec string) (Client, string, error) {
	provider, model, hasProvider := strings.Cut(spec, ":")
	if !hasProvider {
		return NewOpenAIClient(defaultOllamaURL, "ollama", spec), spec, nil
	}

	switch provider {
	case "ollama":
		return NewOpenAIClient(defaultOllamaURL, "ollama", model), model, nil
	case "openai":
		return nil, "", fmt.Errorf(`openai provider requires map format with api_key (e.g. {"provider":"openai","model":"gpt-4","api_key":"..."})`)
	case "anthropic":
		return nil, "", fmt.Errorf(`anthropic provider requires map format with api_key (e.g. {"provider":"anthropic","model":"claude-3","api_key":"..."})`)
	case "gateway":
		return nil, "", fmt.Errorf("gateway provider requires map format with base_url and api_key")
	default:
		// Not a recognized provider prefix — treat the whole spec as an
		// ollama model tag (covers names like "llama3.1:8b").
		return NewOpenAIClient(defaultOllamaURL, "ollama", spec), spec, nil
	}
}

func resolveSpec(spec map[string]any) (Client, string, error) {
	provider, _ := spec["provider"].(string)
	model, _ := spec["model"].(string)
	baseURL, _ := spec["base_url"].(string)
	apiKey, _ := spec["api_key"].(string)

	switch provider {
	case "ollama":
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		return NewOpenAIClient(baseURL, "ollama", model), model, nil

	case "openai":
		if apiKey == "" {
			return nil, "", fmt.Errorf("openai provider requires api_key in model spec")
		}
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return NewOpenAIClient(baseURL, apiKey, model), model, nil

	case "anthropic":
		if apiKey == "" {
			return nil, "", fmt.Errorf("anthropic provider requires api_key in model spec")
		}
		return NewAnthropicClient(apiKey, model), model, nil

	case "gateway":
		if baseURL == "" {
			return nil, "", fmt.Errorf("gateway provider requires base_url in model spec")
		}
		if apiKey == "" {
			return nil, "", fmt.Errorf("gateway provider requires api_key in model spec")
		}
		return NewOpenAIClient(baseURL, apiKey, model), model, nil

	case "proxy":
		callbackURL, _ := spec["callback_url"].(string)
		if callbackURL == "" {
			return nil, "", fmt.Errorf("proxy provider requires callback_url")
		}
		return NewHTTPProxyClient(callbackURL, model), model, nil

	default:
		return nil, "", fmt.Errorf("unknown provider: %q", provider)
	}
}
