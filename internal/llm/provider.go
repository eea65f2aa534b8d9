package llm

import (
	"os"
	"strings"
)

// Provider identifies an inference provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
	ProviderWorkersAI Provider = "workersai"
)

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"workersai/@cf/meta/llama-3.3-70b-instruct-fp8-fast" → (workersai, "@cf/meta/llama-3.3-70b-instruct-fp8-fast")
//	"@cf/meta/llama-3.1-8b-instruct"                     → (workersai, "@cf/meta/llama-3.1-8b-instruct")
//	"ollama/llama3.2"                                    → (ollama, "llama3.2")
//	"openai/gpt-4o"                                      → (openai, "gpt-4o")
//	"claude-sonnet-4-20250514"                           → (anthropic, "claude-sonnet-4-20250514")
//	"gpt-4o"                                             → (openai, "gpt-4o")
//	"llama3.2"                                           → (anthropic, "llama3.2") fallback
func ParseModelString(model string) (Provider, string) {
	if strings.HasPrefix(model, "@cf/") || strings.HasPrefix(model, "@hf/") {
		return ProviderWorkersAI, model
	}

	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "workersai":
			return ProviderWorkersAI, name
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}

	if os.Getenv("CLOUDFLARE_ACCOUNT_ID") != "" {
		return ProviderWorkersAI, model
	}
	if os.Getenv("OLLAMA_HOST") != "" {
		return ProviderOllama, model
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI, model
	}

	return ProviderAnthropic, model
}

// NewClientForModel creates the appropriate client based on the model string.
//
// Environment variables used:
//
//	CLOUDFLARE_ACCOUNT_ID  Workers AI account
//	CLOUDFLARE_API_TOKEN   Workers AI token
//	ANTHROPIC_API_KEY      Anthropic API key (read by SDK automatically)
//	OPENAI_API_KEY         OpenAI API key
//	OPENAI_BASE_URL        Custom OpenAI-compatible base URL
//	OLLAMA_HOST            Ollama server address (default: http://localhost:11434)
func NewClientForModel(model string) (Client, string) {
	provider, modelName := ParseModelString(model)

	switch provider {
	case ProviderWorkersAI:
		return NewWorkersAIClient(os.Getenv("CLOUDFLARE_ACCOUNT_ID"), os.Getenv("CLOUDFLARE_API_TOKEN")), modelName

	case ProviderOllama:
		return NewOllamaClient(os.Getenv("OLLAMA_HOST")), modelName

	case ProviderOpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			return NewOpenAICompatibleClient(baseURL, apiKey), modelName
		}
		return NewOpenAIClient(apiKey), modelName

	default:
		return NewAnthropicClient(), modelName
	}
}
