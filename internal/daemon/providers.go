package daemon

import (
	"fmt"
	"strings"

	"github.com/tenex-sh/tenexd/internal/config"
	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/llm"
)

const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.7
)

// BuildProviderResolver builds the executor's model-string -> Provider
// resolver (spec.md §6's llm.* routing table names roles, not vendors;
// the vendor is inferred from the per-agent model string itself). Only
// providers whose API key is configured are constructed; a model that
// would route to an unconfigured provider fails with a ValidationError
// rather than panicking deep inside a turn.
func BuildProviderResolver(cfg config.LLMConfig) (func(model string) (llm.Provider, error), error) {
	var anthropic *llm.AnthropicProvider
	var openai *llm.OpenAIProvider

	if cfg.AnthropicAPIKey != "" {
		model := cfg.Routes.Agents
		if model == "" || !isAnthropicModel(model) {
			model = "claude-sonnet-4-5"
		}
		p, err := llm.NewAnthropicProvider(cfg.AnthropicAPIKey, model, defaultMaxTokens, defaultTemperature)
		if err != nil {
			return nil, err
		}
		anthropic = p
	}
	if cfg.OpenAIAPIKey != "" {
		model := cfg.Routes.Agents
		if model == "" || !isOpenAIModel(model) {
			model = "gpt-5"
		}
		p, err := llm.NewOpenAIProvider(cfg.OpenAIAPIKey, model, defaultMaxTokens, defaultTemperature)
		if err != nil {
			return nil, err
		}
		openai = p
	}

	return func(model string) (llm.Provider, error) {
		switch {
		case isAnthropicModel(model):
			if anthropic == nil {
				return nil, &errs.ValidationError{Subject: "llm provider", Err: fmt.Errorf("anthropic api key not configured for model %q", model)}
			}
			return anthropic, nil
		case isOpenAIModel(model):
			if openai == nil {
				return nil, &errs.ValidationError{Subject: "llm provider", Err: fmt.Errorf("openai api key not configured for model %q", model)}
			}
			return openai, nil
		default:
			return nil, &errs.ValidationError{Subject: "llm provider", Err: fmt.Errorf("no provider matches model %q", model)}
		}
	}, nil
}

func isAnthropicModel(model string) bool {
	return strings.HasPrefix(model, "claude")
}

func isOpenAIModel(model string) bool {
	for _, prefix := range []string{"gpt", "o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}
