package daemon_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-sh/tenexd/internal/config"
	"github.com/tenex-sh/tenexd/internal/daemon"
)

func TestBuildProviderResolverRoutesByModelPrefix(t *testing.T) {
	resolve, err := daemon.BuildProviderResolver(config.LLMConfig{
		AnthropicAPIKey: "anthropic-key",
		OpenAIAPIKey:    "openai-key",
	})
	require.NoError(t, err)

	anthropic, err := resolve("claude-sonnet-4-5")
	require.NoError(t, err)
	assert.NotNil(t, anthropic)

	openai, err := resolve("gpt-5")
	require.NoError(t, err)
	assert.NotNil(t, openai)

	_, err = resolve("mystery-model")
	assert.Error(t, err)
}

func TestBuildProviderResolverRejectsUnconfiguredVendor(t *testing.T) {
	resolve, err := daemon.BuildProviderResolver(config.LLMConfig{AnthropicAPIKey: "anthropic-key"})
	require.NoError(t, err)

	_, err = resolve("gpt-5")
	assert.Error(t, err)
}
