package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-sh/tenexd/internal/config"
	"github.com/tenex-sh/tenexd/internal/errs"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Relays)
	assert.Equal(t, 20, cfg.MaxSteps)
	assert.Equal(t, int64(1_800_000), cfg.IdleTimeoutMS)
	assert.Equal(t, cfg.IdleTimeout.Milliseconds(), cfg.IdleTimeoutMS)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenexd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relays:
  - wss://relay.example.com
max_steps: 5
llm:
  routes:
    agents: anthropic:claude-sonnet-4-5
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://relay.example.com"}, cfg.Relays)
	assert.Equal(t, 5, cfg.MaxSteps)
	assert.Equal(t, "anthropic:claude-sonnet-4-5", cfg.LLM.Routes.Agents)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenexd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_steps: 5\n"), 0o644))

	t.Setenv("TENEX_MAX_STEPS", "42")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.MaxSteps)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default().MaxSteps, cfg.MaxSteps)
}

func TestInvalidConfigReturnsFatalError(t *testing.T) {
	t.Setenv("TENEX_MAX_STEPS", "0")

	_, err := config.Load("")
	require.Error(t, err)

	var fatal *errs.FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestMongoBackendRequiresURI(t *testing.T) {
	t.Setenv("TENEX_STORE_BACKEND", "mongo")

	_, err := config.Load("")
	require.Error(t, err)
}
