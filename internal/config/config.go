// Package config loads the daemon's configuration from a YAML file overlaid
// with TENEX_* environment variables, following the teacher's env-var
// overlay style (registry/cmd/registry/main.go's envOr/envDurationOr/
// envIntOr helpers) generalized to a struct decoded from YAML first.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tenex-sh/tenexd/internal/errs"
)

// LLMRoutes maps a logical role (agents, analyze, orchestrator) to a model
// string understood by internal/llm's provider adapters, e.g.
// "claude-sonnet-4-5" or "gpt-5"; the vendor is inferred from the model
// name's prefix, not from a "vendor:" qualifier.
type LLMRoutes struct {
	Agents       string `yaml:"agents"`
	Analyze      string `yaml:"analyze"`
	Orchestrator string `yaml:"orchestrator"`
}

// LLMConfig carries provider credentials and the routing table.
type LLMConfig struct {
	AnthropicAPIKey string    `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string    `yaml:"openai_api_key"`
	Routes          LLMRoutes `yaml:"routes"`
}

// Config is the fully-resolved daemon configuration (spec.md §6).
type Config struct {
	Relays                []string      `yaml:"relays"`
	GlobalDir             string        `yaml:"global_dir"`
	ProjectsDir           string        `yaml:"projects_dir"`
	IdleTimeout           time.Duration `yaml:"-"`
	IdleTimeoutMS         int64         `yaml:"idle_timeout_ms"`
	MaxSteps              int           `yaml:"max_steps"`
	DelegationTimeout     time.Duration `yaml:"-"`
	DelegationTimeoutMS   int64         `yaml:"delegation_timeout_ms"`
	MaxConversationTokens int           `yaml:"max_conversation_tokens"`
	LLM                   LLMConfig     `yaml:"llm"`
	RedisURL              string        `yaml:"redis_url"`
	StoreBackend          string        `yaml:"store_backend"`
	MongoURI              string        `yaml:"mongo_uri"`
}

var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.primal.net",
	"wss://nos.lol",
}

// Default returns a Config populated with spec.md's documented defaults.
func Default() Config {
	return Config{
		Relays:                append([]string(nil), defaultRelays...),
		GlobalDir:             "/var/lib/tenexd",
		ProjectsDir:           "/var/lib/tenexd/projects",
		IdleTimeoutMS:         1_800_000,
		MaxSteps:              20,
		DelegationTimeoutMS:   600_000,
		MaxConversationTokens: 0, // 0 means model-dependent, resolved in internal/conversation
		StoreBackend:          "file",
	}
}

// Load reads a YAML config file (if path is non-empty and exists), overlays
// TENEX_* environment variables, validates the result, and resolves the
// millisecond fields into time.Duration. A missing path is not an error;
// Default() is used as the base either way.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, &errs.FatalError{Reason: fmt.Sprintf("parse config %q", path), Err: err}
			}
		case os.IsNotExist(err):
			// Fall through: environment and defaults only.
		default:
			return Config{}, &errs.FatalError{Reason: fmt.Sprintf("read config %q", path), Err: err}
		}
	}

	applyEnv(&cfg)

	cfg.IdleTimeout = time.Duration(cfg.IdleTimeoutMS) * time.Millisecond
	cfg.DelegationTimeout = time.Duration(cfg.DelegationTimeoutMS) * time.Millisecond

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TENEX_RELAYS"); v != "" {
		cfg.Relays = strings.Split(v, ",")
	}
	if v := envOr("TENEX_GLOBAL_DIR", ""); v != "" {
		cfg.GlobalDir = v
	}
	if v := envOr("TENEX_PROJECTS_DIR", ""); v != "" {
		cfg.ProjectsDir = v
	}
	cfg.IdleTimeoutMS = envInt64Or("TENEX_IDLE_TIMEOUT_MS", cfg.IdleTimeoutMS)
	cfg.MaxSteps = envIntOr("TENEX_MAX_STEPS", cfg.MaxSteps)
	cfg.DelegationTimeoutMS = envInt64Or("TENEX_DELEGATION_TIMEOUT_MS", cfg.DelegationTimeoutMS)
	cfg.MaxConversationTokens = envIntOr("TENEX_MAX_CONVERSATION_TOKENS", cfg.MaxConversationTokens)

	if v := os.Getenv("TENEX_LLM_ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("TENEX_LLM_OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAIAPIKey = v
	}
	if v := os.Getenv("TENEX_LLM_ROUTE_AGENTS"); v != "" {
		cfg.LLM.Routes.Agents = v
	}
	if v := os.Getenv("TENEX_LLM_ROUTE_ANALYZE"); v != "" {
		cfg.LLM.Routes.Analyze = v
	}
	if v := os.Getenv("TENEX_LLM_ROUTE_ORCHESTRATOR"); v != "" {
		cfg.LLM.Routes.Orchestrator = v
	}

	if v := os.Getenv("TENEX_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("TENEX_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("TENEX_MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
}

func validate(cfg Config) error {
	var problems []string
	if len(cfg.Relays) == 0 {
		problems = append(problems, "relays: at least one relay URL is required")
	}
	if cfg.MaxSteps <= 0 {
		problems = append(problems, "max_steps: must be positive")
	}
	if cfg.IdleTimeoutMS <= 0 {
		problems = append(problems, "idle_timeout_ms: must be positive")
	}
	if cfg.DelegationTimeoutMS <= 0 {
		problems = append(problems, "delegation_timeout_ms: must be positive")
	}
	switch cfg.StoreBackend {
	case "file", "mongo":
	default:
		problems = append(problems, fmt.Sprintf("store_backend: unknown backend %q", cfg.StoreBackend))
	}
	if cfg.StoreBackend == "mongo" && cfg.MongoURI == "" {
		problems = append(problems, "mongo_uri: required when store_backend=mongo")
	}
	if len(problems) > 0 {
		return &errs.FatalError{Reason: "config invalid: " + strings.Join(problems, "; ")}
	}
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envInt64Or(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}
