// Package config loads the warden runtime configuration from
// $WARDEN_HOME/config.yaml, layered over defaults and WARDEN_* overrides.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/tasktree"
	"github.com/basket/warden/internal/tools"
)

const (
	ModeDirect = "direct"
	ModeTree   = "tree"

	DefaultMaxIterations      = 10
	DefaultHistoryTokenBudget = 32000
)

// SessionConfig bounds one orchestrator run.
type SessionConfig struct {
	Mode          string `yaml:"mode" validate:"oneof=direct tree"`
	MaxIterations int    `yaml:"max_iterations" validate:"gt=0"`
	// HistoryTokenBudget caps the estimated tokens of history sent to the
	// model; the oldest messages after the goal are dropped first. 0
	// disables trimming.
	HistoryTokenBudget int `yaml:"history_token_budget" validate:"gte=0"`
}

// TreeConfig shapes the adaptive task tree and its planner.
type TreeConfig struct {
	MaxDepth    int                        `yaml:"max_depth" validate:"gt=0"`
	MaxChildren int                        `yaml:"max_children" validate:"gt=0"`
	Strategy    string                     `yaml:"strategy" validate:"oneof=template model hybrid"`
	Template    string                     `yaml:"template"`
	Templates   map[string][]tasktree.Step `yaml:"templates"`
}

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the collaborator behind the orchestrator.
type LLMConfig struct {
	// Provider is one of google, anthropic, openai, openai_compatible or
	// scripted. scripted replays proposals from Script.
	Provider string `yaml:"provider" validate:"oneof=google anthropic openai openai_compatible scripted"`
	Model    string `yaml:"model"`
	Script   string `yaml:"script" validate:"required_if=Provider scripted"`
	// CompatibleName prefixes models served by an openai_compatible endpoint.
	CompatibleName string `yaml:"compatible_name"`
}

// SandboxConfig routes the execute tool through docker when enabled.
type SandboxConfig struct {
	Enabled bool               `yaml:"enabled"`
	Docker  tools.DockerConfig `yaml:",inline"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	// PolicyFile and DBPath are resolved against HomeDir when relative.
	PolicyFile string `yaml:"policy_file"`
	DBPath     string `yaml:"db_path"`

	Session   SessionConfig             `yaml:"session"`
	Tree      TreeConfig                `yaml:"tree"`
	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Sandbox   SandboxConfig             `yaml:"sandbox"`
	OTel      otel.Config               `yaml:"otel"`

	// NeedsGenesis is set when config.yaml did not exist.
	NeedsGenesis bool `yaml:"-"`
}

var validate = validator.New()

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:   "info",
		PolicyFile: "policy.yaml",
		DBPath:     "warden.db",
		Session: SessionConfig{
			Mode:               ModeDirect,
			MaxIterations:      DefaultMaxIterations,
			HistoryTokenBudget: DefaultHistoryTokenBudget,
		},
		Tree: TreeConfig{
			MaxDepth:    tasktree.DefaultMaxDepth,
			MaxChildren: tasktree.DefaultMaxChildren,
			Strategy:    tasktree.StrategyModel,
		},
		LLM: LLMConfig{Provider: "google"},
	}
}

func HomeDir() string {
	if override := os.Getenv("WARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

// Load reads the configuration from HomeDir().
func Load() (Config, error) {
	return LoadDir(HomeDir())
}

// LoadDir reads homeDir/config.yaml, creating homeDir if needed.
func LoadDir(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.Session.Mode = strings.ToLower(strings.TrimSpace(cfg.Session.Mode))
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = ModeDirect
	}
	if cfg.Tree.MaxDepth == 0 {
		cfg.Tree.MaxDepth = tasktree.DefaultMaxDepth
	}
	if cfg.Tree.MaxChildren == 0 {
		cfg.Tree.MaxChildren = tasktree.DefaultMaxChildren
	}
	if cfg.Tree.Strategy == "" {
		cfg.Tree.Strategy = tasktree.StrategyModel
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.PolicyFile == "" {
		cfg.PolicyFile = "policy.yaml"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "warden.db"
	}
}

// Validate checks field constraints and cross-field rules. MaxIterations
// must be positive: an unbounded session is never configured implicitly.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: field %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Tree.Strategy != tasktree.StrategyModel {
		if _, ok := c.Tree.Templates[c.Tree.Template]; !ok {
			return fmt.Errorf("invalid config: tree.strategy %s needs tree.template naming one of tree.templates", c.Tree.Strategy)
		}
	}
	return nil
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// PolicyPath returns the policy file location.
func (c Config) PolicyPath() string { return c.resolve(c.PolicyFile) }

// DatabasePath returns the sqlite database location.
func (c Config) DatabasePath() string { return c.resolve(c.DBPath) }

// ProviderAPIKey returns the API key for provider. Env vars win:
// GEMINI_API_KEY / GOOGLE_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"WARDEN_COMPATIBLE_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderBaseURL returns the configured endpoint for provider, or "".
func (c Config) ProviderBaseURL(provider string) string {
	return c.Providers[provider].BaseURL
}

// Fingerprint returns a stable hash of the settings that shape a session.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "mode=%s|iter=%d|depth=%d|children=%d|strategy=%s|provider=%s|model=%s|sandbox=%t|policy=%s",
		c.Session.Mode, c.Session.MaxIterations, c.Tree.MaxDepth, c.Tree.MaxChildren,
		c.Tree.Strategy, c.LLM.Provider, c.LLM.Model, c.Sandbox.Enabled, c.PolicyPath())
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func applyEnvOverrides(cfg *Config) error {
	ints := []struct {
		env string
		dst *int
	}{
		{"WARDEN_MAX_ITERATIONS", &cfg.Session.MaxIterations},
		{"WARDEN_TREE_MAX_DEPTH", &cfg.Tree.MaxDepth},
		{"WARDEN_TREE_MAX_CHILDREN", &cfg.Tree.MaxChildren},
	}
	for _, o := range ints {
		raw := os.Getenv(o.env)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
		*o.dst = v
	}

	strs := []struct {
		env string
		dst *string
	}{
		{"WARDEN_LOG_LEVEL", &cfg.LogLevel},
		{"WARDEN_MODE", &cfg.Session.Mode},
		{"WARDEN_POLICY_FILE", &cfg.PolicyFile},
		{"WARDEN_DB_PATH", &cfg.DBPath},
		{"WARDEN_PROVIDER", &cfg.LLM.Provider},
		{"WARDEN_MODEL", &cfg.LLM.Model},
		{"WARDEN_STRATEGY", &cfg.Tree.Strategy},
	}
	for _, o := range strs {
		if raw := os.Getenv(o.env); raw != "" {
			*o.dst = raw
		}
	}

	if raw := os.Getenv("WARDEN_SANDBOX"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("WARDEN_SANDBOX: %w", err)
		}
		cfg.Sandbox.Enabled = v
	}
	return nil
}
