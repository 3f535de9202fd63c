// Package policy is the single gate every side-effecting tool passes through:
// filesystem paths, command lines and resource ceilings are decided here and
// each decision is written to the audit trail.
package policy

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxFileSize      int64 = 10 * 1024 * 1024
	DefaultMaxOutputSize    int64 = 1024 * 1024
	DefaultTimeout                = 30 * time.Second
	DefaultMaxExecutionTime       = 300 * time.Second
)

// DefaultBlockedCommands are refused regardless of the allow list.
var DefaultBlockedCommands = []string{
	"rm", "rmdir", "del", "format", "fdisk", "mkfs",
	"sudo", "su", "passwd", "chmod", "chown",
	"wget", "curl", "ssh", "scp", "rsync",
	"docker", "podman", "systemctl", "service",
}

// Config is the session policy. It is frozen by New; later edits to the
// caller's copy or to the file it came from do not affect a running Enforcer.
type Config struct {
	BaseDirectory    string        `yaml:"base_directory" validate:"required"`
	AllowedCommands  []string      `yaml:"allowed_commands"`
	BlockedCommands  []string      `yaml:"blocked_commands"`
	MaxFileSize      int64         `yaml:"max_file_size" validate:"gt=0"`
	MaxOutputSize    int64         `yaml:"max_output_size" validate:"gt=0"`
	DefaultTimeout   time.Duration `yaml:"default_timeout" validate:"gt=0,ltefield=MaxExecutionTime"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" validate:"gt=0"`
	StrictMode       bool          `yaml:"strict_mode"`
	AuditEnabled     bool          `yaml:"audit_enabled"`
}

// DefaultConfig returns the stock policy rooted at baseDir.
func DefaultConfig(baseDir string) Config {
	return Config{
		BaseDirectory:    baseDir,
		BlockedCommands:  append([]string(nil), DefaultBlockedCommands...),
		MaxFileSize:      DefaultMaxFileSize,
		MaxOutputSize:    DefaultMaxOutputSize,
		DefaultTimeout:   DefaultTimeout,
		MaxExecutionTime: DefaultMaxExecutionTime,
		StrictMode:       false,
		AuditEnabled:     true,
	}
}

var validate = validator.New()

// Validate checks field constraints. It does not touch the filesystem.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid policy: field %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}

// Load reads a yaml policy file layered over DefaultConfig(baseDir).
// A missing or empty file yields the defaults. A base_directory in the
// file wins over baseDir.
func Load(path, baseDir string) (Config, error) {
	cfg := DefaultConfig(baseDir)
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse policy: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) clone() Config {
	out := c
	out.AllowedCommands = append([]string(nil), c.AllowedCommands...)
	out.BlockedCommands = append([]string(nil), c.BlockedCommands...)
	return out
}

// versionFor fingerprints every field that can change a decision.
func versionFor(c Config) string {
	allowed := normalizeCommands(c.AllowedCommands)
	blocked := normalizeCommands(c.BlockedCommands)
	h := fnv.New64a()
	fmt.Fprintf(h, "base=%s|allow=%s|block=%s|file=%d|out=%d|def=%s|max=%s|strict=%t|audit=%t",
		c.BaseDirectory, strings.Join(allowed, ","), strings.Join(blocked, ","),
		c.MaxFileSize, c.MaxOutputSize, c.DefaultTimeout, c.MaxExecutionTime, c.StrictMode, c.AuditEnabled)
	return fmt.Sprintf("pol-%x", h.Sum64())
}

func normalizeCommands(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// ViolationKind classifies a policy denial.
type ViolationKind string

const (
	KindPath     ViolationKind = "path"
	KindCommand  ViolationKind = "command"
	KindResource ViolationKind = "resource"
)

// Violation is returned for every denied decision.
type Violation struct {
	Kind    ViolationKind
	Subject string
	Reason  string
}

func (v *Violation) Error() string {
	if v.Subject == "" {
		return fmt.Sprintf("%s violation: %s", v.Kind, v.Reason)
	}
	return fmt.Sprintf("%s violation: %s: %s", v.Kind, v.Reason, v.Subject)
}

// AsViolation unwraps err to a *Violation.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
