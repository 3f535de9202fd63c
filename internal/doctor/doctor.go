// Package doctor runs environment diagnostics for a warden installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Options tunes Run. Network lookups are skipped when Offline is set.
type Options struct {
	Version string
	WorkDir string
	Offline bool
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: opts.Version,
		},
	}

	checks := []func(context.Context, *config.Config, Options) CheckResult{
		checkConfig,
		checkPolicy,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkSandbox,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg, opts))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: fmt.Sprintf("No config.yaml in %s, using defaults", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPolicy(_ context.Context, cfg *config.Config, opts Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	pol, err := policy.Load(cfg.PolicyPath(), opts.WorkDir)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: "Policy invalid", Detail: err.Error()}
	}
	if _, err := os.Stat(cfg.PolicyPath()); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Policy",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s missing, default policy fences %s", cfg.PolicyPath(), pol.BaseDirectory),
		}
	}
	msg := fmt.Sprintf("Base directory %s", pol.BaseDirectory)
	if pol.StrictMode {
		msg += " (strict)"
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: msg}
}

func checkAPIKey(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	if provider == "scripted" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: "Scripted collaborator needs no key"}
	}
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key configured for %s", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No API key for %s provider", provider),
		Detail:  "Set the provider's environment variable or providers.<name>.api_key in config.yaml",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DatabasePath())
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, 100)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema current, %d recent sessions", len(sessions)),
		Detail:  cfg.DatabasePath(),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkSandbox(ctx context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil || !cfg.Sandbox.Enabled {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "Docker sandbox disabled"}
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: "docker binary not found"}
	}
	infoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(infoCtx, "docker", "info").Run(); err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: fmt.Sprintf("Docker daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Sandbox", Status: StatusPass, Message: fmt.Sprintf("Docker ready, image %s", cfg.Sandbox.Docker.Image)}
}

var providerHosts = map[string]string{
	"google":    "generativelanguage.googleapis.com",
	"anthropic": "api.anthropic.com",
	"openai":    "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config, opts Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	if opts.Offline {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Offline"}
	}
	host, ok := providerHosts[cfg.LLM.Provider]
	if base := cfg.ProviderBaseURL(cfg.LLM.Provider); base != "" {
		host, ok = hostOf(base), true
	}
	if !ok || host == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: fmt.Sprintf("No endpoint for provider %s", cfg.LLM.Provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLM.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", cfg.LLM.Provider),
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
