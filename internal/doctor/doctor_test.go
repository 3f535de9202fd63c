package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/warden/internal/config"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadDir(filepath.Join(t.TempDir(), "home"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRunFreshHomeOffline(t *testing.T) {
	cfg := loadConfig(t)
	cfg.LLM.Provider = "scripted"
	cfg.LLM.Script = "script.jsonl"

	d := Run(context.Background(), cfg, Options{Version: "test", WorkDir: t.TempDir(), Offline: true})
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
	if got := find(t, d, "Config").Status; got != StatusWarn {
		t.Fatalf("config status = %s, want WARN for missing config.yaml", got)
	}
	if got := find(t, d, "Policy").Status; got != StatusWarn {
		t.Fatalf("policy status = %s, want WARN for missing policy file", got)
	}
	for _, name := range []string{"API Key", "Database", "Permissions"} {
		if got := find(t, d, name).Status; got != StatusPass {
			t.Fatalf("%s status = %s", name, got)
		}
	}
	if got := find(t, d, "Sandbox").Status; got != StatusSkip {
		t.Fatalf("sandbox status = %s", got)
	}
	if got := find(t, d, "Network").Status; got != StatusSkip {
		t.Fatalf("network status = %s", got)
	}
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
}

func TestCheckPolicyInvalid(t *testing.T) {
	cfg := loadConfig(t)
	if err := os.WriteFile(cfg.PolicyPath(), []byte("max_file_size: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := checkPolicy(context.Background(), cfg, Options{WorkDir: t.TempDir()})
	if r.Status != StatusFail {
		t.Fatalf("status = %s, want FAIL", r.Status)
	}
}

func TestCheckAPIKeyFromEnv(t *testing.T) {
	cfg := loadConfig(t)
	cfg.LLM.Provider = "anthropic"
	t.Setenv("ANTHROPIC_API_KEY", "")
	if r := checkAPIKey(context.Background(), cfg, Options{}); r.Status != StatusWarn {
		t.Fatalf("status without key = %s", r.Status)
	}
	t.Setenv("ANTHROPIC_API_KEY", "k")
	if r := checkAPIKey(context.Background(), cfg, Options{}); r.Status != StatusPass {
		t.Fatalf("status with key = %s", r.Status)
	}
}

func TestNilConfig(t *testing.T) {
	d := Run(context.Background(), nil, Options{Offline: true})
	if !d.Failed() {
		t.Fatal("nil config should fail the config check")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s status = %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestHostOf(t *testing.T) {
	if got := hostOf("https://llm.internal:8443/v1"); got != "llm.internal" {
		t.Fatalf("host = %q", got)
	}
	if got := hostOf("://bad"); got != "" {
		t.Fatalf("host = %q", got)
	}
}
