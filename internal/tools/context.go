package tools

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	"github.com/basket/warden/internal/policy"
)

// ExecContext carries session state shared by all tool invocations.
type ExecContext struct {
	SessionID string
	// WorkingDirectory is canonical and inside the policy base directory.
	WorkingDirectory string
	Env              map[string]string
	Registry         *Registry
	Policy           *policy.Enforcer
	Logger           *slog.Logger
}

// NewExecContext validates workDir against enf; "" means the base directory.
func NewExecContext(ctx context.Context, sessionID, workDir string, env map[string]string, reg *Registry, enf *policy.Enforcer, logger *slog.Logger) (*ExecContext, error) {
	if enf == nil {
		return nil, fmt.Errorf("exec context: nil policy enforcer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if workDir == "" {
		workDir = enf.BaseDirectory()
	}
	canonical, err := enf.ValidatePath(ctx, workDir)
	if err != nil {
		return nil, fmt.Errorf("exec context working directory: %w", err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("exec context working directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("exec context working directory %q is not a directory", canonical)
	}
	return &ExecContext{
		SessionID:        sessionID,
		WorkingDirectory: canonical,
		Env:              maps.Clone(env),
		Registry:         reg,
		Policy:           enf,
		Logger:           logger.With("session_id", sessionID),
	}, nil
}

// ResolvePath anchors relative paths at the working directory and validates
// the result with the policy enforcer.
func (ec *ExecContext) ResolvePath(ctx context.Context, p string) (string, error) {
	if p == "" {
		p = "."
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(ec.WorkingDirectory, p)
	}
	return ec.Policy.ValidatePath(ctx, p)
}
