package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/basket/warden/internal/audit"
)

// Audited operation names.
const (
	OpValidatePath    = "validate_path"
	OpValidateCommand = "validate_command"
	OpResourceLimit   = "resource_limit"
	OpDispatch        = "dispatch"
)

// Enforcer validates paths, commands and resource usage against a frozen
// Config. Decisions depend only on the Config and the input.
type Enforcer struct {
	cfg     Config
	version string
	allowed map[string]struct{}
	blocked map[string]struct{}

	recorder *audit.Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	summary Summary
}

// Summary counts decisions made by an Enforcer.
type Summary struct {
	Checks     int                   `json:"checks"`
	Denied     int                   `json:"denied"`
	Violations map[ViolationKind]int `json:"violations"`
}

// New canonicalizes the base directory and freezes cfg.
func New(cfg Config, recorder *audit.Recorder, logger *slog.Logger) (*Enforcer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(cfg.BaseDirectory)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	base, err = filepath.EvalSymlinks(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("stat base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory %q is not a directory", base)
	}

	frozen := cfg.clone()
	frozen.BaseDirectory = base
	e := &Enforcer{
		cfg:      frozen,
		version:  versionFor(frozen),
		allowed:  commandSet(frozen.AllowedCommands),
		blocked:  commandSet(frozen.BlockedCommands),
		recorder: recorder,
		logger:   logger,
		summary:  Summary{Violations: make(map[ViolationKind]int)},
	}
	return e, nil
}

func commandSet(cmds []string) map[string]struct{} {
	set := make(map[string]struct{}, len(cmds))
	for _, c := range normalizeCommands(cmds) {
		set[c] = struct{}{}
	}
	return set
}

// Config returns a copy of the frozen configuration.
func (e *Enforcer) Config() Config { return e.cfg.clone() }

// BaseDirectory is the canonical absolute root of the session.
func (e *Enforcer) BaseDirectory() string { return e.cfg.BaseDirectory }

// Version is a stable fingerprint of the configuration.
func (e *Enforcer) Version() string { return e.version }

func (e *Enforcer) Strict() bool { return e.cfg.StrictMode }

// Summary returns a snapshot of decision counters.
func (e *Enforcer) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Summary{Checks: e.summary.Checks, Denied: e.summary.Denied, Violations: make(map[ViolationKind]int, len(e.summary.Violations))}
	for k, v := range e.summary.Violations {
		out.Violations[k] = v
	}
	return out
}

// ValidatePath returns the canonical form of path if it lies inside the base
// directory. Relative paths are anchored at the base directory.
func (e *Enforcer) ValidatePath(ctx context.Context, path string) (string, error) {
	canonical, reason := e.canonicalize(path)
	if reason != "" {
		return "", e.deny(ctx, OpValidatePath, KindPath, path, reason)
	}
	if !within(e.cfg.BaseDirectory, canonical) {
		return "", e.deny(ctx, OpValidatePath, KindPath, path, "outside base directory")
	}
	e.allow(ctx, OpValidatePath, canonical, "inside base directory")
	return canonical, nil
}

// canonicalize resolves symlinks on the longest existing prefix of path and
// re-appends the components that do not exist yet.
func (e *Enforcer) canonicalize(path string) (string, string) {
	if strings.TrimSpace(path) == "" {
		return "", "empty path"
	}
	if strings.ContainsRune(path, 0) {
		return "", "path contains NUL byte"
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.cfg.BaseDirectory, p)
	}
	p = filepath.Clean(p)

	existing := p
	var rest []string
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrPermission) {
			return "", "stat failed: " + err.Error()
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append(rest, filepath.Base(existing))
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", "dangling symlink"
		}
		return "", "resolve failed: " + err.Error()
	}
	for i := len(rest) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, rest[i])
	}
	return resolved, ""
}

// within reports whether target equals base or lies under it. The separator
// suffix keeps /safe from matching /safe-evil.
func within(base, target string) bool {
	if target == base {
		return true
	}
	prefix := base
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}

// launchers run their first non-flag argument as a command.
var launchers = map[string]struct{}{
	"env": {}, "nohup": {}, "nice": {}, "time": {}, "command": {},
	"exec": {}, "xargs": {}, "stdbuf": {}, "timeout": {},
}

var shells = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "dash": {}, "ksh": {},
}

// shellOperators are refused anywhere in a command line, quoted or not.
var shellOperators = []string{"&&", "||", ">>", "$(", ";", "|", ">", "<", "`", "&", "\n", "\r"}

// ShellOperator returns the first shell operator found in line, or "".
func ShellOperator(line string) string {
	for _, op := range shellOperators {
		if strings.Contains(line, op) {
			return op
		}
	}
	return ""
}

// SplitCommand tokenizes a single simple command with POSIX shell quoting.
// The result is the argv that is executed; no shell ever sees the line, so
// lines with operators are refused instead of split.
func SplitCommand(commandLine string) ([]string, error) {
	if op := ShellOperator(commandLine); op != "" {
		return nil, fmt.Errorf("shell operator %q is not permitted", op)
	}
	argv, err := shellwords.NewParser().Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("unparseable command line: %w", err)
	}
	return argv, nil
}

// ValidateCommand checks the executable of commandLine (and of any command it
// launches through env, nohup, sh -c and similar) against the block and
// allow lists. Arguments are not inspected.
func (e *Enforcer) ValidateCommand(ctx context.Context, commandLine string) error {
	_, err := e.AuthorizeCommand(ctx, commandLine)
	return err
}

// AuthorizeCommand validates commandLine like ValidateCommand and returns
// the argv it approved. Callers must run exactly that argv.
func (e *Enforcer) AuthorizeCommand(ctx context.Context, commandLine string) ([]string, error) {
	argv, err := SplitCommand(commandLine)
	if err != nil {
		return nil, e.deny(ctx, OpValidateCommand, KindCommand, commandLine, err.Error())
	}
	exe, reason := e.checkExecutable(argv, 0)
	if reason != "" {
		return nil, e.deny(ctx, OpValidateCommand, KindCommand, commandLine, reason)
	}
	e.allow(ctx, OpValidateCommand, commandLine, "executable "+exe+" permitted")
	return argv, nil
}

func (e *Enforcer) checkExecutable(tokens []string, depth int) (string, string) {
	i := 0
	for i < len(tokens) && IsEnvAssignment(tokens[i]) {
		i++
	}
	if i >= len(tokens) {
		return "", "empty command"
	}
	exe := ExecutableName(tokens[i])
	if exe == "" {
		return "", "empty command"
	}
	if _, ok := e.blocked[exe]; ok {
		return exe, fmt.Sprintf("command %q is blocked", exe)
	}
	if len(e.allowed) > 0 {
		if _, ok := e.allowed[exe]; !ok {
			return exe, fmt.Sprintf("command %q is not in the allowed list", exe)
		}
	}
	if depth > 4 {
		return exe, ""
	}
	args := tokens[i+1:]
	if _, ok := launchers[exe]; ok {
		for j, a := range args {
			if strings.HasPrefix(a, "-") || (exe == "timeout" && j == 0) || (exe == "env" && IsEnvAssignment(a)) {
				continue
			}
			if _, reason := e.checkExecutable(args[j:], depth+1); reason != "" {
				return exe, reason
			}
			break
		}
	}
	if _, ok := shells[exe]; ok {
		for j, a := range args {
			if isScriptFlag(a) && j+1 < len(args) {
				inner, err := SplitCommand(args[j+1])
				if err != nil {
					return exe, "shell script: " + err.Error()
				}
				if _, reason := e.checkExecutable(inner, depth+1); reason != "" {
					return exe, reason
				}
				break
			}
		}
	}
	return exe, ""
}

// isScriptFlag matches -c alone or grouped with other short flags (-lc).
func isScriptFlag(a string) bool {
	return strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.ContainsRune(a[1:], 'c')
}

// ExecutableName normalizes an unquoted argv[0]: directory and .exe suffix
// dropped, lowercased.
func ExecutableName(token string) string {
	token = strings.Trim(strings.TrimSpace(token), `"'`)
	if token == "" {
		return ""
	}
	base := strings.ToLower(filepath.Base(token))
	if i := strings.LastIndexAny(token, `\`); i >= 0 {
		base = strings.ToLower(token[i+1:])
	}
	return strings.TrimSuffix(base, ".exe")
}

// IsEnvAssignment reports whether tok has the shell NAME=value form.
func IsEnvAssignment(tok string) bool {
	name, _, ok := strings.Cut(tok, "=")
	if !ok || name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func (e *Enforcer) allow(ctx context.Context, op, subject, reason string) {
	e.mu.Lock()
	e.summary.Checks++
	e.mu.Unlock()
	if !e.cfg.AuditEnabled {
		return
	}
	e.recorder.Record(ctx, audit.Event{
		Operation:     op,
		Outcome:       audit.OutcomeAllow,
		Subject:       subject,
		Reason:        reason,
		PolicyVersion: e.version,
	})
}

// deny audits the violation before returning it.
func (e *Enforcer) deny(ctx context.Context, op string, kind ViolationKind, subject, reason string) *Violation {
	e.mu.Lock()
	e.summary.Checks++
	e.summary.Denied++
	e.summary.Violations[kind]++
	e.mu.Unlock()

	v := &Violation{Kind: kind, Subject: subject, Reason: reason}
	e.recorder.Record(ctx, audit.Event{
		Operation:     op,
		Outcome:       audit.OutcomeDeny,
		ViolationKind: string(kind),
		Subject:       subject,
		Reason:        reason,
		PolicyVersion: e.version,
	})
	e.logger.WarnContext(ctx, "policy violation", "operation", op, "kind", string(kind), "subject", subject, "reason", reason)
	return v
}

// RecordRefusal audits a request turned away before any policy check ran,
// such as a call to an unregistered tool. It carries no violation kind and
// does not count toward the Summary.
func (e *Enforcer) RecordRefusal(ctx context.Context, op, subject, reason string) {
	e.recorder.Record(ctx, audit.Event{
		Operation:     op,
		Outcome:       audit.OutcomeDeny,
		Subject:       subject,
		Reason:        reason,
		PolicyVersion: e.version,
	})
}
