package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
)

// Command is one argv-form process invocation. Commands never pass
// through a shell.
type Command struct {
	Argv   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs a Command and reports its exit status. A non-zero exit is
// not an error; err is reserved for failures to start or wait.
type Executor interface {
	Run(ctx context.Context, cmd Command) (exitCode int, err error)
}

// HostExecutor runs commands as local processes in their own process group.
// Cancellation sends SIGTERM to the group, then SIGKILL after a grace period.
type HostExecutor struct{}

const killGrace = 2 * time.Second

var killGroup = killProcessGroup

func (HostExecutor) Run(ctx context.Context, cmd Command) (int, error) {
	if len(cmd.Argv) == 0 {
		return -1, errors.New("empty argv")
	}
	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	configureProcessGroup(c)

	runErr := c.Run()
	if ctx.Err() != nil {
		// Only while cancelling; after a clean exit the pid may be reused.
		killGroup(c)
		return -1, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, runErr
	}
	return 0, nil
}

// passthroughEnv lists host variables inherited by child processes.
// Everything else, credentials included, is dropped.
var passthroughEnv = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "USER", "TERM"}

// ExecuteTool runs a policy-approved command without a shell.
type ExecuteTool struct {
	Executor Executor
}

func (ExecuteTool) Schema() Schema {
	return Schema{
		Name:        "execute",
		Description: "Run a command (no shell: pipes, redirection and chaining are rejected). Returns stdout, stderr and exit code.",
		Params: []Param{
			{Name: "command", Type: TypeString, Required: true, Description: "Command line, e.g. \"go test ./...\"."},
			{Name: "working_directory", Type: TypeString, Description: "Directory to run in (default: session working directory)."},
			{Name: "timeout", Type: TypeNumber, Description: "Timeout in seconds."},
		},
	}
}

func (t ExecuteTool) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (Result, error) {
	line := strings.TrimSpace(stringParam(params, "command"))
	if line == "" {
		return Fail(ErrorKindParameterValidation, "command must not be empty", nil), nil
	}
	argv, err := ec.Policy.AuthorizeCommand(ctx, line)
	if err != nil {
		return Result{}, err
	}
	assigns, argv := splitAssignments(argv)
	if len(argv) == 0 {
		return Fail(ErrorKindParameterValidation, "command has no executable", nil), nil
	}

	requested := time.Duration(floatParam(params, "timeout", 0) * float64(time.Second))
	timeout, err := ec.Policy.ResolveTimeout(ctx, line, requested)
	if err != nil {
		return Result{}, err
	}

	dir := ec.WorkingDirectory
	if wd := stringParam(params, "working_directory"); wd != "" {
		if dir, err = ec.ResolvePath(ctx, wd); err != nil {
			return Result{}, err
		}
		info, err := os.Stat(dir)
		if err != nil {
			return Result{}, err
		}
		if !info.IsDir() {
			return Fail(ErrorKindParameterValidation, "working_directory is not a directory", map[string]any{MetaWorkDir: dir}), nil
		}
	}

	exe := t.Executor
	if exe == nil {
		exe = HostExecutor{}
	}
	stdout := ec.Policy.NewOutputBuffer()
	stderr := ec.Policy.NewOutputBuffer()
	exitCode := -1
	started := time.Now()
	runErr := ec.Policy.RunWithLimits(ctx, line, timeout, func(rctx context.Context) error {
		code, err := exe.Run(rctx, Command{
			Argv:   argv,
			Dir:    dir,
			Env:    childEnv(ec.Env, assigns),
			Stdout: stdout,
			Stderr: stderr,
		})
		exitCode = code
		return err
	})

	meta := map[string]any{
		MetaWorkDir:   dir,
		"exit_code":   exitCode,
		"duration_ms": time.Since(started).Milliseconds(),
		MetaTruncated: stdout.Truncated() || stderr.Truncated(),
	}
	data := map[string]any{
		"command":   line,
		"stdout":    capped(stdout, "Output"),
		"stderr":    capped(stderr, "Error output"),
		"exit_code": exitCode,
	}

	if runErr != nil {
		if _, ok := policy.AsViolation(runErr); ok {
			res := FromError(runErr)
			for k, v := range meta {
				res.Metadata[k] = v
			}
			res.Data = data
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, runErr
		}
		res := Fail(ErrorKindCommandFailed, runErr.Error(), meta)
		res.Data = data
		return res, nil
	}
	if exitCode != 0 {
		res := Fail(ErrorKindCommandFailed, fmt.Sprintf("command exited with status %d", exitCode), meta)
		res.Data = data
		return res, nil
	}
	return OK(data, meta), nil
}

func capped(b *policy.CappedBuffer, label string) string {
	out := shared.Redact(b.String())
	if b.Truncated() {
		out += fmt.Sprintf("\n[%s truncated - exceeded %d bytes]", label, b.Limit())
	}
	return out
}

func childEnv(session map[string]string, assigns []string) []string {
	env := make(map[string]string, len(passthroughEnv)+len(session)+len(assigns))
	for _, k := range passthroughEnv {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	for k, v := range session {
		env[k] = v
	}
	for _, a := range assigns {
		k, v, _ := strings.Cut(a, "=")
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// splitAssignments separates leading NAME=value words from argv.
func splitAssignments(argv []string) (assigns, rest []string) {
	i := 0
	for i < len(argv) && policy.IsEnvAssignment(argv[i]) {
		i++
	}
	return argv[:i], argv[i:]
}
