package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/migraflow/pkg/schema"
)

const defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB

// ShellConfig configures the shell_command action.
type ShellConfig struct {
	// Shell runs commands given without explicit args. Defaults to /bin/sh.
	Shell string
	// AllowedDirs restricts workingDir. Empty means unrestricted.
	AllowedDirs   []string
	MaxOutputSize int64
}

const shellCommandInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "shellArgs": {"type": "array", "items": {"type": "string"}},
    "workingDir": {"type": "string"},
    "timeout": {"type": "integer", "description": "milliseconds; 0 waits indefinitely"}
  },
  "required": ["command"]
}`

const shellCommandOutputSchema = `{
  "type": "object",
  "properties": {
    "stdout": {"type": "string"},
    "stderr": {"type": "string"},
    "exitCode": {"type": "integer"},
    "durationMs": {"type": "integer"}
  }
}`

// ShellCommandAction implements "shell_command".
type ShellCommandAction struct {
	cfg ShellConfig
}

// NewShellCommandAction creates a new shell_command action.
func NewShellCommandAction(cfg ShellConfig) *ShellCommandAction {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &ShellCommandAction{cfg: cfg}
}

func (a *ShellCommandAction) Name() string { return schema.ActionShellCommand }

func (a *ShellCommandAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Run a command and capture stdout, stderr and exit code.",
		InputSchema:  json.RawMessage(shellCommandInputSchema),
		OutputSchema: json.RawMessage(shellCommandOutputSchema),
	}
}

func (a *ShellCommandAction) Validate(data *schema.ActionData) error {
	if strings.TrimSpace(data.Command) == "" {
		return invalidf("shell command requires a command")
	}
	return nil
}

func (a *ShellCommandAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	data := input.Data
	if err := a.Validate(data); err != nil {
		return nil, err
	}

	execCtx := ctx
	if data.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(data.Timeout)*time.Millisecond)
		defer cancel()
	}

	var cmd *exec.Cmd
	if len(data.ShellArgs) > 0 {
		cmd = exec.CommandContext(execCtx, data.Command, data.ShellArgs...)
	} else {
		cmd = exec.CommandContext(execCtx, a.cfg.Shell, "-c", data.Command)
	}

	cmd.WaitDelay = time.Second

	if data.WorkingDir != "" {
		if err := a.checkDir(data.WorkingDir); err != nil {
			return nil, err
		}
		cmd.Dir = data.WorkingDir
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: a.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: a.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	result := map[string]any{
		"stdout":     strings.TrimRight(stdoutBuf.String(), "\n"),
		"stderr":     strings.TrimRight(stderrBuf.String(), "\n"),
		"exitCode":   0,
		"durationMs": durationMs,
	}

	if runErr != nil {
		if data.Timeout > 0 && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "command timed out after %d ms", data.Timeout).
				WithDetails(result)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, failf("run command: %v", runErr).WithCause(runErr)
		}
		result["exitCode"] = exitErr.ExitCode()
		msg := strings.TrimSpace(stderrBuf.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return nil, failf("command exited with code %d: %s", exitErr.ExitCode(), msg).WithDetails(result)
	}

	return &ActionOutput{Data: result}, nil
}

func (a *ShellCommandAction) checkDir(dir string) error {
	if len(a.cfg.AllowedDirs) == 0 {
		return nil
	}
	clean, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return invalidf("invalid working directory %q: %v", dir, err)
	}
	for _, allowed := range a.cfg.AllowedDirs {
		base, err := filepath.Abs(filepath.Clean(allowed))
		if err != nil {
			continue
		}
		if isUnderPath(clean, base) {
			return nil
		}
	}
	return invalidf("working directory %q is not under an allowed directory", dir)
}

// isUnderPath reports whether path equals base or sits below it.
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

var _ Action = (*ShellCommandAction)(nil)
