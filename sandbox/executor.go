package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/calder-labs/stagecoach/logging"
)

// Mode selects the execution envelope.
type Mode string

const (
	// ModeIsolated runs self-contained computation in a throwaway directory
	// with a scrubbed environment and a short timeout. Nothing is persisted.
	ModeIsolated Mode = "isolated"

	// ModePersistent runs inside the principal's workspace with a long
	// timeout. Generated scripts and run logs are persisted for later
	// inspection and re-execution.
	ModePersistent Mode = "persistent"
)

// Result is the outcome of one sandbox run. A non-zero exit code is a result,
// not a Go error; callers inspect ExitCode.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// TimeoutError marks an attempt that breached its execution timeout. It is
// fatal for the attempt and not automatically retried, so non-terminating
// code is never masked by a retry loop.
type TimeoutError struct {
	Mode  Mode
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sandbox execution timed out after %s (mode %s)", e.Limit, e.Mode)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ExecutionAttempt records one code-generation/execution cycle.
type ExecutionAttempt struct {
	Index  int     `json:"index"`
	Source string  `json:"source"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Runtime is the execution collaborator consumed by the pipeline: run source
// in a principal's sandbox, and read/write/list workspace files.
type Runtime interface {
	ExecInWorkspace(ctx context.Context, principal, source string, mode Mode) (*Result, error)
	ReadWorkspaceFile(principal, rel string) ([]byte, error)
	WriteWorkspaceFile(principal, rel string, data []byte) error
	ListWorkspaceFiles(principal, subdir string) ([]string, error)
}

// Options configures a ProcessRuntime.
type Options struct {
	Interpreter      string
	IsolatedTimeout  time.Duration
	WorkspaceTimeout time.Duration
	Logger           logging.Logger
}

// ProcessRuntime executes source through a local interpreter process.
type ProcessRuntime struct {
	manager *WorkspaceManager
	opts    Options
}

// NewProcessRuntime creates a runtime rooting persistent workspaces under the
// manager's root.
func NewProcessRuntime(manager *WorkspaceManager, optFns ...func(o *Options)) *ProcessRuntime {
	opts := Options{
		Interpreter:      "python3",
		IsolatedTimeout:  10 * time.Second,
		WorkspaceTimeout: 2 * time.Minute,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &ProcessRuntime{manager: manager, opts: opts}
}

// ExecInWorkspace implements Runtime.
func (r *ProcessRuntime) ExecInWorkspace(ctx context.Context, principal, source string, mode Mode) (*Result, error) {
	switch mode {
	case ModeIsolated:
		return r.execIsolated(ctx, source)
	case ModePersistent:
		return r.execPersistent(ctx, principal, source)
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", mode)
	}
}

func (r *ProcessRuntime) execIsolated(ctx context.Context, source string) (*Result, error) {
	dir, err := os.MkdirTemp("", "sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("create isolated dir: %w", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "main.py")
	if err := os.WriteFile(script, []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("write isolated script: %w", err)
	}

	env := []string{"PATH=" + os.Getenv("PATH"), "HOME=" + dir}
	return r.run(ctx, dir, script, env, r.opts.IsolatedTimeout, ModeIsolated)
}

func (r *ProcessRuntime) execPersistent(ctx context.Context, principal, source string) (*Result, error) {
	ws, err := r.manager.Get(principal)
	if err != nil {
		return nil, err
	}
	if err := ws.Acquire(); err != nil {
		return nil, err
	}
	defer ws.Release()

	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	scriptRel := filepath.Join(DirScripts, "run_"+stamp+".py")
	if err := ws.WriteFile(scriptRel, []byte(source)); err != nil {
		return nil, err
	}
	script, _ := ws.Path(scriptRel)

	result, runErr := r.run(ctx, ws.Dir, script, os.Environ(), r.opts.WorkspaceTimeout, ModePersistent)

	// Persist the run log even when the run failed or timed out.
	if result != nil {
		logBody := fmt.Sprintf("script: %s\nexit_code: %d\nduration: %s\n--- stdout ---\n%s\n--- stderr ---\n%s\n",
			scriptRel, result.ExitCode, result.Duration, result.Stdout, result.Stderr)
		if err := ws.WriteFile(filepath.Join(DirLogs, "run_"+stamp+".log"), []byte(logBody)); err != nil {
			r.opts.Logger.Warn("sandbox.log.write_failed", "principal", principal, "error", err.Error())
		}
	}
	return result, runErr
}

// run executes the script with a mode-dependent timeout. A timeout returns
// the partial result alongside a *TimeoutError.
func (r *ProcessRuntime) run(ctx context.Context, dir, script string, env []string, timeout time.Duration, mode Mode) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.opts.Interpreter, script)
	cmd.Dir = dir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		r.opts.Logger.Warn("sandbox.exec.timeout", "mode", string(mode), "limit_ms", timeout.Milliseconds())
		return result, &TimeoutError{Mode: mode, Limit: timeout}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("start interpreter: %w", err)
	}

	r.opts.Logger.Debug("sandbox.exec.done", "mode", string(mode), "duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// ReadWorkspaceFile implements Runtime.
func (r *ProcessRuntime) ReadWorkspaceFile(principal, rel string) ([]byte, error) {
	ws, err := r.manager.Get(principal)
	if err != nil {
		return nil, err
	}
	return ws.ReadFile(rel)
}

// WriteWorkspaceFile implements Runtime.
func (r *ProcessRuntime) WriteWorkspaceFile(principal, rel string, data []byte) error {
	ws, err := r.manager.Get(principal)
	if err != nil {
		return err
	}
	return ws.WriteFile(rel, data)
}

// ListWorkspaceFiles implements Runtime.
func (r *ProcessRuntime) ListWorkspaceFiles(principal, subdir string) ([]string, error) {
	ws, err := r.manager.Get(principal)
	if err != nil {
		return nil, err
	}
	return ws.ListFiles(subdir)
}
