package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const waitDelay = 5 * time.Second

// ExecRuntime implements the Runtime interface using raw OS processes.
// Children inherit the parent's environment plus StartOptions.Env; Image is
// ignored.
type ExecRuntime struct {
	// WorkDir is the parent of each agent's working directory.
	WorkDir string

	Stdout io.Writer
	Stderr io.Writer
}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "jobagent", "agents")
	}
	return &ExecRuntime{
		WorkDir: workDir,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}

// ExecHandle is a running child process.
type ExecHandle struct {
	cmd    *exec.Cmd
	done   chan struct{}
	mu     sync.Mutex
	result ExitResult
}

// Start implements Runtime.Start using os/exec. The process is not bound to
// ctx; its lifetime is controlled through the handle.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, ErrCommandRequired
	}

	dir := e.WorkDir
	if opts.Name != "" {
		dir = filepath.Join(e.WorkDir, opts.Name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir %s: %w", dir, err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), envList(opts.Env)...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	// Grandchildren holding the output pipes must not block reaping.
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command[0], err)
	}

	h := &ExecHandle{cmd: cmd, done: make(chan struct{})}
	go h.reap()
	return h, nil
}

func (h *ExecHandle) reap() {
	err := h.cmd.Wait()

	res := ExitResult{}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			res.ExitCode = 128 + int(status.Signal())
			res.Error = fmt.Errorf("terminated by %s", status.Signal())
		}
	default:
		res.ExitCode = -1
		res.Error = err
	}

	h.mu.Lock()
	h.result = res
	h.mu.Unlock()
	close(h.done)
}

// ID returns the process ID.
func (h *ExecHandle) ID() string {
	return strconv.Itoa(h.cmd.Process.Pid)
}

// Wait blocks until the process exits or ctx is done.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop sends SIGTERM.
func (h *ExecHandle) Stop(ctx context.Context) error {
	return h.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL.
func (h *ExecHandle) Kill(ctx context.Context) error {
	return h.signal(syscall.SIGKILL)
}

func (h *ExecHandle) signal(sig os.Signal) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal process %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}
