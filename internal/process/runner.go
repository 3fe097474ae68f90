package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string // nil inherits the agent environment
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	Outcome Outcome
}

// DoneFunc receives the result of a supervised process exactly once.
type DoneFunc func(Result)

// Runner starts scripts detached from the agent and bounds their run time.
type Runner struct {
	maxTimeout time.Duration
	interrupt  func(*os.Process) error
}

// NewRunner returns a runner which never lets a process run longer than
// maxTimeout. Zero disables the global bound.
func NewRunner(maxTimeout time.Duration) *Runner {
	return &Runner{
		maxTimeout: maxTimeout,
		interrupt:  interruptGroup,
	}
}

// WithInterrupt replaces the function delivering the timeout signal.
// This method exists for a unit testing only.
func (r *Runner) WithInterrupt(f func(*os.Process) error) *Runner {
	r.interrupt = f
	return r
}

// Timeout returns the effective limit for a requested one.
func (r *Runner) Timeout(requested time.Duration) time.Duration {
	if r.maxTimeout > 0 && (requested <= 0 || requested > r.maxTimeout) {
		return r.maxTimeout
	}
	return requested
}

// Start spawns the process and returns immediately. done is called from
// another goroutine once the process exits or its deadline fires; a spawn
// failure is reported through done as well. When ctx is canceled first the
// process is left running and done is not called.
func (r *Runner) Start(ctx context.Context, proto Command, done DoneFunc) {
	timeout := r.Timeout(proto.Timeout)
	result := Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = proto.Env
	detach(cmd)

	result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		result.Stopped = result.Started
		result.Outcome = Outcome{Kind: SpawnFailed, Code: -1, Err: err}
		go done(result)
		return
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid, "timeout", timeout.String())
	go r.supervise(ctx, cmd, timeout, result, done)
}

func (r *Runner) supervise(ctx context.Context, cmd *exec.Cmd, timeout time.Duration, result Result, done DoneFunc) {
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-ctx.Done():
		slog.DebugContext(ctx, "leaving process running", "path", result.Path, "pid", cmd.Process.Pid)
		return
	case err := <-exited:
		result.Outcome = exitOutcome(cmd, err)
	case <-deadline:
		if err := r.interrupt(cmd.Process); err != nil {
			result.Outcome = Outcome{Kind: KillFailed, Code: CodeKillFailed, Err: err}
		} else {
			result.Outcome = Outcome{Kind: Timeout, Code: CodeTimeout}
		}
		slog.WarnContext(ctx, "process timed out", "path", result.Path, "pid", cmd.Process.Pid, "outcome", result.Outcome.String())
	}
	result.Stopped = time.Now().UTC()
	done(result)
}

func exitOutcome(cmd *exec.Cmd, err error) Outcome {
	if err == nil {
		return Classify(cmd.ProcessState.ExitCode())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// killed by a signal
			return Outcome{Kind: Unclassified, Code: code, Err: err}
		}
		return Classify(code)
	}
	return Outcome{Kind: Unclassified, Code: -1, Err: err}
}
