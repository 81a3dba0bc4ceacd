// Package remote defines the command-execution contract used for all
// host-level mutations. The orchestration core depends only on exit-code and
// output-text semantics, never on transport details.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecutionError reports a non-zero exit from a host command.
type ExecutionError struct {
	Host     string
	Command  string
	ExitCode int
	Output   string
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("command %q on %s exited with code %d", e.Command, e.Host, e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Is lets errors.Is match any *ExecutionError, so waits can mark the whole
// failure kind ignorable.
func (e *ExecutionError) Is(target error) bool {
	var other *ExecutionError
	return errors.As(target, &other)
}

// Command is one shell-level command to run on a set of hosts.
type Command struct {
	// Args is the remote command argv; it is joined into a single shell
	// string on the far side of the transport.
	Args []string
	// SafeInDryRun marks read-only commands that may contact hosts even in
	// simulated mode. Everything else is skipped with a synthetic success.
	SafeInDryRun bool
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// HostResult captures the outcome of one command on one host.
type HostResult struct {
	Host     string
	ExitCode int
	Output   string
	// Skipped marks a command suppressed by simulated mode.
	Skipped bool
}

// Executor runs one command against one or more named hosts. Implementations
// must evaluate every host before returning; the first non-zero exit is
// reported as a *ExecutionError alongside the complete result set.
type Executor interface {
	Run(ctx context.Context, hosts []string, cmd Command) ([]HostResult, error)
}

// RunFunc is the low-level hook executing one local argv, returning the exit
// code and combined output. It exists so tests can avoid shelling out.
type RunFunc func(ctx context.Context, argv []string) (int, string, error)

// ExecExecutor drives a configured transport command (ssh, cumin, ...) via
// os/exec, one host at a time.
type ExecExecutor struct {
	transport []string
	sudo      bool
	dryRun    bool
	timeout   time.Duration
	run       RunFunc
}

// Option customises an ExecExecutor.
type Option func(*ExecExecutor)

// WithSudo prefixes every remote command with sudo.
func WithSudo(enabled bool) Option {
	return func(e *ExecExecutor) {
		e.sudo = enabled
	}
}

// WithDryRun enables simulated mode: commands not marked SafeInDryRun are
// skipped and report success without contacting any host.
func WithDryRun(enabled bool) Option {
	return func(e *ExecExecutor) {
		e.dryRun = enabled
	}
}

// WithTimeout bounds each per-host command invocation.
func WithTimeout(d time.Duration) Option {
	return func(e *ExecExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRunFunc overrides the local process invocation (useful for tests).
func WithRunFunc(fn RunFunc) Option {
	return func(e *ExecExecutor) {
		if fn != nil {
			e.run = fn
		}
	}
}

// NewExecExecutor constructs an executor for the given transport prefix,
// e.g. ["ssh", "-o", "BatchMode=yes"].
func NewExecExecutor(transport []string, opts ...Option) (*ExecExecutor, error) {
	if len(transport) == 0 {
		return nil, errors.New("transport command must not be empty")
	}
	e := &ExecExecutor{
		transport: append([]string(nil), transport...),
		timeout:   10 * time.Minute,
		run:       runLocal,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run implements Executor. Hosts are processed sequentially and all hosts are
// attempted even after a failure, so the caller always sees the full result
// set for the step.
func (e *ExecExecutor) Run(ctx context.Context, hosts []string, cmd Command) ([]HostResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(hosts) == 0 {
		return nil, errors.New("host set must not be empty")
	}
	if len(cmd.Args) == 0 {
		return nil, errors.New("command must not be empty")
	}

	remote := cmd.String()
	if e.sudo {
		remote = "sudo " + remote
	}

	results := make([]HostResult, 0, len(hosts))
	var firstErr error

	for _, host := range hosts {
		if e.dryRun && !cmd.SafeInDryRun {
			results = append(results, HostResult{Host: host, Skipped: true})
			continue
		}

		argv := append(append([]string(nil), e.transport...), host, remote)

		runCtx := ctx
		var cancel context.CancelFunc
		if e.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		}
		code, output, err := e.run(runCtx, argv)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return results, fmt.Errorf("run %q on %s: %w", remote, host, err)
		}

		results = append(results, HostResult{Host: host, ExitCode: code, Output: output})
		if code != 0 && firstErr == nil {
			firstErr = &ExecutionError{Host: host, Command: remote, ExitCode: code, Output: output}
		}
	}

	return results, firstErr
}

func runLocal(ctx context.Context, argv []string) (int, string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return 0, combined.String(), fmt.Errorf("command timed out: %w", ctxErr)
		}
		return 0, combined.String(), ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), combined.String(), nil
		}
		return 0, combined.String(), fmt.Errorf("start command: %w", err)
	}
	return 0, combined.String(), nil
}

var _ Executor = (*ExecExecutor)(nil)
