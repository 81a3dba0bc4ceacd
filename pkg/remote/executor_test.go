package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type recordedCall struct {
	argv []string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []recordedCall
	results map[string]HostResult
}

func (f *fakeRunner) run(_ context.Context, argv []string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{argv: append([]string(nil), argv...)})
	host := argv[len(argv)-2]
	if res, ok := f.results[host]; ok {
		return res.ExitCode, res.Output, nil
	}
	return 0, "", nil
}

func newTestExecutor(t *testing.T, runner *fakeRunner, opts ...Option) *ExecExecutor {
	t.Helper()
	opts = append(opts, WithRunFunc(runner.run))
	exec, err := NewExecExecutor([]string{"ssh", "-o", "BatchMode=yes"}, opts...)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return exec
}

func TestRunBuildsTransportInvocation(t *testing.T) {
	runner := &fakeRunner{}
	exec := newTestExecutor(t, runner, WithSudo(true))

	results, err := exec.Run(context.Background(), []string{"elastic1001.eqiad.wmnet"}, Command{Args: []string{"depool"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 1 || results[0].ExitCode != 0 {
		t.Fatalf("unexpected results %+v", results)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected one invocation, got %d", len(runner.calls))
	}
	argv := runner.calls[0].argv
	want := []string{"ssh", "-o", "BatchMode=yes", "elastic1001.eqiad.wmnet", "sudo depool"}
	if strings.Join(argv, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected argv %v", argv)
	}
}

func TestRunReportsFirstFailureWithFullResults(t *testing.T) {
	runner := &fakeRunner{results: map[string]HostResult{
		"elastic1001.eqiad.wmnet": {ExitCode: 2, Output: "boom"},
	}}
	exec := newTestExecutor(t, runner)

	hosts := []string{"elastic1001.eqiad.wmnet", "elastic1002.eqiad.wmnet"}
	results, err := exec.Run(context.Background(), hosts, Command{Args: []string{"service", "elasticsearch", "stop"}})

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %v", err)
	}
	if execErr.Host != "elastic1001.eqiad.wmnet" || execErr.ExitCode != 2 {
		t.Fatalf("unexpected error details %+v", execErr)
	}
	// All hosts must still have been attempted.
	if len(results) != 2 {
		t.Fatalf("expected results for both hosts, got %d", len(results))
	}
	if results[1].ExitCode != 0 {
		t.Fatalf("second host should have succeeded: %+v", results[1])
	}
}

func TestRunSkipsUnsafeCommandsInDryRun(t *testing.T) {
	runner := &fakeRunner{}
	exec := newTestExecutor(t, runner, WithDryRun(true))

	results, err := exec.Run(context.Background(), []string{"elastic1001.eqiad.wmnet"}, Command{Args: []string{"reboot"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatal("dry-run must not contact hosts for unsafe commands")
	}
	if !results[0].Skipped || results[0].ExitCode != 0 {
		t.Fatalf("expected synthetic success, got %+v", results[0])
	}
}

func TestRunExecutesSafeCommandsInDryRun(t *testing.T) {
	runner := &fakeRunner{}
	exec := newTestExecutor(t, runner, WithDryRun(true))

	_, err := exec.Run(context.Background(), []string{"elastic1001.eqiad.wmnet"}, Command{Args: []string{"cat", "/proc/uptime"}, SafeInDryRun: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatal("safe commands must still run in dry-run mode")
	}
}

func TestRunRejectsEmptyInput(t *testing.T) {
	exec := newTestExecutor(t, &fakeRunner{})
	if _, err := exec.Run(context.Background(), nil, Command{Args: []string{"x"}}); err == nil {
		t.Fatal("expected error for empty host set")
	}
	if _, err := exec.Run(context.Background(), []string{"h"}, Command{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecutionErrorMatching(t *testing.T) {
	err := error(&ExecutionError{Host: "h", Command: "c", ExitCode: 1})
	if !errors.Is(err, &ExecutionError{}) {
		t.Fatal("errors.Is should match the execution error kind")
	}
}
