package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalConfig = `
clusters:
  search:
    eqiad:
      endpoint: http://127.0.0.1:9200
      node_suffix: eqiad.wmnet
`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if code := run([]string{"frobnicate"}); code != exitUsage {
		t.Fatalf("expected exitUsage, got %d", code)
	}
	if code := run(nil); code != exitUsage {
		t.Fatalf("expected exitUsage for empty args, got %d", code)
	}
}

func TestCommandValidateConfig(t *testing.T) {
	configPath := writeConfig(t, minimalConfig)

	var stdout, stderr bytes.Buffer
	exitCode := commandValidateWithWriters([]string{"-config", configPath}, &stdout, &stderr)
	if exitCode != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", exitCode, stderr.String())
	}
	if !strings.Contains(stdout.String(), "is valid") {
		t.Fatalf("expected validity notice, got: %s", stdout.String())
	}
}

func TestCommandValidateConfigRejectsInvalid(t *testing.T) {
	configPath := writeConfig(t, `
clusters:
  search:
    eqiad:
      endpoint: ""
      node_suffix: eqiad.wmnet
`)

	var stdout, stderr bytes.Buffer
	exitCode := commandValidateWithWriters([]string{"-config", configPath}, &stdout, &stderr)
	if exitCode != exitConfigError {
		t.Fatalf("expected exitConfigError, got %d", exitCode)
	}
	if !strings.Contains(stderr.String(), "endpoint") {
		t.Fatalf("expected the problem named in stderr, got: %s", stderr.String())
	}
}

func TestCommandRunRejectsUnknownTask(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := commandRunWithWriters([]string{"-task", "defragment", "-message", "x"}, &stdout, &stderr)
	if exitCode != exitUsage {
		t.Fatalf("expected exitUsage, got %d", exitCode)
	}
	if !strings.Contains(stderr.String(), "unknown task") {
		t.Fatalf("expected task error, got: %s", stderr.String())
	}
}

func TestCommandRunRequiresMessage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := commandRunWithWriters([]string{"-task", "restart"}, &stdout, &stderr)
	if exitCode != exitUsage {
		t.Fatalf("expected exitUsage, got %d", exitCode)
	}
	if !strings.Contains(stderr.String(), "-message is required") {
		t.Fatalf("expected message requirement, got: %s", stderr.String())
	}
}

func TestCommandRunRejectsBadCutoff(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := commandRunWithWriters(
		[]string{"-task", "restart", "-message", "x", "-cutoff", "yesterday"},
		&stdout, &stderr)
	if exitCode != exitUsage {
		t.Fatalf("expected exitUsage, got %d", exitCode)
	}
}

func TestCommandRunRejectsUnknownCluster(t *testing.T) {
	configPath := writeConfig(t, minimalConfig)

	var stdout, stderr bytes.Buffer
	exitCode := commandRunWithWriters(
		[]string{"-config", configPath, "-cluster", "relforge", "-site", "eqiad", "-task", "restart", "-message", "x"},
		&stdout, &stderr)
	if exitCode != exitConfigError {
		t.Fatalf("expected exitConfigError, got %d (stderr: %s)", exitCode, stderr.String())
	}
	if !strings.Contains(stderr.String(), "no cluster named relforge") {
		t.Fatalf("expected lookup failure, got: %s", stderr.String())
	}
}

func TestCommandAllocateReplicasRejectsUnknownCluster(t *testing.T) {
	configPath := writeConfig(t, minimalConfig)

	var stdout, stderr bytes.Buffer
	exitCode := commandAllocateReplicasWithWriters(
		[]string{"-config", configPath, "-cluster", "search", "-site", "codfw"},
		&stdout, &stderr)
	if exitCode != exitConfigError {
		t.Fatalf("expected exitConfigError, got %d", exitCode)
	}
}
