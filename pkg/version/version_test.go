package version

import (
	"runtime/debug"
	"testing"
)

func TestDeriveVersionKeepsExplicitOverride(t *testing.T) {
	if got := deriveVersion("1.2.3"); got != "1.2.3" {
		t.Fatalf("expected explicit version to win, got %q", got)
	}
}

func TestDeriveVersionFromModuleVersion(t *testing.T) {
	restore := readBuildInfo
	defer func() { readBuildInfo = restore }()

	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Main: debug.Module{Version: "v0.4.0"}}, true
	}

	if got := deriveVersion(defaultVersion); got != "v0.4.0" {
		t.Fatalf("expected module version, got %q", got)
	}
}

func TestDeriveVersionFromVCSRevision(t *testing.T) {
	restore := readBuildInfo
	defer func() { readBuildInfo = restore }()

	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Version: "(devel)"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}

	if got := deriveVersion(defaultVersion); got != "devel+0123456789ab-dirty" {
		t.Fatalf("unexpected derived version %q", got)
	}
}

func TestDeriveVersionWithoutBuildInfo(t *testing.T) {
	restore := readBuildInfo
	defer func() { readBuildInfo = restore }()

	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }

	if got := deriveVersion(defaultVersion); got != defaultVersion {
		t.Fatalf("expected default version, got %q", got)
	}
}
