package version

import (
	"strings"
	"testing"
)

func TestResolvePrefersLdflags(t *testing.T) {
	oldV, oldC, oldB := Version, Commit, BuildTime
	t.Cleanup(func() { Version, Commit, BuildTime = oldV, oldC, oldB })

	Version, Commit, BuildTime = "v1.2.3", "0123456789abcdef", "2026-01-02T03:04:05Z"
	info := Resolve()
	if info.Version != "v1.2.3" || info.Commit != "0123456789abcdef" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if got := String(); got != "v1.2.3 (0123456789ab)" {
		t.Fatalf("String: got %q", got)
	}
	if got := UserAgent(); !strings.HasPrefix(got, "kdispatch/v1.2.3") {
		t.Fatalf("UserAgent: got %q", got)
	}
}

func TestResolveFallsBackToBuildTime(t *testing.T) {
	oldV, oldC, oldB := Version, Commit, BuildTime
	t.Cleanup(func() { Version, Commit, BuildTime = oldV, oldC, oldB })

	Version, Commit, BuildTime = "", "", "20260102T030405Z"
	if got := Resolve().Version; got != "20260102T030405Z" && !strings.HasPrefix(got, "v") {
		t.Fatalf("Version: got %q", got)
	}
}
