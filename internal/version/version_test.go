package version

import (
	"strings"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	got := pseudoVersion(vcsInfo{
		revision: "0123456789abcdef0123",
		time:     "2025-03-04T05:06:07Z",
		modified: true,
	})
	if got != "v0.0.0-20250304050607-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if got := pseudoVersion(vcsInfo{revision: "abc"}); got != "" {
		t.Fatalf("expected empty version without vcs time, got %q", got)
	}
	if got := pseudoVersion(vcsInfo{revision: "abc", time: "yesterday"}); got != "" {
		t.Fatalf("expected empty version for bad time, got %q", got)
	}
}

func TestBuildVersionOverride(t *testing.T) {
	prev := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = prev })
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("unexpected version %q", got)
	}
	info := Get()
	if info.Version != "v1.2.3" || info.GoVersion == "" || info.Platform == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if !strings.Contains(info.String(), "v1.2.3") {
		t.Fatalf("unexpected string %q", info.String())
	}
}
