// Copyright (C) 2025 ScyllaDB

package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	t.Parallel()

	info := Get()
	if info.GoVersion != runtime.Version() {
		t.Errorf("expected go version %q, got %q", runtime.Version(), info.GoVersion)
	}
	if info.Version != "dev" {
		t.Errorf("expected version %q, got %q", "dev", info.Version)
	}
	if s := info.String(); !strings.Contains(s, `GitCommit="unknown"`) {
		t.Errorf("expected unknown commit in %q", s)
	}
}
