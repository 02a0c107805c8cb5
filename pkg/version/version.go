// Copyright (C) 2025 ScyllaDB

package version

import (
	"fmt"
	"runtime"

	"github.com/scylladb/scylla-cql-client/pkg/build"
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	GoVersion string `json:"goVersion"`
	Compiler  string `json:"compiler"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:   build.GitVersion(),
		GitCommit: build.GitCommit(),
		GoVersion: runtime.Version(),
		Compiler:  runtime.Compiler,
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (i Info) String() string {
	commit := i.GitCommit
	if len(commit) == 0 {
		commit = "unknown"
	}
	return fmt.Sprintf("Version=%q, GitCommit=%q, GoVersion=%q, Compiler=%q, Platform=%q", i.Version, commit, i.GoVersion, i.Compiler, i.Platform)
}
