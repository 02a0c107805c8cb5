package build

// Both values are set during build via -ldflags, e.g.
// -X github.com/scylladb/scylla-cql-client/pkg/build.versionFromGit=v1.0.0
var (
	commitFromGit  string
	versionFromGit string
)

// GitCommit returns the git commit hash for the source used to build the binary.
func GitCommit() string {
	return commitFromGit
}

// GitVersion returns the release tag of the binary, "dev" for untagged builds.
func GitVersion() string {
	if len(versionFromGit) == 0 {
		return "dev"
	}
	return versionFromGit
}
