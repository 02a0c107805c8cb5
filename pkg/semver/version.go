/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package semver

import (
	"fmt"
	"regexp"

	"github.com/blang/semver"
)

var (
	// ServerVersionThatSupportsPeersV2 is the first release_version with
	// system.peers_v2, ScyllaDB reports 3.0.8 and uses system.peers.
	ServerVersionThatSupportsPeersV2 = semver.MustParse("4.0.0")
	// ServerVersionThatSupportsDuration is the first release_version
	// accepting the duration type.
	ServerVersionThatSupportsDuration = semver.MustParse("3.10.0")
)

var (
	reSemVersion = regexp.MustCompile(`\d+\.\d+\.\d+`)
	reSuffix     = regexp.MustCompile(`[~-]([a-zA-Z]+\d*)`)
)

// ServerVersion contains the release version of a node with unknown version support
type ServerVersion struct {
	version semver.Version
	unknown bool
}

// NewServerVersion parses the release_version column of system.local or system.peers.
func NewServerVersion(v string) ServerVersion {
	s, err := computeSemVersion(v)
	if err != nil {
		return ServerVersion{unknown: true}
	}
	version, err := semver.Parse(s)
	if err != nil {
		return ServerVersion{unknown: true}
	}
	return ServerVersion{version: version, unknown: false}
}

func (sv ServerVersion) Unknown() bool {
	return sv.unknown
}

func (sv ServerVersion) String() string {
	if sv.unknown {
		return "unknown"
	}
	return sv.version.String()
}

// SupportFeatureUnsafe return true if a feature is supported (and always true if the version is unknown)
func (sv ServerVersion) SupportFeatureUnsafe(featureVersion semver.Version) bool {
	return sv.unknown || sv.version.GTE(featureVersion)
}

// SupportFeatureSafe return true if a feature is supported (and always false if the version is unknown)
func (sv ServerVersion) SupportFeatureSafe(featureVersion semver.Version) bool {
	return !sv.unknown && sv.version.GTE(featureVersion)
}

func computeSemVersion(fullVersion string) (string, error) {
	semVersion := reSemVersion.FindString(fullVersion)
	if semVersion == "" {
		return "", fmt.Errorf("could not extract semantic version from: %s", fullVersion)
	}

	suffixMatch := reSuffix.FindStringSubmatch(fullVersion)
	if len(suffixMatch) > 1 {
		semVersion = fmt.Sprintf("%s-%s", semVersion, suffixMatch[1])
	}
	return semVersion, nil
}
