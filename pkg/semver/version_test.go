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
	"testing"

	"github.com/blang/semver"
)

func TestSupportFeature(t *testing.T) {
	recentVersion := NewServerVersion("99.0.0")
	oldVersion := NewServerVersion("0.0.0")
	badVersion := NewServerVersion("foobar")

	fakeFeature := semver.MustParse("4.2.0")

	if !recentVersion.SupportFeatureUnsafe(fakeFeature) {
		t.Errorf("Recent version should support a previous version")
	}
	if oldVersion.SupportFeatureUnsafe(fakeFeature) {
		t.Errorf("Old version should not support a future version")
	}
	if !badVersion.SupportFeatureUnsafe(fakeFeature) {
		t.Errorf("Unkown version should support any version when unsafe")
	}

	if !recentVersion.SupportFeatureSafe(fakeFeature) {
		t.Errorf("Recent version should support a previous version")
	}
	if oldVersion.SupportFeatureSafe(fakeFeature) {
		t.Errorf("Recent version should support a previous version")
	}
	if badVersion.SupportFeatureSafe(fakeFeature) {
		t.Errorf("Unkown version should not support any version when safe")
	}
}

func TestNewServerVersion(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name            string
		releaseVersion  string
		expected        string
		expectedPeersV2 bool
	}{
		{
			name:           "scylladb",
			releaseVersion: "3.0.8",
			expected:       "3.0.8",
		},
		{
			name:            "cassandra",
			releaseVersion:  "4.1.3",
			expected:        "4.1.3",
			expectedPeersV2: true,
		},
		{
			name:            "cassandra snapshot",
			releaseVersion:  "5.0-beta1-SNAPSHOT",
			expected:        "unknown",
			expectedPeersV2: true,
		},
		{
			name:            "release candidate",
			releaseVersion:  "4.0.0~rc2-0.20210101",
			expected:        "4.0.0-rc2",
			expectedPeersV2: false,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			v := NewServerVersion(tc.releaseVersion)
			if got := v.String(); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
			if got := v.SupportFeatureUnsafe(ServerVersionThatSupportsPeersV2); got != tc.expectedPeersV2 {
				t.Errorf("expected peers_v2 support %v, got %v", tc.expectedPeersV2, got)
			}
		})
	}
}
