// Copyright (C) 2017 ScyllaDB

package cfgutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type result struct {
	ContactPoints  []string      `yaml:"contact-points"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	RequestTimeout time.Duration `yaml:"request-timeout"`
	MaxConns       int           `yaml:"max-conns"`
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", `
contact-points: [10.0.0.1, 10.0.0.2]
username: cassandra
password: ${CQL_TEST_PASSWORD:secret}
request-timeout: 5s
max-conns: 2
`)
	override := writeFile(t, dir, "override.yaml", `
contact-points: [10.0.0.3]
max-conns: 4
`)
	invalid := writeFile(t, dir, "invalid.yaml", `
max-conns: many
`)
	missing := filepath.Join(dir, "missing.yaml")

	tt := []struct {
		name        string
		files       []string
		env         map[string]string
		expected    result
		expectedErr bool
	}{
		{
			name:  "single file",
			files: []string{base},
			expected: result{
				ContactPoints:  []string{"10.0.0.1", "10.0.0.2"},
				Username:       "cassandra",
				Password:       "secret",
				RequestTimeout: 5 * time.Second,
				MaxConns:       2,
			},
		},
		{
			name:  "later file overrides keys",
			files: []string{base, override},
			expected: result{
				ContactPoints:  []string{"10.0.0.3"},
				Username:       "cassandra",
				Password:       "secret",
				RequestTimeout: 5 * time.Second,
				MaxConns:       4,
			},
		},
		{
			name:  "missing file is skipped",
			files: []string{base, missing},
			expected: result{
				ContactPoints:  []string{"10.0.0.1", "10.0.0.2"},
				Username:       "cassandra",
				Password:       "secret",
				RequestTimeout: 5 * time.Second,
				MaxConns:       2,
			},
		},
		{
			name:  "environment is expanded",
			files: []string{base},
			env:   map[string]string{"CQL_TEST_PASSWORD": "from-env"},
			expected: result{
				ContactPoints:  []string{"10.0.0.1", "10.0.0.2"},
				Username:       "cassandra",
				Password:       "from-env",
				RequestTimeout: 5 * time.Second,
				MaxConns:       2,
			},
		},
		{
			name:        "invalid type",
			files:       []string{base, invalid},
			expectedErr: true,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			got := result{}
			err := ParseYAML(&got, tc.files...)
			if (err != nil) != tc.expectedErr {
				t.Fatalf("expected error %v, got %v", tc.expectedErr, err)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("expected and got config differ:\n%s", diff)
			}
		})
	}
}
