package dbt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRunner answers dbt invocations by subcommand and records them.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]*CommandResult
	errs      map[string]error
	calls     [][]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: map[string]*CommandResult{}, errs: map[string]error{}}
}

func (f *fakeRunner) on(sub string, res *CommandResult) *fakeRunner {
	f.responses[sub] = res
	return f
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (*CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if err := f.errs[args[0]]; err != nil {
		return nil, err
	}
	if res, ok := f.responses[args[0]]; ok {
		return res, nil
	}
	return &CommandResult{}, nil
}

func (f *fakeRunner) last() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimLeft(content, "\n")), 0o644))
}

const jaffleProject = `
name: jaffle_shop
version: "1.0.0"
profile: jaffle
model-paths: ["models", "marts"]
`

const jaffleProfiles = `
jaffle:
  target: dev
  outputs:
    dev:
      type: duckdb
      path: jaffle.duckdb
    prod:
      type: snowflake
`

// newJaffle creates a project directory with profiles.yml in the root.
func newJaffle(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectFileName), jaffleProject)
	writeFile(t, filepath.Join(root, ProfilesFileName), jaffleProfiles)
	return root
}
