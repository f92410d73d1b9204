package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/kat/types"
)

// newEnvironment creates an environment root with bin, lib and a suite
// working directory named workDir.
func newEnvironment(t *testing.T, id, workDir string) types.EnvironmentDescriptor {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"bin", "lib", workDir} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	return types.EnvironmentDescriptor{ID: id, Root: root, BinDir: "bin", LibDir: "lib"}
}

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, path string, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func basicSuite(workDir string, ids ...string) types.TestSuite {
	suite := types.TestSuite{
		Name:           "basic",
		Category:       types.CategoryConformance,
		WorkingDir:     workDir,
		TimeoutPerCase: 5 * time.Second,
	}
	for _, id := range ids {
		suite.Cases = append(suite.Cases, types.TestCase{ID: id, Suite: "basic"})
	}
	return suite
}

// scriptedRun describes what a fake case does.
type scriptedRun struct {
	outcome types.Outcome
	code    int
	output  string
	block   bool // wait for the context to end, then time out
	delay   time.Duration
}

// fakeCaseRunner replays scripted outcomes, keyed by "env/case" or by case
// id, and records the cases it was asked to run.
type fakeCaseRunner struct {
	mu      sync.Mutex
	scripts map[string]scriptedRun
	ran     []string
}

func newFakeCaseRunner(scripts map[string]scriptedRun) *fakeCaseRunner {
	return &fakeCaseRunner{scripts: scripts}
}

func (f *fakeCaseRunner) Run(ctx context.Context, tc types.TestCase, suite types.TestSuite, env types.EnvironmentDescriptor, output io.Writer) types.CaseResult {
	f.mu.Lock()
	f.ran = append(f.ran, env.ID+"/"+suite.Name+"/"+tc.ID)
	script, ok := f.scripts[env.ID+"/"+tc.ID]
	if !ok {
		script, ok = f.scripts[tc.ID]
	}
	f.mu.Unlock()

	result := types.CaseResult{CaseID: tc.ID, Suite: suite.Name, EnvironmentID: env.ID, Outcome: types.OutcomePassed}
	if !ok {
		return result
	}
	if script.output != "" && output != nil {
		_, _ = io.WriteString(output, script.output)
	}
	if script.delay > 0 {
		select {
		case <-time.After(script.delay):
		case <-ctx.Done():
		}
	}
	if script.block {
		<-ctx.Done()
		result.Outcome = types.OutcomeTimedOut
		return result
	}
	if script.outcome != "" {
		result.Outcome = script.outcome
		result.ExitCode = script.code
	}
	return result
}

func (f *fakeCaseRunner) Ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

// fakeProvisioner fails the environments listed in failures.
type fakeProvisioner struct {
	mu       sync.Mutex
	failures map[string]error
	calls    []string
}

func (p *fakeProvisioner) Provision(env types.EnvironmentDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, env.ID)
	return p.failures[env.ID]
}

// staticSuites serves a fixed suite list.
type staticSuites []types.TestSuite

func (s staticSuites) Select(names []string) ([]types.TestSuite, error) {
	if len(names) == 0 {
		return s, nil
	}
	var out []types.TestSuite
	for _, name := range names {
		found := false
		for _, suite := range s {
			if suite.Name == name {
				out = append(out, suite)
				found = true
			}
		}
		if !found {
			return nil, errors.New("unknown suite " + name)
		}
	}
	return out, nil
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}
