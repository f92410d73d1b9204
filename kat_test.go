package kat

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/kat/logging"
	"github.com/ethereum-optimism/infra/kat/report"
)

const testCatalog = `defaults:
  timeout: 10s

environments:
  - id: musl
    root: %[1]s/musl
  - id: glibc
    root: %[1]s/glibc

suites:
  - name: basic
    workdir: basic
    cases: [t1, t2, t3]
    skip: [t2]
`

// newFixture writes a catalog with two environments. The musl root holds
// the basic cases; glibc has no root, so its setup fails.
func newFixture(t *testing.T, t3 string) *Config {
	t.Helper()
	dir := t.TempDir()
	workDir := filepath.Join(dir, "musl", "basic")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	for name, body := range map[string]string{
		"t1": "echo hello from t1",
		"t2": "exit 9",
		"t3": t3,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(workDir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	}
	catalogFile := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogFile, []byte(fmt.Sprintf(testCatalog, dir)), 0o644))

	return &Config{
		Arch:              "riscv64",
		CatalogFile:       catalogFile,
		TimeoutMultiplier: 1,
		FSType:            "ext4",
		Output:            filepath.Join(dir, "out", "report.txt"),
		Passthrough:       true,
		LogDir:            filepath.Join(dir, "logs"),
		RunOnce:           true,
		Log:               log.New(),
	}
}

func newTestKat(t *testing.T, cfg *Config) (*kat, *bytes.Buffer) {
	t.Helper()
	k, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)
	var summary bytes.Buffer
	k.summaryOut = &summary
	return k, &summary
}

func TestKat_RunReportsEveryEnvironment(t *testing.T) {
	cfg := newFixture(t, "exit 0")
	k, summary := newTestKat(t, cfg)

	_, err := k.runTests(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.Equal(t, 1, ExitCode(err))

	stream, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, "#### OS COMP TEST GROUP START conformance basic musl ####\n"+
		"#### KAT CASE BEGIN basic t1 ####\n"+
		"hello from t1\n"+
		"#### KAT CASE RESULT basic t1 0 ####\n"+
		"#### KAT CASE BEGIN basic t3 ####\n"+
		"#### KAT CASE RESULT basic t3 0 ####\n"+
		"#### OS COMP TEST GROUP END conformance basic musl ####\n", firstLines(string(stream), 7))
	assert.Contains(t, string(stream), "#### KAT ENVIRONMENT SETUP FAILED glibc ")
	assert.NotContains(t, string(stream), "#### KAT CASE BEGIN basic t2 ")

	p := report.NewParser()
	require.NoError(t, p.Scan(bytes.NewReader(stream)))

	result := k.Result()
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Stats.Passed)
	assert.Len(t, result.SetupFailures(), 1)
	assert.False(t, k.Healthy())
	assert.Contains(t, summary.String(), result.String())

	runDir := filepath.Join(cfg.LogDir, logging.RunDirectoryPrefix+result.RunID)
	caseLog, err := os.ReadFile(filepath.Join(runDir, "musl", "basic", "t1.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello from t1\n", string(caseLog))
	assert.FileExists(t, filepath.Join(runDir, logging.SummaryFilename))
	assert.FileExists(t, filepath.Join(runDir, logging.ResultsFilename))
}

func TestKat_FailingCaseDoesNotStopSuite(t *testing.T) {
	cfg := newFixture(t, "exit 4")
	cfg.Environments = []string{"musl"}
	k, _ := newTestKat(t, cfg)

	_, err := k.runTests(context.Background())
	assert.True(t, IsTestFailureError(err))

	stream, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Contains(t, string(stream), "#### KAT CASE RESULT basic t1 0 ####\n")
	assert.Contains(t, string(stream), "#### KAT CASE RESULT basic t3 4 ####\n")
	assert.Equal(t, 1, k.Result().Stats.Failed)
}

func TestKat_AllowFailures(t *testing.T) {
	cfg := newFixture(t, "exit 4")
	cfg.AllowFailures = true
	k, _ := newTestKat(t, cfg)

	_, err := k.runTests(context.Background())
	assert.NoError(t, err)
	assert.False(t, k.Healthy())
}

func TestKat_Healthy(t *testing.T) {
	cfg := newFixture(t, "exit 0")
	cfg.Environments = []string{"musl"}
	k, _ := newTestKat(t, cfg)

	assert.True(t, k.Healthy(), "healthy before the first run")
	_, err := k.runTests(context.Background())
	require.NoError(t, err)
	assert.True(t, k.Healthy())
}

func TestKat_ReportOutputFailureIsRuntimeError(t *testing.T) {
	cfg := newFixture(t, "exit 0")
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Output = filepath.Join(blocker, "report.txt")
	k, _ := newTestKat(t, cfg)

	_, err := k.runTests(context.Background())
	assert.True(t, IsRuntimeError(err))
	assert.Equal(t, 2, ExitCode(err))
}

func TestKat_StartRunOnce(t *testing.T) {
	cfg := newFixture(t, "exit 0")
	cfg.Environments = []string{"musl"}
	shutdown := make(chan struct{})
	k, err := New(context.Background(), cfg, "test", func(error) { close(shutdown) })
	require.NoError(t, err)
	k.summaryOut = &bytes.Buffer{}

	require.NoError(t, k.Start(context.Background()))
	select {
	case <-shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback not called")
	}
	require.NoError(t, k.Stop(context.Background()))
	assert.True(t, k.Stopped())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), nil, "test", nil)
	assert.ErrorContains(t, err, "config is required")

	cfg := newFixture(t, "exit 0")
	cfg.Suites = []string{"nope"}
	_, err = New(context.Background(), cfg, "test", nil)
	assert.ErrorContains(t, err, "unknown suites: nope")

	cfg = newFixture(t, "exit 0")
	cfg.Environments = []string{"freebsd"}
	_, err = New(context.Background(), cfg, "test", nil)
	assert.ErrorContains(t, err, `unknown environment "freebsd"`)

	cfg = newFixture(t, "exit 0")
	cfg.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(context.Background(), cfg, "test", nil)
	assert.ErrorContains(t, err, "failed to load catalog")
}

func firstLines(s string, n int) string {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "")
}
