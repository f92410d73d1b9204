package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/kat"
)

const passingStream = `#### OS COMP TEST GROUP START conformance basic musl ####
#### KAT CASE BEGIN basic brk ####
ok
#### KAT CASE RESULT basic brk 0 ####
#### OS COMP TEST GROUP END conformance basic musl ####
`

const failingStream = `#### OS COMP TEST GROUP START conformance basic musl ####
#### KAT CASE BEGIN basic brk ####
#### KAT CASE RESULT basic brk 0 ####
#### KAT CASE BEGIN basic clone ####
#### KAT CASE RESULT basic clone -1 ####
#### OS COMP TEST GROUP END conformance basic musl ####
`

// testApp returns the app with exit handling disabled and output captured.
func testApp() (*cli.App, *bytes.Buffer) {
	app := newApp()
	app.ExitErrHandler = func(*cli.Context, error) {}
	var out bytes.Buffer
	app.Writer = &out
	return app, &out
}

func writeStream(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTally(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		stream   string
		wantCode int
	}{
		{name: "passing", stream: passingStream, wantCode: 0},
		{name: "timeout", stream: failingStream, wantCode: 1},
		{name: "stray output", stream: "[ 0.000] booting\n" + passingStream, wantCode: 2},
		{name: "stray output lenient", args: []string{"--lenient"}, stream: "[ 0.000] booting\n" + passingStream, wantCode: 0},
		{name: "truncated", stream: passingStream[:120], wantCode: 2},
		{name: "setup failure", stream: "#### KAT ENVIRONMENT SETUP FAILED glibc missing root ####\n", wantCode: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, out := testApp()
			args := append([]string{"kat", "tally"}, tt.args...)
			err := app.Run(append(args, writeStream(t, tt.stream)))
			assert.Equal(t, tt.wantCode, kat.ExitCode(err), "error: %v", err)
			assert.Contains(t, out.String(), "Report Tally")
		})
	}
}

func TestTally_Args(t *testing.T) {
	app, _ := testApp()
	err := app.Run([]string{"kat", "tally"})
	assert.True(t, kat.IsRuntimeError(err))

	app, _ = testApp()
	err = app.Run([]string{"kat", "tally", filepath.Join(t.TempDir(), "missing")})
	assert.True(t, kat.IsRuntimeError(err))
}

func TestList_BuiltinCatalog(t *testing.T) {
	app, out := testApp()
	require.NoError(t, app.Run([]string{"kat", "--log.level", "error", "list"}))
	assert.Contains(t, out.String(), "Suite Catalog")
	assert.Contains(t, out.String(), "basic")
}

func TestList_BadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("suites: [{name: empty}]\n"), 0o644))

	app, _ := testApp()
	err := app.Run([]string{"kat", "--catalog", path, "list"})
	assert.True(t, kat.IsRuntimeError(err))
}

func TestExitErrHandler(t *testing.T) {
	var code int
	orig := cli.OsExiter
	cli.OsExiter = func(c int) { code = c }
	defer func() { cli.OsExiter = orig }()

	tests := []struct {
		err  error
		want int
	}{
		{err: kat.NewRuntimeError(errors.New("bad catalog")), want: 2},
		{err: kat.NewTestFailureError("1 case failed"), want: 1},
		{err: errors.New("other"), want: 1},
		{err: cli.Exit("explicit", 3), want: 3},
	}
	for _, tt := range tests {
		code = -1
		exitErrHandler(nil, tt.err)
		assert.Equal(t, tt.want, code, tt.err.Error())
	}
}
