package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/kat/types"
)

func newTestCaseRunner(t *testing.T, cfg CaseRunnerConfig) CaseRunner {
	t.Helper()
	cfg.Log = log.New()
	if cfg.Arch == "" {
		cfg.Arch = "riscv64"
	}
	if cfg.Environ == nil {
		cfg.Environ = func() []string { return []string{"PATH=/usr/bin:/bin", "AMBIENT=1"} }
	}
	r, err := NewCaseRunner(cfg)
	require.NoError(t, err)
	return r
}

func TestNewCaseRunner_Validation(t *testing.T) {
	_, err := NewCaseRunner(CaseRunnerConfig{Log: log.New()})
	assert.ErrorContains(t, err, "architecture is required")

	_, err = NewCaseRunner(CaseRunnerConfig{Log: log.New(), Arch: "riscv64", TimeoutMultiplier: -1})
	assert.ErrorContains(t, err, "must not be negative")

	_, err = NewCaseRunner(CaseRunnerConfig{Log: log.New(), Arch: "riscv64", LibPath: []string{"/usr/lib"}})
	assert.ErrorContains(t, err, "must be relative")
}

func TestCaseRunner_Outcomes(t *testing.T) {
	env := newEnvironment(t, "musl", "basic")
	workDir := filepath.Join(env.Root, "basic")
	writeScript(t, filepath.Join(workDir, "ok"), "echo fine")
	writeScript(t, filepath.Join(workDir, "bad"), "echo broken >&2\nexit 3")
	writeScript(t, filepath.Join(workDir, "crash"), "kill -9 $$")
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "plain"), []byte("data"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(workDir, "subdir"), 0o755))

	r := newTestCaseRunner(t, CaseRunnerConfig{})
	suite := basicSuite("basic")

	tests := []struct {
		id      string
		outcome types.Outcome
		code    int
	}{
		{id: "ok", outcome: types.OutcomePassed, code: 0},
		{id: "bad", outcome: types.OutcomeFailed, code: 3},
		{id: "crash", outcome: types.OutcomeFailed, code: 137},
		{id: "missing", outcome: types.OutcomeFailed, code: NotFoundCode},
		{id: "plain", outcome: types.OutcomeFailed, code: NotExecutableCode},
		{id: "subdir", outcome: types.OutcomeFailed, code: NotExecutableCode},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			result := r.Run(context.Background(), types.TestCase{ID: tt.id, Suite: "basic"}, suite, env, nil)
			assert.Equal(t, tt.outcome, result.Outcome)
			assert.Equal(t, tt.code, result.Code())
			assert.Equal(t, tt.id, result.CaseID)
			assert.Equal(t, "basic", result.Suite)
			assert.Equal(t, "musl", result.EnvironmentID)
		})
	}
}

func TestCaseRunner_CapturesOutput(t *testing.T) {
	env := newEnvironment(t, "musl", "basic")
	writeScript(t, filepath.Join(env.Root, "basic", "talk"), "echo out\necho err >&2")

	var output bytes.Buffer
	result := newTestCaseRunner(t, CaseRunnerConfig{}).Run(context.Background(), types.TestCase{ID: "talk"}, basicSuite("basic"), env, &output)

	require.Equal(t, types.OutcomePassed, result.Outcome)
	assert.Contains(t, output.String(), "out\n")
	assert.Contains(t, output.String(), "err\n")
	assert.Equal(t, output.String(), result.Output)
}

func TestCaseRunner_OutputTailIsBounded(t *testing.T) {
	env := newEnvironment(t, "musl", "basic")
	writeScript(t, filepath.Join(env.Root, "basic", "chatty"), "i=0\nwhile [ $i -lt 100 ]; do echo line$i; i=$((i+1)); done")

	result := newTestCaseRunner(t, CaseRunnerConfig{OutputTailBytes: 16}).Run(context.Background(), types.TestCase{ID: "chatty"}, basicSuite("basic"), env, nil)

	require.Equal(t, types.OutcomePassed, result.Outcome)
	assert.True(t, strings.HasPrefix(result.Output, "...(truncated)\n"))
	assert.True(t, strings.HasSuffix(result.Output, "line99\n"))
}

// A case that would run for 100 units against a 5 unit timeout is killed
// and reported with the timeout code.
func TestCaseRunner_Timeout(t *testing.T) {
	const unit = 20 * time.Millisecond
	env := newEnvironment(t, "musl", "basic")
	writeScript(t, filepath.Join(env.Root, "basic", "slow"), "sleep 2 &\nwait")

	suite := basicSuite("basic")
	suite.TimeoutPerCase = 5 * unit

	result := newTestCaseRunner(t, CaseRunnerConfig{}).Run(context.Background(), types.TestCase{ID: "slow"}, suite, env, nil)

	assert.Equal(t, types.OutcomeTimedOut, result.Outcome)
	assert.Equal(t, types.TimeoutCode, result.Code())
	assert.False(t, result.Abandoned)
	assert.Less(t, result.WallTime, 100*unit)
	assert.Contains(t, result.Err, "timed out after")
}

// A case that exits 0 but leaves a child holding its output open passes,
// even when the deadline passes while the output is being drained.
func TestCaseRunner_ExitStatusWinsOverLateDeadline(t *testing.T) {
	env := newEnvironment(t, "musl", "basic")
	writeScript(t, filepath.Join(env.Root, "basic", "forks"), "(sleep 100 &)\nexit 0")

	suite := basicSuite("basic")
	suite.TimeoutPerCase = 100 * time.Millisecond

	r := newTestCaseRunner(t, CaseRunnerConfig{KillGrace: 500 * time.Millisecond})
	result := r.Run(context.Background(), types.TestCase{ID: "forks"}, suite, env, nil)

	assert.Equal(t, types.OutcomePassed, result.Outcome, result.Err)
	assert.Equal(t, 0, result.Code())
	assert.Less(t, result.WallTime, 5*time.Second)
}

// Same shape with a non-zero status: the status is reported, not a timeout.
func TestCaseRunner_FailureStatusWinsOverLateDeadline(t *testing.T) {
	env := newEnvironment(t, "musl", "basic")
	writeScript(t, filepath.Join(env.Root, "basic", "forks"), "(sleep 100 &)\nexit 3")

	suite := basicSuite("basic")
	suite.TimeoutPerCase = 100 * time.Millisecond

	r := newTestCaseRunner(t, CaseRunnerConfig{KillGrace: 500 * time.Millisecond})
	result := r.Run(context.Background(), types.TestCase{ID: "forks"}, suite, env, nil)

	assert.Equal(t, types.OutcomeFailed, result.Outcome)
	assert.Equal(t, 3, result.Code())
}

func TestCaseRunner_TimeoutMultiplier(t *testing.T) {
	env := newEnvironment(t, "musl", "basic")
	writeScript(t, filepath.Join(env.Root, "basic", "nap"), "sleep 0.3")

	suite := basicSuite("basic")
	suite.TimeoutPerCase = 100 * time.Millisecond

	result := newTestCaseRunner(t, CaseRunnerConfig{TimeoutMultiplier: 20}).Run(context.Background(), types.TestCase{ID: "nap"}, suite, env, nil)
	assert.Equal(t, types.OutcomePassed, result.Outcome)
}

func TestCaseRunner_Interrupted(t *testing.T) {
	env := newEnvironment(t, "musl", "basic")
	writeScript(t, filepath.Join(env.Root, "basic", "slow"), "sleep 2")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	result := newTestCaseRunner(t, CaseRunnerConfig{}).Run(ctx, types.TestCase{ID: "slow"}, basicSuite("basic"), env, nil)
	assert.Equal(t, types.OutcomeTimedOut, result.Outcome)
	assert.Contains(t, result.Err, "interrupted")
}

func TestCaseRunner_Environment(t *testing.T) {
	env := newEnvironment(t, "musl", "ltp")
	writeScript(t, filepath.Join(env.Root, "ltp", "showenv"), strings.Join([]string{
		`echo "ARCH=$ARCH"`,
		`echo "HOME=$HOME"`,
		`echo "HOSTNAME=$HOSTNAME"`,
		`echo "PATH=$PATH"`,
		`echo "LD_LIBRARY_PATH=$LD_LIBRARY_PATH"`,
		`echo "AMBIENT=$AMBIENT"`,
		`echo "FS=$LTP_DEV_FS_TYPE"`,
		`echo "ROOTED=$ROOTED"`,
		`echo "EXTRA=$EXTRA"`,
		`echo "RUNONLY=$RUNONLY"`,
		`echo "ARGS=$*"`,
	}, "\n"))

	suite := basicSuite("ltp")
	suite.Env = map[string]string{
		"LTP_DEV_FS_TYPE": "${FS_TYPE}",
		"ROOTED":          "${ENV_ROOT}/ltp",
		"EXTRA":           "suite",
	}
	r := newTestCaseRunner(t, CaseRunnerConfig{
		FSType:   "ext4",
		LibPath:  []string{"usr/lib"},
		ExtraEnv: map[string]string{"EXTRA": "run", "RUNONLY": "${ARCH}-${ENV_ID}"},
	})

	result := r.Run(context.Background(), types.TestCase{ID: "showenv", Args: []string{"-a", "-b"}}, suite, env, nil)
	require.Equal(t, types.OutcomePassed, result.Outcome, result.Err)

	sep := string(os.PathListSeparator)
	workDir := filepath.Join(env.Root, "ltp")
	got := result.Output
	assert.Contains(t, got, "ARCH=riscv64\n")
	assert.Contains(t, got, "HOME="+env.Root+"\n")
	assert.Contains(t, got, "HOSTNAME=kat\n")
	assert.Contains(t, got, "PATH="+strings.Join([]string{workDir, filepath.Join(env.Root, "bin"), env.Root, "/usr/bin:/bin"}, sep)+"\n")
	assert.Contains(t, got, "LD_LIBRARY_PATH="+filepath.Join(env.Root, "lib")+sep+filepath.Join(env.Root, "usr/lib")+"\n")
	assert.Contains(t, got, "AMBIENT=1\n")
	assert.Contains(t, got, "FS=ext4\n")
	assert.Contains(t, got, "ROOTED="+workDir+"\n")
	assert.Contains(t, got, "EXTRA=suite\n")
	assert.Contains(t, got, "RUNONLY=riscv64-musl\n")
	assert.Contains(t, got, "ARGS=-a -b\n")

	_, set := os.LookupEnv("LTP_DEV_FS_TYPE")
	assert.False(t, set, "case environment must not leak into the harness")
}

func TestCaseRunner_CommandLine(t *testing.T) {
	env := newEnvironment(t, "musl", "busybox")
	writeScript(t, filepath.Join(env.Root, "bin", "busybox"), `echo "busybox $*"`)
	writeScript(t, filepath.Join(env.Root, "tools", "showenv"), `echo "showenv $*"`)
	writeScript(t, filepath.Join(env.Root, "busybox", "scripts", "local"), `echo "local $*"`)

	suite := types.TestSuite{
		Name:           "busybox",
		WorkingDir:     "busybox",
		Exec:           "busybox",
		Args:           []string{"--quiet"},
		TimeoutPerCase: 5 * time.Second,
	}
	r := newTestCaseRunner(t, CaseRunnerConfig{})

	tests := []struct {
		name string
		tc   types.TestCase
		want string
	}{
		{name: "launcher with case id", tc: types.TestCase{ID: "pwd"}, want: "busybox --quiet pwd\n"},
		{name: "launcher with case args", tc: types.TestCase{ID: "ls", Args: []string{"ls", "-l"}}, want: "busybox --quiet ls -l\n"},
		{name: "absolute exec is rooted", tc: types.TestCase{ID: "p", Exec: "/tools/showenv", Args: []string{"x"}}, want: "showenv x\n"},
		{name: "relative exec uses workdir", tc: types.TestCase{ID: "l", Exec: "scripts/local"}, want: "local \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Run(context.Background(), tt.tc, suite, env, nil)
			require.Equal(t, types.OutcomePassed, result.Outcome, result.Err)
			assert.Equal(t, tt.want, result.Output)
		})
	}
}

func TestCaseRunner_MissingWorkingDirectory(t *testing.T) {
	env := newEnvironment(t, "musl", "basic")
	result := newTestCaseRunner(t, CaseRunnerConfig{}).Run(context.Background(), types.TestCase{ID: "brk"}, basicSuite("absent"), env, nil)
	assert.Equal(t, types.OutcomeFailed, result.Outcome)
	assert.Equal(t, NotFoundCode, result.ExitCode)
	assert.Contains(t, result.Err, "working directory")
}
