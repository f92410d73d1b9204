package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/kat/types"
)

// CaseRunner runs a single case. It always returns a result; no case outcome
// is reported as an error.
type CaseRunner interface {
	Run(ctx context.Context, tc types.TestCase, suite types.TestSuite, env types.EnvironmentDescriptor, output io.Writer) types.CaseResult
}

// CaseRunnerConfig holds configuration for creating a case runner
type CaseRunnerConfig struct {
	Log               log.Logger
	Arch              string            // passed to cases as ARCH
	FSType            string            // expands ${FS_TYPE} in suite env values
	ExtraEnv          map[string]string // run-wide variables, applied before suite env
	LibPath           []string          // extra library directories, relative to the environment root
	TimeoutMultiplier float64           // scales every per-case timeout; 0 means 1
	OutputTailBytes   int
	KillGrace         time.Duration
	Environ           func() []string // ambient environment; defaults to os.Environ
}

type caseRunner struct {
	log        log.Logger
	arch       string
	fsType     string
	extraEnv   map[string]string
	libPath    []string
	multiplier float64
	tailBytes  int
	killGrace  time.Duration
	environ    func() []string
	tracer     trace.Tracer
}

// NewCaseRunner creates a CaseRunner
func NewCaseRunner(cfg CaseRunnerConfig) (CaseRunner, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Arch == "" {
		return nil, errors.New("architecture is required")
	}
	if cfg.TimeoutMultiplier < 0 {
		return nil, fmt.Errorf("timeout multiplier must not be negative, got %v", cfg.TimeoutMultiplier)
	}
	if cfg.TimeoutMultiplier == 0 {
		cfg.TimeoutMultiplier = 1
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Environ == nil {
		cfg.Environ = os.Environ
	}
	for _, dir := range cfg.LibPath {
		if filepath.IsAbs(dir) {
			return nil, fmt.Errorf("library path %q must be relative to the environment root", dir)
		}
	}

	cfg.Log.Debug("NewCaseRunner()", "arch", cfg.Arch, "fsType", cfg.FSType,
		"timeoutMultiplier", cfg.TimeoutMultiplier, "libPath", cfg.LibPath)

	return &caseRunner{
		log:        cfg.Log,
		arch:       cfg.Arch,
		fsType:     cfg.FSType,
		extraEnv:   cfg.ExtraEnv,
		libPath:    cfg.LibPath,
		multiplier: cfg.TimeoutMultiplier,
		tailBytes:  cfg.OutputTailBytes,
		killGrace:  cfg.KillGrace,
		environ:    cfg.Environ,
		tracer:     otel.Tracer("case runner"),
	}, nil
}

// Run implements the CaseRunner interface
func (r *caseRunner) Run(ctx context.Context, tc types.TestCase, suite types.TestSuite, env types.EnvironmentDescriptor, output io.Writer) (result types.CaseResult) {
	result = types.CaseResult{
		CaseID:        tc.ID,
		Suite:         suite.Name,
		EnvironmentID: env.ID,
	}
	logger := r.log.New("env", env.ID, "suite", suite.Name, "case", tc.ID)

	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("case %s", tc.ID))
	defer span.End()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Panic while running case", "error", rec)
			result.Outcome = types.OutcomeFailed
			result.ExitCode = RunnerFaultCode
			result.Err = fmt.Sprintf("runtime error: %v", rec)
			result.WallTime = time.Since(start)
		}
		span.SetAttributes(
			attribute.String("environment", env.ID),
			attribute.String("suite", suite.Name),
			attribute.String("outcome", string(result.Outcome)),
			attribute.Int("code", result.Code()),
		)
		if result.Outcome != types.OutcomePassed {
			span.SetStatus(codes.Error, result.String())
		}
	}()

	timeout := r.scale(suite.TimeoutPerCase)
	argv := r.commandLine(tc, suite)
	workDir := filepath.Join(env.Root, suite.WorkingDir)

	path, code, err := r.resolve(argv[0], workDir, env)
	if err != nil {
		logger.Warn("Case could not be launched", "exec", argv[0], "err", err)
		result.Outcome = types.OutcomeFailed
		result.ExitCode = code
		result.Err = err.Error()
		result.WallTime = time.Since(start)
		return result
	}

	caseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tail := newOutputTail(r.tailBytes)
	var sink io.Writer = tail
	if output != nil {
		sink = io.MultiWriter(tail, &detachedWriter{w: output})
	}

	cmd := exec.CommandContext(caseCtx, path, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Dir = workDir
	cmd.Env = r.environment(suite, env, workDir)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.WaitDelay = r.killGrace
	isolate(cmd)

	logger.Debug("Running case", "path", path, "args", argv[1:], "dir", workDir, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		result.WallTime = time.Since(start)
		result.Err = err.Error()
		if caseCtx.Err() != nil {
			result.Outcome = types.OutcomeTimedOut
			return result
		}
		result.Outcome = types.OutcomeFailed
		result.ExitCode = launchFailureCode(err)
		logger.Warn("Case failed to start", "err", err)
		return result
	}
	waitErr := cmd.Wait()
	result.WallTime = time.Since(start)
	// reap anything the case left behind in its group
	_ = killGroup(cmd)
	result.Output = tail.String()

	switch state := cmd.ProcessState; {
	case state != nil && state.Exited():
		// the case's own status stands even if the deadline passed while
		// its leftover children held the output open
		status := state.ExitCode()
		if status == 0 {
			result.Outcome = types.OutcomePassed
		} else {
			result.Outcome = types.OutcomeFailed
			result.ExitCode = status
		}
		if waitErr != nil && errors.Is(waitErr, exec.ErrWaitDelay) {
			logger.Debug("Case left its output open after exiting")
		}
	case caseCtx.Err() != nil:
		result.Outcome = types.OutcomeTimedOut
		if ctx.Err() != nil {
			result.Err = fmt.Sprintf("interrupted: %v", context.Cause(ctx))
		} else {
			result.Err = fmt.Sprintf("timed out after %v", timeout)
		}
	case state == nil:
		result.Outcome = types.OutcomeFailed
		result.ExitCode = RunnerFaultCode
		result.Err = fmt.Sprintf("wait failed: %v", waitErr)
	default:
		result.Outcome = types.OutcomeFailed
		result.ExitCode = exitCode(state)
	}

	logger.Info("Case finished", "outcome", result.Outcome, "code", result.Code(), "duration", result.WallTime)
	return result
}

// commandLine builds argv. A case with its own exec runs it with the case
// args; otherwise the suite launcher gets the suite args followed by the case
// args or, if there are none, the case id; with no launcher the case id is
// the program.
func (r *caseRunner) commandLine(tc types.TestCase, suite types.TestSuite) []string {
	switch {
	case tc.Exec != "":
		return append([]string{tc.Exec}, tc.Args...)
	case suite.Exec != "":
		argv := append([]string{suite.Exec}, suite.Args...)
		if len(tc.Args) > 0 {
			return append(argv, tc.Args...)
		}
		return append(argv, tc.ID)
	default:
		return append([]string{tc.ID}, tc.Args...)
	}
}

// resolve finds the program inside the environment. Absolute paths are rooted
// at the environment root, relative paths at the working directory, and bare
// names are looked up in the working directory and then the bin directory.
func (r *caseRunner) resolve(name string, workDir string, env types.EnvironmentDescriptor) (string, int, error) {
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		return "", NotFoundCode, fmt.Errorf("working directory %s is missing", workDir)
	}

	var candidates []string
	switch {
	case filepath.IsAbs(name):
		candidates = []string{filepath.Join(env.Root, name)}
	case strings.ContainsRune(name, filepath.Separator):
		candidates = []string{filepath.Join(workDir, name)}
	default:
		candidates = []string{filepath.Join(workDir, name), filepath.Join(env.BinPath(), name)}
	}

	for _, path := range candidates {
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", NotExecutableCode, fmt.Errorf("checking %s: %w", path, err)
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return "", NotExecutableCode, fmt.Errorf("%s is not executable", path)
		}
		return path, 0, nil
	}
	return "", NotFoundCode, fmt.Errorf("%s not found in %s", name, strings.Join(candidates, ", "))
}

// environment composes the child's variables. Later layers win: ambient,
// init variables, search paths, run-wide extras, suite env.
func (r *caseRunner) environment(suite types.TestSuite, env types.EnvironmentDescriptor, workDir string) []string {
	vars := make(map[string]string)
	for _, kv := range r.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = v
		}
	}

	vars["ARCH"] = r.arch
	vars["HOSTNAME"] = Hostname
	vars["HOME"] = env.Root

	searchPath := []string{workDir, env.BinPath(), env.Root}
	if ambient := vars["PATH"]; ambient != "" {
		searchPath = append(searchPath, ambient)
	}
	vars["PATH"] = strings.Join(searchPath, string(os.PathListSeparator))

	libPath := []string{env.LibPath()}
	for _, dir := range r.libPath {
		libPath = append(libPath, filepath.Join(env.Root, dir))
	}
	vars["LD_LIBRARY_PATH"] = strings.Join(libPath, string(os.PathListSeparator))

	params := map[string]string{
		"ARCH":     r.arch,
		"FS_TYPE":  r.fsType,
		"ENV_ID":   env.ID,
		"ENV_ROOT": env.Root,
	}
	expand := func(value string) string {
		return os.Expand(value, func(key string) string {
			if v, ok := params[key]; ok {
				return v
			}
			return vars[key]
		})
	}
	for _, k := range sortedKeys(r.extraEnv) {
		vars[k] = expand(r.extraEnv[k])
	}
	for _, k := range sortedKeys(suite.Env) {
		vars[k] = expand(suite.Env[k])
	}

	out := make([]string, 0, len(vars))
	for _, k := range sortedKeys(vars) {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func (r *caseRunner) scale(d time.Duration) time.Duration {
	if d <= 0 {
		d = DefaultCaseTimeout
	}
	return time.Duration(float64(d) * r.multiplier)
}

func launchFailureCode(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrNotFound):
		return NotFoundCode
	default:
		return NotExecutableCode
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// detachedWriter forwards case output but never fails the child's pipe; a
// broken report stream surfaces through the emitter instead.
type detachedWriter struct {
	w   io.Writer
	err error
}

func (d *detachedWriter) Write(p []byte) (int, error) {
	if d.err == nil {
		_, d.err = d.w.Write(p)
	}
	return len(p), nil
}
