package kat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/kat/catalog"
	"github.com/ethereum-optimism/infra/kat/logging"
	"github.com/ethereum-optimism/infra/kat/provision"
	"github.com/ethereum-optimism/infra/kat/report"
	"github.com/ethereum-optimism/infra/kat/reporting"
	"github.com/ethereum-optimism/infra/kat/runner"
	"github.com/ethereum-optimism/infra/kat/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// kat implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &kat{}

// kat is the Kernel Acceptance Tester: it provisions each environment and
// runs the catalog's suites in it, once or periodically.
type kat struct {
	ctx         context.Context
	config      *Config
	version     string
	catalog     *catalog.Catalog
	envs        []types.EnvironmentDescriptor
	provisioner *provision.Provisioner
	caseRunner  runner.CaseRunner
	scheduler   RunScheduler
	executor    TestExecutor
	reporter    MetricsReporter
	summaryOut  io.Writer // results table; stdout may carry the report stream

	mu     sync.RWMutex
	result *runner.SessionResult

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New creates the harness. Catalog and environment errors are returned here,
// before any environment is touched.
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*kat, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating kat with config",
		"arch", config.Arch,
		"catalog", config.CatalogFile,
		"environments", config.Environments,
		"suites", config.Suites,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce)

	cat, err := catalog.NewCatalog(catalog.Config{
		Log:  config.Log,
		File: config.CatalogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	if _, err := cat.Select(config.Suites); err != nil {
		return nil, fmt.Errorf("invalid suite selection: %w", err)
	}
	envs, err := cat.Environments(config.Environments, config.Arch, config.EnvRoots)
	if err != nil {
		return nil, fmt.Errorf("invalid environment selection: %w", err)
	}

	caseRunner, err := runner.NewCaseRunner(runner.CaseRunnerConfig{
		Log:               config.Log,
		Arch:              config.Arch,
		FSType:            config.FSType,
		ExtraEnv:          config.ExtraEnv,
		LibPath:           config.LibPath,
		TimeoutMultiplier: config.TimeoutMultiplier,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create case runner: %w", err)
	}
	config.Log.Info("kat.New: loaded catalog", "suites", len(cat.Suites()), "environments", len(envs))

	k := &kat{
		ctx:              ctx,
		config:           config,
		version:          version,
		catalog:          cat,
		envs:             envs,
		provisioner:      provision.New(provision.Config{Log: config.Log}),
		caseRunner:       caseRunner,
		scheduler:        NewDefaultRunScheduler(config.RunInterval, config.RunOnce, config.Log),
		reporter:         NewDefaultMetricsReporter(),
		summaryOut:       os.Stderr,
		shutdownCallback: shutdownCallback,
	}
	k.executor = NewDefaultTestExecutor(k.newSession, envs, config.Suites, config.Log)
	k.scheduler.RegisterCallback(k.runTests)
	return k, nil
}

// Start performs the first run and, with a run interval, keeps running.
// Start implements the cliapp.Lifecycle interface.
func (k *kat) Start(ctx context.Context) error {
	k.ctx = ctx
	k.running.Store(true)

	if k.config.RunOnce {
		k.config.Log.Info("Starting kat in run-once mode")
	} else {
		k.config.Log.Info("Starting kat in continuous mode", "interval", k.config.RunInterval)
	}

	if err := k.scheduler.Start(ctx); err != nil {
		return err
	}

	if k.config.RunOnce {
		k.config.Log.Info("Run completed, exiting (run-once mode)")
		go func() {
			k.shutdownCallback(nil)
		}()
	}
	return nil
}

// Stop implements the cliapp.Lifecycle interface.
func (k *kat) Stop(ctx context.Context) error {
	k.config.Log.Info("Stopping kat")
	if !k.running.Load() {
		k.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	k.running.Store(false)
	if err := k.scheduler.Stop(); err != nil {
		return err
	}
	if err := k.scheduler.WaitForShutdown(ctx); err != nil {
		return err
	}
	k.config.Log.Info("kat stopped successfully")
	return nil
}

// Stopped implements the cliapp.Lifecycle interface.
func (k *kat) Stopped() bool {
	return !k.running.Load()
}

// Result returns the most recent session result, or nil before the first run.
func (k *kat) Result() *runner.SessionResult {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.result
}

// Healthy reports whether the most recent run passed. It is true before the
// first run completes.
func (k *kat) Healthy() bool {
	result := k.Result()
	return result == nil || result.Healthy()
}

// runTests performs one run and turns its outcome into the process result.
func (k *kat) runTests(ctx context.Context) (*runner.SessionResult, error) {
	result, err := k.executor.RunTests(ctx)
	if result != nil {
		k.mu.Lock()
		k.result = result
		k.mu.Unlock()

		k.reporter.ReportResults(result)
		reporting.RenderResults(k.summaryOut, result, reporting.TableOptions{})
		fmt.Fprintln(k.summaryOut, result.String())
	}
	if err != nil {
		k.config.Log.Error("Runtime error running suites", "error", err)
		return result, NewRuntimeError(err)
	}

	if result.Healthy() {
		return result, nil
	}
	if k.config.AllowFailures {
		k.config.Log.Warn("Run completed with failures, allowed by configuration", "run_id", result.RunID)
		return result, nil
	}
	return result, NewTestFailureError(result.String())
}

// newSession wires the per-run outputs: the report stream, the optional log
// directory and progress updates.
func (k *kat) newSession() (Session, error) {
	runID := uuid.New().String()
	s := &runSession{log: k.config.Log}

	out, err := openOutput(k.config.Output)
	if err != nil {
		return nil, err
	}
	s.output = out

	var sink runner.CaseLogSink
	if k.config.LogDir != "" {
		fileLogger, err := logging.NewFileLogger(k.config.LogDir, runID)
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("failed to create file logger: %w", err)
		}
		s.fileLogger = fileLogger
		sink = fileLogger
	}

	progress := runner.NewNoOpProgressIndicator()
	if k.config.ShowProgress {
		progress = runner.NewConsoleProgressIndicator(k.config.Log, k.config.ProgressInterval)
	}
	s.progress = progress

	suiteRunner, err := runner.NewSuiteRunner(runner.SuiteRunnerConfig{
		Log:               k.config.Log,
		CaseRunner:        k.caseRunner,
		Progress:          progress,
		Sink:              sink,
		TimeoutMultiplier: k.config.TimeoutMultiplier,
	})
	if err != nil {
		_ = s.Close(nil)
		return nil, err
	}
	s.coordinator, err = runner.NewCoordinator(runner.CoordinatorConfig{
		Log:                  k.config.Log,
		RunID:                runID,
		Provisioner:          k.provisioner,
		Suites:               k.catalog,
		SuiteRunner:          suiteRunner,
		Progress:             progress,
		Output:               out,
		Emitter:              report.Options{Passthrough: k.config.Passthrough, StripANSI: k.config.StripANSI},
		ParallelEnvironments: k.config.ParallelEnvironments,
		MaxParallel:          k.config.MaxParallel,
	})
	if err != nil {
		_ = s.Close(nil)
		return nil, err
	}
	return s, nil
}

// runSession is one run's coordinator and the outputs it owns.
type runSession struct {
	log         log.Logger
	coordinator *runner.Coordinator
	output      io.WriteCloser
	fileLogger  *logging.FileLogger
	progress    runner.ProgressIndicator
}

func (s *runSession) RunID() string {
	return s.coordinator.RunID()
}

func (s *runSession) Run(ctx context.Context, envs []types.EnvironmentDescriptor, suiteNames []string) (*runner.SessionResult, error) {
	return s.coordinator.Run(ctx, envs, suiteNames)
}

// Close stops progress updates, writes the log directory summary and closes
// the report output.
func (s *runSession) Close(result *runner.SessionResult) error {
	if s.progress != nil {
		s.progress.Stop()
	}
	if s.fileLogger != nil {
		if result != nil {
			var summary bytes.Buffer
			reporting.RenderResults(&summary, result, reporting.TableOptions{Plain: true, ShowPassedCases: true})
			fmt.Fprintln(&summary, result.String())
			if err := s.fileLogger.LogSummary(summary.String()); err != nil {
				s.log.Warn("Failed to write run summary", "error", err)
			}
		}
		if err := s.fileLogger.Complete(); err != nil {
			s.log.Warn("Failed to complete case logs", "error", err)
		}
	}
	if s.output != nil {
		if err := s.output.Close(); err != nil {
			return &report.ReportingError{Op: "close", Err: err}
		}
	}
	return nil
}

// openOutput opens the report destination. "-" is stdout, which is never closed.
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open report output: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
