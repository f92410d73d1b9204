package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/kat/metrics"
	"github.com/ethereum-optimism/infra/kat/report"
	"github.com/ethereum-optimism/infra/kat/types"
)

// Session statuses
const (
	StatusPass        = "pass"
	StatusFail        = "fail"
	StatusInterrupted = "interrupted"
)

// Provisioner prepares an environment root before its suites run.
type Provisioner interface {
	Provision(env types.EnvironmentDescriptor) error
}

// SuiteSource resolves a run's suite selection.
type SuiteSource interface {
	Select(names []string) ([]types.TestSuite, error)
}

// SessionResult is the outcome of one coordinator run.
type SessionResult struct {
	RunID       string
	Reports     []*types.RunReport // one per environment, in environment order
	Stats       types.Stats
	Duration    time.Duration
	Interrupted bool
}

// Status summarises the session as pass, fail or interrupted.
func (s *SessionResult) Status() string {
	switch {
	case s.Interrupted:
		return StatusInterrupted
	case s.Healthy():
		return StatusPass
	default:
		return StatusFail
	}
}

// Healthy reports whether every environment was provisioned and every case passed.
func (s *SessionResult) Healthy() bool {
	for _, r := range s.Reports {
		if !r.Healthy() {
			return false
		}
	}
	return !s.Interrupted
}

// SetupFailures returns the environments that could not be provisioned.
func (s *SessionResult) SetupFailures() []*types.RunReport {
	var out []*types.RunReport
	for _, r := range s.Reports {
		if r.SetupErr != nil {
			out = append(out, r)
		}
	}
	return out
}

func (s *SessionResult) String() string {
	return fmt.Sprintf("run %s: %s (%d cases: %d passed, %d failed, %d timed out; %d setup failures)",
		s.RunID, s.Status(), s.Stats.Total, s.Stats.Passed, s.Stats.Failed, s.Stats.TimedOut, len(s.SetupFailures()))
}

// CoordinatorConfig holds configuration for creating a coordinator
type CoordinatorConfig struct {
	Log                  log.Logger
	RunID                string // generated when empty
	Provisioner          Provisioner
	Suites               SuiteSource
	SuiteRunner          SuiteRunner
	Progress             ProgressIndicator
	Output               io.Writer
	Emitter              report.Options
	ParallelEnvironments bool
	MaxParallel          int // bound on concurrently running environments; 0 means all
}

// Coordinator provisions each environment and runs the selected suites in it.
type Coordinator struct {
	log         log.Logger
	runID       string
	provisioner Provisioner
	suites      SuiteSource
	suiteRunner SuiteRunner
	progress    ProgressIndicator
	output      io.Writer
	emitterOpts report.Options
	parallel    bool
	maxParallel int
	tracer      trace.Tracer
}

// NewCoordinator creates a Coordinator
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Provisioner == nil {
		return nil, errors.New("provisioner is required")
	}
	if cfg.Suites == nil {
		return nil, errors.New("suite source is required")
	}
	if cfg.SuiteRunner == nil {
		return nil, errors.New("suite runner is required")
	}
	if cfg.Output == nil {
		return nil, errors.New("report output is required")
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel environments must not be negative, got %d", cfg.MaxParallel)
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Progress == nil {
		cfg.Progress = NewNoOpProgressIndicator()
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	return &Coordinator{
		log:         cfg.Log.New("runID", cfg.RunID),
		runID:       cfg.RunID,
		provisioner: cfg.Provisioner,
		suites:      cfg.Suites,
		suiteRunner: cfg.SuiteRunner,
		progress:    cfg.Progress,
		output:      cfg.Output,
		emitterOpts: cfg.Emitter,
		parallel:    cfg.ParallelEnvironments,
		maxParallel: cfg.MaxParallel,
		tracer:      otel.Tracer("coordinator"),
	}, nil
}

// RunID returns the id of the run this coordinator reports.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Run provisions every environment and runs the named suites in it, in the
// given order. An empty selection runs the whole catalog. Only a failure to
// write the report stream is returned as an error.
func (c *Coordinator) Run(ctx context.Context, envs []types.EnvironmentDescriptor, suiteNames []string) (*SessionResult, error) {
	suites, err := c.suites.Select(suiteNames)
	if err != nil {
		return nil, fmt.Errorf("selecting suites: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("run %s", c.runID))
	defer span.End()

	start := time.Now()
	c.log.Info("Starting run", "environments", len(envs), "suites", len(suites), "parallel", c.parallel)

	var reports []*types.RunReport
	if c.parallel && len(envs) > 1 {
		reports, err = c.runParallel(ctx, envs, suites)
	} else {
		reports, err = c.runSerial(ctx, envs, suites)
	}

	result := &SessionResult{
		RunID:       c.runID,
		Reports:     reports,
		Duration:    time.Since(start),
		Interrupted: ctx.Err() != nil,
	}
	for _, r := range reports {
		result.Stats.Merge(r.Stats())
	}
	span.SetAttributes(attribute.String("status", result.Status()))

	if err != nil {
		return result, err
	}
	c.log.Info("Run finished", "status", result.Status(), "duration", result.Duration,
		"passed", result.Stats.Passed, "failed", result.Stats.Failed, "timedOut", result.Stats.TimedOut)
	return result, nil
}

func (c *Coordinator) runSerial(ctx context.Context, envs []types.EnvironmentDescriptor, suites []types.TestSuite) ([]*types.RunReport, error) {
	reports := make([]*types.RunReport, 0, len(envs))
	for _, env := range envs {
		if ctx.Err() != nil {
			c.log.Warn("Run interrupted, skipping remaining environments", "next", env.ID)
			break
		}
		emitter := report.NewStreamEmitter(c.output, c.emitterOpts)
		rep, err := c.runEnvironment(ctx, env, suites, emitter)
		reports = append(reports, rep)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// runParallel runs each environment into its own buffer and writes the
// buffers to the output in environment order as they complete. A failed
// write cancels the environments still running.
func (c *Coordinator) runParallel(ctx context.Context, envs []types.EnvironmentDescriptor, suites []types.TestSuite) ([]*types.RunReport, error) {
	workers := c.maxParallel
	if workers == 0 || workers > len(envs) {
		workers = len(envs)
	}

	reports := make([]*types.RunReport, len(envs))
	flusher := newOrderedFlusher(c.output, len(envs))

	envPool := pool.New().
		WithErrors().
		WithFirstError().
		WithMaxGoroutines(workers).
		WithContext(ctx).
		WithCancelOnError()

	for i, env := range envs {
		envPool.Go(func(ctx context.Context) error {
			var runErr error
			if ctx.Err() == nil {
				emitter := report.NewStreamEmitter(flusher.buffer(i), c.emitterOpts)
				reports[i], runErr = c.runEnvironment(ctx, env, suites, emitter)
			}
			// the pool cancels the others before this worker takes another environment
			if err := flusher.finish(i); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("environment %s: %w", env.ID, runErr)
			}
			return nil
		})
	}

	err := envPool.Wait()
	return compact(reports), err
}

// orderedFlusher writes per-environment buffers to the output in environment
// order. Whichever worker completes the next environment in line does the
// writing.
type orderedFlusher struct {
	mu       sync.Mutex
	out      io.Writer
	buffers  []bytes.Buffer
	finished []bool
	next     int
	err      error
}

func newOrderedFlusher(out io.Writer, n int) *orderedFlusher {
	return &orderedFlusher{
		out:      out,
		buffers:  make([]bytes.Buffer, n),
		finished: make([]bool, n),
	}
}

// buffer is owned by environment i's worker until finish(i).
func (f *orderedFlusher) buffer(i int) *bytes.Buffer {
	return &f.buffers[i]
}

// finish marks environment i complete and writes every buffer now next in
// line. After the first failed write nothing more is written and every call
// returns that failure.
func (f *orderedFlusher) finish(i int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[i] = true
	for f.err == nil && f.next < len(f.buffers) && f.finished[f.next] {
		if _, err := f.buffers[f.next].WriteTo(f.out); err != nil {
			f.err = &report.ReportingError{Op: "flush", Err: err}
		}
		f.next++
	}
	return f.err
}

func (c *Coordinator) runEnvironment(ctx context.Context, env types.EnvironmentDescriptor, suites []types.TestSuite, emitter report.Emitter) (*types.RunReport, error) {
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("environment %s", env.ID))
	defer span.End()

	logger := c.log.New("env", env.ID)
	rep := &types.RunReport{EnvironmentID: env.ID}
	start := time.Now()
	defer func() {
		rep.Duration = time.Since(start)
	}()

	applicable := make([]types.TestSuite, 0, len(suites))
	total := 0
	for _, suite := range suites {
		if suite.AppliesTo(env.ID) {
			applicable = append(applicable, suite)
			total += len(suite.Runnable())
		}
	}
	c.progress.StartEnvironment(env.ID, total)
	defer c.progress.CompleteEnvironment(env.ID)

	if err := c.provisioner.Provision(env); err != nil {
		logger.Error("Environment setup failed", "err", err)
		rep.SetupErr = err
		metrics.RecordSetupFailure(env.ID)
		span.SetAttributes(attribute.Bool("setup_failed", true))
		return rep, emitter.SetupFailed(env.ID, err)
	}

	for _, suite := range applicable {
		if ctx.Err() != nil {
			logger.Warn("Run interrupted, skipping remaining suites", "next", suite.Name)
			break
		}
		rep.Entries = append(rep.Entries, types.ReportEntry{Kind: types.EntrySuiteStart, Suite: suite.Name, Category: suite.Category})
		results, err := c.suiteRunner.Run(ctx, suite, env, emitter)
		for i := range results {
			rep.Entries = append(rep.Entries, types.ReportEntry{Kind: types.EntryCaseResult, Suite: suite.Name, Category: suite.Category, Result: &results[i]})
		}
		if err != nil {
			logger.Error("Report stream failed", "suite", suite.Name, "err", err)
			metrics.RecordErrorDetails("report", err)
			return rep, err
		}
		rep.Entries = append(rep.Entries, types.ReportEntry{Kind: types.EntrySuiteEnd, Suite: suite.Name, Category: suite.Category})
	}

	stats := rep.Stats()
	logger.Info("Environment finished", "passed", stats.Passed, "failed", stats.Failed, "timedOut", stats.TimedOut)
	return rep, nil
}

// compact drops environments that never started, which only happens when the
// run was cancelled.
func compact(reports []*types.RunReport) []*types.RunReport {
	out := reports[:0]
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
