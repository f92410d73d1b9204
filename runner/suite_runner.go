package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/kat/metrics"
	"github.com/ethereum-optimism/infra/kat/report"
	"github.com/ethereum-optimism/infra/kat/types"
)

// SuiteRunner runs every non-skipped case of a suite in declared order.
type SuiteRunner interface {
	// Run emits the suite's markers and results to emitter. The returned
	// error is non-nil only when the report could not be written.
	Run(ctx context.Context, suite types.TestSuite, env types.EnvironmentDescriptor, emitter report.Emitter) ([]types.CaseResult, error)
}

// CaseLogSink receives a diagnostic copy of each case's output and its result.
// Sink failures are logged and never affect the run.
type CaseLogSink interface {
	CaseLog(env, suite, caseID string) (io.WriteCloser, error)
	Consume(result types.CaseResult) error
}

// SuiteRunnerConfig holds configuration for creating a suite runner
type SuiteRunnerConfig struct {
	Log               log.Logger
	CaseRunner        CaseRunner
	Progress          ProgressIndicator
	Sink              CaseLogSink // optional
	TimeoutMultiplier float64     // scales whole-suite deadlines; 0 means 1
}

type suiteRunner struct {
	log        log.Logger
	cases      CaseRunner
	progress   ProgressIndicator
	sink       CaseLogSink
	multiplier float64
	tracer     trace.Tracer
}

// NewSuiteRunner creates a SuiteRunner
func NewSuiteRunner(cfg SuiteRunnerConfig) (SuiteRunner, error) {
	if cfg.CaseRunner == nil {
		return nil, errors.New("case runner is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Progress == nil {
		cfg.Progress = NewNoOpProgressIndicator()
	}
	if cfg.TimeoutMultiplier < 0 {
		return nil, fmt.Errorf("timeout multiplier must not be negative, got %v", cfg.TimeoutMultiplier)
	}
	if cfg.TimeoutMultiplier == 0 {
		cfg.TimeoutMultiplier = 1
	}
	return &suiteRunner{
		log:        cfg.Log,
		cases:      cfg.CaseRunner,
		progress:   cfg.Progress,
		sink:       cfg.Sink,
		multiplier: cfg.TimeoutMultiplier,
		tracer:     otel.Tracer("suite runner"),
	}, nil
}

// Run implements the SuiteRunner interface
func (r *suiteRunner) Run(ctx context.Context, suite types.TestSuite, env types.EnvironmentDescriptor, emitter report.Emitter) ([]types.CaseResult, error) {
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("suite %s", suite.Name))
	defer span.End()
	span.SetAttributes(attribute.String("environment", env.ID))

	logger := r.log.New("env", env.ID, "suite", suite.Name)
	category := string(suite.Category)

	if err := emitter.SuiteStart(category, suite.Name, env.ID); err != nil {
		return nil, err
	}

	cases := suite.Runnable()
	r.progress.StartSuite(env.ID, suite.Name, len(cases))
	logger.Info("Running suite", "cases", len(cases), "skipped", len(suite.Cases)-len(cases))

	var (
		suiteCtx context.Context
		cancel   context.CancelFunc
	)
	if suite.TimeoutWhole > 0 {
		suiteCtx, cancel = context.WithTimeout(ctx, time.Duration(float64(suite.TimeoutWhole)*r.multiplier))
	} else {
		suiteCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	results := make([]types.CaseResult, 0, len(cases))
	for _, tc := range cases {
		var result types.CaseResult
		var err error
		if suiteCtx.Err() != nil {
			result, err = r.abandon(suiteCtx, tc, suite, env, emitter)
		} else {
			result, err = r.runCase(suiteCtx, tc, suite, env, emitter)
		}
		if err != nil {
			return results, err
		}

		results = append(results, result)
		metrics.RecordCase(env.ID, suite.Name, result)
		r.progress.UpdateCase(env.ID, suite.Name, tc.ID, result.Outcome)
		if r.sink != nil {
			if err := r.sink.Consume(result); err != nil {
				logger.Warn("Failed to record case result", "case", tc.ID, "err", err)
			}
		}
	}

	if err := emitter.SuiteEnd(category, suite.Name, env.ID); err != nil {
		return results, err
	}
	metrics.RecordSuite(env.ID, suite.Category)
	r.progress.CompleteSuite(env.ID, suite.Name)

	if errors.Is(suiteCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		logger.Warn("Suite deadline exceeded", "timeout", suite.TimeoutWhole)
	}
	return results, nil
}

func (r *suiteRunner) runCase(ctx context.Context, tc types.TestCase, suite types.TestSuite, env types.EnvironmentDescriptor, emitter report.Emitter) (types.CaseResult, error) {
	if err := emitter.CaseBegin(suite.Name, tc.ID); err != nil {
		return types.CaseResult{}, err
	}
	r.progress.StartCase(env.ID, suite.Name, tc.ID)

	out := emitter.CaseOutput(suite.Name, tc.ID)
	var output io.Writer = out
	var caseLog io.WriteCloser
	if r.sink != nil {
		w, err := r.sink.CaseLog(env.ID, suite.Name, tc.ID)
		if err != nil {
			r.log.Warn("Failed to open case log", "env", env.ID, "suite", suite.Name, "case", tc.ID, "err", err)
		} else {
			caseLog = w
			output = io.MultiWriter(out, &detachedWriter{w: w})
		}
	}

	result := r.cases.Run(ctx, tc, suite, env, output)

	if caseLog != nil {
		if err := caseLog.Close(); err != nil {
			r.log.Warn("Failed to close case log", "case", tc.ID, "err", err)
		}
	}
	if err := out.Close(); err != nil {
		return result, err
	}
	if err := emitter.CaseResult(suite.Name, tc.ID, result.Code()); err != nil {
		return result, err
	}
	return result, nil
}

// abandon records a case that the suite deadline (or cancellation) reached
// before it was launched.
func (r *suiteRunner) abandon(ctx context.Context, tc types.TestCase, suite types.TestSuite, env types.EnvironmentDescriptor, emitter report.Emitter) (types.CaseResult, error) {
	result := types.CaseResult{
		CaseID:        tc.ID,
		Suite:         suite.Name,
		EnvironmentID: env.ID,
		Outcome:       types.OutcomeTimedOut,
		Abandoned:     true,
		Err:           fmt.Sprintf("not started: %v", context.Cause(ctx)),
	}
	r.log.Debug("Abandoning case", "env", env.ID, "suite", suite.Name, "case", tc.ID)

	if err := emitter.CaseBegin(suite.Name, tc.ID); err != nil {
		return result, err
	}
	if err := emitter.CaseResult(suite.Name, tc.ID, result.Code()); err != nil {
		return result, err
	}
	return result, nil
}
