package kat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/kat/runner"
)

// RunFunc performs one acceptance run. The result may be nil when the run
// could not start.
type RunFunc func(ctx context.Context) (*runner.SessionResult, error)

// RunScheduler decides when acceptance runs happen: once, or repeatedly at
// a fixed interval for soak testing.
type RunScheduler interface {
	Start(ctx context.Context) error
	Stop() error
	RegisterCallback(RunFunc)
	WaitForShutdown(ctx context.Context) error
	Stopped() bool
	Runs() int
}

// DefaultRunScheduler implements the RunScheduler interface. Periodic runs
// start one interval after the previous run started; a run never overlaps
// the one before it, so an overrun shifts the schedule.
type DefaultRunScheduler struct {
	interval time.Duration
	runOnce  bool
	logger   log.Logger
	run      RunFunc

	runs    atomic.Int64
	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewDefaultRunScheduler creates a new DefaultRunScheduler.
func NewDefaultRunScheduler(interval time.Duration, runOnce bool, logger log.Logger) *DefaultRunScheduler {
	return &DefaultRunScheduler{
		interval: interval,
		runOnce:  runOnce,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// RegisterCallback registers the function that performs one run.
func (s *DefaultRunScheduler) RegisterCallback(run RunFunc) {
	s.run = run
}

// Runs returns how many runs have completed.
func (s *DefaultRunScheduler) Runs() int {
	return int(s.runs.Load())
}

// Start performs the first run and, outside run-once mode, schedules the
// following ones. In continuous mode only a runtime error from the first run
// is returned; failing cases are left to the health endpoint.
func (s *DefaultRunScheduler) Start(ctx context.Context) error {
	if s.run == nil {
		return errors.New("callback must be registered before starting scheduler")
	}

	s.done = make(chan struct{})
	s.running.Store(true)

	if s.runOnce {
		s.logger.Info("Starting scheduler in run-once mode")
		_, err := s.runOne(ctx)
		return err
	}

	s.logger.Info("Starting scheduler in continuous mode", "interval", s.interval)

	started := time.Now()
	result, err := s.runOne(ctx)
	if err != nil && !IsTestFailureError(err) {
		return err
	}
	if result != nil && result.Interrupted {
		s.logger.Warn("First run was interrupted, not scheduling more")
		s.running.Store(false)
		return nil
	}

	s.wg.Add(1)
	go s.loop(ctx, started)
	return nil
}

func (s *DefaultRunScheduler) loop(ctx context.Context, lastStart time.Time) {
	defer s.wg.Done()
	for {
		wait := s.interval - time.Since(lastStart)
		if wait < 0 {
			s.logger.Warn("Run took longer than the interval, starting the next one now",
				"interval", s.interval, "overrun", -wait)
			wait = 0
		}
		s.logger.Info("Next run scheduled", "run", s.Runs()+1, "at", time.Now().Add(wait).Format(time.RFC3339))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			s.logger.Debug("Done signal received, stopping periodic runs")
			return
		case <-ctx.Done():
			timer.Stop()
			s.logger.Debug("Context canceled, stopping periodic runs")
			s.running.Store(false)
			return
		}
		if !s.running.Load() {
			return
		}

		lastStart = time.Now()
		result, err := s.runOne(ctx)
		if err != nil && !IsTestFailureError(err) {
			s.logger.Error("Periodic run failed", "error", err)
		}
		if result != nil && result.Interrupted {
			s.logger.Warn("Run was interrupted, stopping periodic runs", "run_id", result.RunID)
			s.running.Store(false)
			return
		}
	}
}

// runOne performs a run and logs it against its sequence number.
func (s *DefaultRunScheduler) runOne(ctx context.Context) (*runner.SessionResult, error) {
	n := s.runs.Load() + 1
	s.logger.Info("Starting run", "run", n)
	result, err := s.run(ctx)
	s.runs.Add(1)
	if result != nil {
		s.logger.Info("Run finished", "run", n, "run_id", result.RunID, "status", result.Status(),
			"passed", result.Stats.Passed, "total", result.Stats.Total, "duration", result.Duration)
	}
	return result, err
}

// Stop stops the scheduler. A run in progress is left to finish.
func (s *DefaultRunScheduler) Stop() error {
	if !s.running.Load() {
		s.logger.Debug("Scheduler already stopped, nothing to do")
		return nil
	}

	s.running.Store(false)
	close(s.done)
	return nil
}

// Stopped returns true if the scheduler is stopped.
func (s *DefaultRunScheduler) Stopped() bool {
	return !s.running.Load()
}

// WaitForShutdown blocks until the periodic goroutine has exited.
func (s *DefaultRunScheduler) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for the current run to finish", "error", ctx.Err())
		return ctx.Err()
	}
}
