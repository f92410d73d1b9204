package kat

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/kat/runner"
	"github.com/ethereum-optimism/infra/kat/types"
)

// Session is one acceptance run over a fixed environment list.
type Session interface {
	RunID() string
	Run(ctx context.Context, envs []types.EnvironmentDescriptor, suiteNames []string) (*runner.SessionResult, error)
	// Close releases the run's outputs. It is called once after Run, with
	// Run's result, which may be nil.
	Close(result *runner.SessionResult) error
}

// SessionFactory builds a fresh Session for each run.
type SessionFactory func() (Session, error)

// TestExecutor is responsible for running acceptance sessions.
type TestExecutor interface {
	RunTests(ctx context.Context) (*runner.SessionResult, error)
}

// DefaultTestExecutor implements the TestExecutor interface.
type DefaultTestExecutor struct {
	newSession SessionFactory
	envs       []types.EnvironmentDescriptor
	suites     []string
	logger     log.Logger
}

// NewDefaultTestExecutor creates a new DefaultTestExecutor.
func NewDefaultTestExecutor(newSession SessionFactory, envs []types.EnvironmentDescriptor, suites []string, logger log.Logger) *DefaultTestExecutor {
	return &DefaultTestExecutor{
		newSession: newSession,
		envs:       envs,
		suites:     suites,
		logger:     logger,
	}
}

// RunTests runs one session and returns its result.
func (e *DefaultTestExecutor) RunTests(ctx context.Context) (*runner.SessionResult, error) {
	session, err := e.newSession()
	if err != nil {
		e.logger.Error("Error creating session", "error", err)
		return nil, fmt.Errorf("creating session: %w", err)
	}

	e.logger.Info("Running acceptance session...", "run_id", session.RunID(), "environments", len(e.envs))
	result, err := session.Run(ctx, e.envs, e.suites)
	if closeErr := session.Close(result); closeErr != nil {
		e.logger.Error("Error closing session", "run_id", session.RunID(), "error", closeErr)
		err = errors.Join(err, closeErr)
	}
	if err != nil {
		e.logger.Error("Error running session", "run_id", session.RunID(), "error", err)
		return result, err
	}
	e.logger.Info("Session completed", "run_id", result.RunID, "status", result.Status())
	return result, nil
}
