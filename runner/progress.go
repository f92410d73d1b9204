package runner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/kat/types"
)

// ProgressIndicator interface for UI updates. Environments may run in
// parallel, so every hook names its environment.
type ProgressIndicator interface {
	StartEnvironment(envID string, totalCases int)
	StartSuite(envID, suiteName string, totalCases int)
	StartCase(envID, suiteName, caseID string)
	UpdateCase(envID, suiteName, caseID string, outcome types.Outcome)
	CompleteSuite(envID, suiteName string)
	CompleteEnvironment(envID string)
	Stop()
}

// noOpProgressIndicator provides a no-op implementation of ProgressIndicator
type noOpProgressIndicator struct{}

// NewNoOpProgressIndicator creates a progress indicator that does nothing
func NewNoOpProgressIndicator() ProgressIndicator {
	return &noOpProgressIndicator{}
}

func (n *noOpProgressIndicator) StartEnvironment(envID string, totalCases int)                     {}
func (n *noOpProgressIndicator) StartSuite(envID, suiteName string, totalCases int)                {}
func (n *noOpProgressIndicator) StartCase(envID, suiteName, caseID string)                         {}
func (n *noOpProgressIndicator) UpdateCase(envID, suiteName, caseID string, outcome types.Outcome) {}
func (n *noOpProgressIndicator) CompleteSuite(envID, suiteName string)                             {}
func (n *noOpProgressIndicator) CompleteEnvironment(envID string)                                  {}
func (n *noOpProgressIndicator) Stop()                                                             {}

// consoleProgressIndicator provides a console-based progress indicator
type consoleProgressIndicator struct {
	logger   log.Logger
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex

	envs map[string]*envProgress
}

type envProgress struct {
	suite      string
	completed  int
	notPassed  int
	total      int
	startTime  time.Time
	suiteStart time.Time

	// Track the running case and when it started
	runningCase string
	caseStarted time.Time
}

// NewConsoleProgressIndicator creates a progress indicator that shows updates in the console
func NewConsoleProgressIndicator(logger log.Logger, updateInterval time.Duration) ProgressIndicator {
	if updateInterval == 0 {
		updateInterval = 30 * time.Second // Default to 30 seconds
	}

	indicator := &consoleProgressIndicator{
		logger: logger,
		ticker: time.NewTicker(updateInterval),
		stopCh: make(chan struct{}),
		envs:   make(map[string]*envProgress),
	}

	// Start the progress reporting goroutine
	go indicator.progressReporter()

	return indicator
}

func (c *consoleProgressIndicator) StartEnvironment(envID string, totalCases int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.envs[envID] = &envProgress{total: totalCases, startTime: time.Now()}
	c.logger.Info("Starting environment", "env", envID, "totalCases", totalCases)
}

func (c *consoleProgressIndicator) StartSuite(envID, suiteName string, totalCases int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env := c.env(envID)
	env.suite = suiteName
	env.suiteStart = time.Now()
	c.logger.Info("Starting suite", "env", envID, "suite", suiteName, "suiteCases", totalCases)
}

func (c *consoleProgressIndicator) StartCase(envID, suiteName, caseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env := c.env(envID)
	env.runningCase = suiteName + "/" + caseID
	env.caseStarted = time.Now()
	c.logger.Debug("Case started", "env", envID, "suite", suiteName, "case", caseID)
}

func (c *consoleProgressIndicator) UpdateCase(envID, suiteName, caseID string, outcome types.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env := c.env(envID)
	env.runningCase = ""
	env.completed++
	if outcome != types.OutcomePassed {
		env.notPassed++
	}

	// Log individual case completion at debug level to avoid spam
	c.logger.Debug("Case completed", "env", envID, "suite", suiteName, "case", caseID,
		"outcome", outcome, "completed", env.completed, "total", env.total)
}

func (c *consoleProgressIndicator) CompleteSuite(envID, suiteName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env := c.env(envID)
	duration := time.Since(env.suiteStart).Truncate(time.Second)
	c.logger.Info("Completed suite", "env", envID, "suite", suiteName, "duration", duration)
	env.suite = ""
}

func (c *consoleProgressIndicator) CompleteEnvironment(envID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env := c.env(envID)
	duration := time.Since(env.startTime).Truncate(time.Second)
	c.logger.Info("Completed environment", "env", envID, "totalCases", env.total,
		"completed", env.completed, "notPassed", env.notPassed, "duration", duration)
	delete(c.envs, envID)
}

// env must be called with the lock held
func (c *consoleProgressIndicator) env(envID string) *envProgress {
	env, ok := c.envs[envID]
	if !ok {
		env = &envProgress{startTime: time.Now()}
		c.envs[envID] = env
	}
	return env
}

// progressReporter runs in a goroutine and periodically reports progress
func (c *consoleProgressIndicator) progressReporter() {
	for {
		select {
		case <-c.ticker.C:
			c.reportProgress()
		case <-c.stopCh:
			return
		}
	}
}

func (c *consoleProgressIndicator) reportProgress() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	running := make(map[string]time.Time)
	for id, env := range c.envs {
		if env.runningCase != "" {
			running[id+":"+env.runningCase] = env.caseStarted
		}
	}
	longest := formatRunningCases(running, 3)

	for _, id := range sortedEnvIDs(c.envs) {
		env := c.envs[id]

		// Calculate completion percentage
		var percentComplete float64
		if env.total > 0 {
			percentComplete = float64(env.completed) * 100.0 / float64(env.total)
		}

		c.logger.Info("Progress update",
			"env", id,
			"suite", env.suite,
			"completed", env.completed,
			"total", env.total,
			"percent", fmt.Sprintf("%.1f%%", percentComplete),
			"longestRunning", longest,
		)
	}
}

func sortedEnvIDs(envs map[string]*envProgress) []string {
	ids := make([]string, 0, len(envs))
	for id := range envs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop stops the progress indicator
func (c *consoleProgressIndicator) Stop() {
	c.stopOnce.Do(func() {
		c.ticker.Stop()
		close(c.stopCh)
	})
}

// formatRunningCases lists the longest running cases first
func formatRunningCases(runningCases map[string]time.Time, maxShow int) string {
	if len(runningCases) == 0 {
		return ""
	}

	type runningCase struct {
		id       string
		duration time.Duration
	}

	var running []runningCase
	now := time.Now()
	for id, startTime := range runningCases {
		running = append(running, runningCase{id: id, duration: now.Sub(startTime)})
	}

	sort.Slice(running, func(i, j int) bool {
		if running[i].duration == running[j].duration {
			return running[i].id < running[j].id
		}
		return running[i].duration > running[j].duration
	})

	var parts []string
	for i, rc := range running {
		if i >= maxShow {
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%v)", rc.id, rc.duration.Truncate(time.Second)))
	}
	if len(running) > maxShow {
		parts = append(parts, fmt.Sprintf("+%d more", len(running)-maxShow))
	}

	return strings.Join(parts, ", ")
}
