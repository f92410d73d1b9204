package runner

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/kat/types"
)

func TestFormatRunningCases(t *testing.T) {
	now := time.Now()
	running := map[string]time.Time{
		"musl:basic/brk":   now.Add(-3 * time.Second),
		"glibc:ltp/abort1": now.Add(-10 * time.Second),
		"riscv:lua/sort":   now.Add(-1 * time.Second),
		"la:busybox/ls":    now.Add(-2 * time.Second),
	}

	got := formatRunningCases(running, 2)
	assert.Equal(t, "glibc:ltp/abort1 (10s), musl:basic/brk (3s), +2 more", got)
	assert.Empty(t, formatRunningCases(nil, 3))
}

func TestConsoleProgressIndicator_TracksEnvironments(t *testing.T) {
	p := NewConsoleProgressIndicator(log.New(), time.Hour).(*consoleProgressIndicator)
	defer p.Stop()

	p.StartEnvironment("musl", 3)
	p.StartEnvironment("glibc", 1)
	p.StartSuite("musl", "basic", 3)
	p.StartCase("musl", "basic", "brk")
	p.UpdateCase("musl", "basic", "brk", types.OutcomePassed)
	p.StartCase("musl", "basic", "clone")
	p.UpdateCase("musl", "basic", "clone", types.OutcomeFailed)

	p.mu.RLock()
	musl := *p.envs["musl"]
	p.mu.RUnlock()
	assert.Equal(t, "basic", musl.suite)
	assert.Equal(t, 2, musl.completed)
	assert.Equal(t, 1, musl.notPassed)
	assert.Empty(t, musl.runningCase)

	p.CompleteSuite("musl", "basic")
	p.CompleteEnvironment("musl")
	p.reportProgress()

	p.mu.RLock()
	defer p.mu.RUnlock()
	assert.NotContains(t, p.envs, "musl")
	assert.Contains(t, p.envs, "glibc")
}

func TestConsoleProgressIndicator_StopIsIdempotent(t *testing.T) {
	p := NewConsoleProgressIndicator(log.New(), time.Millisecond)
	p.Stop()
	p.Stop()
}
