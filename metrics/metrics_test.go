package metrics

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/kat/types"
)

func TestErrToLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil error", err: nil, want: "nil"},
		{name: "simple error", err: errors.New("test error"), want: "test_error"},
		{name: "error with special chars", err: errors.New("setup@failed#123"), want: "setupfailed"},
		{name: "error with multiple spaces", err: errors.New("test  error"), want: "test_error"},
	}

	validLabelRegex := regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errToLabel(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Regexp(t, validLabelRegex, got)
		})
	}
}

func TestRecordErrorDetails(t *testing.T) {
	before := value(t, errorsTotal.WithLabelValues("healthz.address_in_use"))
	RecordErrorDetails("healthz", errors.New("address in use"))
	RecordErrorDetails("healthz", nil)
	assert.Equal(t, before+1, value(t, errorsTotal.WithLabelValues("healthz.address_in_use")))
}

func TestRecordCase(t *testing.T) {
	passed := casesTotal.WithLabelValues("musl", "basic", "pass")
	timedOut := casesTotal.WithLabelValues("musl", "basic", "timeout")
	abandoned := abandonedTotal.WithLabelValues("musl", "basic")
	passedBefore := value(t, passed)
	timedOutBefore := value(t, timedOut)
	abandonedBefore := value(t, abandoned)

	RecordCase("musl", "basic", types.CaseResult{CaseID: "brk", Outcome: types.OutcomePassed, WallTime: 20 * time.Millisecond})
	RecordCase("musl", "basic", types.CaseResult{CaseID: "fork", Outcome: types.OutcomeTimedOut, Abandoned: true})
	RecordCase("musl", "basic", types.CaseResult{CaseID: "bogus", Outcome: types.Outcome("maybe")})

	assert.Equal(t, passedBefore+1, value(t, passed))
	assert.Equal(t, timedOutBefore+1, value(t, timedOut))
	assert.Equal(t, abandonedBefore+1, value(t, abandoned))
}

func TestRecordSession(t *testing.T) {
	RecordSession("run1", "fail", types.Stats{Total: 4, Passed: 2, Failed: 1, TimedOut: 1}, 3*time.Second)

	assert.Equal(t, float64(1), value(t, sessionResults.WithLabelValues("run1", "fail")))
	assert.Equal(t, float64(2), value(t, lastSessionCases.WithLabelValues("pass")))
	assert.Equal(t, float64(1), value(t, lastSessionCases.WithLabelValues("timeout")))
	assert.Equal(t, float64(3), value(t, lastSessionDuration))
}

func TestRecordSuiteAndSetup(t *testing.T) {
	suites := suitesTotal.WithLabelValues("glibc", "benchmark")
	setup := setupFailuresTotal.WithLabelValues("glibc")
	suitesBefore := value(t, suites)
	setupBefore := value(t, setup)

	RecordSuite("glibc", types.CategoryBenchmark)
	RecordSetupFailure("glibc")

	assert.Equal(t, suitesBefore+1, value(t, suites))
	assert.Equal(t, setupBefore+1, value(t, setup))
}

// value reads the current value of a counter or gauge.
func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if c := out.GetCounter(); c != nil {
		return c.GetValue()
	}
	return out.GetGauge().GetValue()
}
