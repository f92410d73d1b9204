package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/infra/kat/types"
)

const (
	MetricsNamespace = "kat"
)

var (
	Debug                bool = true
	validOutcomes             = []types.Outcome{types.OutcomePassed, types.OutcomeFailed, types.OutcomeTimedOut}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	casesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "cases_total",
		Help:      "Count of executed cases by outcome",
	}, []string{
		"environment",
		"suite",
		"result",
	})

	caseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "case_duration_seconds",
		Help:      "Wall time of executed cases",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
	}, []string{
		"environment",
		"suite",
	})

	abandonedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "cases_abandoned_total",
		Help:      "Count of cases timed out by a suite deadline before launch",
	}, []string{
		"environment",
		"suite",
	})

	suitesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "suites_total",
		Help:      "Count of completed suites",
	}, []string{
		"environment",
		"category",
	})

	setupFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "setup_failures_total",
		Help:      "Count of environments that could not be provisioned",
	}, []string{
		"environment",
	})

	sessionResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "session_results",
		Help:      "Result of test sessions",
	}, []string{
		"run_id",
		"result",
	})

	lastSessionCases = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "last_session_cases",
		Help:      "Case counts of the most recent session by outcome",
	}, []string{
		"result",
	})

	lastSessionDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "last_session_duration_seconds",
		Help:      "Duration of the most recent session",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordCase(env string, suite string, result types.CaseResult) {
	if !isValidOutcome(result.Outcome) {
		log.Error("RecordCase - invalid outcome", "outcome", result.Outcome)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "cases_total",
			"environment", env,
			"suite", suite,
			"case", result.CaseID,
			"result", result.Outcome)
	}
	casesTotal.WithLabelValues(env, suite, string(result.Outcome)).Inc()
	if result.Abandoned {
		abandonedTotal.WithLabelValues(env, suite).Inc()
		return
	}
	caseDuration.WithLabelValues(env, suite).Observe(result.WallTime.Seconds())
}

func RecordSuite(env string, category types.SuiteCategory) {
	suitesTotal.WithLabelValues(env, string(category)).Inc()
}

func RecordSetupFailure(env string) {
	setupFailuresTotal.WithLabelValues(env).Inc()
}

func RecordSession(runID string, result string, stats types.Stats, duration time.Duration) {
	sessionResults.WithLabelValues(runID, result).Set(1)
	lastSessionCases.WithLabelValues(string(types.OutcomePassed)).Set(float64(stats.Passed))
	lastSessionCases.WithLabelValues(string(types.OutcomeFailed)).Set(float64(stats.Failed))
	lastSessionCases.WithLabelValues(string(types.OutcomeTimedOut)).Set(float64(stats.TimedOut))
	lastSessionDuration.Set(duration.Seconds())
}

func isValidOutcome(outcome types.Outcome) bool {
	return slices.Contains(validOutcomes, outcome)
}
