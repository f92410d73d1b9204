package kat

import (
	"github.com/ethereum-optimism/infra/kat/metrics"
	"github.com/ethereum-optimism/infra/kat/runner"
)

// MetricsReporter is responsible for reporting metrics from run results.
type MetricsReporter interface {
	ReportResults(result *runner.SessionResult)
}

// DefaultMetricsReporter implements the MetricsReporter interface.
type DefaultMetricsReporter struct{}

// NewDefaultMetricsReporter creates a new DefaultMetricsReporter.
func NewDefaultMetricsReporter() *DefaultMetricsReporter {
	return &DefaultMetricsReporter{}
}

// ReportResults records the session outcome.
func (r *DefaultMetricsReporter) ReportResults(result *runner.SessionResult) {
	metrics.RecordSession(result.RunID, result.Status(), result.Stats, result.Duration)
}
