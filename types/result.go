package types

import (
	"fmt"
	"time"
)

// Outcome represents the possible results of a case execution
type Outcome string

const (
	OutcomePassed   Outcome = "pass"
	OutcomeFailed   Outcome = "fail"
	OutcomeTimedOut Outcome = "timeout"
)

// TimeoutCode is the reserved result code reported for timed out cases.
// Real exit statuses are never negative.
const TimeoutCode = -1

// CaseResult captures the outcome of a single case run. It is immutable once recorded.
type CaseResult struct {
	CaseID        string
	Suite         string
	EnvironmentID string
	Outcome       Outcome
	ExitCode      int // meaningful only when Outcome is OutcomeFailed
	WallTime      time.Duration
	Abandoned     bool   // timed out by the suite deadline before launch
	Output        string // tail of captured output
	Err           string // launch or runner error, if any
}

// Code returns the numeric result code written to the report stream.
func (r CaseResult) Code() int {
	switch r.Outcome {
	case OutcomePassed:
		return 0
	case OutcomeTimedOut:
		return TimeoutCode
	default:
		return r.ExitCode
	}
}

func (r CaseResult) String() string {
	switch r.Outcome {
	case OutcomeFailed:
		return fmt.Sprintf("%s/%s@%s: fail(%d)", r.Suite, r.CaseID, r.EnvironmentID, r.ExitCode)
	default:
		return fmt.Sprintf("%s/%s@%s: %s", r.Suite, r.CaseID, r.EnvironmentID, r.Outcome)
	}
}

// EntryKind tags a RunReport entry
type EntryKind int

const (
	EntrySuiteStart EntryKind = iota
	EntrySuiteEnd
	EntryCaseResult
)

func (k EntryKind) String() string {
	switch k {
	case EntrySuiteStart:
		return "suite-start"
	case EntrySuiteEnd:
		return "suite-end"
	case EntryCaseResult:
		return "case-result"
	default:
		return fmt.Sprintf("EntryKind(%d)", int(k))
	}
}

// ReportEntry is one element of a RunReport. Suite markers carry Suite and
// Category; case entries carry Result.
type ReportEntry struct {
	Kind     EntryKind
	Suite    string
	Category SuiteCategory
	Result   *CaseResult
}

// Stats tallies case outcomes
type Stats struct {
	Total    int
	Passed   int
	Failed   int
	TimedOut int
}

// Add records one outcome.
func (s *Stats) Add(o Outcome) {
	s.Total++
	switch o {
	case OutcomePassed:
		s.Passed++
	case OutcomeTimedOut:
		s.TimedOut++
	default:
		s.Failed++
	}
}

// Merge adds other's counts to s.
func (s *Stats) Merge(other Stats) {
	s.Total += other.Total
	s.Passed += other.Passed
	s.Failed += other.Failed
	s.TimedOut += other.TimedOut
}

// AllPassed reports whether every recorded case passed.
func (s Stats) AllPassed() bool {
	return s.Passed == s.Total
}

// RunReport is the ordered record of one environment's session.
type RunReport struct {
	EnvironmentID string
	SetupErr      error
	Entries       []ReportEntry
	Duration      time.Duration
}

// Results returns the case results in recorded order.
func (r *RunReport) Results() []CaseResult {
	var out []CaseResult
	for _, e := range r.Entries {
		if e.Kind == EntryCaseResult && e.Result != nil {
			out = append(out, *e.Result)
		}
	}
	return out
}

// Stats tallies the report's case results.
func (r *RunReport) Stats() Stats {
	var s Stats
	for _, res := range r.Results() {
		s.Add(res.Outcome)
	}
	return s
}

// SuiteStats tallies case results per suite, keyed by suite name.
func (r *RunReport) SuiteStats() map[string]Stats {
	out := make(map[string]Stats)
	for _, res := range r.Results() {
		s := out[res.Suite]
		s.Add(res.Outcome)
		out[res.Suite] = s
	}
	return out
}

// Suites returns the suite names in the order their start markers were recorded.
func (r *RunReport) Suites() []string {
	var out []string
	for _, e := range r.Entries {
		if e.Kind == EntrySuiteStart {
			out = append(out, e.Suite)
		}
	}
	return out
}

// Healthy reports whether the environment was provisioned and every case passed.
func (r *RunReport) Healthy() bool {
	return r.SetupErr == nil && r.Stats().AllPassed()
}
