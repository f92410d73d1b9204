// Package reporting renders human-readable tables of run results, catalogs
// and parsed report streams.
package reporting

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/kat/report"
	"github.com/ethereum-optimism/infra/kat/runner"
	"github.com/ethereum-optimism/infra/kat/types"
)

// TableOptions controls the results table
type TableOptions struct {
	ShowPassedCases bool // list passing cases as well as failing ones
	Plain           bool // no colour styling
}

// RenderResults writes the results of a session as a table.
func RenderResults(w io.Writer, result *runner.SessionResult, opts TableOptions) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Kernel Acceptance Results %s (%s)", result.RunID, formatDuration(result.Duration)))

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Cases", "Passed", "Failed", "Timed Out", "Status", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Cases", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Timed Out", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, rep := range result.Reports {
		stats := rep.Stats()
		if rep.SetupErr != nil {
			t.AppendRow(table.Row{
				"Env", rep.EnvironmentID, formatDuration(rep.Duration),
				"-", "-", "-", "-", "✗ setup", firstLine(rep.SetupErr.Error()),
			})
			t.AppendSeparator()
			continue
		}
		t.AppendRow(table.Row{
			"Env", rep.EnvironmentID, formatDuration(rep.Duration),
			"-", stats.Passed, stats.Failed, stats.TimedOut, getResultString(stats.AllPassed()), "",
		})

		suiteStats := rep.SuiteStats()
		suiteTimes := suiteDurations(rep)
		byCase := casesBySuite(rep)
		for _, suite := range rep.Suites() {
			s := suiteStats[suite]
			t.AppendRow(table.Row{
				"Suite", fmt.Sprintf("├── %s", suite), formatDuration(suiteTimes[suite]),
				"-", s.Passed, s.Failed, s.TimedOut, getResultString(s.AllPassed()), "",
			})

			var shown []types.CaseResult
			for _, c := range byCase[suite] {
				if opts.ShowPassedCases || c.Outcome != types.OutcomePassed {
					shown = append(shown, c)
				}
			}
			for i, c := range shown {
				prefix := "│   ├──"
				if i == len(shown)-1 {
					prefix = "│   └──"
				}
				t.AppendRow(table.Row{
					"Case", fmt.Sprintf("%s %s", prefix, c.CaseID), formatDuration(c.WallTime),
					"1",
					boolToInt(c.Outcome == types.OutcomePassed),
					boolToInt(c.Outcome == types.OutcomeFailed),
					boolToInt(c.Outcome == types.OutcomeTimedOut),
					getOutcomeString(c),
					caseError(c),
				})
			}
		}
		t.AppendSeparator()
	}

	switch {
	case opts.Plain:
		t.SetStyle(table.StyleLight)
	case result.Status() == runner.StatusPass:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case result.Status() == runner.StatusInterrupted:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL", "", formatDuration(result.Duration),
		result.Stats.Total, result.Stats.Passed, result.Stats.Failed, result.Stats.TimedOut,
		result.Status(), "",
	})
	t.Render()
}

// RenderCatalog lists the catalog's suites and the environments they apply to.
func RenderCatalog(w io.Writer, suites []types.TestSuite, envIDs []string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Suite Catalog")
	t.AppendHeader(table.Row{"Suite", "Category", "Cases", "Skipped", "Case Timeout", "Suite Timeout", "Environments"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Cases", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Case Timeout", Align: text.AlignRight},
		{Name: "Suite Timeout", Align: text.AlignRight},
		{Name: "Environments", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
	})

	total := 0
	for _, s := range suites {
		runnable := len(s.Runnable())
		total += runnable
		whole := "-"
		if s.TimeoutWhole > 0 {
			whole = s.TimeoutWhole.String()
		}
		applies := "all"
		if len(s.Environments) > 0 {
			applies = strings.Join(s.Environments, ", ")
		}
		t.AppendRow(table.Row{
			s.Name, string(s.Category), runnable, len(s.Cases) - runnable,
			s.TimeoutPerCase.String(), whole, applies,
		})
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d suites", len(suites)), "", total, "", "", "",
		fmt.Sprintf("%d declared", len(envIDs)),
	})
	t.SetStyle(table.StyleLight)
	t.Render()
}

// RenderTally writes the per-environment, per-suite counts parsed from a
// report stream.
func RenderTally(w io.Writer, tallies []report.EnvTally, total types.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Report Tally")
	t.AppendHeader(table.Row{"Env", "Suite", "Category", "Cases", "Passed", "Failed", "Timed Out", "Status"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Env", AutoMerge: true},
		{Name: "Cases", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Timed Out", Align: text.AlignRight},
	})

	for _, env := range tallies {
		if env.SetupFailed != "" {
			t.AppendRow(table.Row{env.ID, "-", "-", "-", "-", "-", "-", "✗ setup: " + env.SetupFailed})
			continue
		}
		for _, s := range env.Suites {
			status := getResultString(s.Stats.AllPassed())
			if !s.Complete {
				status = "✗ incomplete"
			}
			t.AppendRow(table.Row{
				env.ID, s.Name, s.Category, s.Stats.Total, s.Stats.Passed, s.Stats.Failed, s.Stats.TimedOut, status,
			})
		}
	}
	t.AppendFooter(table.Row{"TOTAL", "", "", total.Total, total.Passed, total.Failed, total.TimedOut, ""})
	t.SetStyle(table.StyleLight)
	t.Render()
}

func suiteDurations(rep *types.RunReport) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, r := range rep.Results() {
		out[r.Suite] += r.WallTime
	}
	return out
}

func casesBySuite(rep *types.RunReport) map[string][]types.CaseResult {
	out := make(map[string][]types.CaseResult)
	for _, r := range rep.Results() {
		out[r.Suite] = append(out[r.Suite], r)
	}
	return out
}

// FailedCases returns every non-passing case of a session, sorted by
// environment, suite and case.
func FailedCases(result *runner.SessionResult) []types.CaseResult {
	var out []types.CaseResult
	for _, rep := range result.Reports {
		for _, r := range rep.Results() {
			if r.Outcome != types.OutcomePassed {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EnvironmentID != out[j].EnvironmentID {
			return out[i].EnvironmentID < out[j].EnvironmentID
		}
		if out[i].Suite != out[j].Suite {
			return out[i].Suite < out[j].Suite
		}
		return out[i].CaseID < out[j].CaseID
	})
	return out
}

func caseError(c types.CaseResult) string {
	switch {
	case c.Err != "":
		return firstLine(c.Err)
	case c.Outcome == types.OutcomeFailed:
		return fmt.Sprintf("exit status %d", c.ExitCode)
	default:
		return ""
	}
}

// firstLine limits a message to its first line or 80 characters
func firstLine(s string) string {
	if idx := strings.Index(s, "\n"); idx != -1 {
		return s[:idx]
	} else if len(s) > 80 {
		return s[:70] + "..."
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func getResultString(passed bool) string {
	if passed {
		return "✓ pass"
	}
	return "✗ fail"
}

func getOutcomeString(c types.CaseResult) string {
	switch c.Outcome {
	case types.OutcomePassed:
		return "✓ pass"
	case types.OutcomeTimedOut:
		if c.Abandoned {
			return "⏱ abandoned"
		}
		return "⏱ timeout"
	default:
		return "✗ fail"
	}
}

// formatDuration formats a duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
