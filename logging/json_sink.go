package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/kat/types"
)

// ResultRecord is the machine-readable form of one case result
type ResultRecord struct {
	Environment string        `json:"environment"`
	Suite       string        `json:"suite"`
	Case        string        `json:"case"`
	Outcome     types.Outcome `json:"outcome"`
	Code        int           `json:"code"`
	WallTimeMs  int64         `json:"wallTimeMs"`
	Abandoned   bool          `json:"abandoned,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ResultsDocument is the content of results.json
type ResultsDocument struct {
	RunID     string         `json:"runId"`
	Generated time.Time      `json:"generated"`
	Stats     types.Stats    `json:"stats"`
	Results   []ResultRecord `json:"results"`
}

// ResultsJSONSink collects every case result and writes results.json on Complete
type ResultsJSONSink struct {
	logger  *FileLogger
	mu      sync.Mutex
	stats   types.Stats
	records []ResultRecord
}

// NewResultsJSONSink creates a sink writing into the logger's run directory
func NewResultsJSONSink(logger *FileLogger) *ResultsJSONSink {
	return &ResultsJSONSink{logger: logger}
}

// Consume records a case result
func (s *ResultsJSONSink) Consume(result types.CaseResult, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Add(result.Outcome)
	s.records = append(s.records, ResultRecord{
		Environment: result.EnvironmentID,
		Suite:       result.Suite,
		Case:        result.CaseID,
		Outcome:     result.Outcome,
		Code:        result.Code(),
		WallTimeMs:  result.WallTime.Milliseconds(),
		Abandoned:   result.Abandoned,
		Error:       result.Err,
	})
	return nil
}

// Complete writes the collected results
func (s *ResultsJSONSink) Complete(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.logger.GetDirectoryForRunID(runID)
	if err != nil {
		return err
	}
	doc := ResultsDocument{
		RunID:     runID,
		Generated: time.Now().UTC(),
		Stats:     s.stats,
		Results:   s.records,
	}
	if doc.Results == nil {
		doc.Results = []ResultRecord{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ResultsFilename), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}
