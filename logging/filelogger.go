package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/kat/types"
)

const (
	RunDirectoryPrefix = "katrun-" // Standardized prefix for run directories
	SummaryFilename    = "summary.log"
	AllLogsFilename    = "all.log"
	ResultsFilename    = "results.json"
	CaseLogExtension   = ".log"
)

// ResultSink is an interface for different ways of consuming case results
type ResultSink interface {
	// Consume processes a single case result
	Consume(result types.CaseResult, runID string) error
	// Complete is called when all results have been consumed
	Complete(runID string) error
}

// FileLogger writes a diagnostic copy of a run under
// <baseDir>/katrun-<runID>/: one log per case at <env>/<suite>/<case>.log,
// failed/ copies of non-passing cases, all.log, summary.log and results.json.
type FileLogger struct {
	baseDir      string                // Base directory for logs
	logDir       string                // Directory of this run
	failedDir    string                // Directory for cases that did not pass
	mu           sync.Mutex            // Protects concurrent file operations
	sinks        []ResultSink          // Collection of result consumers
	asyncWriters map[string]*AsyncFile // Map of async file writers
	runID        string                // Current run ID
}

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewAsyncFile creates a new AsyncFile for non-blocking writes
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100), // Buffer channel to reduce blocking
	}

	// Start the background writer
	af.wg.Add(1)
	go af.processQueue()

	return af, nil
}

// Write queues data to be written asynchronously
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return fmt.Errorf("async file is closed")
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	af.queue <- dataCopy
	return nil
}

// processQueue processes the write queue in the background
func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
		}
	}
}

// Close stops the async writer and closes the file
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	// Wait for all writes to complete
	af.wg.Wait()
	return af.file.Close()
}

// NewFileLogger creates a new FileLogger for one run
func NewFileLogger(baseDir string, runID string) (*FileLogger, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	failedDir := filepath.Join(logDir, "failed")

	for _, dir := range []string{baseDir, logDir, failedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	logger := &FileLogger{
		baseDir:      baseDir,
		logDir:       logDir,
		failedDir:    failedDir,
		asyncWriters: make(map[string]*AsyncFile),
		runID:        runID,
	}
	logger.sinks = []ResultSink{
		&AllLogsFileSink{logger: logger},
		&FailedCaseSink{logger: logger},
		NewResultsJSONSink(logger),
	}
	return logger, nil
}

// getAsyncWriter gets or creates an AsyncFile for the given path
func (l *FileLogger) getAsyncWriter(path string) (*AsyncFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if writer, exists := l.asyncWriters[path]; exists {
		return writer, nil
	}

	writer, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	l.asyncWriters[path] = writer
	return writer, nil
}

// closeAllWriters closes all async writers
func (l *FileLogger) closeAllWriters() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, writer := range l.asyncWriters {
		_ = writer.Close() // Ignore errors on close
	}
	l.asyncWriters = make(map[string]*AsyncFile)
}

// CaseLogPath returns where a case's output log is written
func (l *FileLogger) CaseLogPath(env, suite, caseID string) string {
	return filepath.Join(l.logDir, safeFilename(env), safeFilename(suite), safeFilename(caseID)+CaseLogExtension)
}

// CaseLog opens the output log of one case. ANSI escape sequences are
// stripped line by line.
func (l *FileLogger) CaseLog(env, suite, caseID string) (io.WriteCloser, error) {
	path := l.CaseLogPath(env, suite, caseID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create case log %s: %w", path, err)
	}
	return &strippingWriter{file: file}, nil
}

// Consume feeds a case result to every sink
func (l *FileLogger) Consume(result types.CaseResult) error {
	return l.LogCaseResult(result, l.runID)
}

// LogCaseResult processes a case result through all registered sinks
func (l *FileLogger) LogCaseResult(result types.CaseResult, runID string) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	for _, sink := range l.sinks {
		if err := sink.Consume(result, runID); err != nil {
			return fmt.Errorf("error in sink: %w", err)
		}
	}
	return nil
}

// LogSummary writes a summary of the run to summary.log
func (l *FileLogger) LogSummary(summary string) error {
	writer, err := l.getAsyncWriter(filepath.Join(l.logDir, SummaryFilename))
	if err != nil {
		return err
	}
	return writer.Write([]byte(summary))
}

// Complete finalizes all sinks and closes all file writers
func (l *FileLogger) Complete() error {
	for _, sink := range l.sinks {
		if err := sink.Complete(l.runID); err != nil {
			return fmt.Errorf("error completing sink: %w", err)
		}
	}
	l.closeAllWriters()
	return nil
}

// GetDirectoryForRunID returns the path for a specific runID
func (l *FileLogger) GetDirectoryForRunID(runID string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("runID cannot be empty")
	}
	if runID == l.runID {
		return l.logDir, nil
	}
	return filepath.Join(l.baseDir, RunDirectoryPrefix+runID), nil
}

// GetBaseDir returns the directory of this run
func (l *FileLogger) GetBaseDir() string {
	return l.logDir
}

// GetFailedDir returns the directory containing logs of cases that did not pass
func (l *FileLogger) GetFailedDir() string {
	return l.failedDir
}

// GetRunID returns the current runID
func (l *FileLogger) GetRunID() string {
	return l.runID
}

// strippingWriter removes ANSI sequences from complete lines before writing.
type strippingWriter struct {
	file *os.File
	buf  []byte
}

func (w *strippingWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if i := strings.LastIndexByte(string(w.buf), '\n'); i >= 0 {
		if _, err := io.WriteString(w.file, stripansi.Strip(string(w.buf[:i+1]))); err != nil {
			return 0, err
		}
		w.buf = append(w.buf[:0], w.buf[i+1:]...)
	}
	return len(p), nil
}

func (w *strippingWriter) Close() error {
	if len(w.buf) > 0 {
		if _, err := io.WriteString(w.file, stripansi.Strip(string(w.buf))); err != nil {
			_ = w.file.Close()
			return err
		}
		w.buf = nil
	}
	return w.file.Close()
}

// Sink implementations

// AllLogsFileSink writes all case results to a single "all.log" file
type AllLogsFileSink struct {
	logger *FileLogger
}

// Consume writes a case result to the all.log file
func (s *AllLogsFileSink) Consume(result types.CaseResult, runID string) error {
	baseDir, err := s.logger.GetDirectoryForRunID(runID)
	if err != nil {
		return err
	}
	writer, err := s.logger.getAsyncWriter(filepath.Join(baseDir, AllLogsFilename))
	if err != nil {
		return err
	}
	return writer.Write([]byte(formatCaseRecord(result)))
}

// Complete is a no-op for AllLogsFileSink
func (s *AllLogsFileSink) Complete(runID string) error {
	return nil
}

// FailedCaseSink writes a record of every case that did not pass to failed/
type FailedCaseSink struct {
	logger *FileLogger
}

// Consume writes failed/<env>-<suite>-<case>.log for non-passing cases
func (s *FailedCaseSink) Consume(result types.CaseResult, runID string) error {
	if result.Outcome == types.OutcomePassed {
		return nil
	}
	baseDir, err := s.logger.GetDirectoryForRunID(runID)
	if err != nil {
		return err
	}
	name := safeFilename(strings.Join([]string{result.EnvironmentID, result.Suite, result.CaseID}, "-")) + CaseLogExtension
	return os.WriteFile(filepath.Join(baseDir, "failed", name), []byte(formatCaseRecord(result)), 0644)
}

// Complete is a no-op for FailedCaseSink
func (s *FailedCaseSink) Complete(runID string) error {
	return nil
}

func formatCaseRecord(result types.CaseResult) string {
	var content strings.Builder

	fmt.Fprintf(&content, "\n")
	fmt.Fprintf(&content, "┌─────────────────────────────────────────────────────────────────────┐\n")
	fmt.Fprintf(&content, "│ CASE: %-64s │\n", truncateString(result.CaseID, 64))
	fmt.Fprintf(&content, "├─────────────────────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(&content, "│ Outcome:  %-62s │\n", fmt.Sprintf("%s (code %d)", result.Outcome, result.Code()))
	fmt.Fprintf(&content, "│ Env:      %-62s │\n", truncateString(result.EnvironmentID, 62))
	fmt.Fprintf(&content, "│ Suite:    %-62s │\n", truncateString(result.Suite, 62))
	fmt.Fprintf(&content, "│ Duration: %-62s │\n", result.WallTime)
	fmt.Fprintf(&content, "│ Time:     %-62s │\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&content, "└─────────────────────────────────────────────────────────────────────┘\n\n")

	if result.Err != "" {
		fmt.Fprintf(&content, "ERROR:\n")
		fmt.Fprintf(&content, "~~~~~~\n")
		fmt.Fprintf(&content, "%s\n\n", result.Err)
	}
	if result.Output != "" {
		fmt.Fprintf(&content, "OUTPUT:\n")
		fmt.Fprintf(&content, "~~~~~~~\n")
		fmt.Fprintf(&content, "%s\n", indentText(stripansi.Strip(result.Output), "  "))
	}
	fmt.Fprintf(&content, "\n")
	return content.String()
}

// indentText adds indentation to each line of text for better readability
func indentText(text, indent string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = indent + line
		}
	}
	return strings.Join(lines, "\n")
}

// truncateString truncates a string to the specified max length
// and adds an ellipsis if needed
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// safeFilename converts a string to a safe filename by replacing problematic characters
func safeFilename(s string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
	)
	s = replacer.Replace(s)
	if s == "." || s == ".." {
		s = strings.Repeat("_", len(s))
	}
	return s
}
