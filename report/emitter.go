// Package report writes and reads the line-oriented report stream consumed by
// the external grader.
//
// The stream is append-only and carries no timestamps, so identical runs
// produce identical streams:
//
//	#### OS COMP TEST GROUP START <category> <suite> <env> ####
//	#### KAT CASE BEGIN <suite> <case> ####
//	<case output, optional>
//	#### KAT CASE RESULT <suite> <case> <code> ####
//	#### OS COMP TEST GROUP END <category> <suite> <env> ####
//	#### KAT ENVIRONMENT SETUP FAILED <env> <reason...> ####
//
// Output lines that could be mistaken for markers are prefixed with "| ".
package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
)

const (
	Delimiter    = "####"
	EscapePrefix = "| "

	groupStartWord = "OS COMP TEST GROUP START"
	groupEndWord   = "OS COMP TEST GROUP END"
	caseBeginWord  = "KAT CASE BEGIN"
	caseResultWord = "KAT CASE RESULT"
	setupFailWord  = "KAT ENVIRONMENT SETUP FAILED"

	// maxLineBytes bounds how much of an unterminated output line is held
	// before it is written out as its own line.
	maxLineBytes = 64 * 1024
)

var (
	ErrOutOfOrder = errors.New("report entry out of order")
	ErrClosed     = errors.New("report emitter closed")
)

// ReportingError means the report stream itself could not be written. It is
// the only error that aborts a run.
type ReportingError struct {
	Op  string
	Err error
}

func (e *ReportingError) Error() string {
	return fmt.Sprintf("report %s: %v", e.Op, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *ReportingError) Unwrap() error {
	return e.Err
}

// IsReportingError checks if the error is or wraps a ReportingError
func IsReportingError(err error) bool {
	var reportErr *ReportingError
	return err != nil && errors.As(err, &reportErr)
}

// Emitter serializes one environment's run. Implementations must keep suite
// markers paired and case entries inside their suite.
type Emitter interface {
	SuiteStart(category, suite, env string) error
	CaseBegin(suite, caseID string) error
	CaseOutput(suite, caseID string) io.WriteCloser
	CaseResult(suite, caseID string, code int) error
	SuiteEnd(category, suite, env string) error
	SetupFailed(env string, reason error) error
	Err() error
}

// StreamEmitter writes the report stream to an io.Writer. The first write
// failure is sticky: every later call returns the same *ReportingError.
type StreamEmitter struct {
	mu  sync.Mutex
	w   io.Writer
	err error

	stripANSI   bool
	passthrough bool

	openSuite string
	openCase  string
}

// Options controls case output handling
type Options struct {
	Passthrough bool // copy case output into the stream
	StripANSI   bool // remove ANSI escape sequences from copied output
}

// NewStreamEmitter creates an emitter writing to w
func NewStreamEmitter(w io.Writer, opts Options) *StreamEmitter {
	return &StreamEmitter{
		w:           w,
		stripANSI:   opts.StripANSI,
		passthrough: opts.Passthrough,
	}
}

// Err returns the sticky reporting error, if any.
func (e *StreamEmitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *StreamEmitter) SuiteStart(category, suite, env string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openSuite != "" {
		return e.fail("suite start", fmt.Errorf("%w: %s started while %s is open", ErrOutOfOrder, suite, e.openSuite))
	}
	if err := e.writeLine("suite start", marker(groupStartWord, category, suite, env)); err != nil {
		return err
	}
	e.openSuite = suite
	return nil
}

func (e *StreamEmitter) CaseBegin(suite, caseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openSuite != suite || e.openCase != "" {
		return e.fail("case begin", fmt.Errorf("%w: case %s/%s outside its suite", ErrOutOfOrder, suite, caseID))
	}
	if err := e.writeLine("case begin", marker(caseBeginWord, suite, caseID)); err != nil {
		return err
	}
	e.openCase = caseID
	return nil
}

// CaseOutput returns a writer for the running case's output. It is a sink
// that discards everything when passthrough is off. Close flushes any
// unterminated last line and must be called before CaseResult.
func (e *StreamEmitter) CaseOutput(suite, caseID string) io.WriteCloser {
	if !e.passthrough {
		return nopWriteCloser{}
	}
	return &lineWriter{emitter: e}
}

func (e *StreamEmitter) CaseResult(suite, caseID string, code int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openSuite != suite || e.openCase != caseID {
		return e.fail("case result", fmt.Errorf("%w: result for %s/%s without a begin", ErrOutOfOrder, suite, caseID))
	}
	if err := e.writeLine("case result", marker(caseResultWord, suite, caseID, fmt.Sprint(code))); err != nil {
		return err
	}
	e.openCase = ""
	return nil
}

func (e *StreamEmitter) SuiteEnd(category, suite, env string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openSuite != suite {
		return e.fail("suite end", fmt.Errorf("%w: end of %s while %q is open", ErrOutOfOrder, suite, e.openSuite))
	}
	if e.openCase != "" {
		return e.fail("suite end", fmt.Errorf("%w: end of %s while case %s is open", ErrOutOfOrder, suite, e.openCase))
	}
	if err := e.writeLine("suite end", marker(groupEndWord, category, suite, env)); err != nil {
		return err
	}
	e.openSuite = ""
	return nil
}

func (e *StreamEmitter) SetupFailed(env string, reason error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openSuite != "" {
		return e.fail("setup failure", fmt.Errorf("%w: setup failure inside suite %s", ErrOutOfOrder, e.openSuite))
	}
	text := "unknown"
	if reason != nil {
		text = strings.Join(strings.Fields(reason.Error()), " ")
		text = strings.ReplaceAll(text, Delimiter, "##")
	}
	return e.writeLine("setup failure", marker(setupFailWord, env, text))
}

// writeOutput copies one output line, escaping marker look-alikes.
func (e *StreamEmitter) writeOutput(line []byte) error {
	if e.stripANSI {
		line = []byte(stripansi.Strip(string(line)))
	}
	text := string(line)
	if needsEscape(text) {
		text = EscapePrefix + text
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openCase == "" {
		return e.fail("case output", fmt.Errorf("%w: output outside a case", ErrOutOfOrder))
	}
	return e.writeLine("case output", text)
}

// writeLine must be called with mu held.
func (e *StreamEmitter) writeLine(op, line string) error {
	if e.err != nil {
		return e.err
	}
	if _, err := io.WriteString(e.w, line+"\n"); err != nil {
		return e.fail(op, err)
	}
	return nil
}

func (e *StreamEmitter) fail(op string, err error) error {
	if e.err == nil {
		e.err = &ReportingError{Op: op, Err: err}
	}
	return e.err
}

func marker(word string, fields ...string) string {
	return Delimiter + " " + word + " " + strings.Join(fields, " ") + " " + Delimiter
}

// needsEscape reports whether an output line could be parsed as a marker or
// as an escaped line.
func needsEscape(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	return strings.HasPrefix(trimmed, Delimiter) || strings.HasPrefix(line, EscapePrefix)
}

// lineWriter splits case output into lines for the emitter
type lineWriter struct {
	emitter *StreamEmitter
	buf     []byte
	err     error
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.buf = append(w.buf, p...)
			if len(w.buf) >= maxLineBytes {
				w.err = w.flush()
			}
			break
		}
		w.buf = append(w.buf, p[:i]...)
		p = p[i+1:]
		if w.err = w.flush(); w.err != nil {
			break
		}
	}
	if w.err != nil {
		return 0, w.err
	}
	return n, nil
}

func (w *lineWriter) flush() error {
	line := bytes.TrimSuffix(w.buf, []byte("\r"))
	err := w.emitter.writeOutput(line)
	w.buf = w.buf[:0]
	return err
}

// Close writes any unterminated last line.
func (w *lineWriter) Close() error {
	if w.err != nil {
		return w.err
	}
	if len(w.buf) > 0 {
		w.err = w.flush()
	}
	return w.err
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

var _ Emitter = (*StreamEmitter)(nil)
