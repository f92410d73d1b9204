package report

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ethereum-optimism/infra/kat/types"
)

// EventKind identifies a parsed stream line
type EventKind int

const (
	EventOutput EventKind = iota
	EventSuiteStart
	EventSuiteEnd
	EventCaseBegin
	EventCaseResult
	EventSetupFailed
)

// Event is one parsed line of the stream
type Event struct {
	Kind     EventKind
	Category string
	Suite    string
	Env      string
	Case     string
	Code     int
	Text     string // output text with escaping removed, or the setup failure reason
}

// ParseError reports a structurally invalid stream
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// SuiteTally counts case outcomes for one suite in one environment
type SuiteTally struct {
	Name     string
	Category string
	Stats    types.Stats
	Complete bool // the end marker was seen
}

// EnvTally groups suite tallies by environment, in stream order
type EnvTally struct {
	ID          string
	SetupFailed string
	Suites      []SuiteTally
}

// Stats sums the environment's suites.
func (t EnvTally) Stats() types.Stats {
	var s types.Stats
	for _, suite := range t.Suites {
		s.Merge(suite.Stats)
	}
	return s
}

// Parser consumes a report stream incrementally and checks that markers are
// paired and nested correctly.
type Parser struct {
	// AllowStrayOutput accepts non-marker lines outside cases, as found in a
	// console capture that also holds boot messages.
	AllowStrayOutput bool

	line int
	envs []*EnvTally

	suite    *SuiteTally
	suiteEnv string
	openCase string
}

// NewParser creates an empty Parser
func NewParser() *Parser {
	return &Parser{}
}

// Feed parses one line (without its newline).
func (p *Parser) Feed(line string) (Event, error) {
	p.line++
	line = strings.TrimSuffix(line, "\r")

	body, ok := markerBody(line)
	if !ok {
		return p.output(line)
	}

	switch {
	case strings.HasPrefix(body, groupStartWord+" "):
		fields := strings.Fields(strings.TrimPrefix(body, groupStartWord+" "))
		if len(fields) != 3 {
			return Event{}, p.errorf("malformed suite start %q", line)
		}
		return p.suiteStart(fields[0], fields[1], fields[2])
	case strings.HasPrefix(body, groupEndWord+" "):
		fields := strings.Fields(strings.TrimPrefix(body, groupEndWord+" "))
		if len(fields) != 3 {
			return Event{}, p.errorf("malformed suite end %q", line)
		}
		return p.suiteEnd(fields[0], fields[1], fields[2])
	case strings.HasPrefix(body, caseBeginWord+" "):
		fields := strings.Fields(strings.TrimPrefix(body, caseBeginWord+" "))
		if len(fields) != 2 {
			return Event{}, p.errorf("malformed case begin %q", line)
		}
		return p.caseBegin(fields[0], fields[1])
	case strings.HasPrefix(body, caseResultWord+" "):
		fields := strings.Fields(strings.TrimPrefix(body, caseResultWord+" "))
		if len(fields) != 3 {
			return Event{}, p.errorf("malformed case result %q", line)
		}
		code, err := strconv.Atoi(fields[2])
		if err != nil {
			return Event{}, p.errorf("invalid result code %q", fields[2])
		}
		return p.caseResult(fields[0], fields[1], code)
	case strings.HasPrefix(body, setupFailWord+" "):
		rest := strings.TrimPrefix(body, setupFailWord+" ")
		env, reason, _ := strings.Cut(rest, " ")
		return p.setupFailed(env, reason)
	default:
		return Event{}, p.errorf("unknown marker %q", line)
	}
}

// Scan feeds every line of r and then checks the stream is complete.
func (p *Parser) Scan(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*maxLineBytes)
	for scanner.Scan() {
		if _, err := p.Feed(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading report: %w", err)
	}
	return p.Close()
}

// Close reports a truncated stream: a suite or case left open.
func (p *Parser) Close() error {
	if p.openCase != "" {
		return p.errorf("stream ended inside case %s/%s", p.suite.Name, p.openCase)
	}
	if p.suite != nil {
		return p.errorf("stream ended inside suite %s", p.suite.Name)
	}
	return nil
}

// Tally returns the per-environment counts seen so far.
func (p *Parser) Tally() []EnvTally {
	out := make([]EnvTally, 0, len(p.envs))
	for _, env := range p.envs {
		cp := *env
		cp.Suites = append([]SuiteTally(nil), env.Suites...)
		out = append(out, cp)
	}
	return out
}

// Total sums every environment.
func (p *Parser) Total() types.Stats {
	var s types.Stats
	for _, env := range p.envs {
		s.Merge(env.Stats())
	}
	return s
}

func (p *Parser) output(line string) (Event, error) {
	if p.openCase == "" {
		if p.AllowStrayOutput || strings.TrimSpace(line) == "" {
			return Event{Kind: EventOutput, Text: line}, nil
		}
		return Event{}, p.errorf("output outside a case: %q", line)
	}
	return Event{Kind: EventOutput, Suite: p.suite.Name, Case: p.openCase, Text: strings.TrimPrefix(line, EscapePrefix)}, nil
}

func (p *Parser) suiteStart(category, suite, env string) (Event, error) {
	if p.suite != nil {
		return Event{}, p.errorf("suite %s started inside suite %s", suite, p.suite.Name)
	}
	e := p.env(env)
	e.Suites = append(e.Suites, SuiteTally{Name: suite, Category: category})
	p.suite = &e.Suites[len(e.Suites)-1]
	p.suiteEnv = env
	return Event{Kind: EventSuiteStart, Category: category, Suite: suite, Env: env}, nil
}

func (p *Parser) suiteEnd(category, suite, env string) (Event, error) {
	if p.suite == nil || p.suite.Name != suite || p.suiteEnv != env || p.suite.Category != category {
		return Event{}, p.errorf("unmatched end of suite %s in %s", suite, env)
	}
	if p.openCase != "" {
		return Event{}, p.errorf("suite %s ended inside case %s", suite, p.openCase)
	}
	p.suite.Complete = true
	p.suite = nil
	p.suiteEnv = ""
	return Event{Kind: EventSuiteEnd, Category: category, Suite: suite, Env: env}, nil
}

func (p *Parser) caseBegin(suite, caseID string) (Event, error) {
	if p.suite == nil || p.suite.Name != suite {
		return Event{}, p.errorf("case %s/%s outside its suite", suite, caseID)
	}
	if p.openCase != "" {
		return Event{}, p.errorf("case %s began inside case %s", caseID, p.openCase)
	}
	p.openCase = caseID
	return Event{Kind: EventCaseBegin, Suite: suite, Env: p.suiteEnv, Case: caseID}, nil
}

func (p *Parser) caseResult(suite, caseID string, code int) (Event, error) {
	if p.suite == nil || p.suite.Name != suite || p.openCase != caseID {
		return Event{}, p.errorf("result for %s/%s without a begin", suite, caseID)
	}
	switch {
	case code == 0:
		p.suite.Stats.Add(types.OutcomePassed)
	case code == types.TimeoutCode:
		p.suite.Stats.Add(types.OutcomeTimedOut)
	case code < 0:
		return Event{}, p.errorf("invalid result code %d", code)
	default:
		p.suite.Stats.Add(types.OutcomeFailed)
	}
	p.openCase = ""
	return Event{Kind: EventCaseResult, Suite: suite, Env: p.suiteEnv, Case: caseID, Code: code}, nil
}

func (p *Parser) setupFailed(env, reason string) (Event, error) {
	if env == "" {
		return Event{}, p.errorf("setup failure without an environment")
	}
	if p.suite != nil {
		return Event{}, p.errorf("setup failure for %s inside suite %s", env, p.suite.Name)
	}
	p.env(env).SetupFailed = reason
	return Event{Kind: EventSetupFailed, Env: env, Text: reason}, nil
}

func (p *Parser) env(id string) *EnvTally {
	for _, e := range p.envs {
		if e.ID == id {
			return e
		}
	}
	e := &EnvTally{ID: id}
	p.envs = append(p.envs, e)
	return e
}

func (p *Parser) errorf(format string, args ...any) error {
	return &ParseError{Line: p.line, Msg: fmt.Sprintf(format, args...)}
}

// markerBody returns the text between the delimiters of a marker line.
func markerBody(line string) (string, bool) {
	if !strings.HasPrefix(line, Delimiter+" ") || !strings.HasSuffix(line, " "+Delimiter) {
		return "", false
	}
	if len(line) < 2*len(Delimiter)+2 {
		return "", false
	}
	return strings.TrimSpace(line[len(Delimiter) : len(line)-len(Delimiter)]), true
}
