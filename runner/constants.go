package runner

import "time"

// Case execution constants
const (
	// DefaultCaseTimeout applies to suites without a per-case timeout
	DefaultCaseTimeout = 5 * time.Minute

	// NotFoundCode is reported when a case executable cannot be resolved
	NotFoundCode = 127

	// NotExecutableCode is reported when a case executable exists but cannot be run
	NotExecutableCode = 126

	// SignalCodeBase is added to the signal number of a case killed by a signal
	SignalCodeBase = 128

	// RunnerFaultCode is reported when the runner itself fails while running a case
	RunnerFaultCode = 255

	// DefaultKillGrace bounds how long Wait blocks on output pipes after the
	// process group has been killed or the case has exited
	DefaultKillGrace = 2 * time.Second

	// DefaultOutputTailBytes is how much case output is kept for diagnostics
	DefaultOutputTailBytes = 64 * 1024

	// Hostname is passed to every case as HOSTNAME
	Hostname = "kat"
)
