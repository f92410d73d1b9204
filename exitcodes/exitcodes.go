// Package exitcodes defines the standard exit codes used by kat.
package exitcodes

// Exit code constants used by kat
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when every case passed in every environment
// * TestFailure (1): Used when a case failed or timed out, or an environment could not be set up
// * RuntimeErr (2): Used for configuration, catalog and report stream errors
const (
	Success     = 0 // All cases pass
	TestFailure = 1 // Case or setup failures
	RuntimeErr  = 2 // Runtime errors
)
