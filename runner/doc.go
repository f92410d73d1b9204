// Package runner executes catalog suites inside provisioned environments.
//
// The main components are:
//   - CaseRunner: launches one case binary in its environment and maps the
//     process outcome to pass, fail(code) or timeout
//   - SuiteRunner: runs a suite's cases in declared order, applies the skip set
//     and the whole-suite deadline, and brackets the cases with suite markers
//   - Coordinator: provisions each environment and runs the selected suites in
//     it, sequentially or with environments in parallel
//   - ProgressIndicator: periodic console progress for long sessions
//
// Within an environment cases never overlap. A case outcome never stops the
// suite, and a suite or setup failure never stops another environment. Only
// a failure to write the report stream aborts a session.
package runner
