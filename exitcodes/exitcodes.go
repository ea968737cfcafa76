// Package exitcodes defines the standard exit codes used by gantry.
package exitcodes

// Exit code constants used by gantry
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when all tests pass successfully
// * TestFailure (1): Used when one or more tests or suites fail
// * RuntimeErr (2): Used for runtime errors such as bad configuration or a
// server or tunnel that fails to start
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test or suite failures
	RuntimeErr  = 2 // Runtime or configuration errors
)
