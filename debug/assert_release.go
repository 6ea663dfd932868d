//go:build !debug

// Package debug provides assertions and tracing that can be enabled with the
// debug build tag or will otherwise compile to no-ops.
//
// Drivers don't log in release builds. A failed assertion in a debug build
// means the driver reached a state which correct hardware can't produce.
package debug

// Guard more complex assertions (i.e. anything that could panic) with `if
// debug.Enabled{...}`, otherwise they can't be removed in release builds.
const Enabled = false

// Assert panics if b is false.
func Assert(b bool, message string) {}

// AssertErrNil panics if err is not nil.
func AssertErrNil(err error) {}

// Logf prints a trace message.
func Logf(format string, v ...any) {}
