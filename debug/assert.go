//go:build debug

package debug

import "log"

// Guard more complex assertions (i.e. anything that could panic) with `if
// debug.Enabled{...}`, otherwise they can't be removed in release builds.
const Enabled = true

func Assert(b bool, message string) {
	if !b {
		panic(message)
	}
}

func AssertErrNil(err error) {
	if err != nil {
		panic(err)
	}
}

// Logf traces driver internals. Never call it from an interrupt handler.
func Logf(format string, v ...any) {
	log.Printf(format, v...)
}
