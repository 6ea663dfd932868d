// Package intr provides the primitives shared between task code and interrupt
// handlers: interrupt lines with a handler table, a single slot wakeup note
// and bounded cooperative polling.
//
// On the host, interrupt context is emulated. A line is raised by whoever
// models the hardware and its handler runs on the raising goroutine. Handler
// invocations of the same line never overlap, which gives the same guarantee a
// CPU gives by masking a line while its handler runs.
package intr

import (
	"sync"
	"sync/atomic"
)

// IRQ identifies an interrupt line.
type IRQ int

// NumIRQ is the number of available interrupt lines.
const NumIRQ = 256

type line struct {
	mtx     sync.Mutex // held while the handler runs
	handler atomic.Pointer[func()]
	enabled atomic.Bool
	count   atomic.Uint64
}

var lines [NumIRQ]line

func (irq IRQ) line() *line {
	if irq < 0 || irq >= NumIRQ {
		panic("invalid irq")
	}
	return &lines[irq]
}

// SetHandler installs handler for irq. The line is disabled while the handler
// is replaced and restored to its previous state afterwards.
func SetHandler(irq IRQ, handler func()) {
	l := irq.line()
	en := l.enabled.Swap(false)

	l.mtx.Lock()
	if handler == nil {
		l.handler.Store(nil)
	} else {
		l.handler.Store(&handler)
	}
	l.mtx.Unlock()

	if en {
		l.enabled.Store(true)
	}
}

// Handler returns the handler installed for irq or nil.
func Handler(irq IRQ) func() {
	if h := irq.line().handler.Load(); h != nil {
		return *h
	}
	return nil
}

func (irq IRQ) Enable()  { irq.line().enabled.Store(true) }
func (irq IRQ) Disable() { irq.line().enabled.Store(false) }

func (irq IRQ) Enabled() bool { return irq.line().enabled.Load() }

// Count returns how often the handler of irq was invoked.
func (irq IRQ) Count() uint64 { return irq.line().count.Load() }

// Dispatch runs the handler of irq if the line is enabled and reports whether
// it did. It's called by the hardware model whenever the line is asserted.
func (irq IRQ) Dispatch() bool {
	l := irq.line()
	if !l.enabled.Load() {
		return false
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	h := l.handler.Load()
	if h == nil {
		panic("unhandled interrupt")
	}
	l.count.Add(1)
	(*h)()
	return true
}
