package intr

import (
	"runtime"
	"sync"
)

// Note is a wakeup slot for exactly one sleeping task, woken by an interrupt
// handler. A Wakeup while nobody sleeps is remembered until it's received
// from C or cleared. Further Wakeups are merged into the pending one, they
// are never queued.
//
// Wakeup never blocks and can be called from interrupt context.
type Note struct {
	once sync.Once
	c    chan struct{}
}

func (n *Note) ch() chan struct{} {
	n.once.Do(func() { n.c = make(chan struct{}, 1) })
	return n.c
}

// Clear drops a pending wakeup. A task registers itself as the waiter by
// clearing the note before it checks its wait condition.
func (n *Note) Clear() {
	select {
	case <-n.ch():
	default:
	}
}

func (n *Note) Wakeup() {
	select {
	case n.ch() <- struct{}{}:
	default:
	}
}

// C returns the channel delivering the wakeups, for sleeping on a note and
// other events at the same time. Receiving from it consumes the wakeup.
func (n *Note) C() <-chan struct{} {
	return n.ch()
}

// Yield gives other tasks a chance to run.
func Yield() {
	runtime.Gosched()
}

// Poll evaluates cond up to n times, yielding between evaluations, and
// reports whether it became true. It's meant for hardware conditions which
// can't raise an interrupt and settle within a bounded time.
func Poll(n int, cond func() bool) bool {
	for range n {
		if cond() {
			return true
		}
		Yield()
	}
	return cond()
}
