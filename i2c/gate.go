package i2c

import (
	"context"
	"time"

	"github.com/clktmr/stmi2c/i2c/regs"
)

// wakeup is a wait condition together with the interrupt sources that can
// make it true.
type wakeup struct {
	cond    func(Status) bool
	arm     regs.Control2
	timeout time.Duration // negative waits until ctx is done

	// done wakes the wait in addition to the interrupt, e.g. a DMA channel
	// completing.
	done <-chan struct{}
}

// wait sleeps until w.cond holds for the peripheral status.
//
// The order is fixed: register as the waiter, check the condition, and only
// then arm the interrupt sources. Arming first would fire immediately on
// every latched flag, whether or not the condition cares about it. Once woken,
// the sources are disarmed again before the next check.
//
// A wait that keeps being woken without its condition becoming true ends
// with errStalled instead of spinning.
func (d *Driver) wait(ctx context.Context, w wakeup) (Status, error) {
	var timeout <-chan time.Time
	if w.timeout >= 0 {
		t := time.NewTimer(w.timeout)
		defer t.Stop()
		timeout = t.C
	}

	for wakes := 0; ; wakes++ {
		d.note.Clear()
		s := d.status()
		if w.cond(s) {
			return s, nil
		}
		if wakes > maxSpuriousWakes {
			return s, errStalled
		}

		d.regs.CR2.SetBits(w.arm)
		d.irq.Enable()

		var err error
		select {
		case <-d.note.C():
		case <-w.done:
		case <-timeout:
			err = errWaitTimeout
		case <-ctx.Done():
			err = ctx.Err()
		}

		d.irq.Disable()
		d.regs.CR2.ClearBits(regs.ITMask)

		if err != nil {
			// the event may have raced the timeout
			if s := d.status(); w.cond(s) {
				return s, nil
			}
			return s, err
		}
	}
}

// flagged is the condition for events in f or any error.
func flagged(f regs.Status1) func(Status) bool {
	return func(s Status) bool {
		return s.SR1&(f|regs.Errors) != 0
	}
}
