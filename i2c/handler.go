package i2c

import "github.com/clktmr/stmi2c/i2c/regs"

// HandleInterrupt is the interrupt handler of the peripheral, for both the
// event and the error interrupt.
//
// ADDR is cleared by reading SR1 followed by SR2. Both reads happen here,
// back to back. Splitting them between the handler and the task would start
// two sequences and complete none, leaving ADDR set forever. The task learns
// about ADDR only through the latch.
//
// The handler masks the line before waking the task, so a latched flag can't
// fire again until the task has looked at it and armed the next wait.
func (d *Driver) HandleInterrupt() {
	d.stats.interrupts.Add(1)

	s := Status{SR1: d.regs.SR1.Load()}
	if s.SR1&regs.ADDR != 0 {
		s.SR2 = d.regs.SR2.Load()
		d.latch.Store(uint32(s.SR2)<<16 | uint32(regs.ADDR))
	}

	if Classify(s, State(d.state.Load())) == Ignorable {
		d.stats.ignored.Add(1)
		return
	}

	d.irq.Disable()
	d.stats.wakes.Add(1)
	d.note.Wakeup()
}

// status returns the peripheral status as seen by the task. ADDR in SR1 is
// ignored, it's only valid once the handler took it into the latch.
func (d *Driver) status() Status {
	s := Status{SR1: d.regs.SR1.Load() &^ regs.ADDR}
	if l := d.latch.Load(); l != 0 {
		s.SR1 |= regs.Status1(l & 0xffff)
		s.SR2 = regs.Status2(l >> 16)
	}
	return s
}

// takeAddr consumes the latched ADDR event and returns SR2 as read when ADDR
// was cleared.
func (d *Driver) takeAddr() regs.Status2 {
	return regs.Status2(d.latch.Swap(0) >> 16)
}
