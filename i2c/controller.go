package i2c

import (
	"context"
	"errors"

	"github.com/clktmr/stmi2c/debug"
	"github.com/clktmr/stmi2c/i2c/regs"
	"github.com/clktmr/stmi2c/intr"
)

// transaction tracks what a frame in flight did to the bus.
type transaction struct {
	f        *Frame
	dir      Direction // Write or Read, the current phase
	holding  bool      // start generated, no stop yet
	stopping bool      // stop requested but not confirmed
	dma      DMA       // channel in flight
}

// Submit performs f as the bus controller.
//
// On success every byte was transferred and, unless f.NoStop is set, the
// hardware confirmed the stop condition, so the bus is idle when Submit
// returns. A failed frame returns an *Error matching its ErrorKind with
// errors.Is, or the context's error if ctx was done first. Either way the
// driver is ready for the next frame.
func (d *Driver) Submit(ctx context.Context, f Frame) error {
	if err := f.validate(); err != nil {
		return err
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.stats.frames.Add(1)
	t := transaction{f: &f, holding: d.owned}
	err := d.run(ctx, &t)
	if err != nil {
		d.stats.failures.Add(1)
		err = d.abort(&t, err)
	}
	d.owned = t.holding
	d.setState(Idle)
	return err
}

func (d *Driver) run(ctx context.Context, t *transaction) error {
	f := t.f
	if f.Dir != Read {
		if err := d.write(ctx, t, f.W); err != nil {
			return err
		}
	}
	if f.Dir != Write {
		if err := d.read(ctx, t, f.R, !f.NoStop); err != nil {
			return err
		}
	}
	if !f.NoStop {
		if err := d.stop(t); err != nil {
			return err
		}
	}
	d.regs.CR1.StoreBits(regs.ACK, d.idleAck())
	d.setState(Complete)
	return nil
}

// start generates a (repeated) start condition.
//
// A bus that stays busy, or a start condition that doesn't show up, gets the
// peripheral reset and another try, up to Config.StartRetries times. A
// repeated start isn't retried, the reset would end the frame.
func (d *Driver) start(ctx context.Context, t *transaction) error {
	d.setState(AwaitingStart)
	for retry := 0; ; retry++ {
		if t.holding || d.idle(ctx) {
			d.regs.CR1.SetBits(regs.START)
			s, err := d.wait(ctx, wakeup{
				cond:    flagged(regs.SB),
				arm:     regs.ITEVTEN | regs.ITERREN,
				timeout: d.cfg.EventTimeout,
			})
			switch {
			case err == nil && s.errors() != 0:
				return d.flagError("start", t, s)
			case err == nil:
				t.holding = true
				return nil
			case ctx.Err() != nil:
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.holding || retry >= d.cfg.StartRetries {
			return &Error{Op: "start", Addr: t.f.Addr, Kind: BusBusyTimeout}
		}
		d.recover()
	}
}

// idle waits for the bus to become free. A stop condition still in progress
// counts as busy.
func (d *Driver) idle(ctx context.Context) bool {
	return intr.Poll(d.cfg.BusyPolls, func() bool {
		if ctx.Err() != nil {
			return true
		}
		return d.regs.CR1.LoadBits(regs.STOP) == 0 &&
			d.regs.SR2.LoadBits(regs.BUSY) == 0
	}) && ctx.Err() == nil
}

// address sends the address byte and waits for the target's acknowledge.
func (d *Driver) address(ctx context.Context, t *transaction) error {
	d.setState(AwaitingAddressAck)
	b := uint32(t.f.Addr) << 1
	if t.dir == Read {
		b |= 1
	}
	d.latch.Store(0)
	d.regs.DR.Store(b) // clears SB
	s, err := d.wait(ctx, wakeup{
		cond:    flagged(regs.ADDR),
		arm:     regs.ITEVTEN | regs.ITERREN,
		timeout: d.cfg.EventTimeout,
	})
	if err != nil {
		return d.waitError("address", t, err)
	}
	if s.errors() != 0 {
		return d.flagError("address", t, s)
	}
	d.takeAddr()
	return nil
}

func (d *Driver) write(ctx context.Context, t *transaction, p []byte) error {
	t.dir = Write
	if err := d.start(ctx, t); err != nil {
		return err
	}
	if err := d.address(ctx, t); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}

	if d.tx != nil && len(p) >= d.cfg.DMAThreshold {
		if err := d.tx.Start(p, Write); err != nil {
			return &Error{Op: "dma write", Addr: t.f.Addr, Kind: DmaError, Err: err}
		}
		t.dma = d.tx
		d.regs.CR2.SetBits(regs.DMAEN)
		err := d.awaitDMA(ctx, t, d.tx, len(p))
		d.regs.CR2.ClearBits(regs.DMAEN)
		t.dma = nil
		if err != nil {
			return err
		}
	} else {
		d.setState(TransferringDirect)
		for _, b := range p {
			s, err := d.wait(ctx, wakeup{
				cond:    flagged(regs.TXE),
				arm:     regs.ITMask,
				timeout: d.cfg.EventTimeout,
			})
			if err != nil {
				return d.waitError("write", t, err)
			}
			if s.errors() != 0 {
				return d.flagError("write", t, s)
			}
			d.regs.DR.Store(uint32(b))
		}
	}

	// the last byte left the shift register and was acknowledged
	s, err := d.wait(ctx, wakeup{
		cond:    flagged(regs.BTF),
		arm:     regs.ITEVTEN | regs.ITERREN,
		timeout: d.cfg.EventTimeout,
	})
	if err != nil {
		return d.waitError("write", t, err)
	}
	if s.errors() != 0 {
		return d.flagError("write", t, s)
	}
	return nil
}

// read receives p. The hardware acknowledges a byte according to CR1.ACK at
// the time the byte ends, so ACK is cleared one byte ahead of the last one.
// If stop is set, the stop condition is requested right after the last byte
// was acknowledged, before it's read from the data register.
func (d *Driver) read(ctx context.Context, t *transaction, p []byte, stop bool) error {
	t.dir = Read
	n := len(p)
	useDMA := d.rx != nil && n >= d.cfg.DMAThreshold

	if err := d.start(ctx, t); err != nil {
		return err
	}
	switch {
	case useDMA:
		d.regs.CR1.SetBits(regs.ACK)
		if err := d.rx.Start(p, Read); err != nil {
			return &Error{Op: "dma read", Addr: t.f.Addr, Kind: DmaError, Err: err}
		}
		t.dma = d.rx
		d.regs.CR2.SetBits(regs.DMAEN | regs.LAST)
	case n == 1:
		d.regs.CR1.ClearBits(regs.ACK)
	default:
		d.regs.CR1.SetBits(regs.ACK)
	}
	if err := d.address(ctx, t); err != nil {
		return err
	}

	if useDMA {
		err := d.awaitDMA(ctx, t, d.rx, n)
		d.regs.CR2.ClearBits(regs.DMAEN | regs.LAST)
		t.dma = nil
		if err != nil {
			return err
		}
		if stop {
			d.requestStop(t)
		}
		return nil
	}

	if n == 1 && stop {
		d.requestStop(t)
	}
	d.setState(TransferringDirect)
	for i := range p {
		s, err := d.wait(ctx, wakeup{
			cond:    flagged(regs.RXNE),
			arm:     regs.ITMask,
			timeout: d.cfg.EventTimeout,
		})
		if err != nil {
			return d.waitError("read", t, err)
		}
		if s.errors() != 0 {
			return d.flagError("read", t, s)
		}
		if i == n-2 {
			d.regs.CR1.ClearBits(regs.ACK)
		}
		p[i] = byte(d.regs.DR.Load())
		if i == n-2 && stop {
			d.requestStop(t)
		}
	}
	return nil
}

func (d *Driver) requestStop(t *transaction) {
	d.regs.CR1.SetBits(regs.STOP)
	t.stopping = true
}

// stop ends the frame with a stop condition, requesting it unless that was
// done already, and waits until the hardware confirms it.
//
// The hardware clears CR1.STOP once the condition is on the wire. There's no
// interrupt for that, so the wait is a bounded poll. Starting the next frame
// before would issue a start condition on a busy bus.
func (d *Driver) stop(t *transaction) error {
	d.setState(AwaitingStop)
	if !t.stopping {
		d.requestStop(t)
	}
	t.holding = false
	ok := intr.Poll(d.cfg.StopPolls, func() bool {
		return d.regs.CR1.LoadBits(regs.STOP) == 0
	})
	t.stopping = false
	if !ok {
		d.recover()
		return &Error{Op: "stop", Addr: t.f.Addr, Kind: StopTimeout}
	}
	return nil
}

// abort cleans up after err ended t and returns the error to report.
// Interrupts are disarmed, a running DMA transfer is cancelled and, unless
// the bus was lost to another controller, the bus is released with a stop
// condition that is awaited like for a successful frame.
func (d *Driver) abort(t *transaction, err error) error {
	state := d.State()
	d.setState(Failed)
	d.irq.Disable()
	d.regs.CR2.ClearBits(regs.ITMask | regs.DMAEN | regs.LAST)
	if t.dma != nil {
		t.dma.Abort()
		t.dma = nil
	}
	d.latch.Store(0)

	flags := d.regs.SR1.LoadBits(regs.Errors)
	if flags&regs.ARLO != 0 || errors.Is(err, ArbitrationLost) {
		t.holding = false
	}
	if flags != 0 {
		d.regs.ClearErrors(flags)
	}

	switch {
	case state == AwaitingStart:
		// a start condition may still be pending
		d.recover()
		t.holding, t.stopping = false, false
	case t.holding || t.stopping:
		if serr := d.stop(t); serr != nil {
			debug.Logf("i2c: %v: releasing bus: %v", d, serr)
		}
	}
	if d.regs.SR1.LoadBits(regs.RXNE) != 0 {
		d.regs.DR.Load() // stale byte
	}
	d.regs.CR1.StoreBits(regs.ACK, d.idleAck())

	debug.Logf("i2c: %v: %v: %v", d, t.f, err)
	return err
}

func (d *Driver) flagError(op string, t *transaction, s Status) error {
	return &Error{Op: op, Addr: t.f.Addr, Kind: errorKind(s.errors())}
}

// waitError maps an unsuccessful wait. Context errors are returned as they
// are.
func (d *Driver) waitError(op string, t *transaction, err error) error {
	if errors.Is(err, errWaitTimeout) || errors.Is(err, errStalled) {
		return &Error{Op: op, Addr: t.f.Addr, Kind: BusError, Err: err}
	}
	return err
}
