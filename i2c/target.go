package i2c

import (
	"context"
	"errors"

	"github.com/clktmr/stmi2c/i2c/regs"
)

// Request is a transfer a remote controller performed on the driver's own
// address.
type Request struct {
	// Dir is Write if the controller wrote to us, Read if it read from us.
	Dir Direction
	// N is the number of bytes stored in rx, or sent from tx. Bytes sent past
	// the end of tx are padding and counted too.
	N int
	// Truncated is set if the controller wrote more than fit into rx.
	Truncated bool
}

// Listen waits for a remote controller to address the driver and serves the
// transfer. A write is received into rx, acknowledging as long as it fits. A
// read is served from tx, padded with 0xff.
//
// Waiting for the address is not bounded by a timeout, since nobody knows
// when a remote controller will come. It ends when ctx is done. Submit blocks
// while Listen is waiting.
func (d *Driver) Listen(ctx context.Context, rx, tx []byte) (Request, error) {
	if d.cfg.Role != ControllerTarget {
		return Request{}, ErrNotTarget
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()
	defer d.setState(Idle)

	d.setState(AwaitingAddressMatch)
	d.regs.CR1.SetBits(regs.ACK)
	s, err := d.wait(ctx, wakeup{
		cond:    flagged(regs.ADDR),
		arm:     regs.ITEVTEN | regs.ITERREN,
		timeout: -1,
	})
	if err == nil && s.errors() != 0 {
		err = d.targetError("listen", errorKind(s.errors()), nil)
	}
	if err != nil {
		return Request{}, d.abortTarget(err)
	}

	var req Request
	if d.takeAddr()&regs.TRA != 0 {
		req.Dir = Read
		err = d.transmit(ctx, tx, &req)
	} else {
		req.Dir = Write
		err = d.receive(ctx, rx, &req)
	}
	if err != nil {
		return req, d.abortTarget(err)
	}
	d.regs.CR1.SetBits(regs.ACK)
	d.setState(Complete)
	return req, nil
}

func (d *Driver) receive(ctx context.Context, rx []byte, req *Request) error {
	d.setState(TransferringDirect)
	for {
		s, err := d.wait(ctx, wakeup{
			cond:    flagged(regs.RXNE | regs.STOPF),
			arm:     regs.ITMask,
			timeout: d.cfg.EventTimeout,
		})
		if err != nil {
			return d.targetWaitError("receive", err)
		}
		if s.errors() != 0 {
			return d.targetError("receive", errorKind(s.errors()), nil)
		}
		if s.SR1&regs.RXNE == 0 {
			d.clearStopDetect()
			return nil
		}

		if req.N+1 >= len(rx) {
			// refuse the byte after the last one that fits
			d.regs.CR1.ClearBits(regs.ACK)
		}
		b := byte(d.regs.DR.Load())
		if req.N < len(rx) {
			rx[req.N] = b
			req.N++
		} else {
			req.Truncated = true
		}
	}
}

func (d *Driver) transmit(ctx context.Context, tx []byte, req *Request) error {
	d.setState(TransferringDirect)
	for {
		s, err := d.wait(ctx, wakeup{
			cond:    flagged(regs.TXE | regs.STOPF),
			arm:     regs.ITMask,
			timeout: d.cfg.EventTimeout,
		})
		if err != nil {
			return d.targetWaitError("transmit", err)
		}
		switch {
		case s.SR1&regs.AF != 0:
			// The controller refused the last byte, it's done reading.
			d.regs.ClearErrors(regs.AF)
			return d.awaitStopDetect(ctx)
		case s.errors() != 0:
			return d.targetError("transmit", errorKind(s.errors()), nil)
		case s.SR1&regs.STOPF != 0:
			d.clearStopDetect()
			return nil
		}

		b := byte(0xff)
		if req.N < len(tx) {
			b = tx[req.N]
		}
		d.regs.DR.Store(uint32(b))
		req.N++
	}
}

func (d *Driver) awaitStopDetect(ctx context.Context) error {
	s, err := d.wait(ctx, wakeup{
		cond:    flagged(regs.STOPF),
		arm:     regs.ITEVTEN | regs.ITERREN,
		timeout: d.cfg.EventTimeout,
	})
	if err != nil {
		return d.targetWaitError("transmit", err)
	}
	if s.errors() != 0 {
		return d.targetError("transmit", errorKind(s.errors()), nil)
	}
	d.clearStopDetect()
	return nil
}

// clearStopDetect clears STOPF, which takes reading SR1 followed by writing
// CR1.
func (d *Driver) clearStopDetect() {
	d.regs.SR1.Load()
	d.regs.CR1.Store(d.regs.CR1.Load())
}

func (d *Driver) abortTarget(err error) error {
	state := d.State()
	d.setState(Failed)
	d.stats.failures.Add(1)
	d.irq.Disable()
	d.regs.CR2.ClearBits(regs.ITMask)
	d.latch.Store(0)
	if flags := d.regs.SR1.LoadBits(regs.Errors); flags != 0 {
		d.regs.ClearErrors(flags)
	}
	if state != AwaitingAddressMatch {
		// drop out of the transfer, the remote controller sees a NACK
		d.recover()
	}
	d.regs.CR1.StoreBits(regs.ACK, d.idleAck())
	return err
}

func (d *Driver) targetError(op string, kind ErrorKind, err error) error {
	return &Error{Op: op, Addr: d.cfg.OwnAddress, Kind: kind, Err: err}
}

func (d *Driver) targetWaitError(op string, err error) error {
	if errors.Is(err, errWaitTimeout) || errors.Is(err, errStalled) {
		return d.targetError(op, BusError, err)
	}
	return err
}
