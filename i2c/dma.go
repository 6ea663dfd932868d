package i2c

import (
	"context"
	"errors"
	"time"

	"github.com/clktmr/stmi2c/debug"
	"github.com/clktmr/stmi2c/i2c/regs"
)

// DMA is a channel moving bytes between memory and the data register. The
// driver only hands it a buffer and a direction. Addressing, priorities and
// stream selection are the business of whoever set up the channel.
type DMA interface {
	// Start begins a transfer of p. It must not block.
	Start(p []byte, dir Direction) error
	// Done is closed when the transfer completed, failed or was aborted.
	Done() <-chan struct{}
	// Err returns the channel error of a finished transfer.
	Err() error
	// Abort stops the transfer. Done is closed when Abort returns.
	Abort()
}

func isDone(ch DMA) bool {
	select {
	case <-ch.Done():
		return true
	default:
		return false
	}
}

// awaitDMA races the DMA completion against the error interrupt. Only errors
// are armed, the buffer flags belong to the DMA.
//
// Neither side resolving within the stall time means the driver and the
// hardware disagree about the transfer. That's a bug, not a bus condition, and
// it's reported as one.
func (d *Driver) awaitDMA(ctx context.Context, t *transaction, ch DMA, n int) error {
	d.setState(TransferringDma)
	s, err := d.wait(ctx, wakeup{
		cond: func(s Status) bool {
			return s.errors() != 0 || isDone(ch)
		},
		arm:     regs.ITERREN,
		timeout: d.stallTime(n),
		done:    ch.Done(),
	})
	op := "dma " + t.dir.String()
	switch {
	case err == nil && s.errors() != 0:
		ch.Abort()
		return d.flagError(op, t, s)
	case err == nil:
		if cerr := ch.Err(); cerr != nil {
			return &Error{Op: op, Addr: t.f.Addr, Kind: DmaError, Err: cerr}
		}
		return nil
	case errors.Is(err, errWaitTimeout), errors.Is(err, errStalled):
		ch.Abort()
		debug.Assert(false, "i2c: dma transfer stalled")
		return &Error{Op: op, Addr: t.f.Addr, Kind: BusError, Err: errStalled}
	}
	ch.Abort()
	return err
}

// stallTime is the time n bytes need on the wire with a generous margin, on
// top of the usual event timeout.
func (d *Driver) stallTime(n int) time.Duration {
	return d.cfg.EventTimeout + time.Duration(n)*20*d.cfg.Frequency.Period()
}
