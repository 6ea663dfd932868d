// Package i2c implements an interrupt driven driver for the STM32 v1 I2C
// peripheral.
//
// A frame is driven through its phases by the calling goroutine, which
// sleeps whenever it waits for the hardware. The interrupt handler never
// advances a frame. It only observes the status registers, completes the
// ADDR clear sequence and wakes the sleeping goroutine if the observed event
// is relevant for the current state.
//
// Every wait is bounded: hardware events by Config.EventTimeout, conditions
// without an interrupt source by a number of cooperative yields. The only
// exception is Listen, which waits for a remote controller until its context
// is done.
package i2c

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/clktmr/stmi2c/debug"
	"github.com/clktmr/stmi2c/i2c/regs"
	"github.com/clktmr/stmi2c/intr"
	"github.com/clktmr/stmi2c/mmio"
)

// Driver owns one peripheral instance. It is safe for concurrent use, frames
// are serialized.
type Driver struct {
	regs *regs.Block
	irq  intr.IRQ
	cfg  Config
	tx   DMA // nil if there is no DMA channel
	rx   DMA

	mtx   sync.Mutex // held while a frame is in flight
	owned bool       // previous frame ended without stop

	// shared with the interrupt handler
	note  intr.Note     // wakes the goroutine driving the frame
	state atomic.Uint32 // State of the frame in flight
	latch atomic.Uint32 // SR2<<16 | ADDR, taken by the handler
	stats stats
}

// New configures the peripheral behind bus and installs the interrupt
// handler on irq. The DMA channels are optional.
func New(bus mmio.Bus, irq intr.IRQ, cfg Config, tx, rx DMA) (*Driver, error) {
	if err := cfg.Configure(); err != nil {
		return nil, err
	}
	d := &Driver{
		regs: regs.New(bus),
		irq:  irq,
		cfg:  cfg,
		tx:   tx,
		rx:   rx,
	}
	irq.Disable()
	if err := d.setup(); err != nil {
		return nil, err
	}
	intr.SetHandler(irq, d.HandleInterrupt)
	return d, nil
}

// Close disables the peripheral and removes the interrupt handler.
func (d *Driver) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.irq.Disable()
	intr.SetHandler(d.irq, nil)
	d.regs.CR2.ClearBits(regs.ITMask | regs.DMAEN | regs.LAST)
	d.regs.CR1.Store(0)
	return nil
}

// setup resets the peripheral and programs the configuration. It's also the
// recovery action for a stuck peripheral.
func (d *Driver) setup() error {
	t, err := d.cfg.timing()
	if err != nil {
		return err
	}

	d.regs.CR1.Store(regs.SWRST)
	d.regs.CR1.Store(0)

	d.regs.CR2.Store(t.freq)
	d.regs.CCR.Store(t.ccr)
	d.regs.TRISE.Store(t.trise)
	if d.cfg.Role == ControllerTarget {
		d.regs.OAR1.Store(regs.OARKeep | regs.OwnAddr(d.cfg.OwnAddress<<1))
	}
	d.regs.CR1.Store(regs.PE | d.idleAck())

	d.owned = false
	d.latch.Store(0)
	return nil
}

// recover cycles the peripheral through reset. Any frame in flight is lost.
func (d *Driver) recover() {
	d.stats.resets.Add(1)
	debug.Logf("i2c: %v: reset peripheral", d)
	d.irq.Disable()
	debug.AssertErrNil(d.setup())
}

// idleAck is the ACK bit between frames. Only the target role answers its
// own address.
func (d *Driver) idleAck() regs.Control1 {
	if d.cfg.Role == ControllerTarget {
		return regs.ACK
	}
	return 0
}

func (d *Driver) setState(s State) {
	d.state.Store(uint32(s))
}

// State returns the state of the frame in flight.
func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) String() string {
	if d.cfg.Name != "" {
		return d.cfg.Name
	}
	return fmt.Sprintf("I2C(irq %d)", d.irq)
}

type stats struct {
	interrupts, wakes, ignored atomic.Uint64
	frames, failures, resets   atomic.Uint64
}

// Stats are counters for diagnostics.
type Stats struct {
	Interrupts uint64 // handler invocations
	Wakes      uint64 // significant events
	Ignored    uint64 // events classified as ignorable
	Frames     uint64
	Failures   uint64
	Resets     uint64 // recoveries by peripheral reset
}

func (d *Driver) Stats() Stats {
	return Stats{
		Interrupts: d.stats.interrupts.Load(),
		Wakes:      d.stats.wakes.Load(),
		Ignored:    d.stats.ignored.Load(),
		Frames:     d.stats.frames.Load(),
		Failures:   d.stats.failures.Load(),
		Resets:     d.stats.resets.Load(),
	}
}
