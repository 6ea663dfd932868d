package i2c_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/stmi2c/i2c"
	"github.com/clktmr/stmi2c/i2c/regs"
	"github.com/clktmr/stmi2c/i2c/sim"
	"github.com/clktmr/stmi2c/intr"
)

const (
	sensorAddr = 0x29
	absentAddr = 0x33
	ownAddr    = 0x42
)

type bench struct {
	*sim.Peripheral
	drv *i2c.Driver
	mem *sim.Memory
}

// benchIRQs are the interrupt lines of the benches, disjoint from the ones
// used by the package's internal tests. A line is returned once its bench is
// torn down.
var benchIRQs = make(chan intr.IRQ, 64)

func init() {
	for i := range cap(benchIRQs) {
		benchIRQs <- intr.IRQ(intr.NumIRQ - cap(benchIRQs) + i)
	}
}

func newBench(c *qt.C, cfg i2c.Config, withDMA bool) *bench {
	irq := <-benchIRQs
	p := sim.New(irq)
	mem := sim.NewMemory(256)
	p.Attach(sensorAddr, mem)

	if cfg.EventTimeout == 0 {
		cfg.EventTimeout = time.Second
	}
	var tx, rx i2c.DMA
	if withDMA {
		tx, rx = p.DMA()
	}
	d, err := i2c.New(p, irq, cfg, tx, rx)
	if err != nil {
		benchIRQs <- irq
	}
	c.Assert(err, qt.IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	c.Cleanup(func() {
		cancel()
		<-done
		d.Close()
		benchIRQs <- irq
	})
	p.Trace()
	return &bench{Peripheral: p, drv: d, mem: mem}
}

func (b *bench) stopPending() bool {
	return regs.Control1(b.Peek(regs.OffCR1))&regs.STOP != 0
}

func (b *bench) submit(f i2c.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.drv.Submit(ctx, f)
}

func seq(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 1)
	}
	return p
}

// A two byte write is acknowledged and the stop condition confirmed before
// Submit returns.
func TestWrite(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)
	b.SetFaults(sim.Faults{StopLatency: 20})

	err := b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{0x10, 0xab}})
	c.Assert(err, qt.IsNil)
	c.Assert(b.stopPending(), qt.IsFalse)
	c.Assert(sim.Format(b.Trace()), qt.Equals, "S @29w+ 10+ ab+ P")
	c.Assert(b.mem.Bytes()[0x10], qt.Equals, byte(0xab))
	c.Assert(b.drv.State(), qt.Equals, i2c.Idle)
}

func TestRead(t *testing.T) {
	for _, n := range []int{1, 2, 3, 17} {
		c := qt.New(t)
		b := newBench(c, i2c.Config{}, false)
		want := seq(n)
		b.mem.Load(0, want)

		err := b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.WriteRead, W: []byte{0}, R: make([]byte, n)})
		c.Assert(err, qt.IsNil)

		got := make([]byte, n)
		err = b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Read, R: got})
		c.Assert(err, qt.IsNil, qt.Commentf("read %d bytes", n))
		c.Assert(got, qt.DeepEquals, b.mem.Bytes()[n:2*n])
		c.Assert(b.stopPending(), qt.IsFalse)
	}
}

// Only the last byte of a read is not acknowledged.
func TestReadAcknowledge(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)
	b.mem.Load(0, []byte{1, 2, 3})

	err := b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.WriteRead, W: []byte{0}, R: make([]byte, 3)})
	c.Assert(err, qt.IsNil)
	c.Assert(sim.Format(b.Trace()), qt.Equals, "S @29w+ 00+ Sr @29r+ 01+ 02+ 03- P")
}

func TestNoStop(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)
	b.mem.Load(4, []byte{0xca, 0xfe})

	err := b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{4}, NoStop: true})
	c.Assert(err, qt.IsNil)
	r := make([]byte, 2)
	err = b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Read, R: r})
	c.Assert(err, qt.IsNil)
	c.Assert(r, qt.DeepEquals, []byte{0xca, 0xfe})
	c.Assert(sim.Format(b.Trace()), qt.Equals, "S @29w+ 04+ Sr @29r+ ca+ fe- P")
}

// No device answers, the frame fails without retry and the driver is ready
// for the next frame.
func TestAddressNack(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)

	err := b.submit(i2c.Frame{Addr: absentAddr, Dir: i2c.Write, W: []byte{1, 2}})
	c.Assert(err, qt.ErrorIs, i2c.AddressNack)
	var ierr *i2c.Error
	c.Assert(errors.As(err, &ierr), qt.IsTrue)
	c.Assert(ierr.Op, qt.Equals, "address")
	c.Assert(ierr.Addr, qt.Equals, uint16(absentAddr))
	c.Assert(sim.Format(b.Trace()), qt.Equals, "S @33w- P")
	c.Assert(b.Counters().Starts, qt.Equals, 1)
	c.Assert(b.stopPending(), qt.IsFalse)

	err = b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1, 2}})
	c.Assert(err, qt.IsNil)
	c.Assert(b.drv.Stats().Failures, qt.Equals, uint64(1))
}

func TestProbe(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)

	c.Assert(b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write}), qt.IsNil)
	c.Assert(b.submit(i2c.Frame{Addr: absentAddr, Dir: i2c.Write}), qt.ErrorIs, i2c.AddressNack)
	c.Assert(sim.Format(b.Trace()), qt.Equals, "S @29w+ P S @33w- P")

	b.Detach(sensorAddr)
	c.Assert(b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write}), qt.ErrorIs, i2c.AddressNack)
}

func TestDataNack(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)
	b.mem.WriteLimit = 2

	err := b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{0, 1, 2, 3}})
	c.Assert(err, qt.ErrorIs, i2c.AddressNack)
	var ierr *i2c.Error
	c.Assert(errors.As(err, &ierr), qt.IsTrue)
	c.Assert(ierr.Op, qt.Equals, "write")
	c.Assert(sim.Format(b.Trace()), qt.Equals, "S @29w+ 00+ 01+ 02- P")
}

// Submit never returns while the hardware still works on the stop
// condition, so frames submitted back to back never start on a busy bus.
func TestBackToBack(t *testing.T) {
	for _, latency := range []int{1, 7, 50} {
		c := qt.New(t)
		b := newBench(c, i2c.Config{}, false)
		b.SetFaults(sim.Faults{StopLatency: latency})

		const frames = 200
		for i := range frames {
			var err error
			if i%2 == 0 {
				err = b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{byte(i), byte(i)}})
			} else {
				err = b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.WriteRead, W: []byte{byte(i - 1)}, R: make([]byte, 1)})
			}
			c.Assert(err, qt.IsNil, qt.Commentf("frame %d, stop latency %d", i, latency))
			c.Assert(b.stopPending(), qt.IsFalse, qt.Commentf("frame %d", i))
		}
		cnt := b.Counters()
		c.Assert(cnt.Misplaced, qt.Equals, 0)
		c.Assert(cnt.Stops, qt.Equals, frames)
		c.Assert(b.drv.Stats().Failures, qt.Equals, uint64(0))
	}
}

func TestConcurrentSubmit(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, true)

	errs := make(chan error)
	for g := range 4 {
		go func() {
			var err error
			for i := 0; i < 25 && err == nil; i++ {
				w := []byte{byte(g * 16), byte(g), byte(i), 0, 0}
				err = b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: w})
			}
			errs <- err
		}()
	}
	for range 4 {
		c.Assert(<-errs, qt.IsNil)
	}
	c.Assert(b.Counters().Misplaced, qt.Equals, 0)
	c.Assert(b.drv.Stats().Frames, qt.Equals, uint64(100))
}

func TestStopTimeout(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{StopPolls: 256}, false)
	b.SetFaults(sim.Faults{StuckStop: true})

	err := b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1}})
	c.Assert(err, qt.ErrorIs, i2c.StopTimeout)
	c.Assert(b.drv.Stats().Resets > 0, qt.IsTrue)

	b.SetFaults(sim.Faults{})
	err = b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1}})
	c.Assert(err, qt.IsNil)
}

func TestBusBusy(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{BusyPolls: 64, StartRetries: 2}, false)
	b.SetFaults(sim.Faults{StuckBusy: true})

	err := b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1}})
	c.Assert(err, qt.ErrorIs, i2c.BusBusyTimeout)
	c.Assert(b.drv.Stats().Resets >= 2, qt.IsTrue)
	c.Assert(b.Counters().Starts, qt.Equals, 0)

	b.SetFaults(sim.Faults{})
	err = b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1}})
	c.Assert(err, qt.IsNil)
}

func TestArbitrationLost(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)
	b.SetFaults(sim.Faults{ArbitrationLostAt: 2})

	err := b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1, 2, 3}})
	c.Assert(err, qt.ErrorIs, i2c.ArbitrationLost)
	// the bus belongs to the other controller, no stop condition
	c.Assert(sim.Format(b.Trace()), qt.Equals, "S @29w+ 01+ ARLO")

	b.SetFaults(sim.Faults{})
	c.Assert(b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1}}), qt.IsNil)
}

func TestOverrun(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)
	b.SetFaults(sim.Faults{OverrunAt: 2})

	err := b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Read, R: make([]byte, 3)})
	c.Assert(err, qt.ErrorIs, i2c.Overrun)
	c.Assert(b.stopPending(), qt.IsFalse)

	b.SetFaults(sim.Faults{})
	c.Assert(b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Read, R: make([]byte, 3)}), qt.IsNil)
}

func TestBusErrorDirect(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)
	b.SetFaults(sim.Faults{BusErrorAt: 1})

	err := b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1, 2}})
	c.Assert(err, qt.ErrorIs, i2c.BusError)
	c.Assert(sim.Format(b.Trace()), qt.Equals, "S @29w+ BERR P")
}

func TestCancel(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{BusyPolls: 1 << 30}, false)
	b.SetFaults(sim.Faults{StuckBusy: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	// the bus never gets free
	err := b.drv.Submit(ctx, i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1}})
	c.Assert(err, qt.ErrorIs, context.Canceled)
	c.Assert(b.IRQ().Enabled(), qt.IsFalse)
	c.Assert(b.drv.State(), qt.Equals, i2c.Idle)

	b.SetFaults(sim.Faults{})
	c.Assert(b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1}}), qt.IsNil)
}

// A frame cancelled while its bytes are on the wire still ends with a stop
// condition, and the next frame doesn't start before it's done.
func TestCancelMidTransfer(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)
	b.SetFaults(sim.Faults{StopLatency: 5000})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(2*time.Millisecond, cancel)
	err := b.drv.Submit(ctx, i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: make([]byte, 200000)})
	c.Assert(err, qt.ErrorIs, context.Canceled)
	c.Assert(b.stopPending(), qt.IsFalse)
	c.Assert(b.IRQ().Enabled(), qt.IsFalse)

	trace := b.Trace()
	c.Assert(len(trace) > 2, qt.IsTrue, qt.Commentf("cancelled before the first byte"))
	c.Assert(trace[len(trace)-1].Kind, qt.Equals, sim.Stop)

	c.Assert(b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write, W: []byte{1, 2}}), qt.IsNil)
	c.Assert(sim.Format(b.Trace()), qt.Equals, "S @29w+ 01+ 02+ P")
	c.Assert(b.Counters().Misplaced, qt.Equals, 0)
}

// Benches hand their interrupt lines back, so there are always enough.
func TestBenchIRQReuse(t *testing.T) {
	for i := range 3 * cap(benchIRQs) {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			c := qt.New(t)
			b := newBench(c, i2c.Config{}, false)
			c.Assert(b.submit(i2c.Frame{Addr: sensorAddr, Dir: i2c.Write}), qt.IsNil)
		})
	}
}

func TestClose(t *testing.T) {
	c := qt.New(t)
	irq := <-benchIRQs
	defer func() { benchIRQs <- irq }()

	d, err := i2c.New(sim.New(irq), irq, i2c.Config{}, nil, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(intr.Handler(irq), qt.IsNotNil)
	c.Assert(d.Close(), qt.IsNil)
	c.Assert(intr.Handler(irq), qt.IsNil)
	c.Assert(irq.Enabled(), qt.IsFalse)
}

func TestInvalidFrame(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{}, false)

	err := b.submit(i2c.Frame{Addr: 0x80, Dir: i2c.Write})
	c.Assert(err, qt.ErrorIs, i2c.ErrInvalidFrame)
	c.Assert(b.Trace(), qt.HasLen, 0)
}

func TestPeriphBus(t *testing.T) {
	c := qt.New(t)
	b := newBench(c, i2c.Config{Name: "I2C1"}, false)
	b.mem.Load(0x20, []byte{0xee, 0xaa})

	r := make([]byte, 2)
	c.Assert(b.drv.Tx(sensorAddr, []byte{0x20}, r), qt.IsNil)
	c.Assert(r, qt.DeepEquals, []byte{0xee, 0xaa})
	c.Assert(b.drv.String(), qt.Equals, "I2C1")
	c.Assert(b.drv.SetSpeed(400*physic.KiloHertz), qt.IsNil)
	c.Assert(b.Peek(regs.OffCCR)&uint32(regs.FS), qt.Not(qt.Equals), uint32(0))
	c.Assert(b.drv.Tx(sensorAddr, []byte{0x20}, r), qt.IsNil)
}
