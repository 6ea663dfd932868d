package i2c

import (
	"sync"
	"testing"

	"github.com/clktmr/stmi2c/i2c/regs"
	"github.com/clktmr/stmi2c/intr"
)

type access struct {
	off   uintptr
	store bool
	v     uint32
}

// fakeBus is a register file that only models the ADDR clear sequence. It
// logs every access made through the mmio.Bus interface.
type fakeBus struct {
	mu      sync.Mutex
	words   [regs.Size / 4]uint32
	log     []access
	sawADDR bool
	cleared int // ADDR clears
}

func (b *fakeBus) Load32(off uintptr) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.words[off/4]
	b.log = append(b.log, access{off: off, v: v})
	switch off {
	case regs.OffSR1:
		b.sawADDR = b.sawADDR || regs.Status1(v)&regs.ADDR != 0
	case regs.OffSR2:
		if b.sawADDR && regs.Status1(b.words[regs.OffSR1/4])&regs.ADDR != 0 {
			b.words[regs.OffSR1/4] &^= uint32(regs.ADDR)
			b.cleared++
		}
		b.sawADDR = false
	}
	return v
}

func (b *fakeBus) Store32(off uintptr, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.words[off/4] = v
	b.log = append(b.log, access{off: off, store: true, v: v})
}

// set changes a register as the hardware would, without logging.
func (b *fakeBus) set(off uintptr, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.words[off/4] = v
}

func (b *fakeBus) get(off uintptr) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.words[off/4]
}

// accesses returns and resets the access log.
func (b *fakeBus) accesses() []access {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.log
	b.log = nil
	return l
}

// testIRQs are handed out to one test driver at a time.
var testIRQs = make(chan intr.IRQ, 32)

func init() {
	for i := range cap(testIRQs) {
		testIRQs <- intr.IRQ(128 + i)
	}
}

func newTestDriver(t *testing.T, bus *fakeBus) *Driver {
	t.Helper()
	irq := <-testIRQs
	d, err := New(bus, irq, Config{}, nil, nil)
	if err != nil {
		testIRQs <- irq
		t.Fatal(err)
	}
	t.Cleanup(func() {
		d.Close()
		testIRQs <- irq
	})
	bus.accesses()
	return d
}
