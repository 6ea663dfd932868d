// Package sim models an STM32 v1 I2C peripheral together with the bus and
// the devices attached to it.
//
// The model implements the register side effects the driver depends on:
// ADDR is cleared by a read of SR1 followed by a read of SR2, SB by a read of
// SR1 followed by a write of DR, STOPF by a read of SR1 followed by a write of
// CR1, error flags by writing zero. Bytes take a few ticks on the wire, a stop
// condition takes Faults.StopLatency ticks until CR1.STOP is cleared.
//
// Time advances with Step. The interrupt line is raised from Step, so the
// driver's interrupt handler runs on the goroutine calling Step.
package sim

import (
	"context"
	"sync"

	"github.com/clktmr/stmi2c/i2c"
	"github.com/clktmr/stmi2c/i2c/regs"
	"github.com/clktmr/stmi2c/intr"
)

const (
	byteTicks          = 2
	defaultStopLatency = 2
	maxTrace           = 1 << 14
)

type mode uint8

const (
	idle     mode = iota
	ctrlAddr      // start generated, address byte next
	ctrlTx
	ctrlRx
	ctrlHalt // data phase ended, waiting for stop or repeated start

	remoteAddr
	remoteRx // a remote controller writes to us
	remoteTx // a remote controller reads from us
)

// Faults are injected into every frame until they are replaced. Byte numbers
// count the data bytes of a frame starting at 1, zero disables the fault.
type Faults struct {
	ArbitrationLostAt int // ARLO instead of the byte, the bus is lost
	BusErrorAt        int // BERR instead of the byte, the data phase halts
	OverrunAt         int // OVR together with the received byte
	DMAErrorAt        int // the DMA channel fails on the byte

	StuckStop   bool // CR1.STOP is never cleared
	StuckBusy   bool // another controller holds the bus forever
	StopLatency int  // ticks until a stop condition completes, default 2
}

// Counters are statistics about the hardware side.
type Counters struct {
	Ticks       uint64
	Starts      int
	Stops       int
	AddrSet     int // ADDR raised
	AddrCleared int // ADDR cleared by the SR1, SR2 read sequence
	Misplaced   int // start requested while a stop was still pending
	Resets      int
}

// Peripheral is one simulated peripheral instance and its bus. It
// implements mmio.Bus.
type Peripheral struct {
	irq intr.IRQ
	tx  *DMA
	rx  *DMA

	mu    sync.Mutex
	cr1   regs.Control1
	cr2   regs.Control2
	oar1  regs.OwnAddr
	oar2  uint32
	ccr   uint32
	trise uint32
	sr1   regs.Status1
	sr2   regs.Status2
	dr    byte

	txFull                   bool // DR holds a byte not yet shifted out
	sawSB, sawADDR, sawSTOPF bool // SR1 reads for the clear sequences

	mode      mode
	dev       Device
	shift     int // ticks left for the byte on the wire
	shiftByte byte
	nack      bool // the last received byte wasn't acknowledged
	stopTicks int
	nbyte     int // data bytes in the current frame

	devices  map[uint16]Device
	faults   Faults
	remotes  []*remoteXfer
	remote   *remoteXfer
	trace    []Cond
	counters Counters
}

// New returns a peripheral raising irq. Its DMA channels are returned by DMA.
func New(irq intr.IRQ) *Peripheral {
	return &Peripheral{
		irq:     irq,
		tx:      newDMA(i2c.Write),
		rx:      newDMA(i2c.Read),
		devices: make(map[uint16]Device),
	}
}

func (p *Peripheral) IRQ() intr.IRQ { return p.irq }

// DMA returns the transmit and receive channel serving the peripheral.
func (p *Peripheral) DMA() (tx, rx *DMA) { return p.tx, p.rx }

// Attach connects dev to the bus at addr.
func (p *Peripheral) Attach(addr uint16, dev Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[addr] = dev
}

func (p *Peripheral) Detach(addr uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, addr)
}

func (p *Peripheral) SetFaults(f Faults) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = f
}

func (p *Peripheral) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// Run steps the peripheral until ctx is done, yielding after every step.
func (p *Peripheral) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		p.Step()
		intr.Yield()
	}
	return ctx.Err()
}

// Step advances the bus by one tick and raises the interrupt line if an
// enabled interrupt source has its flag set. Interrupts are level triggered,
// the line stays raised as long as the flag does.
func (p *Peripheral) Step() {
	p.mu.Lock()
	p.counters.Ticks++
	p.tick()
	raise := p.pending()
	p.mu.Unlock()

	if raise {
		p.irq.Dispatch()
	}
}

func (p *Peripheral) pending() bool {
	if p.cr1&regs.PE == 0 {
		return false
	}
	const buf = regs.ITEVTEN | regs.ITBUFEN
	return p.cr2&regs.ITEVTEN != 0 && p.sr1&regs.Events != 0 ||
		p.cr2&buf == buf && p.sr1&regs.Buffer != 0 ||
		p.cr2&regs.ITERREN != 0 && p.sr1&regs.Errors != 0
}

func (p *Peripheral) tick() {
	if p.cr1&regs.PE == 0 || p.cr1&regs.SWRST != 0 {
		return
	}
	p.serviceDMA()

	if p.shift > 0 {
		p.shift--
		if p.shift == 0 {
			p.byteDone()
		}
		return
	}

	switch {
	case p.cr1&regs.STOP != 0 && p.sr2&regs.MSL == 0:
		// nothing to stop
		if !p.faults.StuckStop {
			p.cr1 &^= regs.STOP
		}
	case p.cr1&regs.STOP != 0 && p.stopReady():
		p.stepStop()
	case p.cr1&regs.START != 0:
		p.stepStart()
	default:
		p.nextByte()
	}
}

// stopReady reports whether a requested stop can be generated. A receiver
// first finishes the byte it committed to by freeing the data register.
func (p *Peripheral) stopReady() bool {
	return p.mode != ctrlRx || p.nack || p.sr1&regs.RXNE != 0
}

func (p *Peripheral) stepStop() {
	if p.faults.StuckStop {
		return
	}
	p.stopTicks++
	latency := p.faults.StopLatency
	if latency <= 0 {
		latency = defaultStopLatency
	}
	if p.stopTicks < latency {
		return
	}
	p.stopTicks = 0
	p.cr1 &^= regs.STOP
	p.sr2 &^= regs.MSL | regs.BUSY | regs.TRA
	p.sr1 &^= regs.BTF | regs.TXE
	p.endFrame()
	p.counters.Stops++
	p.record(Cond{Kind: Stop})
}

func (p *Peripheral) stepStart() {
	if p.sr2&regs.MSL == 0 && (p.sr2&regs.BUSY != 0 || p.faults.StuckBusy) {
		return // wait for the bus
	}
	repeated := p.sr2&regs.MSL != 0
	p.cr1 &^= regs.START
	p.sr2 |= regs.MSL | regs.BUSY
	p.sr1 |= regs.SB
	p.sr1 &^= regs.BTF | regs.TXE
	p.sawSB = false
	p.txFull = false
	p.mode = ctrlAddr
	p.nack = false
	p.nbyte = 0
	p.counters.Starts++
	if repeated {
		p.record(Cond{Kind: RepeatedStart})
	} else {
		p.record(Cond{Kind: Start})
	}
}

func (p *Peripheral) nextByte() {
	switch p.mode {
	case idle:
		p.beginRemote()
	case ctrlTx:
		if p.sr1&regs.ADDR == 0 && p.txFull {
			p.shiftByte = p.dr
			p.txFull = false
			p.shift = byteTicks
		}
	case ctrlRx:
		if p.sr1&(regs.ADDR|regs.RXNE) == 0 && !p.nack {
			p.shift = byteTicks
		}
	case remoteRx, remoteTx:
		p.nextRemote()
	}
}

func (p *Peripheral) byteDone() {
	switch p.mode {
	case ctrlAddr:
		p.addressDone()
	case ctrlTx:
		p.nbyte++
		if p.injectFault() {
			return
		}
		b := p.shiftByte
		ack := p.dev.Write(b)
		p.record(Cond{Kind: Data, Byte: b, Ack: ack})
		if !ack {
			p.sr1 |= regs.AF
			p.mode = ctrlHalt
			return
		}
		p.sr1 |= regs.TXE | regs.BTF
	case ctrlRx:
		p.nbyte++
		if p.injectFault() {
			return
		}
		b := p.dev.Read()
		ack := p.cr1&regs.ACK != 0
		if p.cr2&(regs.DMAEN|regs.LAST) == regs.DMAEN|regs.LAST && p.rx.remaining() == 1 {
			ack = false
		}
		p.record(Cond{Kind: Data, Byte: b, Ack: ack})
		if p.sr1&regs.RXNE != 0 || p.nbyte == p.faults.OverrunAt {
			p.sr1 |= regs.OVR
		}
		p.dr = b
		p.sr1 |= regs.RXNE
		p.nack = !ack
	case remoteAddr:
		p.remoteAddressDone()
	case remoteRx, remoteTx:
		p.remoteByteDone()
	}
}

func (p *Peripheral) addressDone() {
	b := p.shiftByte
	read := b&1 != 0
	dev := p.devices[uint16(b>>1)]
	ack := dev != nil && dev.Start(read)
	p.record(Cond{Kind: Addr, Byte: b, Ack: ack})
	if !ack {
		p.sr1 |= regs.AF
		p.mode = ctrlHalt
		return
	}
	p.dev = dev
	p.setAddr()
	if read {
		p.mode = ctrlRx
		p.sr2 &^= regs.TRA
	} else {
		p.mode = ctrlTx
		p.sr2 |= regs.TRA
	}
}

func (p *Peripheral) setAddr() {
	p.sr1 |= regs.ADDR
	p.sawADDR = false
	p.counters.AddrSet++
}

// injectFault applies the faults for the current data byte and reports
// whether the byte was lost.
func (p *Peripheral) injectFault() bool {
	switch p.nbyte {
	case p.faults.ArbitrationLostAt:
		p.sr1 |= regs.ARLO
		p.sr2 &^= regs.MSL | regs.BUSY | regs.TRA
		p.endFrame()
		p.record(Cond{Kind: ArbitrationLost})
		return true
	case p.faults.BusErrorAt:
		p.sr1 |= regs.BERR
		p.mode = ctrlHalt
		p.record(Cond{Kind: BusError})
		return true
	}
	return false
}

func (p *Peripheral) endFrame() {
	if p.dev != nil {
		p.dev.Stop()
		p.dev = nil
	}
	p.mode = idle
	p.txFull = false
	p.nack = false
}

func (p *Peripheral) serviceDMA() {
	if p.cr2&regs.DMAEN == 0 {
		return
	}
	switch p.mode {
	case ctrlTx:
		if p.sr1&regs.ADDR == 0 && p.sr1&regs.TXE != 0 && !p.txFull {
			if b, ok := p.tx.next(p.faults.DMAErrorAt); ok {
				p.dr = b
				p.txFull = true
				p.sr1 &^= regs.TXE | regs.BTF
			}
		}
	case ctrlRx:
		if p.sr1&regs.RXNE != 0 && p.rx.put(p.dr, p.faults.DMAErrorAt) {
			p.sr1 &^= regs.RXNE | regs.BTF
		}
	}
}

func (p *Peripheral) reset() {
	if p.remote != nil {
		p.finishRemote()
	}
	p.endFrame()
	p.cr2 = 0
	p.oar1, p.oar2, p.ccr, p.trise = 0, 0, 0, 0
	p.sr1, p.sr2 = 0, 0
	p.dr = 0
	p.shift, p.stopTicks, p.nbyte = 0, 0, 0
	p.sawSB, p.sawADDR, p.sawSTOPF = false, false, false
	p.counters.Resets++
	p.record(Cond{Kind: Reset})
}

// Load32 implements mmio.Bus.
func (p *Peripheral) Load32(off uintptr) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := p.peek(off)
	switch off {
	case regs.OffSR1:
		s := regs.Status1(v)
		p.sawSB = p.sawSB || s&regs.SB != 0
		p.sawADDR = p.sawADDR || s&regs.ADDR != 0
		p.sawSTOPF = p.sawSTOPF || s&regs.STOPF != 0
	case regs.OffSR2:
		if p.sawADDR && p.sr1&regs.ADDR != 0 {
			p.sr1 &^= regs.ADDR
			p.counters.AddrCleared++
			if p.mode == ctrlTx || p.mode == remoteTx {
				p.sr1 |= regs.TXE
			}
		}
		p.sawADDR = false
	case regs.OffDR:
		p.sr1 &^= regs.RXNE | regs.BTF
	}
	return v
}

// Store32 implements mmio.Bus.
func (p *Peripheral) Store32(off uintptr, v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch off {
	case regs.OffCR1:
		p.storeCR1(regs.Control1(v))
	case regs.OffCR2:
		p.cr2 = regs.Control2(v)
	case regs.OffOAR1:
		p.oar1 = regs.OwnAddr(v)
	case regs.OffOAR2:
		p.oar2 = v
	case regs.OffCCR:
		p.ccr = v
	case regs.OffTRISE:
		p.trise = v
	case regs.OffSR1:
		p.sr1 &^= regs.Errors &^ regs.Status1(v)
	case regs.OffDR:
		p.storeDR(byte(v))
	}
}

func (p *Peripheral) storeCR1(v regs.Control1) {
	if v&regs.SWRST != 0 {
		if p.cr1&regs.SWRST == 0 {
			p.reset()
		}
		p.cr1 = v
		return
	}
	if v&regs.START != 0 && p.cr1&regs.START == 0 && p.cr1&regs.STOP != 0 {
		// the hardware refuses a start while the stop is still pending
		p.sr1 |= regs.BERR
		p.counters.Misplaced++
		p.record(Cond{Kind: BusError})
		v &^= regs.START
	}
	if v&regs.STOP != 0 && p.cr1&regs.STOP == 0 {
		p.stopTicks = 0
	}
	if p.sawSTOPF && p.sr1&regs.STOPF != 0 {
		p.sr1 &^= regs.STOPF
	}
	p.sawSTOPF = false
	p.cr1 = v
}

func (p *Peripheral) storeDR(b byte) {
	switch p.mode {
	case ctrlAddr:
		if p.sr1&regs.SB == 0 || !p.sawSB {
			return
		}
		p.sr1 &^= regs.SB
		p.sawSB = false
		p.shiftByte = b
		p.shift = byteTicks
	case ctrlTx, remoteTx:
		p.dr = b
		p.txFull = true
		p.sr1 &^= regs.TXE | regs.BTF
	}
}

// Peek returns a register without the side effects of reading it.
func (p *Peripheral) Peek(off uintptr) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peek(off)
}

func (p *Peripheral) peek(off uintptr) uint32 {
	switch off {
	case regs.OffCR1:
		return uint32(p.cr1)
	case regs.OffCR2:
		return uint32(p.cr2)
	case regs.OffOAR1:
		return uint32(p.oar1)
	case regs.OffOAR2:
		return p.oar2
	case regs.OffDR:
		return uint32(p.dr)
	case regs.OffSR1:
		return uint32(p.sr1)
	case regs.OffSR2:
		v := p.sr2
		if p.faults.StuckBusy {
			v |= regs.BUSY
		}
		return uint32(v)
	case regs.OffCCR:
		return p.ccr
	case regs.OffTRISE:
		return p.trise
	}
	return 0
}

func (p *Peripheral) record(c Cond) {
	if len(p.trace) >= maxTrace {
		p.trace = append(p.trace[:0], p.trace[maxTrace/2:]...)
	}
	p.trace = append(p.trace, c)
}

// Trace returns the conditions seen on the wire since the last call.
func (p *Peripheral) Trace() []Cond {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.trace
	p.trace = nil
	return t
}
