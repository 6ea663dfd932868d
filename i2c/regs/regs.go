// Package regs describes the register block of the STM32 "v1" I2C peripheral
// (F1/F2/F4/L1 families).
//
// The block has two control registers, two status registers and the data
// register, plus own address and clock configuration written once at setup.
// Names follow the reference manual.
package regs

import "github.com/clktmr/stmi2c/mmio"

// Register offsets
const (
	OffCR1   uintptr = 0x00
	OffCR2   uintptr = 0x04
	OffOAR1  uintptr = 0x08
	OffOAR2  uintptr = 0x0c
	OffDR    uintptr = 0x10
	OffSR1   uintptr = 0x14
	OffSR2   uintptr = 0x18
	OffCCR   uintptr = 0x1c
	OffTRISE uintptr = 0x20

	Size = 0x28
)

type Control1 uint32

const (
	PE        Control1 = 1 << 0 // peripheral enable
	SMBUS     Control1 = 1 << 1
	ENGC      Control1 = 1 << 6 // general call enable
	NOSTRETCH Control1 = 1 << 7
	START     Control1 = 1 << 8 // cleared by hardware when the start was sent
	STOP      Control1 = 1 << 9 // cleared by hardware when the stop was sent
	ACK       Control1 = 1 << 10
	POS       Control1 = 1 << 11
	PEC       Control1 = 1 << 12
	ALERT     Control1 = 1 << 13
	SWRST     Control1 = 1 << 15
)

type Control2 uint32

const (
	FREQ    Control2 = 0x3f   // peripheral clock in MHz
	ITERREN Control2 = 1 << 8 // error interrupt enable
	ITEVTEN Control2 = 1 << 9 // event interrupt enable
	ITBUFEN Control2 = 1 << 10
	DMAEN   Control2 = 1 << 11
	LAST    Control2 = 1 << 12 // next DMA EOT is the last transfer

	ITMask = ITERREN | ITEVTEN | ITBUFEN
)

type Status1 uint32

const (
	SB       Status1 = 1 << 0 // start condition generated
	ADDR     Status1 = 1 << 1 // address sent (controller) or matched (target)
	BTF      Status1 = 1 << 2 // byte transfer finished
	ADD10    Status1 = 1 << 3
	STOPF    Status1 = 1 << 4 // stop detected (target)
	RXNE     Status1 = 1 << 6
	TXE      Status1 = 1 << 7
	BERR     Status1 = 1 << 8
	ARLO     Status1 = 1 << 9
	AF       Status1 = 1 << 10 // acknowledge failure
	OVR      Status1 = 1 << 11
	PECERR   Status1 = 1 << 12
	TIMEOUT  Status1 = 1 << 14
	SMBALERT Status1 = 1 << 15

	// Events are raised on the event interrupt whenever ITEVTEN is set.
	Events = SB | ADDR | BTF | ADD10 | STOPF
	// Buffer events additionally need ITBUFEN.
	Buffer = RXNE | TXE
	// Errors are cleared by writing zero, writing one has no effect.
	Errors = BERR | ARLO | AF | OVR | PECERR | TIMEOUT | SMBALERT
)

type Status2 uint32

const (
	MSL     Status2 = 1 << 0 // controller mode
	BUSY    Status2 = 1 << 1
	TRA     Status2 = 1 << 2 // transmitter
	GENCALL Status2 = 1 << 4
	DUALF   Status2 = 1 << 7
)

type OwnAddr uint32

const (
	ADDMODE OwnAddr = 1 << 15 // 10-bit addressing
	OARKeep OwnAddr = 1 << 14 // must be kept at one by software
)

type ClockCtrl uint32

const (
	CCRMask ClockCtrl = 0xfff
	DUTY    ClockCtrl = 1 << 14
	FS      ClockCtrl = 1 << 15 // fast mode
)

// Block is the register block of one peripheral instance.
type Block struct {
	CR1   mmio.R32[Control1]
	CR2   mmio.R32[Control2]
	OAR1  mmio.R32[OwnAddr]
	OAR2  mmio.R32[uint32]
	DR    mmio.R32[uint32]
	SR1   mmio.R32[Status1]
	SR2   mmio.R32[Status2]
	CCR   mmio.R32[ClockCtrl]
	TRISE mmio.R32[uint32]
}

func New(bus mmio.Bus) *Block {
	return &Block{
		CR1:   mmio.Reg[Control1](bus, OffCR1),
		CR2:   mmio.Reg[Control2](bus, OffCR2),
		OAR1:  mmio.Reg[OwnAddr](bus, OffOAR1),
		OAR2:  mmio.Reg[uint32](bus, OffOAR2),
		DR:    mmio.Reg[uint32](bus, OffDR),
		SR1:   mmio.Reg[Status1](bus, OffSR1),
		SR2:   mmio.Reg[Status2](bus, OffSR2),
		CCR:   mmio.Reg[ClockCtrl](bus, OffCCR),
		TRISE: mmio.Reg[uint32](bus, OffTRISE),
	}
}

// ClearErrors clears the error flags in f. The other flags of SR1 are read
// only or need their own clear sequence and aren't affected.
func (b *Block) ClearErrors(f Status1) {
	b.SR1.Store(Errors &^ f)
}
