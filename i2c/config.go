package i2c

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/stmi2c/i2c/regs"
)

type Role uint8

const (
	ControllerOnly Role = iota
	ControllerTarget
)

// Config is applied once when the driver is created. Zero fields are replaced
// by their defaults.
type Config struct {
	Name string // used by String, optional

	Frequency physic.Frequency // SCL clock, default 100 kHz, at most 400 kHz
	PClk      physic.Frequency // peripheral bus clock, default 42 MHz

	Role       Role
	OwnAddress uint16 // 7-bit address answered in the target role

	// Frames with at least DMAThreshold bytes in a direction use the DMA
	// channel of that direction, if there is one. Default 4, at least 2.
	DMAThreshold int

	// EventTimeout bounds every wait for a hardware event. Events arrive
	// within a few byte times on a working bus. Default 50ms.
	EventTimeout time.Duration

	// BusyPolls bounds the cooperative yields spent waiting for a busy bus
	// before the peripheral is reset. Default 4096.
	BusyPolls int
	// StopPolls bounds the cooperative yields spent waiting for the hardware
	// to confirm a stop condition. Default 65536.
	StopPolls int
	// StartRetries is the number of peripheral resets tried when the bus
	// stays busy. Default 3.
	StartRetries int
}

const (
	defaultFrequency    = 100 * physic.KiloHertz
	defaultPClk         = 42 * physic.MegaHertz
	defaultDMAThreshold = 4
	defaultEventTimeout = 50 * time.Millisecond
	defaultBusyPolls    = 4096
	defaultStopPolls    = 1 << 16
	defaultStartRetries = 3
	maxSpuriousWakes    = 64
)

// Configure applies defaults and validates c.
func (c *Config) Configure() error {
	if c.Frequency == 0 {
		c.Frequency = defaultFrequency
	}
	if c.PClk == 0 {
		c.PClk = defaultPClk
	}
	if c.DMAThreshold <= 0 {
		c.DMAThreshold = defaultDMAThreshold
	}
	c.DMAThreshold = max(c.DMAThreshold, 2)
	if c.EventTimeout <= 0 {
		c.EventTimeout = defaultEventTimeout
	}
	if c.BusyPolls <= 0 {
		c.BusyPolls = defaultBusyPolls
	}
	if c.StopPolls <= 0 {
		c.StopPolls = defaultStopPolls
	}
	if c.StartRetries <= 0 {
		c.StartRetries = defaultStartRetries
	}
	if c.Role == ControllerTarget && (c.OwnAddress == 0 || c.OwnAddress > 0x7f) {
		return fmt.Errorf("%w: own address %#x", ErrInvalidConfig, c.OwnAddress)
	}
	_, err := c.timing()
	return err
}

type timing struct {
	freq  regs.Control2
	ccr   regs.ClockCtrl
	trise uint32
}

// timing computes the clock configuration registers. Standard mode is used up
// to 100 kHz, fast mode with a 2:1 low/high ratio above.
func (c *Config) timing() (t timing, err error) {
	mhz := int64(c.PClk / physic.MegaHertz)
	if mhz < 2 || mhz > 50 {
		return t, fmt.Errorf("%w: peripheral clock %v not in 2..50 MHz", ErrInvalidConfig, c.PClk)
	}
	pclk := int64(c.PClk / physic.Hertz)
	f := int64(c.Frequency / physic.Hertz)
	if f <= 0 || f > 400_000 {
		return t, fmt.Errorf("%w: bus clock %v", ErrInvalidConfig, c.Frequency)
	}

	var div int64
	t.freq = regs.Control2(mhz)
	if f <= 100_000 {
		div = max(pclk/(2*f), 4)
		t.trise = uint32(mhz + 1)
	} else {
		div = max(pclk/(3*f), 1)
		t.ccr = regs.FS
		t.trise = uint32(mhz*300/1000 + 1)
	}
	if div > int64(regs.CCRMask) {
		return t, fmt.Errorf("%w: bus clock %v too slow", ErrInvalidConfig, c.Frequency)
	}
	t.ccr |= regs.ClockCtrl(div)
	return t, nil
}
