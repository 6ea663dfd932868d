package i2c

import (
	"errors"
	"fmt"

	"github.com/clktmr/stmi2c/i2c/regs"
)

// ErrorKind is the reason a frame failed. It implements error, so it can be
// matched with errors.Is on any error returned by the driver.
type ErrorKind uint8

const (
	// BusBusyTimeout: the bus didn't become free, even after resetting the
	// peripheral.
	BusBusyTimeout ErrorKind = iota + 1
	// AddressNack: the target didn't acknowledge. Usually the device is
	// absent. Bytes refused during the data phase are reported the same way.
	AddressNack
	ArbitrationLost
	BusError
	Overrun
	// DmaError: the DMA channel reported a transfer error.
	DmaError
	// StopTimeout: the hardware didn't confirm the stop condition.
	StopTimeout
)

var kindNames = [...]string{
	BusBusyTimeout:  "bus busy timeout",
	AddressNack:     "not acknowledged",
	ArbitrationLost: "arbitration lost",
	BusError:        "bus error",
	Overrun:         "overrun",
	DmaError:        "dma error",
	StopTimeout:     "stop timeout",
}

func (k ErrorKind) Error() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return "i2c: " + kindNames[k]
	}
	return fmt.Sprintf("i2c: error %d", k)
}

// Error describes a failed frame.
type Error struct {
	Op   string // state or phase the frame failed in
	Addr uint16
	Kind ErrorKind
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%v at %#02x during %s", e.Kind, e.Addr, e.Op)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap makes both the kind and the underlying cause visible to errors.Is
// and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var (
	ErrInvalidFrame  = errors.New("i2c: invalid frame")
	ErrInvalidConfig = errors.New("i2c: invalid configuration")
	ErrNotTarget     = errors.New("i2c: target role not configured")

	// errWaitTimeout is returned by the notification gate when no hardware
	// event arrived in time. Callers map it to their ErrorKind.
	errWaitTimeout = errors.New("i2c: wait timeout")
	errStalled     = errors.New("data phase stalled")
)

// errorKind maps the error flags of SR1 to an ErrorKind. With multiple flags
// set the most specific one wins. BERR, TIMEOUT and the SMBus flags are bus
// errors.
func errorKind(f regs.Status1) ErrorKind {
	switch {
	case f&regs.ARLO != 0:
		return ArbitrationLost
	case f&regs.AF != 0:
		return AddressNack
	case f&regs.OVR != 0:
		return Overrun
	}
	return BusError
}
