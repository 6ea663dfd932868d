package i2c

import "fmt"

type Direction uint8

const (
	Write Direction = iota
	Read
	WriteRead // write, repeated start, read
)

func (d Direction) String() string {
	switch d {
	case Write:
		return "write"
	case Read:
		return "read"
	case WriteRead:
		return "write-read"
	}
	return fmt.Sprintf("Direction(%d)", d)
}

// Frame is a single transaction request. The driver borrows W and R until
// Submit returns.
type Frame struct {
	Addr uint16 // 7-bit target address
	Dir  Direction
	W    []byte // transmitted for Write and WriteRead
	R    []byte // received for Read and WriteRead

	// NoStop leaves the bus owned after the frame, so the next frame starts
	// with a repeated start.
	NoStop bool
}

func (f *Frame) validate() error {
	if f.Addr > 0x7f {
		return fmt.Errorf("%w: address %#x exceeds 7 bits", ErrInvalidFrame, f.Addr)
	}
	switch f.Dir {
	case Write:
		// zero length writes probe for a device
	case Read:
		if len(f.R) == 0 {
			return fmt.Errorf("%w: empty read", ErrInvalidFrame)
		}
	case WriteRead:
		if len(f.W) == 0 || len(f.R) == 0 {
			return fmt.Errorf("%w: empty write or read", ErrInvalidFrame)
		}
	default:
		return fmt.Errorf("%w: direction %v", ErrInvalidFrame, f.Dir)
	}
	return nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("%v %#02x w%d r%d", f.Dir, f.Addr, len(f.W), len(f.R))
}
