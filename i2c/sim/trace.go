package sim

import (
	"fmt"
	"strings"
)

type CondKind uint8

const (
	Start CondKind = iota
	RepeatedStart
	Addr // address byte with R/W bit
	Data
	Stop
	ArbitrationLost
	BusError
	Reset // peripheral reset
)

// Cond is a condition seen on the wire.
type Cond struct {
	Kind   CondKind
	Byte   byte
	Ack    bool
	Remote bool // generated by a remote controller
}

func (c Cond) String() string {
	var s string
	switch c.Kind {
	case Start:
		s = "S"
	case RepeatedStart:
		s = "Sr"
	case Addr, Data:
		s = fmt.Sprintf("%02x", c.Byte)
		if c.Kind == Addr {
			s = fmt.Sprintf("@%02x", c.Byte>>1)
			if c.Byte&1 != 0 {
				s += "r"
			} else {
				s += "w"
			}
		}
		if c.Ack {
			s += "+"
		} else {
			s += "-"
		}
	case Stop:
		s = "P"
	case ArbitrationLost:
		s = "ARLO"
	case BusError:
		s = "BERR"
	case Reset:
		s = "RST"
	default:
		s = fmt.Sprintf("Cond(%d)", c.Kind)
	}
	if c.Remote {
		s = "~" + s
	}
	return s
}

// Format returns trace as a single line, e.g. "S @29w+ 01+ 02+ P".
func Format(trace []Cond) string {
	var b strings.Builder
	for i, c := range trace {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(c.String())
	}
	return b.String()
}
