package i2c

import (
	"fmt"

	"github.com/clktmr/stmi2c/i2c/regs"
)

// State is the phase of the frame in flight.
type State uint32

const (
	Idle State = iota
	AwaitingStart
	AwaitingAddressAck
	TransferringDirect // data register stepped byte by byte
	TransferringDma
	AwaitingStop
	Failed
	Complete
	AwaitingAddressMatch // target role
)

var stateNames = [...]string{
	Idle:                 "idle",
	AwaitingStart:        "awaiting start",
	AwaitingAddressAck:   "awaiting address ack",
	TransferringDirect:   "transferring",
	TransferringDma:      "transferring (dma)",
	AwaitingStop:         "awaiting stop",
	Failed:               "failed",
	Complete:             "complete",
	AwaitingAddressMatch: "awaiting address match",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// stepsBytes reports whether the task services the data register itself in
// state s.
func (s State) stepsBytes() bool {
	return s == TransferringDirect
}

// Status is a snapshot of both status registers. SR2 is only valid if the
// snapshot was taken together with clearing ADDR.
type Status struct {
	SR1 regs.Status1
	SR2 regs.Status2
}

func (s Status) errors() regs.Status1 { return s.SR1 & regs.Errors }

// Event is the verdict of the classifier on a status snapshot.
type Event uint8

const (
	Ignorable Event = iota
	Significant
)

func (e Event) String() string {
	if e == Significant {
		return "significant"
	}
	return "ignorable"
}

// significant flags wake the task in any state.
const significant = regs.Events | regs.Errors

// Classify decides whether status is worth waking the task waiting in state.
// Buffer flags only matter while the task steps the data register itself,
// otherwise they belong to the DMA.
func Classify(s Status, state State) Event {
	if s.SR1&significant != 0 {
		return Significant
	}
	if s.SR1&regs.Buffer != 0 && state.stepsBytes() {
		return Significant
	}
	return Ignorable
}
