package sim

import (
	"errors"
	"sync"

	"github.com/clktmr/stmi2c/i2c"
)

var (
	ErrTransfer = errors.New("sim: dma transfer error")
	ErrAborted  = errors.New("sim: dma transfer aborted")
	ErrBusy     = errors.New("sim: dma channel busy")
)

// DMA is a channel serving one direction of a Peripheral. It implements
// i2c.DMA.
type DMA struct {
	dir i2c.Direction

	mu        sync.Mutex
	buf       []byte
	pos       int
	done      chan struct{}
	err       error
	transfers int
}

func newDMA(dir i2c.Direction) *DMA {
	c := &DMA{dir: dir, done: make(chan struct{})}
	close(c.done)
	return c
}

func (c *DMA) Start(p []byte, dir i2c.Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir != c.dir {
		return errors.New("sim: dma channel serves " + c.dir.String())
	}
	if c.running() {
		return ErrBusy
	}
	c.buf, c.pos, c.err = p, 0, nil
	c.done = make(chan struct{})
	c.transfers++
	if len(p) == 0 {
		c.finish(nil)
	}
	return nil
}

func (c *DMA) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *DMA) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *DMA) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running() {
		c.finish(ErrAborted)
	}
}

// Transfers returns the number of transfers started.
func (c *DMA) Transfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers
}

func (c *DMA) running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *DMA) finish(err error) {
	c.err = err
	c.buf = nil
	close(c.done)
}

func (c *DMA) remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running() {
		return 0
	}
	return len(c.buf) - c.pos
}

// next returns the next byte to transmit. The transfer fails instead on byte
// number failAt.
func (c *DMA) next(failAt int) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running() {
		return 0, false
	}
	if c.pos+1 == failAt {
		c.finish(ErrTransfer)
		return 0, false
	}
	b := c.buf[c.pos]
	c.pos++
	if c.pos == len(c.buf) {
		c.finish(nil)
	}
	return b, true
}

// put stores a received byte and reports whether it was taken.
func (c *DMA) put(b byte, failAt int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running() {
		return false
	}
	if c.pos+1 == failAt {
		c.finish(ErrTransfer)
		return false
	}
	c.buf[c.pos] = b
	c.pos++
	if c.pos == len(c.buf) {
		c.finish(nil)
	}
	return true
}

var _ i2c.DMA = (*DMA)(nil)
