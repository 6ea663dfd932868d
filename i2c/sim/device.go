package sim

import "sync"

// Device is a target on the simulated bus. Its methods are called with the
// bus locked and must not block.
type Device interface {
	// Start is called when the device is addressed and reports whether it
	// acknowledges.
	Start(read bool) bool
	// Write receives a byte and reports whether it's acknowledged.
	Write(b byte) bool
	// Read returns the next byte sent to the controller.
	Read() byte
	// Stop is called when the frame ended.
	Stop()
}

// Memory is a device with a register file behind an address pointer, like
// most sensors. The first byte of a write sets the pointer, the following
// bytes are stored there. Reads start at the pointer. The pointer increments
// with every byte and wraps around at the end.
type Memory struct {
	// WriteLimit is the number of data bytes acknowledged in one frame, the
	// pointer byte included. Zero means no limit.
	WriteLimit int

	mu      sync.Mutex
	regs    []byte
	ptr     int
	pointer bool // next written byte sets the pointer
	written int
	frames  int
}

func NewMemory(size int) *Memory {
	return &Memory{regs: make([]byte, size)}
}

func (m *Memory) Start(read bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames++
	m.written = 0
	m.pointer = !read
	return true
}

func (m *Memory) Write(b byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteLimit > 0 && m.written >= m.WriteLimit {
		return false
	}
	m.written++
	if m.pointer {
		m.ptr = int(b) % len(m.regs)
		m.pointer = false
		return true
	}
	m.regs[m.ptr] = b
	m.ptr = (m.ptr + 1) % len(m.regs)
	return true
}

func (m *Memory) Read() byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.regs[m.ptr]
	m.ptr = (m.ptr + 1) % len(m.regs)
	return b
}

func (m *Memory) Stop() {}

// Load copies p into the registers starting at off.
func (m *Memory) Load(off int, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.regs[off:], p)
}

// Bytes returns a copy of the registers.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.regs...)
}

// Frames returns how often the device was addressed.
func (m *Memory) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Expander is an 8-bit quasi-bidirectional port like the PCF8574. A written
// byte sets the output latches. A pin reads high only if its latch is high
// and nothing outside pulls it low.
type Expander struct {
	mu    sync.Mutex
	latch byte
	input byte
}

func NewExpander() *Expander {
	return &Expander{latch: 0xff, input: 0xff}
}

func (e *Expander) Start(read bool) bool { return true }

func (e *Expander) Write(b byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latch = b
	return true
}

func (e *Expander) Read() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latch & e.input
}

func (e *Expander) Stop() {}

// Latch returns the output latches.
func (e *Expander) Latch() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latch
}

// Drive sets the levels applied to the pins from outside, high where nothing
// is connected.
func (e *Expander) Drive(levels byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.input = levels
}
