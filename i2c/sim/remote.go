package sim

import "github.com/clktmr/stmi2c/i2c/regs"

// Result is the outcome of a frame performed by a remote controller.
type Result struct {
	Ack     bool   // the address was acknowledged
	Written int    // data bytes acknowledged by the peripheral
	Read    []byte // data bytes read from the peripheral
}

type remoteXfer struct {
	addr uint16
	w    []byte
	n    int // bytes to read
	res  Result
	pos  int
	done bool // no more bytes, stop condition next
	c    chan Result
}

// ControllerWrite queues a frame of another controller on the bus, writing
// data to addr. The frame starts as soon as the bus is free.
func (p *Peripheral) ControllerWrite(addr uint16, data []byte) <-chan Result {
	return p.queue(&remoteXfer{addr: addr, w: data})
}

// ControllerRead queues a frame of another controller on the bus, reading n
// bytes from addr. The last byte is not acknowledged.
func (p *Peripheral) ControllerRead(addr uint16, n int) <-chan Result {
	return p.queue(&remoteXfer{addr: addr, n: max(n, 1)})
}

func (p *Peripheral) queue(x *remoteXfer) <-chan Result {
	x.c = make(chan Result, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remotes = append(p.remotes, x)
	return x.c
}

func (p *Peripheral) beginRemote() {
	if len(p.remotes) == 0 || p.sr2&(regs.MSL|regs.BUSY) != 0 {
		return
	}
	x := p.remotes[0]
	p.remotes = p.remotes[1:]
	p.remote = x
	p.sr2 |= regs.BUSY
	p.record(Cond{Kind: Start, Remote: true})

	p.mode = remoteAddr
	p.shiftByte = byte(x.addr << 1)
	if x.w == nil {
		p.shiftByte |= 1
	}
	p.shift = byteTicks
}

func (p *Peripheral) remoteAddressDone() {
	x := p.remote
	b := p.shiftByte
	own := uint16(p.oar1>>1) & 0x7f
	ack := p.cr1&(regs.PE|regs.ACK) == regs.PE|regs.ACK && own == x.addr
	p.record(Cond{Kind: Addr, Byte: b, Ack: ack, Remote: true})
	x.res.Ack = ack
	if !ack {
		p.stopRemote()
		return
	}
	p.setAddr()
	if b&1 != 0 {
		p.mode = remoteTx
		p.sr2 |= regs.TRA
	} else {
		p.mode = remoteRx
		p.sr2 &^= regs.TRA
	}
}

func (p *Peripheral) nextRemote() {
	x := p.remote
	switch {
	case p.sr1&regs.ADDR != 0:
		// clock stretched until ADDR is cleared
	case x.done || p.mode == remoteRx && x.pos == len(x.w):
		p.stopRemote()
	case p.mode == remoteRx && p.sr1&regs.RXNE == 0:
		p.shiftByte = x.w[x.pos]
		p.shift = byteTicks
	case p.mode == remoteTx && p.txFull:
		p.shiftByte = p.dr
		p.txFull = false
		p.shift = byteTicks
	}
}

func (p *Peripheral) remoteByteDone() {
	x := p.remote
	b := p.shiftByte
	if p.mode == remoteRx {
		ack := p.cr1&regs.ACK != 0
		p.record(Cond{Kind: Data, Byte: b, Ack: ack, Remote: true})
		x.pos++
		if ack {
			x.res.Written++
		} else {
			x.done = true
		}
		p.dr = b
		p.sr1 |= regs.RXNE
		return
	}

	x.res.Read = append(x.res.Read, b)
	ack := len(x.res.Read) < x.n
	p.record(Cond{Kind: Data, Byte: b, Ack: ack, Remote: true})
	if ack {
		p.sr1 |= regs.TXE
	} else {
		p.sr1 |= regs.AF
		x.done = true
	}
}

func (p *Peripheral) stopRemote() {
	if p.remote.res.Ack {
		p.sr1 |= regs.STOPF
		p.sawSTOPF = false
	}
	p.sr1 &^= regs.ADDR | regs.TXE
	p.sr2 &^= regs.BUSY | regs.TRA
	p.mode = idle
	p.txFull = false
	p.record(Cond{Kind: Stop, Remote: true})
	p.finishRemote()
}

func (p *Peripheral) finishRemote() {
	x := p.remote
	p.remote = nil
	x.c <- x.res
}
