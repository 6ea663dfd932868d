// Package mmio provides typed access to memory mapped peripheral registers.
//
// Registers are reached through a Bus, which is either the physical address
// space (see Phys, only available on noos targets) or a software model of a
// peripheral. Every access goes straight to the Bus: nothing is cached and no
// write is deferred, since reading or writing a register may have side effects
// on the hardware.
package mmio

import "golang.org/x/exp/constraints"

// Bus is a word addressed register space. Offsets are in bytes and must be 4
// byte aligned.
type Bus interface {
	Load32(off uintptr) uint32
	Store32(off uintptr, v uint32)
}

// R32 is a 32-bit register at a fixed offset on a Bus, whose content is
// interpreted as T.
type R32[T constraints.Unsigned] struct {
	bus Bus
	off uintptr
}

// Reg returns the register at off on bus.
func Reg[T constraints.Unsigned](bus Bus, off uintptr) R32[T] {
	return R32[T]{bus, off}
}

func (r R32[T]) Load() T {
	return T(r.bus.Load32(r.off))
}

func (r R32[T]) Store(v T) {
	r.bus.Store32(r.off, uint32(v))
}

// LoadBits returns the bits selected by mask.
func (r R32[T]) LoadBits(mask T) T {
	return r.Load() & mask
}

// StoreBits replaces the bits selected by mask with bits. All other bits are
// written back as they were read.
func (r R32[T]) StoreBits(mask, bits T) {
	r.Store(r.Load()&^mask | bits&mask)
}

func (r R32[T]) SetBits(mask T) {
	r.Store(r.Load() | mask)
}

func (r R32[T]) ClearBits(mask T) {
	r.Store(r.Load() &^ mask)
}
