//go:build noos

package mmio

import (
	"embedded/mmio"
	"unsafe"
)

type phys uintptr

// Phys returns the Bus of the physical address space starting at base.
func Phys(base uintptr) Bus {
	return phys(base)
}

//go:nosplit
func (p phys) Load32(off uintptr) uint32 {
	return (*mmio.U32)(unsafe.Pointer(uintptr(p) + off)).Load()
}

//go:nosplit
func (p phys) Store32(off uintptr, v uint32) {
	(*mmio.U32)(unsafe.Pointer(uintptr(p) + off)).Store(v)
}
