// Package shmem maps the physical memory regions shared with a service unit and
// translates physical addresses into slices of those mappings.
package shmem

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	ErrOutOfRange = errors.New("shmem: address out of range")
	ErrAlignment  = errors.New("shmem: misaligned register")
)

// Reg32 is a 32-bit register in shared memory. All accesses are single atomic
// word accesses.
type Reg32 struct {
	p *uint32
}

// NewReg32 returns the register at the start of b.
func NewReg32(b []byte) (*Reg32, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: %d < 4", ErrOutOfRange, len(b))
	}

	if uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return nil, ErrAlignment
	}

	return &Reg32{p: (*uint32)(unsafe.Pointer(&b[0]))}, nil
}

func (r *Reg32) Load() uint32 {
	return atomic.LoadUint32(r.p)
}

func (r *Reg32) Store(v uint32) {
	atomic.StoreUint32(r.p, v)
}

// Or sets the bits in mask.
func (r *Reg32) Or(mask uint32) {
	for {
		old := atomic.LoadUint32(r.p)
		if atomic.CompareAndSwapUint32(r.p, old, old|mask) {
			return
		}
	}
}

// AndNot clears the bits in mask.
func (r *Reg32) AndNot(mask uint32) {
	for {
		old := atomic.LoadUint32(r.p)
		if atomic.CompareAndSwapUint32(r.p, old, old&^mask) {
			return
		}
	}
}
