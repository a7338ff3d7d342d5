// Package rbuf sub-allocates a tile's receive-buffer address space. Receive
// gates draw their buffers from here; the region below StdRbufSize is
// reserved for the standard syscall, upcall, and default buffers.
package rbuf

import (
	"math/bits"
	"sort"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
)

// Buf is one allocated receive buffer.
type Buf struct {
	Addr uint64
	Size uint64
	// MemSel is the backing memory capability, or InvalidSel when the
	// receive buffer region needs no explicit backing.
	MemSel abi.Selector
}

type area struct {
	addr uint64
	size uint64
}

// Alloc manages the user part of the receive-buffer region with best-fit
// allocation of power-of-two sizes. Allocations are aligned to their size.
type Alloc struct {
	free []area
}

// New creates an allocator over [abi.StdRbufSize, regionSize).
func New(regionSize uint64) *Alloc {
	a := &Alloc{}
	if regionSize > abi.StdRbufSize {
		a.free = []area{{addr: abi.StdRbufSize, size: regionSize - abi.StdRbufSize}}
	}
	return a
}

// Alloc reserves size bytes, rounded up to the next power of two and aligned
// to that size.
func (a *Alloc) Alloc(size uint64) (*Buf, error) {
	size = roundPow2(size)

	// best fit: smallest free area that can hold an aligned allocation
	best := -1
	var bestAddr uint64
	for i, ar := range a.free {
		addr := alignUp(ar.addr, size)
		if addr+size > ar.addr+ar.size {
			continue
		}
		if best == -1 || ar.size < a.free[best].size {
			best = i
			bestAddr = addr
		}
	}
	if best == -1 {
		return nil, errs.New(errs.NoSpace, "rbuf.alloc")
	}

	ar := a.free[best]
	a.free = append(a.free[:best], a.free[best+1:]...)
	if bestAddr > ar.addr {
		a.free = append(a.free, area{addr: ar.addr, size: bestAddr - ar.addr})
	}
	if end := ar.addr + ar.size; bestAddr+size < end {
		a.free = append(a.free, area{addr: bestAddr + size, size: end - (bestAddr + size)})
	}
	return &Buf{Addr: bestAddr, Size: size, MemSel: abi.InvalidSel}, nil
}

// Free returns a buffer's range to the allocator. The buffer must no longer
// have a receive gate attached.
func (a *Alloc) Free(b *Buf) {
	a.free = append(a.free, area{addr: b.Addr, size: b.Size})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].addr < a.free[j].addr })
	// coalesce adjacent areas
	out := a.free[:1]
	for _, ar := range a.free[1:] {
		last := &out[len(out)-1]
		if last.addr+last.size == ar.addr {
			last.size += ar.size
		} else {
			out = append(out, ar)
		}
	}
	a.free = out
}

func roundPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
