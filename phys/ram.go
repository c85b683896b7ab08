package phys

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// RAM is a block of memory mapped at a fixed physical address. Its backing
// slice must be 8-byte aligned; slices from make and mmap always are.
//
// 32- and 64-bit accesses are atomic. 8- and 16-bit accesses operate on the
// containing 32-bit word, so they are atomic with respect to other word
// accesses too. Words are stored in host byte order, which is little-endian
// on every host this runs on.
type RAM struct {
	base Addr
	mem  []byte
}

// NewRAM maps mem at base.
func NewRAM(base Addr, mem []byte) *RAM {
	if len(mem) > 0 && uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		panic("phys: RAM is not 8-byte aligned")
	}

	return &RAM{base: base, mem: mem}
}

// Base returns the physical address of the first byte of r.
func (r *RAM) Base() Addr {
	return r.base
}

// Size returns the size of r in bytes.
func (r *RAM) Size() uint64 {
	return uint64(len(r.mem))
}

// End returns the address just past the last byte of r.
func (r *RAM) End() Addr {
	return r.base + Addr(len(r.mem))
}

// Contains reports whether [addr, addr+n) lies inside r.
func (r *RAM) Contains(addr Addr, n uint64) bool {
	return addr >= r.base && n <= r.Size() && uint64(addr-r.base) <= r.Size()-n
}

// Bytes returns the backing slice.
func (r *RAM) Bytes() []byte {
	return r.mem
}

func (r *RAM) Load(addr Addr, w Width) uint64 {
	off := r.wordOffset(addr, w, false)

	switch w {
	case W64:
		return atomic.LoadUint64(r.u64(off))

	case W32:
		return uint64(atomic.LoadUint32(r.u32(off)))

	default:
		word := atomic.LoadUint32(r.u32(off &^ 3))
		return uint64(word>>(8*(off&3))) & w.mask()
	}
}

func (r *RAM) Store(addr Addr, w Width, v uint64) {
	off := r.wordOffset(addr, w, true)

	switch w {
	case W64:
		atomic.StoreUint64(r.u64(off), v)

	case W32:
		atomic.StoreUint32(r.u32(off), uint32(v))

	default:
		var (
			p     = r.u32(off &^ 3)
			shift = 8 * (off & 3)
			mask  = uint32(w.mask()) << shift
		)

		for {
			old := atomic.LoadUint32(p)
			if atomic.CompareAndSwapUint32(p, old, old&^mask|uint32(v)<<shift&mask) {
				return
			}
		}
	}
}

func (r *RAM) ReadAt(p []byte, addr Addr) error {
	if !r.Contains(addr, uint64(len(p))) {
		return fmt.Errorf("%w: read [%v, %v)", ErrUnmapped, addr, addr+Addr(len(p)))
	}

	copy(p, r.mem[addr-r.base:])
	return nil
}

func (r *RAM) WriteAt(p []byte, addr Addr) error {
	if !r.Contains(addr, uint64(len(p))) {
		return fmt.Errorf("%w: write [%v, %v)", ErrUnmapped, addr, addr+Addr(len(p)))
	}

	copy(r.mem[addr-r.base:], p)
	return nil
}

func (r *RAM) wordOffset(addr Addr, w Width, isWrite bool) uint64 {
	if !w.valid() || uint64(addr)%uint64(w) != 0 {
		panic(&Fault{Addr: addr, Width: w, Write: isWrite, Err: ErrMisaligned})
	}

	if !r.Contains(addr, uint64(w)) {
		panic(&Fault{Addr: addr, Width: w, Write: isWrite, Err: ErrUnmapped})
	}

	return uint64(addr - r.base)
}

func (r *RAM) u32(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *RAM) u64(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}
