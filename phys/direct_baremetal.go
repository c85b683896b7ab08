//go:build baremetal

package phys

import (
	"sync/atomic"
	"unsafe"
)

// Direct is the machine's own address space, accessed through raw pointers.
// It only makes sense on a runtime that runs with physical addressing.
//
// 32- and 64-bit accesses are atomic. Go has no 8- or 16-bit atomics, so
// narrow accesses inside [RAMStart, RAMEnd) go through the containing
// 32-bit word like RAM's do. Narrow accesses elsewhere are device registers,
// where touching the neighbouring bytes isn't allowed; they are plain
// accesses with a fence on each side.
type Direct struct {
	RAMStart Addr
	RAMEnd   Addr
}

// fence is the target of the atomic operations that order plain accesses.
var fence uint32

func (d Direct) Load(addr Addr, w Width) uint64 {
	if w == W8 || w == W16 {
		if d.isRAM(addr, w) {
			v := atomic.LoadUint32(word(addr))
			return uint64(v>>(8*(addr&3))) & w.mask()
		}

		atomic.AddUint32(&fence, 0)
		defer atomic.AddUint32(&fence, 0)
	}

	p := ptr(addr)

	switch w {
	case W8:
		return uint64(*(*uint8)(p))
	case W16:
		return uint64(*(*uint16)(p))
	case W32:
		return uint64(atomic.LoadUint32((*uint32)(p)))
	case W64:
		return atomic.LoadUint64((*uint64)(p))
	}

	panic(&Fault{Addr: addr, Width: w, Err: ErrMisaligned})
}

func (d Direct) Store(addr Addr, w Width, v uint64) {
	if w == W8 || w == W16 {
		if d.isRAM(addr, w) {
			var (
				p     = word(addr)
				shift = 8 * uint64(addr&3)
				mask  = uint32(w.mask()) << shift
			)

			for {
				old := atomic.LoadUint32(p)
				if atomic.CompareAndSwapUint32(p, old, old&^mask|uint32(v)<<shift&mask) {
					return
				}
			}
		}

		atomic.AddUint32(&fence, 0)
		defer atomic.AddUint32(&fence, 0)
	}

	p := ptr(addr)

	switch w {
	case W8:
		*(*uint8)(p) = uint8(v)
	case W16:
		*(*uint16)(p) = uint16(v)
	case W32:
		atomic.StoreUint32((*uint32)(p), uint32(v))
	case W64:
		atomic.StoreUint64((*uint64)(p), v)
	default:
		panic(&Fault{Addr: addr, Width: w, Write: true, Err: ErrMisaligned})
	}
}

func (Direct) ReadAt(p []byte, addr Addr) error {
	copy(p, unsafe.Slice((*byte)(ptr(addr)), len(p)))
	return nil
}

func (Direct) WriteAt(p []byte, addr Addr) error {
	copy(unsafe.Slice((*byte)(ptr(addr)), len(p)), p)
	return nil
}

func (d Direct) isRAM(addr Addr, w Width) bool {
	if uint64(addr)%uint64(w) != 0 {
		panic(&Fault{Addr: addr, Width: w, Err: ErrMisaligned})
	}

	return addr >= d.RAMStart && addr+Addr(w) <= d.RAMEnd
}

// word returns the aligned 32-bit word holding addr.
func word(addr Addr) *uint32 {
	return (*uint32)(ptr(addr &^ 3))
}

//go:nocheckptr
func ptr(addr Addr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}
