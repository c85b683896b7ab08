// Package phys models a physical address space: RAM, memory-mapped device
// registers, and the volatile accesses drivers make to them.
//
// Word accesses (Load and Store) are volatile and ordered. An access to an
// address that isn't mapped panics with a *Fault, the same way a load or store
// to a hole in the address map traps on real hardware. Bulk accesses (ReadAt
// and WriteAt) return ErrUnmapped instead, because their addresses usually
// come from data (an ELF header, say) rather than from the program.
package phys

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Addr is a physical address.
type Addr uint64

// Width is the size in bytes of a single register or memory access.
type Width uint8

const (
	W8  = Width(1)
	W16 = Width(2)
	W32 = Width(4)
	W64 = Width(8)
)

// Space is a physical address space.
type Space interface {

	// Load performs a volatile read of a naturally aligned value.
	Load(addr Addr, w Width) uint64

	// Store performs a volatile write of a naturally aligned value.
	Store(addr Addr, w Width, v uint64)

	// ReadAt copies len(p) bytes starting at addr into p.
	ReadAt(p []byte, addr Addr) error

	// WriteAt copies p into memory starting at addr.
	WriteAt(p []byte, addr Addr) error
}

// Device is a memory-mapped device. HandleMMIO is called with the offset of
// the access into the device's window and a buffer the size of the access.
// Reads fill data; writes consume it.
type Device interface {
	HandleMMIO(off uint64, data []byte, isWrite bool) error
}

// ErrUnmapped is returned by bulk accesses to addresses outside RAM.
var ErrUnmapped = errors.New("phys: address not mapped")

// ErrMisaligned is the cause of a Fault for an access that isn't naturally aligned.
var ErrMisaligned = errors.New("phys: misaligned access")

// Fault describes a failed word access.
type Fault struct {
	Addr  Addr
	Width Width
	Write bool
	Err   error
}

func (f *Fault) Error() string {
	op := "load"
	if f.Write {
		op = "store"
	}

	return fmt.Sprintf("phys: %s%d @ %#x: %v", op, f.Width*8, uint64(f.Addr), f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

var le = binary.LittleEndian

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// AlignDown rounds a down to a multiple of n, which must be a power of 2.
func (a Addr) AlignDown(n uint64) Addr {
	return a &^ Addr(n-1)
}

// AlignUp rounds a up to a multiple of n, which must be a power of 2.
func (a Addr) AlignUp(n uint64) Addr {
	return (a + Addr(n-1)) &^ Addr(n-1)
}

func (w Width) valid() bool {
	return w == W8 || w == W16 || w == W32 || w == W64
}

func (w Width) mask() uint64 {
	if w == W64 {
		return ^uint64(0)
	}

	return 1<<(8*uint64(w)) - 1
}

// Load8 reads a byte from s.
func Load8(s Space, addr Addr) uint8 { return uint8(s.Load(addr, W8)) }

// Load16 reads a 16-bit value from s.
func Load16(s Space, addr Addr) uint16 { return uint16(s.Load(addr, W16)) }

// Load32 reads a 32-bit value from s.
func Load32(s Space, addr Addr) uint32 { return uint32(s.Load(addr, W32)) }

// Load64 reads a 64-bit value from s.
func Load64(s Space, addr Addr) uint64 { return s.Load(addr, W64) }

// Store8 writes a byte to s.
func Store8(s Space, addr Addr, v uint8) { s.Store(addr, W8, uint64(v)) }

// Store16 writes a 16-bit value to s.
func Store16(s Space, addr Addr, v uint16) { s.Store(addr, W16, uint64(v)) }

// Store32 writes a 32-bit value to s.
func Store32(s Space, addr Addr, v uint32) { s.Store(addr, W32, uint64(v)) }

// Store64 writes a 64-bit value to s.
func Store64(s Space, addr Addr, v uint64) { s.Store(addr, W64, v) }

// Zero clears n bytes of s starting at addr.
func Zero(s Space, addr Addr, n uint64) error {
	var buf [4096]byte
	for n > 0 {
		k := min(n, uint64(len(buf)))
		if err := s.WriteAt(buf[:k], addr); err != nil {
			return err
		}

		addr += Addr(k)
		n -= k
	}

	return nil
}
