package phys

import "fmt"

// Access is the set of operations a register permits.
type Access uint8

const (
	ReadOnly Access = 1 << iota
	WriteOnly

	ReadWrite = ReadOnly | WriteOnly
)

// Reg describes a memory-mapped register relative to the base of its window.
type Reg struct {
	Name   string
	Off    uint64
	Width  Width
	Access Access
}

// Reg64 is a 64-bit value split across two 32-bit registers.
type Reg64 struct {
	Low, High Reg
}

func (r Reg) String() string {
	return fmt.Sprintf("%s@%#03x", r.Name, r.Off)
}

// Window is a device's register window.
type Window struct {
	Space Space
	Base  Addr
}

// Addr returns the physical address of offset off in the window.
func (w Window) Addr(off uint64) Addr {
	return w.Base + Addr(off)
}

// Read loads r. It panics if r is write-only.
func (w Window) Read(r Reg) uint64 {
	if r.Access&ReadOnly == 0 {
		panic(fmt.Sprintf("phys: read of write-only register %v", r))
	}

	return w.Space.Load(w.Addr(r.Off), r.Width)
}

// Write stores v to r. It panics if r is read-only.
func (w Window) Write(r Reg, v uint64) {
	if r.Access&WriteOnly == 0 {
		panic(fmt.Sprintf("phys: write of read-only register %v", r))
	}

	w.Space.Store(w.Addr(r.Off), r.Width, v)
}

// Read32 loads a 32-bit register.
func (w Window) Read32(r Reg) uint32 {
	return uint32(w.Read(r))
}

// Write32 stores a 32-bit register.
func (w Window) Write32(r Reg, v uint32) {
	w.Write(r, uint64(v))
}

// Read64 loads the low half of r, then the high half.
func (w Window) Read64(r Reg64) uint64 {
	lo := w.Read(r.Low)
	return w.Read(r.High)<<32 | lo
}

// Write64 stores the low half of v, then the high half.
func (w Window) Write64(r Reg64, v uint64) {
	w.Write(r.Low, v&0xffffffff)
	w.Write(r.High, v>>32)
}
