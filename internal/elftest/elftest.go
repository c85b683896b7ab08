// Package elftest builds minimal RISC-V ELF64 executables for tests and demos.
package elftest

import (
	"debug/elf"
	"encoding/binary"
)

// Prog is a program header and the file data it covers.
type Prog struct {
	Type    elf.ProgType
	Addr    uint64
	Data    []byte
	MemSize uint64 // defaults to len(Data)
}

const (
	ehdrSize = 64
	phdrSize = 56
)

var le = binary.LittleEndian

// Image returns an ELF64 executable with the given entry point and program
// headers. Segment data follows the headers, 8-byte aligned.
func Image(entry uint64, progs ...Prog) []byte {
	off := ehdrSize + phdrSize*len(progs)
	offs := make([]int, len(progs))
	for i, p := range progs {
		off = (off + 7) &^ 7
		offs[i] = off
		off += len(p.Data)
	}

	img := make([]byte, off)

	copy(img, elf.ELFMAG)
	img[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	img[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	img[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	le.PutUint16(img[16:], uint16(elf.ET_EXEC))
	le.PutUint16(img[18:], uint16(elf.EM_RISCV))
	le.PutUint32(img[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(img[24:], entry)
	le.PutUint64(img[32:], ehdrSize)
	le.PutUint16(img[52:], ehdrSize)
	le.PutUint16(img[54:], phdrSize)
	le.PutUint16(img[56:], uint16(len(progs)))
	le.PutUint16(img[58:], 64)

	for i, p := range progs {
		ph := img[ehdrSize+phdrSize*i:]

		memsz := p.MemSize
		if memsz == 0 {
			memsz = uint64(len(p.Data))
		}

		le.PutUint32(ph[0:], uint32(p.Type))
		le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_X))
		le.PutUint64(ph[8:], uint64(offs[i]))
		le.PutUint64(ph[16:], p.Addr)
		le.PutUint64(ph[24:], p.Addr)
		le.PutUint64(ph[32:], uint64(len(p.Data)))
		le.PutUint64(ph[40:], memsz)
		le.PutUint64(ph[48:], 8)

		copy(img[offs[i]:], p.Data)
	}

	return img
}

// Kernel returns a single-segment image at addr that starts at its first byte.
func Kernel(addr uint64, text []byte) []byte {
	return Image(addr, Prog{Type: elf.PT_LOAD, Addr: addr, Data: text})
}
