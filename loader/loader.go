// Package loader copies the loadable segments of a RISC-V ELF64 image into
// physical memory and reports where execution should begin.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/c35s/rvboot/phys"
)

// ErrInvalidFormat is returned for an image that isn't a little-endian
// RISC-V ELF64 file, or whose segments can't be placed.
var ErrInvalidFormat = errors.New("loader: invalid image format")

// Segment is a PT_LOAD segment placed in memory.
type Segment struct {
	Addr     phys.Addr
	Off      uint64
	FileSize uint64
	MemSize  uint64
}

// End returns the first address past the segment.
func (s Segment) End() phys.Addr {
	return s.Addr + phys.Addr(s.MemSize)
}

// Entry is the result of a successful load. Its address can only be obtained
// from Load, so holding one means the image's segments are in memory.
type Entry struct {
	addr phys.Addr
	segs []Segment
}

// Addr returns the entry point.
func (e Entry) Addr() phys.Addr {
	return e.addr
}

// Segments returns the segments that were loaded, in program header order.
func (e Entry) Segments() []Segment {
	return append([]Segment(nil), e.segs...)
}

func (e Entry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("entry", e.addr),
		slog.Int("segments", len(e.segs)))
}

type options struct {
	bounds []bounds
	log    *slog.Logger
}

type bounds struct {
	start, end phys.Addr
}

// An Option configures Load.
type Option func(*options)

// Bounds restricts segments to [start, end). When given more than once,
// each segment must fall inside one of the ranges.
func Bounds(start, end phys.Addr) Option {
	return func(o *options) {
		o.bounds = append(o.bounds, bounds{start, end})
	}
}

// WithLogger sets the logger that receives per-segment debug messages.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Load copies every PT_LOAD segment of the image in src to its physical
// address in dst, zeroing the part of each segment past its file data.
// Every segment is checked before any memory is written, so a rejected
// image leaves dst untouched.
func Load(src io.ReaderAt, dst phys.Space, opts ...Option) (Entry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.log == nil {
		o.log = slog.Default()
	}

	ident := make([]byte, len(elf.ELFMAG))
	if err := readFull(src, ident, 0); err != nil || !bytes.Equal(ident, []byte(elf.ELFMAG)) {
		return Entry{}, fmt.Errorf("%w: bad magic %q", ErrInvalidFormat, ident)
	}

	f, err := elf.NewFile(src)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	defer f.Close()

	switch {
	case f.Class != elf.ELFCLASS64:
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidFormat, f.Class)
	case f.Data != elf.ELFDATA2LSB:
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidFormat, f.Data)
	case f.Machine != elf.EM_RISCV:
		return Entry{}, fmt.Errorf("%w: machine %v", ErrInvalidFormat, f.Machine)
	}

	var segs []Segment
	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		s := Segment{
			Addr:     phys.Addr(p.Paddr),
			Off:      p.Off,
			FileSize: p.Filesz,
			MemSize:  p.Memsz,
		}

		if err := o.check(s); err != nil {
			return Entry{}, fmt.Errorf("%w: segment %d: %w", ErrInvalidFormat, i, err)
		}

		if err := checkData(src, s); err != nil {
			return Entry{}, fmt.Errorf("%w: segment %d: %w", ErrInvalidFormat, i, err)
		}

		segs = append(segs, s)
	}

	for i, s := range segs {
		if err := copySegment(dst, src, s); err != nil {
			return Entry{}, fmt.Errorf("loader: segment %d: %w", i, err)
		}

		o.log.Debug("loaded segment", "addr", s.Addr, "filesz", s.FileSize, "memsz", s.MemSize)
	}

	return Entry{addr: phys.Addr(f.Entry), segs: segs}, nil
}

// LoadAt loads an image that is already resident in space at base.
func LoadAt(space phys.Space, base phys.Addr, size int64, opts ...Option) (Entry, error) {
	return Load(phys.NewReader(space, base, size), space, opts...)
}

func (o *options) check(s Segment) error {
	if s.FileSize > s.MemSize {
		return fmt.Errorf("file size %#x exceeds mem size %#x", s.FileSize, s.MemSize)
	}

	if s.End() < s.Addr {
		return fmt.Errorf("[%v, +%#x) wraps", s.Addr, s.MemSize)
	}

	if len(o.bounds) == 0 {
		return nil
	}

	for _, b := range o.bounds {
		if s.Addr >= b.start && s.End() <= b.end {
			return nil
		}
	}

	return fmt.Errorf("[%v, %v) is outside memory", s.Addr, s.End())
}

// checkData makes sure the segment's file data is all in src by reading its
// last byte.
func checkData(src io.ReaderAt, s Segment) error {
	if s.FileSize == 0 {
		return nil
	}

	end := s.Off + s.FileSize
	if end < s.Off || end > math.MaxInt64 {
		return fmt.Errorf("file data at %#x+%#x wraps", s.Off, s.FileSize)
	}

	if err := readFull(src, make([]byte, 1), int64(end-1)); err != nil {
		return fmt.Errorf("file data [%#x, %#x) isn't in the image: %w", s.Off, end, err)
	}

	return nil
}

func copySegment(dst phys.Space, src io.ReaderAt, s Segment) error {
	buf := make([]byte, min(s.FileSize, 64<<10))

	for done := uint64(0); done < s.FileSize; {
		p := buf[:min(uint64(len(buf)), s.FileSize-done)]
		if err := readFull(src, p, int64(s.Off+done)); err != nil {
			return err
		}

		if err := dst.WriteAt(p, s.Addr+phys.Addr(done)); err != nil {
			return err
		}

		done += uint64(len(p))
	}

	return phys.Zero(dst, s.Addr+phys.Addr(s.FileSize), s.MemSize-s.FileSize)
}

// readFull is ReadAt that accepts io.EOF alongside a complete read.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}

	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}

	return err
}
