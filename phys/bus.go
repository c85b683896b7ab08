package phys

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// ErrOverlap is returned when a region is mapped over another one.
var ErrOverlap = errors.New("phys: overlapping region")

// Bus is an address decoder. It routes word accesses to RAM or to mapped
// devices and bulk accesses to RAM only; devices never see DMA.
//
// Devices must be safe for concurrent use. Mapping must finish before the
// bus is shared.
type Bus struct {
	ram []*RAM
	dev []mapping
	log *slog.Logger
}

type mapping struct {
	base Addr
	size uint64
	dev  Device
}

// NewBus returns an empty bus. Rejected device writes are logged to log at
// debug level; a nil log means slog.Default.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}

	return &Bus{log: log}
}

// AddRAM maps r.
func (b *Bus) AddRAM(r *RAM) error {
	if err := b.checkFree(r.Base(), r.Size()); err != nil {
		return err
	}

	b.ram = append(b.ram, r)
	return nil
}

// MapDevice maps dev at [base, base+size).
func (b *Bus) MapDevice(base Addr, size uint64, dev Device) error {
	if err := b.checkFree(base, size); err != nil {
		return err
	}

	b.dev = append(b.dev, mapping{base, size, dev})
	slices.SortFunc(b.dev, func(x, y mapping) int {
		return cmp.Compare(x.base, y.base)
	})

	return nil
}

func (b *Bus) Load(addr Addr, w Width) uint64 {
	if r := b.ramFor(addr, uint64(w)); r != nil {
		return r.Load(addr, w)
	}

	m, ok := b.deviceFor(addr, w, false)
	if !ok {
		panic(&Fault{Addr: addr, Width: w, Err: ErrUnmapped})
	}

	var buf [8]byte
	if err := m.dev.HandleMMIO(uint64(addr-m.base), buf[:w], false); err != nil {
		panic(&Fault{Addr: addr, Width: w, Err: err})
	}

	return le.Uint64(buf[:])
}

func (b *Bus) Store(addr Addr, w Width, v uint64) {
	if r := b.ramFor(addr, uint64(w)); r != nil {
		r.Store(addr, w, v)
		return
	}

	m, ok := b.deviceFor(addr, w, true)
	if !ok {
		panic(&Fault{Addr: addr, Width: w, Write: true, Err: ErrUnmapped})
	}

	var buf [8]byte
	le.PutUint64(buf[:], v)

	if err := m.dev.HandleMMIO(uint64(addr-m.base), buf[:w], true); err != nil {
		b.log.Debug("device ignored write", "addr", addr, "width", int(w), "val", fmt.Sprintf("%#x", v), "err", err)
	}
}

func (b *Bus) ReadAt(p []byte, addr Addr) error {
	r := b.ramFor(addr, uint64(len(p)))
	if r == nil {
		return fmt.Errorf("%w: read [%v, %v)", ErrUnmapped, addr, addr+Addr(len(p)))
	}

	return r.ReadAt(p, addr)
}

func (b *Bus) WriteAt(p []byte, addr Addr) error {
	r := b.ramFor(addr, uint64(len(p)))
	if r == nil {
		return fmt.Errorf("%w: write [%v, %v)", ErrUnmapped, addr, addr+Addr(len(p)))
	}

	return r.WriteAt(p, addr)
}

func (b *Bus) ramFor(addr Addr, n uint64) *RAM {
	for _, r := range b.ram {
		if r.Contains(addr, n) {
			return r
		}
	}

	return nil
}

func (b *Bus) deviceFor(addr Addr, w Width, isWrite bool) (mapping, bool) {
	if !w.valid() || uint64(addr)%uint64(w) != 0 {
		panic(&Fault{Addr: addr, Width: w, Write: isWrite, Err: ErrMisaligned})
	}

	for _, m := range b.dev {
		if addr >= m.base && uint64(addr-m.base)+uint64(w) <= m.size {
			return m, true
		}
	}

	return mapping{}, false
}

func (b *Bus) checkFree(base Addr, size uint64) error {
	if size == 0 || base+Addr(size) < base {
		return fmt.Errorf("%w: bad region [%v, +%#x)", ErrOverlap, base, size)
	}

	overlaps := func(b2 Addr, s2 uint64) bool {
		return base < b2+Addr(s2) && b2 < base+Addr(size)
	}

	for _, r := range b.ram {
		if overlaps(r.Base(), r.Size()) {
			return fmt.Errorf("%w: [%v, +%#x) overlaps RAM at %v", ErrOverlap, base, size, r.Base())
		}
	}

	for _, m := range b.dev {
		if overlaps(m.base, m.size) {
			return fmt.Errorf("%w: [%v, +%#x) overlaps device at %v", ErrOverlap, base, size, m.base)
		}
	}

	return nil
}
