// Package frame implements a bitmap allocator for fixed-size physical frames.
package frame

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/c35s/rvboot/phys"
)

// Default region managed by the boot loader.
const (
	MemoryStart = phys.Addr(0x8100_0000)
	MemoryEnd   = phys.Addr(0x8200_0000)
	PageSize    = 4096
)

// ErrOutOfMemory is returned by Alloc when every frame is in use. It is not
// fatal by itself; the caller decides.
var ErrOutOfMemory = errors.New("frame: out of memory")

// ErrConfig is returned by New for a bad region.
var ErrConfig = errors.New("frame: bad config")

// Allocator hands out frames from [start, end). Bit i of the bitmap is set
// when frame i is in use. It is safe for concurrent use.
type Allocator struct {
	start    phys.Addr
	end      phys.Addr
	pageSize uint64
	count    int

	mu   sync.Mutex
	bits []uint64
}

// New returns an allocator for [start, end) with every frame free. pageSize
// must be a power of two, and start and end must be multiples of it.
func New(start, end phys.Addr, pageSize uint64) (*Allocator, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %d is not a power of 2", ErrConfig, pageSize)
	}

	if start.AlignDown(pageSize) != start || end.AlignDown(pageSize) != end {
		return nil, fmt.Errorf("%w: [%v, %v) is not page aligned", ErrConfig, start, end)
	}

	if end <= start {
		return nil, fmt.Errorf("%w: empty region [%v, %v)", ErrConfig, start, end)
	}

	n := int(uint64(end-start) / pageSize)
	a := &Allocator{
		start:    start,
		end:      end,
		pageSize: pageSize,
		count:    n,
		bits:     make([]uint64, (n+63)/64),
	}

	return a, nil
}

// Default returns an allocator for the boot loader's default region.
func Default() *Allocator {
	a, err := New(MemoryStart, MemoryEnd, PageSize)
	if err != nil {
		panic(err)
	}

	return a
}

// PageSize returns the size of a frame in bytes.
func (a *Allocator) PageSize() uint64 {
	return a.pageSize
}

// Alloc marks the lowest free frame used and returns its address.
func (a *Allocator) Alloc() (phys.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for w, word := range a.bits {
		if word == ^uint64(0) {
			continue
		}

		i := w*64 + bits.TrailingZeros64(^word)
		if i >= a.count {
			break
		}

		a.bits[w] |= 1 << (i % 64)
		return a.addr(i), nil
	}

	return 0, ErrOutOfMemory
}

// Free marks the frame containing addr free. Addresses outside the managed
// region are ignored.
func (a *Allocator) Free(addr phys.Addr) {
	if !a.Contains(addr) {
		return
	}

	i := a.index(addr)

	a.mu.Lock()
	a.bits[i/64] &^= 1 << (i % 64)
	a.mu.Unlock()
}

// Reserve marks every frame overlapping [start, end) used, whatever its
// previous state. The range is clamped to the managed region.
func (a *Allocator) Reserve(start, end phys.Addr) {
	start = max(start, a.start)
	end = min(end, a.end)
	if end <= start {
		return
	}

	first := a.index(start)
	last := a.index(end - 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := first; i <= last; i++ {
		a.bits[i/64] |= 1 << (i % 64)
	}
}

// Contains reports whether addr is inside the managed region.
func (a *Allocator) Contains(addr phys.Addr) bool {
	return addr >= a.start && addr < a.end
}

// Count returns the number of used frames and the total number of frames.
func (a *Allocator) Count() (used, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, word := range a.bits {
		used += bits.OnesCount64(word)
	}

	return used, a.count
}

// Used yields the index and address of every used frame in ascending order.
// Each iteration takes its own snapshot; nothing is modified.
func (a *Allocator) Used() iter.Seq2[int, phys.Addr] {
	return func(yield func(int, phys.Addr) bool) {
		a.mu.Lock()
		snap := append([]uint64(nil), a.bits...)
		a.mu.Unlock()

		for w, word := range snap {
			for word != 0 {
				b := bits.TrailingZeros64(word)
				word &^= 1 << b

				i := w*64 + b
				if !yield(i, a.addr(i)) {
					return
				}
			}
		}
	}
}

// LogValue implements slog.LogValuer.
func (a *Allocator) LogValue() slog.Value {
	used, total := a.Count()
	return slog.GroupValue(
		slog.String("start", a.start.String()),
		slog.String("end", a.end.String()),
		slog.Int("used", used),
		slog.Int("total", total))
}

func (a *Allocator) addr(i int) phys.Addr {
	return a.start + phys.Addr(uint64(i)*a.pageSize)
}

func (a *Allocator) index(addr phys.Addr) int {
	return int(uint64(addr-a.start) / a.pageSize)
}
