// Package virtq implements the memory layout of split virtqueues as described
// by the Virtual I/O Device (VIRTIO) Version 1.2 spec, section 2.7. Ring is
// the driver's view of a queue and Queue is the device's.
//
// Both sides access the queue through a phys.Space. Ring indexes are always
// read and written with single volatile accesses: the avail index is stored
// after the descriptors and ring entry it publishes, and the used index is
// loaded before the used element it covers.
package virtq

import (
	"errors"
	"fmt"

	"github.com/c35s/rvboot/phys"
)

// Desc is a descriptor in a split virtqueue's descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	DescFNext     = 1 // buffer continues in the Next descriptor
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

// MaxSize is the largest queue size the layout allows.
const MaxSize = 1 << 15

// Layout offsets.
const (
	descSize     = 16
	availRingOff = 4
	usedRingOff  = 4
	usedElemSize = 8
)

// DescTableSize returns the size in bytes of a descriptor table for n descriptors.
func DescTableSize(n int) int { return descSize * n }

// AvailSize returns the size in bytes of an available ring for n descriptors,
// including the trailing used_event field.
func AvailSize(n int) int { return availRingOff + 2*n + 2 }

// UsedSize returns the size in bytes of a used ring for n descriptors,
// including the trailing avail_event field.
func UsedSize(n int) int { return usedRingOff + usedElemSize*n + 2 }

// ErrBadChain is returned by Queue.Next for a malformed descriptor chain.
var ErrBadChain = errors.New("virtq: bad descriptor chain")

// Ring is the driver side of a split virtqueue.
type Ring struct {
	mem   phys.Space
	size  uint16
	desc  phys.Addr
	avail phys.Addr
	used  phys.Addr
}

// NewRing returns the driver side of a queue with size descriptors whose
// areas live at the given addresses. The areas must already be zeroed.
func NewRing(mem phys.Space, size uint16, desc, avail, used phys.Addr) *Ring {
	return &Ring{mem: mem, size: size, desc: desc, avail: avail, used: used}
}

// Size returns the number of descriptors in the queue.
func (r *Ring) Size() uint16 {
	return r.size
}

// SetDesc writes descriptor i.
func (r *Ring) SetDesc(i uint16, d Desc) {
	a := r.desc + phys.Addr(descSize*uint64(i%r.size))
	phys.Store64(r.mem, a, d.Addr)
	phys.Store32(r.mem, a+8, d.Len)
	phys.Store32(r.mem, a+12, uint32(d.Flags)|uint32(d.Next)<<16)
}

// AvailIdx returns the index the driver will publish next.
func (r *Ring) AvailIdx() uint16 {
	return phys.Load16(r.mem, r.avail+2)
}

// Publish makes the chain starting at head available to the device and
// returns the new avail index. Flags and index are written together in one
// store, after the ring entry.
func (r *Ring) Publish(head uint16) uint16 {
	idx := r.AvailIdx()
	phys.Store16(r.mem, r.avail+availRingOff+phys.Addr(2*(idx%r.size)), head)

	idx++
	phys.Store32(r.mem, r.avail, uint32(idx)<<16)
	return idx
}

// UsedIdx returns the device's used index.
func (r *Ring) UsedIdx() uint16 {
	return phys.Load16(r.mem, r.used+2)
}

// UsedElem returns the used element written for used index idx.
func (r *Ring) UsedElem(idx uint16) (id, n uint32) {
	a := r.used + usedRingOff + phys.Addr(usedElemSize*uint64(idx%r.size))
	return phys.Load32(r.mem, a), phys.Load32(r.mem, a+4)
}

// Queue is the device side of a split virtqueue.
type Queue struct {
	mem   phys.Space
	size  uint16
	desc  phys.Addr
	avail phys.Addr
	used  phys.Addr

	lastAvail uint16
	usedIdx   uint16
}

// NewQueue returns the device side of a queue configured by the driver.
func NewQueue(mem phys.Space, size uint16, desc, avail, used phys.Addr) (*Queue, error) {
	if size == 0 || size > MaxSize {
		return nil, fmt.Errorf("virtq: bad queue size %d", size)
	}

	if desc%16 != 0 || avail%2 != 0 || used%4 != 0 {
		return nil, fmt.Errorf("virtq: misaligned queue areas %v %v %v", desc, avail, used)
	}

	q := &Queue{
		mem:   mem,
		size:  size,
		desc:  desc,
		avail: avail,
		used:  used,
	}

	return q, nil
}

// Next returns the next available chain, or nil if the driver hasn't made
// one available. The caller must release the chain before calling Next
// again.
func (q *Queue) Next() (*Chain, error) {
	if phys.Load16(q.mem, q.avail+2) == q.lastAvail {
		return nil, nil
	}

	head := phys.Load16(q.mem, q.avail+availRingOff+phys.Addr(2*(q.lastAvail%q.size)))
	q.lastAvail++

	c := &Chain{q: q, head: head}

	for i, n := head, 0; ; n++ {
		if i >= q.size || n == int(q.size) {
			return nil, fmt.Errorf("%w: head %d: descriptor %d", ErrBadChain, head, i)
		}

		d := q.readDesc(i)
		if d.Flags&DescFIndirect != 0 {
			return nil, fmt.Errorf("%w: head %d: indirect descriptor %d", ErrBadChain, head, i)
		}

		c.Desc = append(c.Desc, d)
		if d.Flags&DescFNext == 0 {
			break
		}

		i = d.Next
	}

	return c, nil
}

func (q *Queue) readDesc(i uint16) Desc {
	a := q.desc + phys.Addr(descSize*uint64(i))
	fn := phys.Load32(q.mem, a+12)

	return Desc{
		Addr:  phys.Load64(q.mem, a),
		Len:   phys.Load32(q.mem, a+8),
		Flags: uint16(fn),
		Next:  uint16(fn >> 16),
	}
}

func (q *Queue) release(head uint16, n uint32) {
	a := q.used + usedRingOff + phys.Addr(usedElemSize*uint64(q.usedIdx%q.size))
	phys.Store32(q.mem, a, uint32(head))
	phys.Store32(q.mem, a+4, n)

	q.usedIdx++
	phys.Store16(q.mem, q.used+2, q.usedIdx)
}

// Chain is a descriptor chain made available by the driver.
type Chain struct {
	q    *Queue
	head uint16
	Desc []Desc
}

// Head returns the index of the chain's first descriptor.
func (c *Chain) Head() uint16 {
	return c.head
}

// Len returns the number of descriptors in the chain.
func (c *Chain) Len() int {
	return len(c.Desc)
}

// IsRO reports whether descriptor i is device-readable.
func (c *Chain) IsRO(i int) bool {
	return c.Desc[i].Flags&DescFWrite == 0
}

// IsWO reports whether descriptor i is device-writable.
func (c *Chain) IsWO(i int) bool {
	return c.Desc[i].Flags&DescFWrite != 0
}

// Read copies the buffer of descriptor i out of driver memory.
func (c *Chain) Read(i int) ([]byte, error) {
	d := c.Desc[i]

	p := make([]byte, d.Len)
	if err := c.q.mem.ReadAt(p, phys.Addr(d.Addr)); err != nil {
		return nil, err
	}

	return p, nil
}

// Write copies p into the buffer of descriptor i. It fails if p is larger
// than the buffer or the buffer isn't device-writable.
func (c *Chain) Write(i int, p []byte) error {
	d := c.Desc[i]
	if !c.IsWO(i) {
		return fmt.Errorf("virtq: descriptor %d is read-only", i)
	}

	if len(p) > int(d.Len) {
		return fmt.Errorf("virtq: %d bytes overflow descriptor %d (%d bytes)", len(p), i, d.Len)
	}

	return c.q.mem.WriteAt(p, phys.Addr(d.Addr))
}

// Release returns the chain to the driver, reporting bytesWritten bytes
// written into its device-writable buffers.
func (c *Chain) Release(bytesWritten int) {
	c.q.release(c.head, uint32(bytesWritten))
}
