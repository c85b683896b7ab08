// Package blk is a polling driver for virtio-mmio block devices.
//
// The driver owns one split virtqueue with a single 3-descriptor chain
// (header, data, status) and a single request buffer, so requests are
// strictly one at a time. Completion is detected by polling the used index
// within a caller-supplied budget.
package blk

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/c35s/rvboot/phys"
	"github.com/c35s/rvboot/virtio"
	"github.com/c35s/rvboot/virtio/mmio"
	"github.com/c35s/rvboot/virtio/virtq"
)

// SectorSize is the size of a block.
const SectorSize = virtio.SectorSize

// MaxQueueSize is the largest queue the driver sets up.
const MaxQueueSize = 8

// MinQueueSize is the length of a request chain: header, data, status.
const MinQueueSize = 3

var (
	// ErrDeviceNotFound means no window holds a block device.
	ErrDeviceNotFound = errors.New("blk: no virtio block device")

	// ErrFeaturesRejected means the device didn't accept FEATURES_OK.
	ErrFeaturesRejected = errors.New("blk: device rejected features")

	// ErrQueueUnavailable means queue 0 is missing or already in use.
	ErrQueueUnavailable = errors.New("blk: queue unavailable")

	// ErrDeviceFailed means the device reported NEEDS_RESET or FAILED.
	ErrDeviceFailed = errors.New("blk: device failed")

	// ErrIOStatus means the device completed a request with a nonzero status.
	ErrIOStatus = errors.New("blk: io error")

	// ErrTimeout means a request didn't complete within the poll budget.
	// The request is still owned by the device; the next call waits for it.
	ErrTimeout = errors.New("blk: timeout")

	// ErrOutOfRange means the block address is past the end of the device.
	ErrOutOfRange = errors.New("blk: block out of range")

	// ErrClosed means the driver was closed.
	ErrClosed = errors.New("blk: driver closed")
)

// Frames provides the memory for the virtqueue and request buffer.
// *frame.Allocator implements it.
type Frames interface {
	Alloc() (phys.Addr, error)
	Free(addr phys.Addr)
	PageSize() uint64
}

// Budget bounds how long a request is polled for. A zero field is no limit
// on that axis; a zero Budget means DefaultBudget.
type Budget struct {
	Polls   int           `yaml:"polls"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultBudget is generous enough for a slow emulated disk.
var DefaultBudget = Budget{Polls: 1 << 24, Timeout: 5 * time.Second}

// Config configures a Driver.
type Config struct {

	// QueueSize is the number of descriptors to ask for, between
	// MinQueueSize and MaxQueueSize. It is capped by the device's maximum,
	// which must be at least MinQueueSize. The default is MaxQueueSize.
	QueueSize uint16 `yaml:"queue_size"`

	// Budget bounds each request's completion poll.
	Budget Budget `yaml:"budget"`

	// Log receives diagnostics. The default is slog.Default.
	Log *slog.Logger `yaml:"-"`
}

// Driver drives one virtio block device.
type Driver struct {
	w      phys.Window
	mem    phys.Space
	frames Frames
	cfg    Config

	// mu serializes requests; the chain and request buffer are shared.
	mu       sync.Mutex
	ring     *virtq.Ring
	area     [numAreas]phys.Addr
	nArea    int
	capacity uint64

	// pending is set while a timed-out request is still with the device.
	pending      bool
	pendingStart uint16
}

// areas, one frame each
const (
	areaDesc = iota
	areaAvail
	areaUsed
	areaReq
	numAreas
)

// request buffer layout
const (
	hdrOff    = 0
	hdrSize   = 16
	dataOff   = hdrOff + hdrSize
	statusOff = dataOff + SectorSize
)

// request types and the initial status byte
const (
	typeIn        = 0
	typeOut       = 1
	statusPending = 0xff
)

var capacityReg = mmio.ConfigReg64("capacity", 0)

func (c Config) withDefaults() Config {
	if c.QueueSize == 0 {
		c.QueueSize = MaxQueueSize
	}

	if c.Budget == (Budget{}) {
		c.Budget = DefaultBudget
	}

	if c.Log == nil {
		c.Log = slog.Default()
	}

	return c
}

func (c Config) validate() error {
	if c.QueueSize < MinQueueSize || c.QueueSize > MaxQueueSize {
		return fmt.Errorf("blk: queue size %d isn't in [%d, %d]", c.QueueSize, MinQueueSize, MaxQueueSize)
	}

	if c.Budget.Polls < 0 || c.Budget.Timeout < 0 {
		return fmt.Errorf("blk: negative budget %+v", c.Budget)
	}

	return nil
}

// Probe reports whether w holds a virtio block device. It only reads the
// identification registers.
func Probe(w phys.Window, log *slog.Logger) bool {
	if log == nil {
		log = slog.Default()
	}

	var (
		magic   = w.Read32(mmio.RegMagicValue)
		version = w.Read32(mmio.RegVersion)
		id      = virtio.DeviceID(w.Read32(mmio.RegDeviceID))
		vendor  = w.Read32(mmio.RegVendorID)
	)

	ok := magic == virtio.MagicValue &&
		(version == virtio.LegacyVersion || version == virtio.Version) &&
		id == virtio.BlockDeviceID

	log.Info("virtio probe",
		"addr", w.Base,
		"magic", fmt.Sprintf("%#x", magic),
		"version", version,
		"device", id,
		"vendor", fmt.Sprintf("%#x", vendor),
		"match", ok)

	return ok
}

// New initializes the block device in w. The queue and request buffer take
// four frames from frames, which are returned if initialization fails. A
// frame must hold a whole request. On failure after the device was
// acknowledged, the FAILED status bit is set.
func New(w phys.Window, frames Frames, cfg Config) (*Driver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if ps := frames.PageSize(); ps < statusOff+1 {
		return nil, fmt.Errorf("blk: page size %d can't hold a %d-byte request", ps, statusOff+1)
	}

	d := &Driver{
		w:      w,
		mem:    w.Space,
		frames: frames,
		cfg:    cfg,
	}

	if err := d.init(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Driver) init() (err error) {
	w := d.w

	w.Write32(mmio.RegStatus, 0)
	w.Write32(mmio.RegStatus, virtio.StatusAcknowledge)

	defer func() {
		if err != nil {
			d.fail()
		}
	}()

	status := uint32(virtio.StatusAcknowledge | virtio.StatusDriver)
	w.Write32(mmio.RegStatus, status)

	w.Write32(mmio.RegDeviceFeaturesSel, 0)
	lo := w.Read32(mmio.RegDeviceFeatures)
	w.Write32(mmio.RegDeviceFeaturesSel, 1)
	hi := w.Read32(mmio.RegDeviceFeatures)

	d.cfg.Log.Debug("virtio block device features",
		"addr", w.Base,
		"features", fmt.Sprintf("%#x", uint64(hi)<<32|uint64(lo)))

	// accept nothing
	for sel := range uint32(2) {
		w.Write32(mmio.RegDriverFeaturesSel, sel)
		w.Write32(mmio.RegDriverFeatures, 0)
	}

	status |= virtio.StatusFeaturesOK
	w.Write32(mmio.RegStatus, status)

	if s := w.Read32(mmio.RegStatus); s&virtio.StatusFeaturesOK == 0 || failed(s) {
		return fmt.Errorf("%w: status %#x", ErrFeaturesRejected, s)
	}

	w.Write32(mmio.RegQueueSel, 0)

	if w.Read32(mmio.RegQueueReady) != 0 {
		return fmt.Errorf("%w: queue 0 is already live", ErrQueueUnavailable)
	}

	numMax := w.Read32(mmio.RegQueueNumMax)
	if numMax == 0 {
		return fmt.Errorf("%w: queue 0 doesn't exist", ErrQueueUnavailable)
	}

	if numMax < MinQueueSize {
		return fmt.Errorf("%w: queue 0 holds %d descriptors, a request needs %d", ErrQueueUnavailable, numMax, MinQueueSize)
	}

	size := uint16(min(numMax, uint32(d.cfg.QueueSize)))

	for i := range d.area {
		addr, err := d.frames.Alloc()
		if err != nil {
			return fmt.Errorf("blk: queue memory: %w", err)
		}

		d.area[i] = addr
		d.nArea++

		if err := phys.Zero(d.mem, addr, d.frames.PageSize()); err != nil {
			return fmt.Errorf("blk: queue memory: %w", err)
		}
	}

	w.Write64(mmio.RegQueueDesc, uint64(d.area[areaDesc]))
	w.Write64(mmio.RegQueueDriver, uint64(d.area[areaAvail]))
	w.Write64(mmio.RegQueueDevice, uint64(d.area[areaUsed]))
	w.Write32(mmio.RegQueueNum, uint32(size))
	w.Write32(mmio.RegQueueReady, 1)

	if r := w.Read32(mmio.RegQueueReady); r != 1 {
		return fmt.Errorf("%w: queue-ready reads %d", ErrQueueUnavailable, r)
	}

	status |= virtio.StatusDriverOK
	w.Write32(mmio.RegStatus, status)

	if s := w.Read32(mmio.RegStatus); s&virtio.StatusDriverOK == 0 || failed(s) {
		return fmt.Errorf("%w: status %#x", ErrDeviceFailed, s)
	}

	d.ring = virtq.NewRing(d.mem, size,
		d.area[areaDesc], d.area[areaAvail], d.area[areaUsed])

	d.capacity = d.readCapacity()

	d.cfg.Log.Info("virtio block device ready",
		"addr", w.Base,
		"queue", size,
		"sectors", d.capacity)

	return nil
}

// fail tells the device the driver gave up and returns the queue memory.
func (d *Driver) fail() {
	d.w.Write32(mmio.RegStatus, d.w.Read32(mmio.RegStatus)|virtio.StatusFailed)
	d.freeAreas()
}

func (d *Driver) freeAreas() {
	for i := range d.nArea {
		d.frames.Free(d.area[i])
	}

	d.area = [numAreas]phys.Addr{}
	d.nArea = 0
}

func (d *Driver) readCapacity() uint64 {
	var c uint64
	for range 4 {
		gen := d.w.Read32(mmio.RegConfigGeneration)
		c = d.w.Read64(capacityReg)

		if d.w.Read32(mmio.RegConfigGeneration) == gen {
			break
		}
	}

	return c
}

// Capacity returns the size of the device in sectors.
func (d *Driver) Capacity() uint64 {
	return d.capacity
}

// Base returns the address of the device's register window.
func (d *Driver) Base() phys.Addr {
	return d.w.Base
}

// ReadBlock reads sector lba into buf. Concurrent calls are serialized.
func (d *Driver) ReadBlock(lba uint64, buf *[SectorSize]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.do(typeIn, lba, nil); err != nil {
		return err
	}

	return d.mem.ReadAt(buf[:], d.area[areaReq]+dataOff)
}

// WriteBlock writes buf to sector lba. Concurrent calls are serialized.
func (d *Driver) WriteBlock(lba uint64, buf *[SectorSize]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.do(typeOut, lba, buf[:])
}

// do submits one request and waits for it. d.mu must be held.
func (d *Driver) do(typ uint32, lba uint64, data []byte) error {
	if d.ring == nil {
		return ErrClosed
	}

	if d.capacity > 0 && lba >= d.capacity {
		return fmt.Errorf("%w: %d >= %d", ErrOutOfRange, lba, d.capacity)
	}

	if d.pending {
		if err := d.wait(d.pendingStart); err != nil {
			return fmt.Errorf("%w: previous request still outstanding", err)
		}

		d.pending = false
		d.cfg.Log.Debug("virtio block late completion", "addr", d.w.Base)
	}

	// interrupts are off; clear what the last completion latched
	if is := d.w.Read32(mmio.RegInterruptStatus); is != 0 {
		d.w.Write32(mmio.RegInterruptAck, is)
	}

	req := d.area[areaReq]

	phys.Store32(d.mem, req+hdrOff, typ)
	phys.Store32(d.mem, req+hdrOff+4, 0)
	phys.Store64(d.mem, req+hdrOff+8, lba)

	dataFlags := uint16(virtq.DescFNext | virtq.DescFWrite)
	if typ == typeOut {
		dataFlags = virtq.DescFNext
		if err := d.mem.WriteAt(data, req+dataOff); err != nil {
			return err
		}
	} else if err := phys.Zero(d.mem, req+dataOff, SectorSize); err != nil {
		return err
	}

	phys.Store8(d.mem, req+statusOff, statusPending)

	d.ring.SetDesc(0, virtq.Desc{Addr: uint64(req + hdrOff), Len: hdrSize, Flags: virtq.DescFNext, Next: 1})
	d.ring.SetDesc(1, virtq.Desc{Addr: uint64(req + dataOff), Len: SectorSize, Flags: dataFlags, Next: 2})
	d.ring.SetDesc(2, virtq.Desc{Addr: uint64(req + statusOff), Len: 1, Flags: virtq.DescFWrite})

	start := d.ring.UsedIdx()
	d.ring.Publish(0)
	d.w.Write32(mmio.RegQueueNotify, 0)

	if err := d.wait(start); err != nil {
		d.pending = true
		d.pendingStart = start
		return err
	}

	if id, _ := d.ring.UsedElem(start); id != 0 {
		return fmt.Errorf("%w: device used descriptor %d, not the request", ErrIOStatus, id)
	}

	if s := phys.Load8(d.mem, req+statusOff); s != 0 {
		return fmt.Errorf("%w: sector %d: status %d", ErrIOStatus, lba, s)
	}

	return nil
}

// wait polls the used index until it moves past start or the budget runs
// out.
func (d *Driver) wait(start uint16) error {
	var (
		b        = d.cfg.Budget
		deadline time.Time
	)

	if b.Timeout > 0 {
		deadline = time.Now().Add(b.Timeout)
	}

	for n := 0; ; n++ {
		if d.ring.UsedIdx() != start {
			return nil
		}

		if b.Polls > 0 && n >= b.Polls {
			return fmt.Errorf("%w: no completion after %d polls", ErrTimeout, n)
		}

		if !deadline.IsZero() && n%64 == 0 && time.Now().After(deadline) {
			return fmt.Errorf("%w: no completion after %v", ErrTimeout, b.Timeout)
		}

		runtime.Gosched()
	}
}

// Reader returns a reader over the whole device. Reads go through
// ReadBlock one sector at a time.
func (d *Driver) Reader() *io.SectionReader {
	return io.NewSectionReader(sectorReader{d}, 0, int64(d.capacity)*SectorSize)
}

type sectorReader struct {
	d *Driver
}

func (r sectorReader) ReadAt(p []byte, off int64) (n int, err error) {
	var (
		size = int64(r.d.capacity) * SectorSize
		sec  [SectorSize]byte
	)

	for n < len(p) {
		pos := off + int64(n)
		if pos >= size {
			return n, io.EOF
		}

		if err := r.d.ReadBlock(uint64(pos/SectorSize), &sec); err != nil {
			return n, err
		}

		n += copy(p[n:], sec[pos%SectorSize:])
	}

	return n, nil
}

// Close resets the device, then returns the queue memory.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ring == nil {
		return ErrClosed
	}

	d.w.Write32(mmio.RegStatus, 0)
	d.freeAreas()
	d.ring = nil

	return nil
}

// LogValue implements slog.LogValuer.
func (d *Driver) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", d.w.Base.String()),
		slog.Uint64("sectors", d.capacity))
}

func failed(status uint32) bool {
	return status&(virtio.StatusNeedsReset|virtio.StatusFailed) != 0
}
