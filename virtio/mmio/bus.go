package mmio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/rvboot/phys"
	"github.com/c35s/rvboot/virtio"
	"github.com/c35s/rvboot/virtio/virtq"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Config configures a Bus.
type Config struct {

	// Devices are installed in consecutive slots starting at Base.
	Devices []virtio.DeviceHandler

	// Mem is the memory devices use to reach the driver's virtqueues.
	Mem phys.Space

	// Base is the address of the first slot. The default is the virt
	// board's 0x10001000.
	Base phys.Addr

	// Slots is the number of slots. Slots without a device answer with
	// device ID 0. The default is 8.
	Slots int

	// IRQ is the interrupt number of the first slot. The default is 1.
	IRQ int

	// QueueNumMax is the largest queue size devices accept. The default
	// is 1024.
	QueueNumMax uint32

	// RequiredFeatures are feature bits a driver must accept for
	// FEATURES_OK to stick.
	RequiredFeatures uint64

	// Log receives device errors. The default is slog.Default.
	Log *slog.Logger
}

// ErrConfig is returned by NewBus for an invalid config.
var ErrConfig = errors.New("mmio: bad config")

// Bus serves a row of virtio-mmio register windows.
type Bus struct {
	cfg     Config
	devices []*device

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

const maxQueues = 16

type device struct {
	bus  *Bus
	info DeviceInfo

	mu      sync.Mutex
	handler virtio.DeviceHandler
	state   deviceState
	serving [maxQueues]bool

	qC [maxQueues]chan struct{}
}

type deviceState struct {
	status  uint32
	version uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel uint32
	queue    [maxQueues]queueState

	intStatus uint32
}

type queueState struct {
	Ready      uint32
	NumDesc    uint32
	DescAddr   uint64 // address of the descriptor area
	DriverAddr uint64 // address of the driver area
	DeviceAddr uint64 // address of the device area

	vq *virtq.Queue
}

const (
	negotiatingFeatures = virtio.StatusAcknowledge | virtio.StatusDriver
	configuringQueues   = negotiatingFeatures | virtio.StatusFeaturesOK
	operatingNormally   = configuringQueues | virtio.StatusDriverOK
)

var le = binary.LittleEndian

func (c Config) withDefaults() Config {
	if c.Base == 0 {
		c.Base = 0x1000_1000
	}

	if c.Slots == 0 {
		c.Slots = 8
	}

	if c.IRQ == 0 {
		c.IRQ = 1
	}

	if c.QueueNumMax == 0 {
		c.QueueNumMax = 1024
	}

	if c.Log == nil {
		c.Log = slog.Default()
	}

	return c
}

func (c Config) validate() error {
	if c.Mem == nil {
		return fmt.Errorf("%w: Mem is nil", ErrConfig)
	}

	if len(c.Devices) > c.Slots {
		return fmt.Errorf("%w: %d devices don't fit in %d slots", ErrConfig, len(c.Devices), c.Slots)
	}

	if c.QueueNumMax > virtq.MaxSize {
		return fmt.Errorf("%w: QueueNumMax %d > %d", ErrConfig, c.QueueNumMax, virtq.MaxSize)
	}

	if c.Base%WindowSize != 0 {
		return fmt.Errorf("%w: Base %v is not page aligned", ErrConfig, c.Base)
	}

	return nil
}

// NewBus creates a bus with one slot per cfg.Slots and installs the devices.
// Queue workers start as drivers enable queues; Close stops them.
func NewBus(cfg Config) (*Bus, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	b := &Bus{
		cfg:     cfg,
		devices: make([]*device, cfg.Slots),
		ctx:     ctx,
		cancel:  cancel,
		g:       g,
	}

	for i := range b.devices {
		d := &device{
			bus: b,

			info: DeviceInfo{
				IRQ:  cfg.IRQ + i,
				Addr: cfg.Base + phys.Addr(i*WindowSize),
				Size: WindowSize,
			},
		}

		if i < len(cfg.Devices) {
			d.handler = cfg.Devices[i]
			d.info.Type = d.handler.GetType()
		}

		for i := range d.qC {
			d.qC[i] = make(chan struct{}, 1)
		}

		b.devices[i] = d
	}

	return b, nil
}

// Map maps every slot into pb.
func (b *Bus) Map(pb *phys.Bus) error {
	for _, d := range b.devices {
		if err := pb.MapDevice(d.info.Addr, d.info.Size, d); err != nil {
			return err
		}
	}

	return nil
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	var dd []DeviceInfo
	for _, d := range b.devices {
		if d.handler != nil {
			dd = append(dd, d.info)
		}
	}

	return dd
}

// Slot returns the device in slot i. It can be mapped with a phys.Bus.
func (b *Bus) Slot(i int) phys.Device {
	return b.devices[i]
}

// Close stops the queue workers and waits for them to exit.
func (b *Bus) Close() error {
	b.cancel()
	return b.g.Wait()
}

func (d *device) HandleMMIO(off uint64, data []byte, isWrite bool) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handler == nil {
		return d.handleEmpty(off, data, isWrite)
	}

	defer func() {
		if err != nil && !d.needsReset() && !d.driverFailed() {
			d.setNeedsReset(fmt.Errorf("%s %#03x: %w", rw(isWrite), off, err))
		}
	}()

	if off < regDeviceConfigStart && len(data) != 4 {
		return unix.EINVAL
	}

	if isWrite {
		return d.writeMMIO(off, data)
	}

	return d.readMMIO(off, data)
}

// handleEmpty serves a slot with no device behind it.
func (d *device) handleEmpty(off uint64, data []byte, isWrite bool) error {
	if isWrite {
		return nil
	}

	clear(data)
	if len(data) != 4 {
		return nil
	}

	switch off {
	case regMagicValue:
		le.PutUint32(data, virtio.MagicValue)

	case regVersion:
		le.PutUint32(data, virtio.Version)
	}

	return nil
}

func (d *device) readMMIO(off uint64, p []byte) error {
	switch off {
	case regMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case regVersion:
		le.PutUint32(p, virtio.Version)

	case regDeviceID:
		le.PutUint32(p, uint32(d.handler.GetType()))

	case regVendorID:
		le.PutUint32(p, 0x554d4551) // "QEMU"

	case regDeviceFeatures:
		le.PutUint32(p, uint32(d.getFeatures()>>(32*d.state.deviceFeaturesSel)))

	case regQueueNumMax:
		le.PutUint32(p, d.bus.cfg.QueueNumMax)

	case regQueueReady:
		le.PutUint32(p, d.selectedQueue().Ready)

	case regInterruptStatus:
		le.PutUint32(p, d.state.intStatus)

	case regStatus:
		le.PutUint32(p, d.state.status)

	case regConfigGeneration:
		le.PutUint32(p, d.state.version)

	default:
		if off < regDeviceConfigStart {
			return unix.EINVAL
		}

		return d.handler.ReadConfig(p, int(off-regDeviceConfigStart))
	}

	return nil
}

func (d *device) writeMMIO(off uint64, p []byte) error {
	// if the device or driver has failed, only allow status register writes (to reset)
	if d.state.status&(virtio.StatusNeedsReset|virtio.StatusFailed) > 0 && off != regStatus {
		return unix.EPERM
	}

	v := le.Uint32(p)

	switch off {
	case regDeviceFeaturesSel:
		return d.writeDeviceFeaturesSel(v)

	case regDriverFeatures:
		return d.writeDriverFeatures(v)

	case regDriverFeaturesSel:
		return d.writeDriverFeaturesSel(v)

	case regQueueSel:
		return d.writeQueueSel(v)

	case regQueueNum:
		return d.writeQueueNum(v)

	case regQueueReady:
		return d.writeQueueReady(v)

	case regQueueNotify:
		return d.writeQueueNotify(v)

	case regInterruptAck:
		return d.writeInterruptAck(v)

	case regStatus:
		return d.writeStatus(v)

	case regQueueDescLow, regQueueDescHigh:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, off == regQueueDescHigh, v)

	case regQueueDriverLow, regQueueDriverHigh:
		return d.writeQueueAddr(&d.selectedQueue().DriverAddr, off == regQueueDriverHigh, v)

	case regQueueDeviceLow, regQueueDeviceHigh:
		return d.writeQueueAddr(&d.selectedQueue().DeviceAddr, off == regQueueDeviceHigh, v)

	default:
		return unix.EINVAL
	}
}

func (d *device) writeStatus(v uint32) error {
	if v == 0 {
		d.reset()
		return nil
	}

	var (
		cur   = d.state.status
		added = v &^ cur
	)

	// bits only clear on reset, and only the device sets NEEDS_RESET
	if v&cur != cur || added&virtio.StatusNeedsReset != 0 {
		return unix.EINVAL
	}

	if v&virtio.StatusFailed != 0 {
		d.state.status = v
		d.state.version++
		d.log().Debug("virtio driver failed", "type", d.info.Type, "addr", d.info.Addr)
		return nil
	}

	if added&virtio.StatusFeaturesOK != 0 {
		if cur != negotiatingFeatures || added&virtio.StatusDriverOK != 0 {
			return unix.EPERM
		}

		if req := d.bus.cfg.RequiredFeatures; d.state.driverFeatures&req != req {
			d.log().Debug("virtio driver rejected required features",
				"type", d.info.Type, "addr", d.info.Addr,
				"accepted", fmt.Sprintf("%#x", d.state.driverFeatures),
				"required", fmt.Sprintf("%#x", req))

			v &^= virtio.StatusFeaturesOK
		}
	}

	if added&virtio.StatusDriverOK != 0 && cur != configuringQueues {
		return unix.EPERM
	}

	d.state.status = v
	d.state.version++

	if added&virtio.StatusDriverOK != 0 {
		if err := d.handler.Ready(d.state.driverFeatures); err != nil {
			return err
		}
	}

	return nil
}

func (d *device) writeDeviceFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.deviceFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.driverFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeatures(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	d.state.driverFeatures |= uint64(v) << (32 * d.state.driverFeaturesSel)

	if d.state.driverFeatures&^d.getFeatures() != 0 {
		return unix.EINVAL
	}

	return nil
}

func (d *device) writeQueueSel(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v >= maxQueues {
		return unix.EINVAL
	}

	d.state.queueSel = v
	return nil
}

func (d *device) writeQueueNum(v uint32) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	d.selectedQueue().NumDesc = v
	return nil
}

func (d *device) writeQueueAddr(addr *uint64, high bool, v uint32) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	if high {
		*addr = *addr&0xffffffff | uint64(v)<<32
	} else {
		*addr = *addr&^0xffffffff | uint64(v)
	}

	return nil
}

func (d *device) writeQueueReady(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v != 1 {
		return unix.EINVAL
	}

	qs := d.selectedQueue()
	if qs.Ready == 1 {
		return unix.EPERM
	}

	if qs.NumDesc == 0 || qs.NumDesc > d.bus.cfg.QueueNumMax {
		return unix.EINVAL
	}

	vq, err := virtq.NewQueue(d.bus.cfg.Mem, uint16(qs.NumDesc),
		phys.Addr(qs.DescAddr), phys.Addr(qs.DriverAddr), phys.Addr(qs.DeviceAddr))

	if err != nil {
		return err
	}

	qs.Ready = 1
	qs.vq = vq
	d.state.version++

	if qn := d.state.queueSel; !d.serving[qn] {
		d.serving[qn] = true
		d.bus.g.Go(func() error {
			return d.serve(int(qn))
		})
	}

	return nil
}

func (d *device) writeQueueNotify(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	if v >= maxQueues || d.state.queue[v].Ready != 1 {
		return unix.EPERM
	}

	select {
	case d.qC[v] <- struct{}{}:
	default:
	}

	return nil
}

func (d *device) writeInterruptAck(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	// clear flags
	d.state.intStatus &^= v

	return nil
}

// serve calls the handler each time the driver notifies queue qn, until the
// bus is closed. Queue state may be replaced by a reset between calls.
func (d *device) serve(qn int) error {
	for {
		select {
		case <-d.bus.ctx.Done():
			return nil

		case <-d.qC[qn]:
		}

		d.mu.Lock()
		vq := d.state.queue[qn].vq
		d.mu.Unlock()

		if vq == nil {
			continue
		}

		err := d.handler.Handle(qn, vq)

		d.mu.Lock()
		if err != nil {
			d.setNeedsReset(fmt.Errorf("%v: handle queue %d: %w", d.info.Type, qn, err))
		} else {
			d.state.intStatus |= intStatusUsedBuffer
		}
		d.mu.Unlock()
	}
}

// setNeedsReset records an unrecoverable device error. d.mu must be held.
func (d *device) setNeedsReset(err error) {
	if d.isOperatingNormally() {
		d.state.intStatus |= intStatusConfigChange
	}

	d.state.status |= virtio.StatusNeedsReset
	d.state.version++

	d.log().Warn("virtio device needs reset", "type", d.info.Type, "addr", d.info.Addr, "err", err)
}

func (d *device) reset() {
	d.state = deviceState{}

	for _, c := range d.qC {
		select {
		case <-c:
		default:
		}
	}
}

func (d *device) getFeatures() uint64 {
	return d.bus.cfg.RequiredFeatures | d.handler.GetFeatures()
}

func (d *device) isNegotiatingFeatures() bool {
	return d.state.status == negotiatingFeatures
}

func (d *device) isConfiguringQueues() bool {
	return d.state.status == configuringQueues
}

func (d *device) isOperatingNormally() bool {
	return d.state.status == operatingNormally
}

func (d *device) needsReset() bool {
	return d.state.status&virtio.StatusNeedsReset != 0
}

func (d *device) driverFailed() bool {
	return d.state.status&virtio.StatusFailed != 0
}

func (d *device) selectedQueue() *queueState {
	return &d.state.queue[d.state.queueSel]
}

func (d *device) log() *slog.Logger {
	return d.bus.cfg.Log
}

func rw(isWrite bool) string {
	if isWrite {
		return "write"
	}

	return "read"
}
