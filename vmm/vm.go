// Package vmm simulates a RISC-V virt board for the boot loader: RAM, a
// UART and a bus of virtio-mmio devices, plus the platform hooks that end a
// boot by jumping to the kernel or halting.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/c35s/rvboot/boot"
	"github.com/c35s/rvboot/loader"
	"github.com/c35s/rvboot/phys"
	"github.com/c35s/rvboot/uart"
	"github.com/c35s/rvboot/virtio"
	"github.com/c35s/rvboot/virtio/mmio"
)

// Config describes a new VM.
type Config struct {

	// MemSize is the size of the VM's memory in bytes.
	// It must be a multiple of the host's page size.
	// If MemSize is 0, the VM will have 128M of memory.
	MemSize int

	// RAMBase is the physical address of the first byte of memory.
	// The default is 0x8000_0000.
	RAMBase phys.Addr

	// Devices configures the VM's virtio-mmio devices.
	Devices []virtio.DeviceHandler

	// Console receives bytes written to the UART. The default discards them.
	Console io.Writer

	// MMIOBase and Slots place the virtio-mmio windows.
	// The defaults are 0x1000_1000 and 8.
	MMIOBase phys.Addr
	Slots    int

	// Log receives bus and device diagnostics. The default is slog.Default.
	Log *slog.Logger
}

// VM is a simulated board.
type VM struct {
	cfg   Config
	space *phys.Bus
	ram   *phys.RAM
	mem   []byte
	mmio  *mmio.Bus

	// mu serializes boots; a board has one hart.
	mu sync.Mutex

	// harts tracks boots still running after their caller gave up.
	harts sync.WaitGroup
}

// Result describes a boot that reached the kernel.
type Result struct {
	Entry    phys.Addr
	Segments []loader.Segment
	States   []boot.State
}

const (
	MemSizeMin     = 1 << 20   // 1M
	MemSizeDefault = 128 << 20 // 128M
	MemSizeMax     = 1 << 34   // 16G

	RAMBaseDefault = phys.Addr(0x8000_0000)
)

var (
	ErrConfig      = errors.New("vmm: invalid config")
	ErrAllocMemory = errors.New("vmm: memory allocation failed")
	ErrSetup       = errors.New("vmm: setup failed")
	ErrLoadImage   = errors.New("vmm: image load failed")
	ErrHalted      = errors.New("vmm: boot halted")
	ErrNoTransfer  = errors.New("vmm: boot ended without a transfer")
)

// New creates a new VM.
func New(cfg Config) (*VM, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	mem, err := allocMemory(cfg.MemSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	m := &VM{
		cfg:   cfg,
		space: phys.NewBus(cfg.Log),
		ram:   phys.NewRAM(cfg.RAMBase, mem),
		mem:   mem,
	}

	if err := m.setup(); err != nil {
		m.Close()
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	return m, nil
}

func (m *VM) setup() (err error) {
	if err := m.space.AddRAM(m.ram); err != nil {
		return err
	}

	if err := m.space.MapDevice(uart.Base, uart.Size, &uart.Device{Out: m.cfg.Console}); err != nil {
		return err
	}

	m.mmio, err = mmio.NewBus(mmio.Config{
		Devices: m.cfg.Devices,
		Mem:     m.space,
		Base:    m.cfg.MMIOBase,
		Slots:   m.cfg.Slots,
		Log:     m.cfg.Log,
	})

	if err != nil {
		return err
	}

	return m.mmio.Map(m.space)
}

// Space returns the VM's physical address space.
func (m *VM) Space() phys.Space {
	return m.space
}

// Devices enumerates the VM's virtio-mmio devices.
func (m *VM) Devices() []mmio.DeviceInfo {
	return m.mmio.Devices()
}

// LoadImage copies data into memory at addr, like a firmware loader placing
// an image before the boot loader runs.
func (m *VM) LoadImage(addr phys.Addr, data []byte) error {
	if err := m.ram.WriteAt(data, addr); err != nil {
		return fmt.Errorf("%w: %w", ErrLoadImage, err)
	}

	return nil
}

// Boot runs the boot sequence on its own goroutine, which plays the part of
// the hart. It returns when the sequence jumps to the kernel or halts. A
// halt is returned as ErrHalted wrapping the cause. If ctx is done first,
// Boot returns ctx.Err() and the sequence finishes in the background.
func (m *VM) Boot(ctx context.Context, cfg boot.Config) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	done := make(chan *hart, 1)
	h := &hart{}

	onState := cfg.OnState
	cfg.OnState = func(s boot.State) {
		h.states = append(h.states, s)
		if onState != nil {
			onState(s)
		}
	}

	m.harts.Add(1)
	go func() {
		defer m.harts.Done()
		h.run(m.space, cfg, done)
	}()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()

	case h = <-done:
	}

	res := Result{States: h.states}

	switch {
	case h.err != nil:
		return res, fmt.Errorf("%w: %w", ErrHalted, h.err)

	case !h.jumped:
		return res, ErrNoTransfer
	}

	res.Entry = h.entry.Addr()
	res.Segments = h.entry.Segments()

	m.cfg.Log.Info("boot complete", "entry", res.Entry)
	return res, nil
}

// Close waits for any running boot, then stops the devices and frees the
// VM's memory.
func (m *VM) Close() error {
	m.harts.Wait()

	var err error
	if m.mmio != nil {
		err = m.mmio.Close()
		m.mmio = nil
	}

	if m.mem != nil {
		err = errors.Join(err, freeMemory(m.mem))
		m.mem = nil
	}

	return err
}

// hart runs one boot and implements boot.Platform by ending the goroutine.
type hart struct {
	states []boot.State
	entry  loader.Entry
	jumped bool
	err    error
}

func (h *hart) run(space phys.Space, cfg boot.Config, done chan<- *hart) {
	defer func() { done <- h }()

	// a fault on the bus is the hart taking an access fault
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(*phys.Fault)
			if !ok {
				panic(r)
			}

			h.err = f
		}
	}()

	if err := boot.Run(space, h, cfg); err != nil && h.err == nil {
		h.err = err
	}
}

func (h *hart) Jump(e loader.Entry) {
	h.entry = e
	h.jumped = true
	runtime.Goexit()
}

func (h *hart) Halt(err error) {
	h.err = err
	runtime.Goexit()
}

func (cfg Config) validate() error {
	if pgsz := os.Getpagesize(); cfg.MemSize%pgsz != 0 {
		return fmt.Errorf("memory size must be a multiple of the host page size (%d)", pgsz)
	}

	if cfg.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", cfg.MemSize, MemSizeMin)
	}

	if cfg.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", cfg.MemSize, MemSizeMax)
	}

	if cfg.RAMBase%phys.Addr(os.Getpagesize()) != 0 {
		return fmt.Errorf("ram base %v isn't page aligned", cfg.RAMBase)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if cfg.RAMBase == 0 {
		cfg.RAMBase = RAMBaseDefault
	}

	if cfg.Console == nil {
		cfg.Console = io.Discard
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return cfg
}

var _ boot.Platform = (*hart)(nil)
