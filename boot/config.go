package boot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/c35s/rvboot/bootinfo"
	"github.com/c35s/rvboot/frame"
	"github.com/c35s/rvboot/phys"
	"github.com/c35s/rvboot/uart"
	"github.com/c35s/rvboot/virtio/blk"
)

// Source selects where the kernel image comes from.
type Source string

const (
	// SourceDisk reads the image from the first virtio block device, at the
	// location named by the disk's boot record.
	SourceDisk Source = "disk"

	// SourceMemory loads an image that is already resident at ImageBase.
	SourceMemory Source = "memory"
)

// Defaults for the QEMU virt board.
const (
	DefaultWindowBase  = phys.Addr(0x1000_1000)
	DefaultWindowCount = 8
	DefaultWindowSize  = 0x1000
	DefaultImageBase   = phys.Addr(0x8020_0000)
	DefaultImageSize   = int64(frame.MemoryStart - DefaultImageBase)

	DefaultSelfTestFrames = 5
)

// DefaultReserved is the memory owned by firmware and the loader, which is
// also where kernels are loaded.
var DefaultReserved = []Range{{Start: 0x8000_0000, End: frame.MemoryStart}}

// ErrConfig is returned for an invalid Config.
var ErrConfig = errors.New("boot: bad config")

// Range is the half-open physical range [Start, End).
type Range struct {
	Start phys.Addr `yaml:"start"`
	End   phys.Addr `yaml:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("[%v, %v)", r.Start, r.End)
}

// Config configures the boot sequence. The zero value boots from disk on
// the QEMU virt board.
type Config struct {

	// Console is the base of the UART the boot log is written to.
	// The default is uart.Base.
	Console phys.Addr `yaml:"console"`

	// LogLevel is the minimum level of the boot log.
	LogLevel slog.Level `yaml:"log_level"`

	// Log replaces the console logger when set.
	Log *slog.Logger `yaml:"-"`

	// Frames is the region managed by the frame allocator.
	// The default is [frame.MemoryStart, frame.MemoryEnd).
	Frames Range `yaml:"frames"`

	// PageSize is the frame size. The default is frame.PageSize.
	PageSize uint64 `yaml:"page_size"`

	// Reserved ranges are withheld from the frame allocator. Kernel
	// segments must fall inside one of them. The default is DefaultReserved.
	Reserved []Range `yaml:"reserved"`

	// SelfTestFrames is the number of frames allocated and freed again at
	// startup to check the allocator. Negative disables the check.
	// The default is DefaultSelfTestFrames.
	SelfTestFrames int `yaml:"self_test_frames"`

	// Windows are the virtio-mmio windows probed for a block device, in
	// order. The default is the eight virt board slots.
	Windows []phys.Addr `yaml:"windows"`

	// Block configures the block driver.
	Block blk.Config `yaml:"block"`

	// BootInfo says where to find the boot record on disk.
	BootInfo bootinfo.Options `yaml:"bootinfo"`

	// Source selects the image source. The default is SourceDisk.
	Source Source `yaml:"source"`

	// ImageBase and ImageSize locate the image for SourceMemory.
	// The defaults are DefaultImageBase and DefaultImageSize.
	ImageBase phys.Addr `yaml:"image_base"`
	ImageSize int64     `yaml:"image_size"`

	// OnState is called on entry to each state.
	OnState func(State) `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Console == 0 {
		c.Console = uart.Base
	}

	if c.Frames == (Range{}) {
		c.Frames = Range{frame.MemoryStart, frame.MemoryEnd}
	}

	if c.PageSize == 0 {
		c.PageSize = frame.PageSize
	}

	if c.Reserved == nil {
		c.Reserved = DefaultReserved
	}

	if c.SelfTestFrames == 0 {
		c.SelfTestFrames = DefaultSelfTestFrames
	}

	if c.Windows == nil {
		for i := range DefaultWindowCount {
			c.Windows = append(c.Windows, DefaultWindowBase+phys.Addr(i*DefaultWindowSize))
		}
	}

	if c.Source == "" {
		c.Source = SourceDisk
	}

	if c.ImageBase == 0 {
		c.ImageBase = DefaultImageBase
	}

	if c.ImageSize == 0 {
		c.ImageSize = DefaultImageSize
	}

	return c
}

func (c Config) validate() error {
	if c.Frames.End <= c.Frames.Start {
		return fmt.Errorf("%w: empty frame region %v", ErrConfig, c.Frames)
	}

	for _, r := range c.Reserved {
		if r.End <= r.Start {
			return fmt.Errorf("%w: empty reserved range %v", ErrConfig, r)
		}
	}

	switch c.Source {
	case SourceDisk:
		if len(c.Windows) == 0 {
			return fmt.Errorf("%w: no virtio windows", ErrConfig)
		}

	case SourceMemory:
		if c.ImageSize < 0 {
			return fmt.Errorf("%w: image size %d", ErrConfig, c.ImageSize)
		}

	default:
		return fmt.Errorf("%w: unknown source %q", ErrConfig, c.Source)
	}

	return nil
}
