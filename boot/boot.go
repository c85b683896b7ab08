// Package boot sequences the boot loader: it brings up the console, the
// frame allocator and the block device, finds and loads the kernel, and
// hands the entry point to the platform.
//
// The sequence is linear. A failure in any stage is fatal: Run logs it and
// halts. There is no fallback and no retry across stages.
package boot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/c35s/rvboot/bootinfo"
	"github.com/c35s/rvboot/frame"
	"github.com/c35s/rvboot/loader"
	"github.com/c35s/rvboot/phys"
	"github.com/c35s/rvboot/uart"
	"github.com/c35s/rvboot/virtio/blk"
)

// State is a stage of the boot sequence.
type State int

const (
	ConsoleInit State = iota
	MemoryInit
	BlockInit
	BootInfoLoad
	ImageLoad
	Transfer
)

var stateNames = [...]string{
	ConsoleInit:  "ConsoleInit",
	MemoryInit:   "MemoryInit",
	BlockInit:    "BlockInit",
	BootInfoLoad: "BootInfoLoad",
	ImageLoad:    "ImageLoad",
	Transfer:     "Transfer",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// ErrNoTransfer is the halt reason when the platform's Jump returns.
var ErrNoTransfer = errors.New("boot: control returned from kernel")

// Platform transfers control out of the boot loader.
type Platform interface {

	// Jump starts executing the loaded image. It doesn't return.
	Jump(e loader.Entry)

	// Halt stops the machine after a fatal error. It doesn't return.
	Halt(err error)
}

// Retryable reports whether err is a condition a caller may retry: a block
// request timeout or an exhausted frame allocator. Run itself never retries.
func Retryable(err error) bool {
	return errors.Is(err, blk.ErrTimeout) || errors.Is(err, frame.ErrOutOfMemory)
}

type sequencer struct {
	cfg   Config
	space phys.Space
	log   *slog.Logger
	state State

	frames *frame.Allocator
	disk   *blk.Driver
	image  *io.SectionReader
}

// Run boots from space. It returns only if the platform's Halt returns,
// with the error that caused the halt.
func Run(space phys.Space, p Platform, cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		p.Halt(err)
		return err
	}

	s := &sequencer{cfg: cfg, space: space}

	entry, err := s.run()
	if err != nil {
		s.log.Error("boot failed", "state", s.state, "err", err, "retryable", Retryable(err))
		p.Halt(err)
		return err
	}

	s.enter(Transfer)
	s.log.Info("jumping to kernel", "entry", entry.Addr())
	p.Jump(entry)

	err = fmt.Errorf("%w: entry %v", ErrNoTransfer, entry.Addr())
	s.log.Error("boot failed", "state", s.state, "err", err)
	p.Halt(err)
	return err
}

func (s *sequencer) run() (loader.Entry, error) {
	s.enter(ConsoleInit)
	s.initConsole()

	s.enter(MemoryInit)
	if err := s.initMemory(); err != nil {
		return loader.Entry{}, err
	}

	s.enter(BlockInit)
	if err := s.initBlock(); err != nil {
		return loader.Entry{}, err
	}

	s.enter(BootInfoLoad)
	if err := s.loadBootInfo(); err != nil {
		return loader.Entry{}, err
	}

	s.enter(ImageLoad)
	return s.loadImage()
}

func (s *sequencer) enter(st State) {
	s.state = st
	if s.log != nil {
		s.log.Debug("enter", "state", st)
	}

	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

func (s *sequencer) initConsole() {
	if s.cfg.Log != nil {
		s.log = s.cfg.Log
	} else {
		con := uart.NewConsole(s.space, s.cfg.Console)
		s.log = slog.New(slog.NewTextHandler(con, &slog.HandlerOptions{
			Level:       s.cfg.LogLevel,
			ReplaceAttr: dropTime,
		}))
	}

	s.log.Info("rvboot starting", "source", s.cfg.Source)
}

// dropTime removes the timestamp; there's no clock this early.
func dropTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && len(groups) == 0 {
		return slog.Attr{}
	}

	return a
}

func (s *sequencer) initMemory() error {
	cfg := s.cfg

	frames, err := frame.New(cfg.Frames.Start, cfg.Frames.End, cfg.PageSize)
	if err != nil {
		return err
	}

	for _, r := range cfg.Reserved {
		frames.Reserve(r.Start, r.End)
	}

	var test []phys.Addr
	for range max(cfg.SelfTestFrames, 0) {
		addr, err := frames.Alloc()
		if err != nil {
			return fmt.Errorf("boot: frame self test: %w", err)
		}

		test = append(test, addr)
	}

	if len(test) > 0 {
		s.log.Debug("frame self test", "frames", test)
	}

	for _, addr := range test {
		frames.Free(addr)
	}

	if s.log.Enabled(context.Background(), slog.LevelDebug) {
		for i, addr := range frames.Used() {
			s.log.Debug("used frame", "index", i, "addr", addr)
		}
	}

	s.log.Info("memory ready", "frames", frames)
	s.frames = frames
	return nil
}

func (s *sequencer) initBlock() error {
	if s.cfg.Source == SourceMemory {
		s.log.Info("block device skipped")
		return nil
	}

	bcfg := s.cfg.Block
	if bcfg.Log == nil {
		bcfg.Log = s.log
	}

	for _, base := range s.cfg.Windows {
		w := phys.Window{Space: s.space, Base: base}
		if !blk.Probe(w, s.log) {
			continue
		}

		d, err := blk.New(w, s.frames, bcfg)
		if err != nil {
			return err
		}

		s.log.Info("block device ready", "disk", d)
		s.disk = d
		return nil
	}

	return blk.ErrDeviceNotFound
}

func (s *sequencer) loadBootInfo() error {
	if s.cfg.Source == SourceMemory {
		s.log.Info("boot info skipped", "image", s.cfg.ImageBase)
		s.image = phys.NewReader(s.space, s.cfg.ImageBase, s.cfg.ImageSize)
		return nil
	}

	opts := s.cfg.BootInfo
	if opts.Log == nil {
		opts.Log = s.log
	}

	r := s.disk.Reader()

	loc, rec, err := bootinfo.Resolve(r, r.Size(), opts)
	if err != nil {
		return err
	}

	s.log.Info("found kernel", "kernel", rec.Kernel, "location", loc)
	s.image = io.NewSectionReader(r, loc.Offset, loc.Size)
	return nil
}

func (s *sequencer) loadImage() (loader.Entry, error) {
	opts := []loader.Option{loader.WithLogger(s.log)}
	for _, r := range s.cfg.Reserved {
		opts = append(opts, loader.Bounds(r.Start, r.End))
	}

	entry, err := loader.Load(s.image, s.space, opts...)
	if err != nil {
		return loader.Entry{}, err
	}

	// the kernel gets the device back in reset
	if s.disk != nil {
		if err := s.disk.Close(); err != nil {
			s.log.Warn("block device close failed", "err", err)
		}
	}

	s.log.Info("kernel loaded", "image", entry)
	return entry, nil
}
