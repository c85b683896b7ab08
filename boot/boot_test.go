package boot_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/c35s/rvboot/boot"
	"github.com/c35s/rvboot/bootinfo"
	"github.com/c35s/rvboot/frame"
	"github.com/c35s/rvboot/internal/elftest"
	"github.com/c35s/rvboot/loader"
	"github.com/c35s/rvboot/phys"
	"github.com/c35s/rvboot/uart"
	"github.com/c35s/rvboot/virtio"
	"github.com/c35s/rvboot/virtio/blk"
	"github.com/c35s/rvboot/virtio/mmio"
	"github.com/google/go-cmp/cmp"
)

const (
	ramBase    = phys.Addr(0x8000_0000)
	ramSize    = 32 << 20
	kernelAddr = 0x8040_0000
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var text = []byte("\x13\x00\x00\x00 kernel text")

type board struct {
	space *phys.Bus
	ram   *phys.RAM
	out   *bytes.Buffer
}

func newBoard(t *testing.T, devices ...virtio.DeviceHandler) *board {
	t.Helper()

	b := &board{
		space: phys.NewBus(quiet),
		ram:   phys.NewRAM(ramBase, make([]byte, ramSize)),
		out:   new(bytes.Buffer),
	}

	if err := b.space.AddRAM(b.ram); err != nil {
		t.Fatal(err)
	}

	if err := b.space.MapDevice(uart.Base, uart.Size, &uart.Device{Out: b.out}); err != nil {
		t.Fatal(err)
	}

	mb, err := mmio.NewBus(mmio.Config{Devices: devices, Mem: b.space, Log: quiet})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { mb.Close() })

	if err := mb.Map(b.space); err != nil {
		t.Fatal(err)
	}

	return b
}

func newDisk(t *testing.T, kernel []byte) *virtio.Block {
	t.Helper()

	buf := new(bytes.Buffer)
	err := bootinfo.WriteDisk(buf, bootinfo.Record{Kernel: "boot/kernel"},
		bootinfo.File{Name: "boot/kernel", Data: kernel})

	if err != nil {
		t.Fatal(err)
	}

	return &virtio.Block{Storage: &virtio.MemStorage{Bytes: buf.Bytes()}, Log: quiet}
}

// exit unwinds Run when the platform jumps or halts.
type exit struct{}

type platform struct {
	entry  *loader.Entry
	err    error
	states []boot.State
}

func (p *platform) Jump(e loader.Entry) {
	p.entry = &e
	panic(exit{})
}

func (p *platform) Halt(err error) {
	p.err = err
	panic(exit{})
}

func run(space phys.Space, cfg boot.Config) (p *platform) {
	p = new(platform)
	cfg.OnState = func(s boot.State) { p.states = append(p.states, s) }

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(exit); !ok {
				panic(r)
			}
		}
	}()

	boot.Run(space, p, cfg)
	return p
}

var allStates = []boot.State{
	boot.ConsoleInit,
	boot.MemoryInit,
	boot.BlockInit,
	boot.BootInfoLoad,
	boot.ImageLoad,
	boot.Transfer,
}

func TestRun(t *testing.T) {
	t.Run("disk", func(t *testing.T) {
		b := newBoard(t, newDisk(t, elftest.Kernel(kernelAddr, text)))
		p := run(b.space, boot.Config{})

		if p.err != nil {
			t.Fatalf("halted: %v", p.err)
		}

		if p.entry == nil || p.entry.Addr() != kernelAddr {
			t.Fatalf("entry = %v", p.entry)
		}

		if diff := cmp.Diff(allStates, p.states); diff != "" {
			t.Errorf("states mismatch (-want +got):\n%s", diff)
		}

		if got := b.ram.Bytes()[kernelAddr-ramBase:][:len(text)]; !bytes.Equal(got, text) {
			t.Errorf("kernel text = %q", got)
		}

		log := b.out.String()
		if !strings.Contains(log, "msg=\"jumping to kernel\" entry=0x80400000\r\n") {
			t.Errorf("no jump message in log:\n%s", log)
		}

		if strings.Contains(log, "time=") {
			t.Error("log lines have timestamps")
		}
	})

	t.Run("second slot", func(t *testing.T) {
		b := newBoard(t, &virtio.Block{Storage: &virtio.MemStorage{}, Log: quiet}, newDisk(t, elftest.Kernel(kernelAddr, text)))

		p := run(b.space, boot.Config{Windows: []phys.Addr{0x1000_2000}})
		if p.err != nil {
			t.Fatalf("halted: %v", p.err)
		}
	})

	t.Run("memory", func(t *testing.T) {
		b := newBoard(t)

		img := elftest.Kernel(kernelAddr, text)
		if err := b.ram.WriteAt(img, boot.DefaultImageBase); err != nil {
			t.Fatal(err)
		}

		p := run(b.space, boot.Config{Source: boot.SourceMemory, Log: quiet})
		if p.err != nil {
			t.Fatalf("halted: %v", p.err)
		}

		if diff := cmp.Diff(allStates, p.states); diff != "" {
			t.Errorf("states mismatch (-want +got):\n%s", diff)
		}

		if p.entry.Addr() != kernelAddr {
			t.Errorf("entry=%v", p.entry.Addr())
		}
	})

	t.Run("debug log", func(t *testing.T) {
		b := newBoard(t, newDisk(t, elftest.Kernel(kernelAddr, text)))
		p := run(b.space, boot.Config{LogLevel: slog.LevelDebug})

		if p.err != nil {
			t.Fatalf("halted: %v", p.err)
		}

		log := b.out.String()
		for _, want := range []string{
			"msg=\"frame self test\" frames=\"[0x81000000 0x81001000 0x81002000 0x81003000 0x81004000]\"",
			"msg=\"loaded segment\" addr=0x80400000",
			"msg=enter state=Transfer",
		} {
			if !strings.Contains(log, want) {
				t.Errorf("%q isn't in the log", want)
			}
		}
	})
}

func TestHalt(t *testing.T) {
	cases := []struct {
		name    string
		board   func(t *testing.T) *board
		cfg     boot.Config
		want    error
		stopped boot.State
	}{
		{
			name:    "no block device",
			board:   func(t *testing.T) *board { return newBoard(t) },
			want:    blk.ErrDeviceNotFound,
			stopped: boot.BlockInit,
		},
		{
			name: "blank disk",
			board: func(t *testing.T) *board {
				return newBoard(t, &virtio.Block{Storage: &virtio.MemStorage{Bytes: make([]byte, 4096)}, Log: quiet})
			},
			want:    bootinfo.ErrNotFound,
			stopped: boot.BootInfoLoad,
		},
		{
			name:    "not an elf",
			board:   func(t *testing.T) *board { return newBoard(t, newDisk(t, []byte("MZ not a kernel"))) },
			want:    loader.ErrInvalidFormat,
			stopped: boot.ImageLoad,
		},
		{
			name:    "kernel outside reserved memory",
			board:   func(t *testing.T) *board { return newBoard(t, newDisk(t, elftest.Kernel(0x8180_0000, text))) },
			want:    loader.ErrInvalidFormat,
			stopped: boot.ImageLoad,
		},
		{
			name:  "no memory for the queue",
			board: func(t *testing.T) *board { return newBoard(t, newDisk(t, elftest.Kernel(kernelAddr, text))) },
			cfg: boot.Config{
				Frames:         boot.Range{Start: frame.MemoryStart, End: frame.MemoryStart + 2*frame.PageSize},
				SelfTestFrames: -1,
			},
			want:    frame.ErrOutOfMemory,
			stopped: boot.BlockInit,
		},
		{
			name:    "self test",
			board:   func(t *testing.T) *board { return newBoard(t) },
			cfg:     boot.Config{Frames: boot.Range{Start: frame.MemoryStart, End: frame.MemoryStart + 2*frame.PageSize}},
			want:    frame.ErrOutOfMemory,
			stopped: boot.MemoryInit,
		},
		{
			name:    "image outside ram",
			board:   func(t *testing.T) *board { return newBoard(t) },
			cfg:     boot.Config{Source: boot.SourceMemory, ImageBase: 0x9000_0000},
			want:    loader.ErrInvalidFormat,
			stopped: boot.ImageLoad,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := c.board(t)
			p := run(b.space, c.cfg)

			if !errors.Is(p.err, c.want) {
				t.Fatalf("halt error isn't %v: %v", c.want, p.err)
			}

			if p.entry != nil {
				t.Error("jumped after a failure")
			}

			if n := len(p.states); n == 0 || p.states[n-1] != c.stopped {
				t.Errorf("states = %v, want last %v", p.states, c.stopped)
			}

			if !strings.Contains(b.out.String(), "level=ERROR msg=\"boot failed\" state="+c.stopped.String()) {
				t.Errorf("no diagnostic in log:\n%s", b.out)
			}
		})
	}

	t.Run("bad config", func(t *testing.T) {
		b := newBoard(t)
		p := run(b.space, boot.Config{Source: "tape"})

		if !errors.Is(p.err, boot.ErrConfig) {
			t.Errorf("error isn't ErrConfig: %v", p.err)
		}

		if len(p.states) != 0 {
			t.Errorf("entered %v", p.states)
		}
	})
}

// returner is a platform whose Jump and Halt return.
type returner struct {
	jumped bool
	err    error
}

func (r *returner) Jump(loader.Entry) { r.jumped = true }
func (r *returner) Halt(err error)    { r.err = err }

func TestJumpReturns(t *testing.T) {
	b := newBoard(t, newDisk(t, elftest.Kernel(kernelAddr, text)))

	var r returner
	err := boot.Run(b.space, &r, boot.Config{Log: quiet})

	if !r.jumped {
		t.Fatal("didn't jump")
	}

	if !errors.Is(err, boot.ErrNoTransfer) || !errors.Is(r.err, boot.ErrNoTransfer) {
		t.Errorf("error isn't ErrNoTransfer: %v, %v", err, r.err)
	}
}

func TestRetryable(t *testing.T) {
	wrappedOOM := fmt.Errorf("blk: queue memory: %w", frame.ErrOutOfMemory)

	cases := map[error]bool{
		blk.ErrTimeout:          true,
		wrappedOOM:              true,
		blk.ErrFeaturesRejected: false,
		loader.ErrInvalidFormat: false,
		bootinfo.ErrNotFound:    false,
	}

	for err, want := range cases {
		if got := boot.Retryable(err); got != want {
			t.Errorf("Retryable(%v) = %t", err, got)
		}
	}
}

func TestStateString(t *testing.T) {
	var got []string
	for _, s := range allStates {
		got = append(got, s.String())
	}

	want := []string{"ConsoleInit", "MemoryInit", "BlockInit", "BootInfoLoad", "ImageLoad", "Transfer"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	if s := boot.State(42).String(); s != "State(42)" {
		t.Errorf("got %q", s)
	}
}
