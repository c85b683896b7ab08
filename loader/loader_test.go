package loader_test

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"

	"github.com/c35s/rvboot/internal/elftest"
	"github.com/c35s/rvboot/loader"
	"github.com/c35s/rvboot/phys"
	"github.com/google/go-cmp/cmp"
)

const ramBase = phys.Addr(0x8000_0000)

func newRAM() *phys.RAM {
	mem := bytes.Repeat([]byte{0xaa}, 0x10000)
	return phys.NewRAM(ramBase, mem)
}

func TestLoad(t *testing.T) {
	t.Run("bss is zeroed", func(t *testing.T) {
		ram := newRAM()
		text := []byte("0123456789")

		img := elftest.Image(0x8000_1000, elftest.Prog{
			Type:    elf.PT_LOAD,
			Addr:    0x8000_1000,
			Data:    text,
			MemSize: 20,
		})

		e, err := loader.Load(bytes.NewReader(img), ram)
		if err != nil {
			t.Fatal(err)
		}

		if e.Addr() != 0x8000_1000 {
			t.Errorf("entry=%v", e.Addr())
		}

		got := ram.Bytes()[0x1000 : 0x1000+21]
		want := append(append(text, make([]byte, 10)...), 0xaa)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("memory mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("non-load segments are skipped", func(t *testing.T) {
		ram := newRAM()

		img := elftest.Image(0x8000_2000,
			elftest.Prog{Type: elf.PT_NOTE, Addr: 0x8000_3000, Data: []byte("note")},
			elftest.Prog{Type: elf.PT_LOAD, Addr: 0x8000_2000, Data: []byte("text")},
			elftest.Prog{Type: elf.PT_LOAD, Addr: 0x8000_4000, Data: []byte("data"), MemSize: 0x100},
		)

		e, err := loader.Load(bytes.NewReader(img), ram)
		if err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(ram.Bytes()[0x3000:0x3004], []byte{0xaa, 0xaa, 0xaa, 0xaa}) {
			t.Error("PT_NOTE segment was loaded")
		}

		if string(ram.Bytes()[0x2000:0x2004]) != "text" {
			t.Error("text segment wasn't loaded")
		}

		want := []loader.Segment{
			{Addr: 0x8000_2000, FileSize: 4, MemSize: 4},
			{Addr: 0x8000_4000, FileSize: 4, MemSize: 0x100},
		}

		opt := cmp.Transformer("noOff", func(s loader.Segment) loader.Segment {
			s.Off = 0
			return s
		})

		if diff := cmp.Diff(want, e.Segments(), opt); diff != "" {
			t.Errorf("segments mismatch (-want +got):\n%s", diff)
		}
	})

	rejected := []struct {
		name string
		img  func() []byte
		opts []loader.Option
	}{
		{
			name: "bad magic",
			img: func() []byte {
				img := elftest.Kernel(0x8000_1000, []byte("text"))
				img[0] = 0x7e
				return img
			},
		},
		{
			name: "truncated",
			img:  func() []byte { return []byte{0x7f, 'E'} },
		},
		{
			name: "elf32",
			img: func() []byte {
				img := elftest.Kernel(0x8000_1000, []byte("text"))
				img[elf.EI_CLASS] = byte(elf.ELFCLASS32)
				return img
			},
		},
		{
			name: "big endian",
			img: func() []byte {
				img := elftest.Kernel(0x8000_1000, []byte("text"))
				img[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
				return img
			},
		},
		{
			name: "wrong machine",
			img: func() []byte {
				img := elftest.Kernel(0x8000_1000, []byte("text"))
				img[18] = byte(elf.EM_AARCH64)
				return img
			},
		},
		{
			name: "file size exceeds mem size",
			img: func() []byte {
				return elftest.Image(0x8000_1000,
					elftest.Prog{Type: elf.PT_LOAD, Addr: 0x8000_1000, Data: []byte("text")},
					elftest.Prog{Type: elf.PT_LOAD, Addr: 0x8000_2000, Data: []byte("0123456789"), MemSize: 5},
				)
			},
		},
		{
			name: "outside bounds",
			img: func() []byte {
				return elftest.Image(0x8000_1000,
					elftest.Prog{Type: elf.PT_LOAD, Addr: 0x8000_1000, Data: []byte("text")},
					elftest.Prog{Type: elf.PT_LOAD, Addr: 0x8000_f000, Data: []byte("data"), MemSize: 0x2000},
				)
			},
			opts: []loader.Option{loader.Bounds(ramBase, ramBase+0x10000)},
		},
		{
			name: "truncated segment data",
			img: func() []byte {
				img := elftest.Image(0x8000_1000,
					elftest.Prog{Type: elf.PT_LOAD, Addr: 0x8000_1000, Data: []byte("first segment")},
					elftest.Prog{Type: elf.PT_LOAD, Addr: 0x8000_2000, Data: bytes.Repeat([]byte("second segment "), 4)},
				)

				return img[:len(img)-32]
			},
		},
	}

	for _, c := range rejected {
		t.Run(c.name, func(t *testing.T) {
			ram := newRAM()
			before := bytes.Clone(ram.Bytes())

			if _, err := loader.Load(bytes.NewReader(c.img()), ram, c.opts...); !errors.Is(err, loader.ErrInvalidFormat) {
				t.Errorf("error isn't ErrInvalidFormat: %v", err)
			}

			if !bytes.Equal(before, ram.Bytes()) {
				t.Error("memory was modified")
			}
		})
	}

	t.Run("unmapped destination", func(t *testing.T) {
		img := elftest.Kernel(0x9000_0000, []byte("text"))

		if _, err := loader.Load(bytes.NewReader(img), newRAM()); !errors.Is(err, phys.ErrUnmapped) {
			t.Errorf("error isn't ErrUnmapped: %v", err)
		}
	})
}

func TestLoadAt(t *testing.T) {
	ram := newRAM()
	img := elftest.Kernel(0x8000_1000, []byte("kernel"))

	if err := ram.WriteAt(img, 0x8000_8000); err != nil {
		t.Fatal(err)
	}

	e, err := loader.LoadAt(ram, 0x8000_8000, int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}

	if e.Addr() != 0x8000_1000 {
		t.Errorf("entry=%v", e.Addr())
	}

	if string(ram.Bytes()[0x1000:0x1006]) != "kernel" {
		t.Error("segment wasn't copied")
	}
}
