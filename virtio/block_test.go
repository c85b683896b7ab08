package virtio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/c35s/rvboot/phys"
	"github.com/c35s/rvboot/virtio"
	"github.com/c35s/rvboot/virtio/virtq"
)

const (
	ramBase = phys.Addr(0x8000_0000)
	desc    = ramBase
	avail   = ramBase + 0x1000
	used    = ramBase + 0x2000
	req     = ramBase + 0x3000
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type blkQ struct {
	ram  *phys.RAM
	ring *virtq.Ring
	q    *virtq.Queue
}

func newBlkQ(t *testing.T) *blkQ {
	t.Helper()

	ram := phys.NewRAM(ramBase, make([]byte, 0x4000))
	q, err := virtq.NewQueue(ram, 4, desc, avail, used)
	if err != nil {
		t.Fatal(err)
	}

	return &blkQ{ram, virtq.NewRing(ram, 4, desc, avail, used), q}
}

// submit publishes a header, data, status chain for a request.
func (b *blkQ) submit(typ uint32, sector uint64, dataFlags uint16) {
	mem := b.ram.Bytes()[req-ramBase:]
	binary.LittleEndian.PutUint32(mem, typ)
	binary.LittleEndian.PutUint64(mem[8:], sector)
	mem[16+512] = 0xff

	b.ring.SetDesc(0, virtq.Desc{Addr: uint64(req), Len: 16, Flags: virtq.DescFNext, Next: 1})
	b.ring.SetDesc(1, virtq.Desc{Addr: uint64(req + 16), Len: 512, Flags: dataFlags | virtq.DescFNext, Next: 2})
	b.ring.SetDesc(2, virtq.Desc{Addr: uint64(req + 16 + 512), Len: 1, Flags: virtq.DescFWrite})
	b.ring.Publish(0)
}

func (b *blkQ) data() []byte {
	return b.ram.Bytes()[req-ramBase+16 : req-ramBase+16+512]
}

func (b *blkQ) status() byte {
	return b.ram.Bytes()[req-ramBase+16+512]
}

func newDisk() []byte {
	disk := make([]byte, 4*virtio.SectorSize)
	for i := range disk {
		disk[i] = byte(i / virtio.SectorSize)
	}

	return disk
}

func TestBlock(t *testing.T) {
	t.Run("read", func(t *testing.T) {
		dev := &virtio.Block{Storage: &virtio.MemStorage{Bytes: newDisk()}, Log: quiet}
		dev.Ready(0)

		b := newBlkQ(t)
		b.submit(0, 2, virtq.DescFWrite)

		if err := dev.Handle(0, b.q); err != nil {
			t.Fatal(err)
		}

		if b.status() != 0 {
			t.Errorf("status=%d", b.status())
		}

		if !bytes.Equal(b.data(), bytes.Repeat([]byte{2}, 512)) {
			t.Error("wrong sector")
		}

		if id, n := b.ring.UsedElem(0); id != 0 || n != 513 {
			t.Errorf("used elem = {%d, %d}", id, n)
		}
	})

	t.Run("write", func(t *testing.T) {
		disk := newDisk()
		dev := &virtio.Block{Storage: &virtio.MemStorage{Bytes: disk}, Log: quiet}
		dev.Ready(0)

		b := newBlkQ(t)
		copy(b.data(), bytes.Repeat([]byte{9}, 512))
		b.submit(1, 3, 0)

		if err := dev.Handle(0, b.q); err != nil {
			t.Fatal(err)
		}

		if b.status() != 0 {
			t.Errorf("status=%d", b.status())
		}

		if !bytes.Equal(disk[3*512:], bytes.Repeat([]byte{9}, 512)) {
			t.Error("sector 3 wasn't written")
		}
	})

	statuses := []struct {
		name   string
		dev    *virtio.Block
		typ    uint32
		sector uint64
		flags  uint16
		want   byte
	}{
		{
			name: "read-only write",
			dev:  &virtio.Block{ReadOnly: true, Storage: &virtio.MemStorage{Bytes: newDisk()}},
			typ:  1,
			want: 2,
		},
		{
			name:  "unknown type",
			dev:   &virtio.Block{Storage: &virtio.MemStorage{Bytes: newDisk()}},
			typ:   8,
			flags: virtq.DescFWrite,
			want:  2,
		},
		{
			name:   "past the end",
			dev:    &virtio.Block{Storage: &virtio.MemStorage{Bytes: newDisk()}},
			sector: 4,
			flags:  virtq.DescFWrite,
			want:   1,
		},
	}

	for _, c := range statuses {
		t.Run(c.name, func(t *testing.T) {
			c.dev.Log = quiet
			c.dev.Ready(0)

			b := newBlkQ(t)
			b.submit(c.typ, c.sector, c.flags)

			if err := c.dev.Handle(0, b.q); err != nil {
				t.Fatal(err)
			}

			if b.status() != c.want {
				t.Errorf("status=%d, want %d", b.status(), c.want)
			}
		})
	}

	t.Run("bad chain", func(t *testing.T) {
		dev := &virtio.Block{Storage: &virtio.MemStorage{Bytes: newDisk()}, Log: quiet}

		b := newBlkQ(t)
		b.ring.SetDesc(0, virtq.Desc{Addr: uint64(req), Len: 16, Flags: virtq.DescFNext, Next: 1})
		b.ring.SetDesc(1, virtq.Desc{Addr: uint64(req + 16), Len: 1, Flags: virtq.DescFWrite})
		b.ring.Publish(0)

		if err := dev.Handle(0, b.q); !errors.Is(err, virtio.ErrBadRequest) {
			t.Errorf("error isn't ErrBadRequest: %v", err)
		}
	})

	t.Run("config", func(t *testing.T) {
		dev := &virtio.Block{Storage: &virtio.MemStorage{Bytes: newDisk()}}

		p := make([]byte, 8)
		if err := dev.ReadConfig(p, 0); err != nil {
			t.Fatal(err)
		}

		if c := binary.LittleEndian.Uint64(p); c != 4 {
			t.Errorf("capacity=%d", c)
		}

		p = make([]byte, 4)
		if err := dev.ReadConfig(p, 0x40); err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(p, make([]byte, 4)) {
			t.Errorf("past the config: %x", p)
		}
	})

	t.Run("features", func(t *testing.T) {
		rw := &virtio.Block{Storage: &virtio.MemStorage{}}
		ro := &virtio.Block{Storage: &virtio.MemStorage{}, ReadOnly: true}

		if rw.GetFeatures()&(1<<4) != 0 {
			t.Error("read-write device offers VIRTIO_BLK_F_RO")
		}

		if ro.GetFeatures()&(1<<4) == 0 {
			t.Error("read-only device doesn't offer VIRTIO_BLK_F_RO")
		}
	})
}

func TestMemStorage(t *testing.T) {
	ms := &virtio.MemStorage{Bytes: []byte("0123456789")}

	p := make([]byte, 4)
	if n, err := ms.ReadAt(p, 8); n != 2 || err != io.EOF {
		t.Errorf("n=%d err=%v", n, err)
	}

	if _, err := ms.ReadAt(p, 10); err != io.EOF {
		t.Errorf("err=%v", err)
	}

	if _, err := ms.WriteAt(p, 8); err == nil {
		t.Error("wrote past the end")
	}
}

func TestHTTPStorage(t *testing.T) {
	content := strings.Repeat("sector!\n", 128)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "disk.img", time.Time{}, strings.NewReader(content))
	}))

	defer srv.Close()

	hs := &virtio.HTTPStorage{URL: srv.URL}

	sz, err := hs.Size()
	if err != nil {
		t.Fatal(err)
	}

	if sz != int64(len(content)) {
		t.Errorf("size=%d", sz)
	}

	p := make([]byte, 16)
	if _, err := hs.ReadAt(p, 512); err != nil {
		t.Fatal(err)
	}

	if string(p) != content[512:528] {
		t.Errorf("got %q", p)
	}
}
