package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c35s/rvboot/boot"
	"github.com/c35s/rvboot/phys"
	"github.com/c35s/rvboot/virtio"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.yaml")
	err := os.WriteFile(path, []byte(strings.Join([]string{
		"source: memory",
		"image_base: 0x80300000",
		"self_test_frames: -1",
		"windows: [0x10002000, 0x10001000]",
		"block:",
		"  budget:",
		"    timeout: 250ms",
		"bootinfo:",
		"  archive_lba: 8",
	}, "\n")), 0o644)

	if err != nil {
		t.Fatal(err)
	}

	got, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	want := boot.Config{
		Source:         boot.SourceMemory,
		ImageBase:      0x8030_0000,
		SelfTestFrames: -1,
		Windows:        []phys.Addr{0x1000_2000, 0x1000_1000},
	}

	want.Block.Budget.Timeout = 250 * time.Millisecond
	want.BootInfo.ArchiveLBA = 8

	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(boot.Config{}, "OnState")); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	t.Run("unknown field", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("kernel: /boot/vmlinux\n"), 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := loadConfig(path); err == nil {
			t.Error("unknown field accepted")
		}
	})

	t.Run("empty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.yaml")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := loadConfig(path); err != nil {
			t.Error(err)
		}
	})
}

func TestOpenDisk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "disk.img", time.Time{}, strings.NewReader("short disk"))
	}))

	defer srv.Close()

	t.Run("download", func(t *testing.T) {
		s, err := openDisk(srv.URL+"/disk.img", false)
		if err != nil {
			t.Fatal(err)
		}

		if sz, err := s.Size(); err != nil || sz != virtio.SectorSize {
			t.Errorf("size=%d err=%v", sz, err)
		}
	})

	t.Run("stream", func(t *testing.T) {
		s, err := openDisk(srv.URL+"/disk.img", true)
		if err != nil {
			t.Fatal(err)
		}

		if _, ok := s.(*virtio.HTTPStorage); !ok {
			t.Errorf("storage is %T", s)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "disk.img")
		if err := os.WriteFile(path, make([]byte, 2*virtio.SectorSize), 0o644); err != nil {
			t.Fatal(err)
		}

		s, err := openDisk(path, false)
		if err != nil {
			t.Fatal(err)
		}

		defer s.(*virtio.FileStorage).File.Close()

		if sz, err := s.Size(); err != nil || sz != 2*virtio.SectorSize {
			t.Errorf("size=%d err=%v", sz, err)
		}
	})

	t.Run("bad scheme", func(t *testing.T) {
		if _, err := openDisk("ftp://example.com/disk.img", false); err == nil {
			t.Error("ftp accepted")
		}
	})
}
