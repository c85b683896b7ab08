package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/c35s/rvboot/boot"
	"github.com/c35s/rvboot/bootinfo"
	"github.com/c35s/rvboot/internal/elftest"
	"github.com/c35s/rvboot/virtio"
	"github.com/c35s/rvboot/vmm"
)

func main() {
	// a kernel that is one jump-to-self instruction
	kernel := elftest.Kernel(0x8020_0000, []byte{0x6f, 0x00, 0x00, 0x00})

	disk := new(bytes.Buffer)
	if err := bootinfo.WriteDisk(disk, bootinfo.Record{Kernel: "kernel"}, bootinfo.File{Name: "kernel", Data: kernel}); err != nil {
		panic(err)
	}

	cfg := vmm.Config{
		Console: os.Stdout,
		Devices: []virtio.DeviceHandler{
			&virtio.Block{
				ReadOnly: true,
				Storage:  &virtio.MemStorage{Bytes: disk.Bytes()},
			},
		},
	}

	m, err := vmm.New(cfg)
	if err != nil {
		panic(err)
	}

	defer m.Close()

	res, err := m.Boot(context.TODO(), boot.Config{})
	if err != nil {
		panic(err)
	}

	fmt.Printf("entry %v\n", res.Entry)
}
