// mkdisk writes a boot disk: a cpio archive holding a boot record and the
// kernel it names, padded to whole sectors.
package main

import (
	"flag"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/c35s/rvboot/bootinfo"
)

func main() {
	var (
		out    = flag.String("o", "disk.img", "write the disk image to this file")
		kernel = flag.String("kernel", "", "add this kernel ELF to the disk")
		name   = flag.String("name", "boot/kernel.elf", "store the kernel under this archive path")
	)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: mkdisk -kernel FILE [flags] [archive-path=FILE ...]\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *kernel == "" {
		flag.Usage()
		os.Exit(2)
	}

	files, err := readFiles(*name, *kernel, flag.Args())
	if err != nil {
		fatal(err)
	}

	f, err := os.Create(*out)
	if err != nil {
		fatal(err)
	}

	if err := bootinfo.WriteDisk(f, bootinfo.Record{Kernel: *name}, files...); err != nil {
		f.Close()
		fatal(err)
	}

	if err := f.Close(); err != nil {
		fatal(err)
	}
}

func readFiles(name, kernel string, extra []string) ([]bootinfo.File, error) {
	data, err := os.ReadFile(kernel)
	if err != nil {
		return nil, err
	}

	files := []bootinfo.File{{Name: name, Data: data}}

	for _, arg := range extra {
		dst, src, ok := strings.Cut(arg, "=")
		if !ok {
			src, dst = arg, path.Base(arg)
		}

		data, err := os.ReadFile(src)
		if err != nil {
			return nil, err
		}

		files = append(files, bootinfo.File{Name: dst, Data: data})
	}

	return files, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "mkdisk:", err)
	os.Exit(1)
}
