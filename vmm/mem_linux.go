//go:build linux

package vmm

import "golang.org/x/sys/unix"

func allocMemory(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
}

func freeMemory(mem []byte) error {
	return unix.Munmap(mem)
}
