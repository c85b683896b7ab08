package bootinfo

import (
	"fmt"
	"io"

	"github.com/cavaliergopher/cpio"
	"gopkg.in/yaml.v3"
)

// File is an archive member written by WriteDisk.
type File struct {
	Name string
	Data []byte
}

// WriteDisk writes a boot disk image to w: the boot record as
// DefaultRecordName, then files, padded to a whole number of sectors. The
// archive starts at sector 0.
func WriteDisk(w io.Writer, rec Record, files ...File) error {
	raw, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}

	cw := &countingWriter{w: w}
	aw := cpio.NewWriter(cw)

	for _, f := range append([]File{{DefaultRecordName, raw}}, files...) {
		err := aw.WriteHeader(&cpio.Header{
			Name: f.Name,
			Mode: 0644,
			Size: int64(len(f.Data)),
		})

		if err != nil {
			return fmt.Errorf("bootinfo: %s: %w", f.Name, err)
		}

		if _, err := aw.Write(f.Data); err != nil {
			return fmt.Errorf("bootinfo: %s: %w", f.Name, err)
		}
	}

	if err := aw.Close(); err != nil {
		return err
	}

	if pad := (SectorSize - cw.n%SectorSize) % SectorSize; pad > 0 {
		_, err = w.Write(make([]byte, pad))
	}

	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
