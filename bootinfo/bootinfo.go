// Package bootinfo finds the kernel image on a boot disk.
//
// A boot disk holds a newc cpio archive starting at a fixed sector. The
// archive contains a YAML boot record naming the kernel, and the kernel
// itself. Because cpio stores file data uncompressed and unaligned, the
// kernel can be read straight off the disk once its offset is known.
package bootinfo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/cavaliergopher/cpio"
	"gopkg.in/yaml.v3"
)

// SectorSize is the disk addressing unit for ArchiveLBA.
const SectorSize = 512

// DefaultRecordName is the archive path of the boot record.
const DefaultRecordName = "boot.yaml"

// DefaultMaxRecordSize limits the size of the boot record.
const DefaultMaxRecordSize = 4096

var (
	// ErrNotFound is returned when the disk has no archive, or the archive
	// has no boot record or no kernel.
	ErrNotFound = errors.New("bootinfo: not found")

	// ErrInvalidRecord is returned for a boot record that can't be parsed.
	ErrInvalidRecord = errors.New("bootinfo: invalid boot record")
)

// Record is the boot record.
type Record struct {

	// Kernel is the archive path of the ELF image to boot.
	Kernel string `yaml:"kernel"`
}

// Options controls where Resolve looks.
type Options struct {

	// ArchiveLBA is the sector where the archive starts.
	ArchiveLBA uint64 `yaml:"archive_lba"`

	// RecordName is the archive path of the boot record.
	// The default is DefaultRecordName.
	RecordName string `yaml:"record"`

	// MaxRecordSize is the largest boot record Resolve accepts.
	// The default is DefaultMaxRecordSize.
	MaxRecordSize int64 `yaml:"max_record_size"`

	// Log receives debug messages. The default is slog.Default.
	Log *slog.Logger `yaml:"-"`
}

// Location is a file's position on the disk.
type Location struct {
	Name   string
	Offset int64
	Size   int64
}

func (l Location) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", l.Name),
		slog.Int64("offset", l.Offset),
		slog.Int64("size", l.Size))
}

func (o Options) withDefaults() Options {
	if o.RecordName == "" {
		o.RecordName = DefaultRecordName
	}

	if o.MaxRecordSize == 0 {
		o.MaxRecordSize = DefaultMaxRecordSize
	}

	if o.Log == nil {
		o.Log = slog.Default()
	}

	return o
}

// Resolve reads the boot record from the archive on disk, which is size bytes
// long, and returns the location of the kernel it names.
func Resolve(disk io.ReaderAt, size int64, opts Options) (Location, Record, error) {
	opts = opts.withDefaults()

	base := int64(opts.ArchiveLBA) * SectorSize
	if base >= size {
		return Location{}, Record{}, fmt.Errorf("%w: archive at sector %d is past the end of the disk", ErrNotFound, opts.ArchiveLBA)
	}

	a := archive{io.NewSectionReader(disk, base, size-base), base}

	var rec Record
	recLoc, err := a.find(opts.RecordName, func(r io.Reader) error {
		raw, err := io.ReadAll(io.LimitReader(r, opts.MaxRecordSize+1))
		if err != nil {
			return err
		}

		if int64(len(raw)) > opts.MaxRecordSize {
			return fmt.Errorf("%w: larger than %d bytes", ErrInvalidRecord, opts.MaxRecordSize)
		}

		return parseRecord(raw, &rec)
	})

	if err != nil {
		return Location{}, Record{}, err
	}

	opts.Log.Debug("found boot record", "record", recLoc, "kernel", rec.Kernel)

	kernLoc, err := a.find(rec.Kernel, nil)
	if err != nil {
		return Location{}, rec, err
	}

	return kernLoc, rec, nil
}

func parseRecord(raw []byte, rec *Record) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	if err := dec.Decode(rec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	if rec.Kernel == "" {
		return fmt.Errorf("%w: no kernel", ErrInvalidRecord)
	}

	return nil
}

type archive struct {
	r    *io.SectionReader
	base int64
}

// find scans the archive for name and returns its location. If fn isn't
// nil, it's called with a reader over the file's contents.
func (a archive) find(name string, fn func(io.Reader) error) (Location, error) {
	want := cleanName(name)

	cr := &countingReader{r: io.NewSectionReader(a.r, 0, a.r.Size())}
	ar := cpio.NewReader(cr)

	for {
		hdr, err := ar.Next()
		if err == io.EOF {
			return Location{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}

		if err != nil {
			return Location{}, fmt.Errorf("%w: %s: bad archive: %w", ErrNotFound, name, err)
		}

		if cleanName(hdr.Name) != want {
			continue
		}

		loc := Location{
			Name:   hdr.Name,
			Offset: a.base + cr.n,
			Size:   hdr.Size,
		}

		if err := a.verify(loc, ar); err != nil {
			return Location{}, err
		}

		if fn != nil {
			err = fn(io.NewSectionReader(a.r, loc.Offset-a.base, loc.Size))
		}

		return loc, err
	}
}

// verify checks that the file's leading bytes are where loc says they are.
func (a archive) verify(loc Location, ar *cpio.Reader) error {
	want := make([]byte, min(loc.Size, 64))
	if _, err := io.ReadFull(ar, want); err != nil {
		return fmt.Errorf("bootinfo: %s: %w", loc.Name, err)
	}

	got := make([]byte, len(want))
	if n, err := a.r.ReadAt(got, loc.Offset-a.base); n < len(got) {
		return fmt.Errorf("bootinfo: %s: %w", loc.Name, err)
	}

	if !bytes.Equal(got, want) {
		return fmt.Errorf("bootinfo: %s: data isn't at offset %d", loc.Name, loc.Offset)
	}

	return nil
}

func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
