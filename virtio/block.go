package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/c35s/rvboot/virtio/virtq"
)

// SectorSize is the unit of block device addressing.
const SectorSize = 512

// Block is a virtio block device with pluggable storage.
type Block struct {

	// ReadOnly forces the device to be read-only.
	ReadOnly bool

	// Storage is the backing storage for the device. Storage may also
	// implement the io.WriterAt interface to enable writes.
	Storage BlockStorage

	// Log receives storage errors. The default is slog.Default.
	Log *slog.Logger

	writerAt io.WriterAt
}

// BlockStorage is the basic interface to a block device's backing storage. It is
// read-only: To enable writes, storage types should also implement io.WriterAt.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTP storage is read-only block storage backed by an HTTP URL.
// The server must support HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL string
}

// ErrBadRequest is returned by Handle for a request chain that doesn't have
// the header, data, status shape. The transport treats it as a device error.
var ErrBadRequest = errors.New("virtio: bad block request")

// blkConfig is the leading part of struct virtio_blk_config. Fields past it
// read as zero.
type blkConfig struct {
	Capacity uint64 // in 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}
	BlkSize uint32
}

// features

const (
	blkFRO      = 1 << 4 // device is read-only
	blkFBlkSize = 1 << 6 // block size of disk is in blk_size
)

// op type

const (
	blkTIn  = 0
	blkTOut = 1
)

// op status

const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

const blkHdrSize = 16

func (dev *Block) GetType() DeviceID {
	return BlockDeviceID
}

func (dev *Block) GetFeatures() uint64 {
	if _, ok := dev.Storage.(io.WriterAt); dev.ReadOnly || !ok {
		return blkFBlkSize | blkFRO
	}

	return blkFBlkSize
}

// Ready enables writes unless the device is read-only. A driver that didn't
// accept VIRTIO_BLK_F_RO still gets an unsupported status for writes.
func (dev *Block) Ready(negotiatedFeatures uint64) error {
	dev.writerAt = nil
	if !dev.ReadOnly {
		dev.writerAt, _ = dev.Storage.(io.WriterAt)
	}

	return nil
}

func (dev *Block) Handle(queueNum int, q *virtq.Queue) error {
	if queueNum != 0 {
		return fmt.Errorf("%w: no queue %d", ErrBadRequest, queueNum)
	}

	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		n, err := dev.handle(c)
		if err != nil {
			return err
		}

		c.Release(n)
	}
}

// handle serves one request and returns the number of bytes written to the
// chain's device-writable buffers.
func (dev *Block) handle(c *virtq.Chain) (int, error) {
	if c.Len() != 3 {
		return 0, fmt.Errorf("%w: chain length %d", ErrBadRequest, c.Len())
	}

	if !c.IsRO(0) || c.Desc[0].Len != blkHdrSize {
		return 0, fmt.Errorf("%w: bad header descriptor", ErrBadRequest)
	}

	if !c.IsWO(2) || c.Desc[2].Len != 1 {
		return 0, fmt.Errorf("%w: bad status descriptor", ErrBadRequest)
	}

	hdr, err := c.Read(0)
	if err != nil {
		return 0, err
	}

	var (
		optype = binary.LittleEndian.Uint32(hdr)
		offsec = binary.LittleEndian.Uint64(hdr[8:])
		off    = int64(offsec) * SectorSize
		status = byte(blkSOK)
		n      int
	)

	switch optype {
	case blkTIn:
		if !c.IsWO(1) {
			return 0, fmt.Errorf("%w: data descriptor is not write-only", ErrBadRequest)
		}

		data := make([]byte, c.Desc[1].Len)
		if _, err := dev.Storage.ReadAt(data, off); err != nil {
			dev.log().Error("block read failed", "sector", offsec, "err", err)
			status = blkSIOErr
			break
		}

		if err := c.Write(1, data); err != nil {
			return 0, err
		}

		n = len(data)

	case blkTOut:
		if dev.writerAt == nil {
			status = blkSUnsupp
			break
		}

		if !c.IsRO(1) {
			return 0, fmt.Errorf("%w: data descriptor is not read-only", ErrBadRequest)
		}

		data, err := c.Read(1)
		if err != nil {
			return 0, err
		}

		if _, err := dev.writerAt.WriteAt(data, off); err != nil {
			dev.log().Error("block write failed", "sector", offsec, "err", err)
			status = blkSIOErr
		}

	default:
		status = blkSUnsupp
	}

	if err := c.Write(2, []byte{status}); err != nil {
		return 0, err
	}

	return n + 1, nil
}

func (dev *Block) ReadConfig(p []byte, off int) error {
	cfg, err := dev.getConfig()
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cfg); err != nil {
		return err
	}

	clear(p)
	if raw := buf.Bytes(); off < len(raw) {
		copy(p, raw[off:])
	}

	return nil
}

func (dev *Block) getConfig() (*blkConfig, error) {
	sz, err := dev.Storage.Size()
	if err != nil {
		return nil, err
	}

	if sz%SectorSize != 0 {
		return nil, fmt.Errorf("virtio: block storage size %d is not a multiple of %d", sz, SectorSize)
	}

	cfg := blkConfig{
		Capacity: uint64(sz / SectorSize),
		BlkSize:  SectorSize,
	}

	return &cfg, nil
}

func (dev *Block) log() *slog.Logger {
	if dev.Log != nil {
		return dev.Log
	}

	return slog.Default()
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	if n = copy(p, ms.Bytes[off:]); n < len(p) {
		err = io.EOF
	}

	return
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > int64(len(ms.Bytes)) {
		return 0, fmt.Errorf("virtio: write [%d, %d) past end of storage", off, off+int64(len(p)))
	}

	return copy(ms.Bytes[off:], p), nil
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// ReadAt gets the backing URL with a Range header generated from off and len(p).
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("block device http request failed: GET %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusPartialContent)
	}

	n, err = io.ReadFull(res.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}

	return
}

// Size sends a HEAD request to the backing URL and parses the Content-Length response header.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := http.Head(hs.URL)
	if err != nil {
		return 0, err
	}

	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("block device http request failed: HEAD %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusOK)
	}

	cl := res.Header.Get("content-length")
	return strconv.ParseInt(cl, 10, 64)
}
