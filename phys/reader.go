package phys

import "io"

// NewReader returns a reader over size bytes of s starting at base, for
// images that are already resident in memory.
func NewReader(s Space, base Addr, size int64) *io.SectionReader {
	return io.NewSectionReader(spaceReader{s, base}, 0, size)
}

type spaceReader struct {
	s    Space
	base Addr
}

func (r spaceReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrUnmapped
	}

	if err := r.s.ReadAt(p, r.base+Addr(off)); err != nil {
		return 0, err
	}

	return len(p), nil
}
