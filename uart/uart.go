// Package uart drives the transmit side of a 16550-compatible UART and
// provides a minimal device model of one.
package uart

import (
	"io"
	"sync"

	"github.com/c35s/rvboot/phys"
)

// Base is the address of UART0 on the virt board.
const Base = phys.Addr(0x1000_0000)

// Size is the size of the register window.
const Size = 0x100

// Register offsets.
const (
	RegTHR = 0x0
	RegLSR = 0x5
)

// Line status bits.
const (
	LSRTHREmpty = 1 << 5
	LSRTxEmpty  = 1 << 6
)

var (
	thr = phys.Reg{Name: "thr", Off: RegTHR, Width: phys.W8, Access: phys.WriteOnly}
	lsr = phys.Reg{Name: "lsr", Off: RegLSR, Width: phys.W8, Access: phys.ReadOnly}
)

// Console writes bytes to the transmit holding register, translating "\n"
// to "\r\n". It never fails.
type Console struct {
	w  phys.Window
	mu sync.Mutex
}

// NewConsole returns a console for the UART at base. The UART needs no
// initialization beyond what firmware has done.
func NewConsole(s phys.Space, base phys.Addr) *Console {
	return &Console{w: phys.Window{Space: s, Base: base}}
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range p {
		if b == '\n' {
			c.tx('\r')
		}

		c.tx(b)
	}

	return len(p), nil
}

// WriteString writes s.
func (c *Console) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

// tx transmits a single byte.
func (c *Console) tx(b byte) {
	for c.w.Read(lsr)&LSRTHREmpty == 0 {
	}

	c.w.Write(thr, uint64(b))
}

// Device is the device side of the UART. Bytes written to the THR go to Out;
// the line status always reads as ready. Other registers read as zero and
// ignore writes.
type Device struct {
	Out io.Writer
	mu  sync.Mutex
}

func (d *Device) HandleMMIO(off uint64, data []byte, isWrite bool) error {
	if !isWrite {
		clear(data)
	}

	if len(data) != 1 {
		return nil
	}

	switch {
	case isWrite && off == RegTHR:
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.Out != nil {
			d.Out.Write(data)
		}

	case !isWrite && off == RegLSR:
		data[0] = LSRTHREmpty | LSRTxEmpty
	}

	return nil
}

var _ io.Writer = (*Console)(nil)
