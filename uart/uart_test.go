package uart_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/c35s/rvboot/phys"
	"github.com/c35s/rvboot/uart"
)

func newConsole(t *testing.T) (*uart.Console, *bytes.Buffer) {
	t.Helper()

	var out bytes.Buffer
	b := phys.NewBus(nil)
	if err := b.MapDevice(uart.Base, uart.Size, &uart.Device{Out: &out}); err != nil {
		t.Fatal(err)
	}

	return uart.NewConsole(b, uart.Base), &out
}

func TestConsole(t *testing.T) {
	cases := map[string]string{
		"":             "",
		"hello":        "hello",
		"hello\n":      "hello\r\n",
		"\n\n":         "\r\n\r\n",
		"a\r\nb":       "a\r\r\nb",
		"frame 0x81\n": "frame 0x81\r\n",
	}

	for in, want := range cases {
		t.Run(fmt.Sprintf("%q", in), func(t *testing.T) {
			c, out := newConsole(t)

			n, err := c.Write([]byte(in))
			if err != nil {
				t.Fatal(err)
			}

			if n != len(in) {
				t.Errorf("n=%d, want %d", n, len(in))
			}

			if got := out.String(); got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
}

func TestDevice(t *testing.T) {
	d := &uart.Device{}

	data := []byte{0xff}
	if err := d.HandleMMIO(uart.RegLSR, data, false); err != nil {
		t.Fatal(err)
	}

	if data[0]&uart.LSRTHREmpty == 0 {
		t.Errorf("lsr=%#x: transmitter not ready", data[0])
	}

	data[0] = 0xff
	if err := d.HandleMMIO(0x3, data, false); err != nil {
		t.Fatal(err)
	}

	if data[0] != 0 {
		t.Errorf("lcr=%#x", data[0])
	}

	// nil Out discards
	if err := d.HandleMMIO(uart.RegTHR, []byte{'x'}, true); err != nil {
		t.Fatal(err)
	}
}
