// Package virtio holds definitions shared by virtio drivers and devices, and
// device-side implementations used by the simulated board.
package virtio

import (
	"fmt"

	"github.com/c35s/rvboot/virtio/virtq"
)

// DeviceHandler implements the device-specific half of a virtio device. The
// transport calls it; it never touches registers itself.
type DeviceHandler interface {

	// GetType identifies the type of the device.
	GetType() DeviceID

	// GetFeatures returns the feature bits offered by the device.
	GetFeatures() uint64

	// Ready is called when the driver sets DRIVER_OK.
	Ready(negotiatedFeatures uint64) error

	// Handle is called when the driver notifies queueNum. Calls for the same
	// queue don't overlap, and notifications are coalesced, so Handle must
	// drain every available chain before returning. It's fine to block.
	Handle(queueNum int, q *virtq.Queue) error

	// ReadConfig reads the device configuration space at off into p.
	ReadConfig(p []byte, off int) error
}

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	EntropyDeviceID = DeviceID(4)
)

const (
	MagicValue    = 0x74726976 // "virt"
	Version       = 0x2
	LegacyVersion = 0x1
)

// Device status bits.
const (
	StatusAcknowledge = 1   // the guest noticed the device
	StatusDriver      = 2   // the guest has a driver for it
	StatusDriverOK    = 4   // the driver is ready
	StatusFeaturesOK  = 8   // feature negotiation is complete
	StatusNeedsReset  = 64  // the device hit an unrecoverable error
	StatusFailed      = 128 // the driver gave up on the device
)

// FVersion1 is VIRTIO_F_VERSION_1, the non-legacy interface bit.
const FVersion1 = 1 << 32

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	case EntropyDeviceID:
		return "entropy"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
