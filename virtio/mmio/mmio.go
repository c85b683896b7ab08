// Package mmio implements the virtio-mmio transport: the register map shared
// by drivers and devices, and a device bus that serves it.
package mmio

import (
	"github.com/c35s/rvboot/phys"
	"github.com/c35s/rvboot/virtio"
)

// DeviceInfo describes an installed virtio-mmio device.
type DeviceInfo struct {
	Type virtio.DeviceID
	IRQ  int
	Addr phys.Addr
	Size uint64
}

// WindowSize is the size of each device's register window.
const WindowSize = 0x1000

// interrupt status bits

const (
	intStatusUsedBuffer   = 1 << 0 // the device has used at least 1 buffer
	intStatusConfigChange = 1 << 1 // the configuration of the device has changed
)

// mmio register offsets

const (
	regMagicValue        = 0x000 // always 0x74726976 (R; "virt")
	regVersion           = 0x004 // 0x2, or 0x1 for legacy devices (R)
	regDeviceID          = 0x008 // virtio subsystem device id (R)
	regVendorID          = 0x00c // virtio subsystem vendor id (R)
	regDeviceFeatures    = 0x010 // flags, depends on regDeviceFeaturesSel (R)
	regDeviceFeaturesSel = 0x014 // word selection for regDeviceFeatures (W)
	regDriverFeatures    = 0x020 // feature flags activated by the driver (W)
	regDriverFeaturesSel = 0x024 // word selection for regDriverFeatures (W)
	regQueueSel          = 0x030 // virtual queue index (W)
	regQueueNumMax       = 0x034 // maximum virtual queue size (R)
	regQueueNum          = 0x038 // virtual queue size (W)
	regQueueReady        = 0x044 // virtual queue ready bit (RW)
	regQueueNotify       = 0x050 // queue notifier (W)
	regInterruptStatus   = 0x060 // interrupt status (R)
	regInterruptAck      = 0x064 // interrupt acknowledge (W)
	regStatus            = 0x070 // device status (RW)
	regQueueDescLow      = 0x080 // descriptor area address, low word (W)
	regQueueDescHigh     = 0x084 // descriptor area address, high word (W)
	regQueueDriverLow    = 0x090 // driver area address, low word (W)
	regQueueDriverHigh   = 0x094 // driver area address, high word (W)
	regQueueDeviceLow    = 0x0a0 // device area address, low word (W)
	regQueueDeviceHigh   = 0x0a4 // device area address, high word (W)
	regConfigGeneration  = 0x0fc // configuration atomicity value (R)
	regDeviceConfigStart = 0x100 // device specific configuration space >= 0x100 (RW)
)

// Registers as seen by a driver.
var (
	RegMagicValue        = reg("magic", regMagicValue, phys.ReadOnly)
	RegVersion           = reg("version", regVersion, phys.ReadOnly)
	RegDeviceID          = reg("device-id", regDeviceID, phys.ReadOnly)
	RegVendorID          = reg("vendor-id", regVendorID, phys.ReadOnly)
	RegDeviceFeatures    = reg("device-features", regDeviceFeatures, phys.ReadOnly)
	RegDeviceFeaturesSel = reg("device-features-sel", regDeviceFeaturesSel, phys.WriteOnly)
	RegDriverFeatures    = reg("driver-features", regDriverFeatures, phys.WriteOnly)
	RegDriverFeaturesSel = reg("driver-features-sel", regDriverFeaturesSel, phys.WriteOnly)
	RegQueueSel          = reg("queue-sel", regQueueSel, phys.WriteOnly)
	RegQueueNumMax       = reg("queue-num-max", regQueueNumMax, phys.ReadOnly)
	RegQueueNum          = reg("queue-num", regQueueNum, phys.WriteOnly)
	RegQueueReady        = reg("queue-ready", regQueueReady, phys.ReadWrite)
	RegQueueNotify       = reg("queue-notify", regQueueNotify, phys.WriteOnly)
	RegInterruptStatus   = reg("interrupt-status", regInterruptStatus, phys.ReadOnly)
	RegInterruptAck      = reg("interrupt-ack", regInterruptAck, phys.WriteOnly)
	RegStatus            = reg("status", regStatus, phys.ReadWrite)
	RegConfigGeneration  = reg("config-generation", regConfigGeneration, phys.ReadOnly)

	RegQueueDesc = phys.Reg64{
		Low:  reg("queue-desc-low", regQueueDescLow, phys.WriteOnly),
		High: reg("queue-desc-high", regQueueDescHigh, phys.WriteOnly),
	}

	RegQueueDriver = phys.Reg64{
		Low:  reg("queue-driver-low", regQueueDriverLow, phys.WriteOnly),
		High: reg("queue-driver-high", regQueueDriverHigh, phys.WriteOnly),
	}

	RegQueueDevice = phys.Reg64{
		Low:  reg("queue-device-low", regQueueDeviceLow, phys.WriteOnly),
		High: reg("queue-device-high", regQueueDeviceHigh, phys.WriteOnly),
	}
)

// ConfigReg32 describes the 32-bit word at off in the device config space.
func ConfigReg32(name string, off uint64) phys.Reg {
	return reg(name, regDeviceConfigStart+off, phys.ReadOnly)
}

// ConfigReg64 describes the 64-bit field at off in the device config space.
func ConfigReg64(name string, off uint64) phys.Reg64 {
	return phys.Reg64{
		Low:  ConfigReg32(name+"-low", off),
		High: ConfigReg32(name+"-high", off+4),
	}
}

func reg(name string, off uint64, a phys.Access) phys.Reg {
	return phys.Reg{Name: name, Off: off, Width: phys.W32, Access: a}
}
