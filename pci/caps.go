package pci

import (
	"fmt"

	"github.com/tinyrange/virtio"
)

// CfgType identifies which register block a vendor capability describes.
// The five kinds are a closed set fixed by virtio 1.0 section 4.1.4.
type CfgType uint8

const (
	VIRTIO_PCI_CAP_COMMON_CFG CfgType = 1
	VIRTIO_PCI_CAP_NOTIFY_CFG CfgType = 2
	VIRTIO_PCI_CAP_ISR_CFG    CfgType = 3
	VIRTIO_PCI_CAP_DEVICE_CFG CfgType = 4
	VIRTIO_PCI_CAP_PCI_CFG    CfgType = 5
)

func (t CfgType) String() string {
	switch t {
	case VIRTIO_PCI_CAP_COMMON_CFG:
		return "common"
	case VIRTIO_PCI_CAP_NOTIFY_CFG:
		return "notify"
	case VIRTIO_PCI_CAP_ISR_CFG:
		return "isr"
	case VIRTIO_PCI_CAP_DEVICE_CFG:
		return "device"
	case VIRTIO_PCI_CAP_PCI_CFG:
		return "pci"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Layout of a virtio vendor capability record in configuration space,
// virtio 1.0 section 4.1.4.
const (
	virtioPCICapLen = 16

	capFieldVendor  = 0
	capFieldNext    = 1
	capFieldLen     = 2
	capFieldCfgType = 3
	capFieldBAR     = 4
	capFieldOffset  = 8
	capFieldLength  = 12
)

// capWalkLimit bounds capability-list traversal so a malformed or cyclic
// list cannot loop discovery forever.
const capWalkLimit = 64

// Capability is one vendor capability record. Records are ephemeral: read
// once during discovery and immediately resolved to register windows.
type Capability struct {
	ID      uint8
	Next    uint8
	Len     uint8
	CfgType CfgType
	BAR     uint8
	Offset  uint32
	Length  uint32
}

// readCapability reads the record at the given configuration-space
// offset. The record can live in PIO or MMIO backed config space, so it
// is read field by field through the bus accessor.
func readCapability(fn Function, offset uint8) (Capability, error) {
	var rec Capability
	var err error
	read8 := func(field uint8) uint8 {
		if err != nil {
			return 0
		}
		var v uint8
		v, err = fn.ConfigRead8(uint16(offset) + uint16(field))
		return v
	}
	read32 := func(field uint8) uint32 {
		if err != nil {
			return 0
		}
		var v uint32
		v, err = fn.ConfigRead32(uint16(offset) + uint16(field))
		return v
	}

	rec.ID = read8(capFieldVendor)
	rec.Next = read8(capFieldNext)
	rec.Len = read8(capFieldLen)
	rec.CfgType = CfgType(read8(capFieldCfgType))
	rec.BAR = read8(capFieldBAR)
	rec.Offset = read32(capFieldOffset)
	rec.Length = read32(capFieldLength)
	if err != nil {
		return Capability{}, fmt.Errorf("read capability at %#x: %w", offset, err)
	}
	return rec, nil
}

// forEachVendorCapability walks the vendor capability list and invokes
// visit with each record and its configuration-space offset. The walk is
// bounded: lists longer than capWalkLimit (necessarily cyclic or
// corrupt) fail with ErrCapabilityLoop.
func forEachVendorCapability(fn Function, visit func(offset uint8, cap Capability) error) error {
	offset, err := fn.GetFirstCapability(PCI_CAP_ID_VENDOR)
	if err != nil {
		return fmt.Errorf("first vendor capability: %w", err)
	}

	for steps := 0; offset != 0; steps++ {
		if steps >= capWalkLimit {
			return virtio.ErrCapabilityLoop
		}

		rec, err := readCapability(fn, offset)
		if err != nil {
			return err
		}
		if err := visit(offset, rec); err != nil {
			return err
		}

		next, err := fn.GetNextCapability(PCI_CAP_ID_VENDOR, offset)
		if err != nil {
			return fmt.Errorf("next vendor capability after %#x: %w", offset, err)
		}
		offset = next
	}
	return nil
}
