// Package pci implements the PCI transport for virtio devices: vendor
// capability discovery, BAR mapping and the legacy (port I/O) and modern
// (capability-discovered MMIO) backends behind the virtio.Backend
// contract.
//
// Access to the bus itself goes through the Function interface, which
// mirrors the operations the platform's PCI layer provides. The vfio
// package supplies a Linux implementation; tests use fakes.
package pci

import (
	"io"

	"github.com/tinyrange/virtio"
)

// IRQMode selects how a function delivers interrupts.
type IRQMode int

const (
	IRQModeDisabled IRQMode = iota
	// IRQModeLegacy is a shared line-based interrupt.
	IRQModeLegacy
	// IRQModeMSI is a message-signaled interrupt.
	IRQModeMSI
)

func (m IRQMode) String() string {
	switch m {
	case IRQModeDisabled:
		return "disabled"
	case IRQModeLegacy:
		return "legacy"
	case IRQModeMSI:
		return "msi"
	default:
		return "unknown"
	}
}

// BARType distinguishes memory-mapped from port-I/O address windows.
type BARType int

const (
	BARTypeMMIO BARType = iota
	BARTypePIO
)

// BARInfo describes one base address register without mapping it.
type BARInfo struct {
	Type BARType
	Base uint64
	Size uint64
}

// BARMapping is one mapped bus address range. It is created lazily on
// first reference, owned by the backend that mapped it for the backend's
// lifetime, and released (via Handle) when the backend is destroyed.
type BARMapping struct {
	Base   uint64
	Size   uint64
	IO     RegisterIO
	Handle io.Closer
}

// PCI configuration space registers and capability IDs used here.
const (
	PCI_CAP_ID_VENDOR = 0x09
)

// Function is the contract the platform bus layer provides for one PCI
// function. Implementations must be safe for use from multiple
// goroutines; the backends additionally serialize all register sequences
// under their own lock.
type Function interface {
	// EnableBusMaster allows the function to issue DMA transactions.
	EnableBusMaster(enable bool) error
	// EnablePortIO allows port-I/O decoding; needed by the legacy
	// transport only.
	EnablePortIO(enable bool) error
	// SetIRQMode configures interrupt delivery for the function.
	SetIRQMode(mode IRQMode, requested int) error
	// MapInterrupt returns a waitable resource for the given interrupt.
	MapInterrupt(index int) (virtio.Interrupt, error)

	// GetBARInfo describes a BAR without mapping it.
	GetBARInfo(index int) (BARInfo, error)
	// MapBAR maps a BAR and returns accessors for it. Index range 0..5.
	MapBAR(index int) (*BARMapping, error)

	// Configuration space accessors.
	ConfigRead8(offset uint16) (uint8, error)
	ConfigRead16(offset uint16) (uint16, error)
	ConfigRead32(offset uint16) (uint32, error)

	// Capability-list walk. A zero offset means no (more) capabilities.
	GetFirstCapability(id uint8) (uint8, error)
	GetNextCapability(id uint8, offset uint8) (uint8, error)
}
