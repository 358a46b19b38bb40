package pci

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/virtio"
)

const (
	// VIRTIO_PCI_VENDOR_ID is the vendor all virtio functions carry.
	VIRTIO_PCI_VENDOR_ID = 0x1af4

	// Transitional devices use IDs 0x1000-0x103f and speak the legacy
	// transport; modern (virtio 1.0+) device IDs start at 0x1040.
	VIRTIO_PCI_DEVICE_ID_LEGACY_BASE = 0x1000
	VIRTIO_PCI_DEVICE_ID_MODERN_BASE = 0x1040
)

// NewBackend probes the function's identification record and returns the
// matching transport backend. The choice is made exactly once, at bind
// time; a Device never re-dispatches between generations afterwards.
func NewBackend(fn Function, info virtio.DeviceInfo) (virtio.Backend, error) {
	if info.VendorID != VIRTIO_PCI_VENDOR_ID {
		return nil, fmt.Errorf("pci: %04x:%04x is not a virtio device", info.VendorID, info.DeviceID)
	}
	switch {
	case info.DeviceID >= VIRTIO_PCI_DEVICE_ID_MODERN_BASE:
		return NewModernBackend(fn, info), nil
	case info.DeviceID >= VIRTIO_PCI_DEVICE_ID_LEGACY_BASE:
		return NewLegacyBackend(fn, info), nil
	default:
		return nil, fmt.Errorf("pci: device id %04x outside the virtio range", info.DeviceID)
	}
}

// backendCore carries the state and bind sequence shared by both
// transport generations: the bus accessor, the identification record,
// the interrupt resource and the exclusive lock every mutating register
// sequence runs under.
type backendCore struct {
	fn   Function
	info virtio.DeviceInfo
	log  *slog.Logger

	// mu guards register access and the backend's mapped state. It is
	// what makes multi-field updates (queue select + programming) atomic
	// with respect to the interrupt-service goroutine.
	mu  sync.Mutex
	irq virtio.Interrupt
}

func newBackendCore(fn Function, info virtio.DeviceInfo, tag string) backendCore {
	return backendCore{
		fn:   fn,
		info: info,
		log: slog.Default().With(
			"backend", tag,
			"device", fmt.Sprintf("%02x:%02x.%x", info.Bus, info.Device, info.Function)),
	}
}

// bind runs the transport-independent part of Bind, then the variant's
// init under the same lock hold. On any failure the interrupt resource is
// released again so no partially usable backend stays reachable.
func (b *backendCore) bind(init func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fn.EnableBusMaster(true); err != nil {
		return fmt.Errorf("enable bus master: %w", err)
	}

	// Prefer message-signaled interrupts, degrade to a shared line.
	if err := b.fn.SetIRQMode(IRQModeMSI, 1); err != nil {
		if err := b.fn.SetIRQMode(IRQModeLegacy, 1); err != nil {
			return fmt.Errorf("set irq mode: %w", err)
		}
		b.log.Debug("using legacy irq mode")
	}

	irq, err := b.fn.MapInterrupt(0)
	if err != nil {
		return fmt.Errorf("map interrupt: %w", err)
	}
	b.irq = irq

	if err := init(); err != nil {
		b.irq = nil
		irq.Close()
		return err
	}
	return nil
}

// Interrupt returns the interrupt resource retained by Bind, or nil if
// the backend is not bound.
func (b *backendCore) Interrupt() virtio.Interrupt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.irq
}

// unbind releases the interrupt resource, unblocking a waiting
// interrupt-service goroutine with ErrInterruptClosed.
func (b *backendCore) unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.irq != nil {
		b.irq.Close()
		b.irq = nil
	}
}
