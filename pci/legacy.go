package pci

import (
	"fmt"

	"github.com/tinyrange/virtio"
)

// Legacy transport register offsets within BAR0, virtio 0.9.5 / virtio
// 1.0 section 4.1.4.8 (legacy interface).
const (
	VIRTIO_PCI_DEVICE_FEATURES = 0x00 // Device Features (32)
	VIRTIO_PCI_DRIVER_FEATURES = 0x04 // Driver Features (32)
	VIRTIO_PCI_QUEUE_PFN       = 0x08 // Queue Page Frame Number (32)
	VIRTIO_PCI_QUEUE_SIZE      = 0x0c // Queue Size (16)
	VIRTIO_PCI_QUEUE_SELECT    = 0x0e // Queue Select (16)
	VIRTIO_PCI_QUEUE_NOTIFY    = 0x10 // Queue Notify (16)
	VIRTIO_PCI_DEVICE_STATUS   = 0x12 // Device Status (8)
	VIRTIO_PCI_ISR_STATUS      = 0x13 // ISR Status (8)

	// VIRTIO_PCI_CONFIG_OFFSET_NOMSIX is where device-specific config
	// starts when MSI-X is not enabled; enabling MSI-X inserts two extra
	// 16-bit vector registers before it.
	VIRTIO_PCI_CONFIG_OFFSET_NOMSIX = 0x14
)

// legacyPageSize is the page granularity the PFN register is defined in.
const legacyPageSize = 4096

// LegacyBackend drives a transitional virtio device through its single
// port-I/O BAR. All offsets are compile-time constants; there is no
// capability list in this generation.
type LegacyBackend struct {
	backendCore

	bar0            *BARMapping
	deviceCfgOffset uint32
}

var _ virtio.Backend = (*LegacyBackend)(nil)

func NewLegacyBackend(fn Function, info virtio.DeviceInfo) *LegacyBackend {
	b := &LegacyBackend{}
	b.backendCore = newBackendCore(fn, info, "virtio-pci-legacy")
	return b
}

// Bind performs the shared PCI bring-up and then locates the transport's
// I/O window.
func (b *LegacyBackend) Bind() error { return b.bind(b.init) }

// Unbind releases the interrupt resource and the I/O window.
func (b *LegacyBackend) Unbind() {
	b.unbind()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar0 != nil {
		b.bar0.Handle.Close()
		b.bar0 = nil
	}
}

func (b *LegacyBackend) init() error {
	info, err := b.fn.GetBARInfo(0)
	if err != nil {
		return fmt.Errorf("get BAR0: %w", err)
	}
	if info.Type != BARTypePIO {
		return fmt.Errorf("BAR0 is not an I/O window: %w", virtio.ErrWrongBARType)
	}

	if err := b.fn.EnablePortIO(true); err != nil {
		return fmt.Errorf("enable port io: %w", err)
	}

	bar0, err := b.fn.MapBAR(0)
	if err != nil {
		return fmt.Errorf("map BAR0: %w", err)
	}
	b.bar0 = bar0
	b.deviceCfgOffset = VIRTIO_PCI_CONFIG_OFFSET_NOMSIX

	b.log.Info("using legacy backend", "ioBase", fmt.Sprintf("%#04x", bar0.Base))
	return nil
}

// io returns the transport window. Register access while unbound is a
// driver bug.
func (b *LegacyBackend) io() RegisterIO {
	if b.bar0 == nil {
		panic("virtio-pci-legacy: register access while not bound")
	}
	return b.bar0.IO
}

func (b *LegacyBackend) DeviceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.io().Write8(VIRTIO_PCI_DEVICE_STATUS, 0)
}

func (b *LegacyBackend) DriverStatusAck() {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := b.io().Read8(VIRTIO_PCI_DEVICE_STATUS)
	status |= virtio.VIRTIO_STATUS_ACKNOWLEDGE | virtio.VIRTIO_STATUS_DRIVER
	b.io().Write8(VIRTIO_PCI_DEVICE_STATUS, status)
}

func (b *LegacyBackend) DriverStatusOk() {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := b.io().Read8(VIRTIO_PCI_DEVICE_STATUS)
	b.io().Write8(VIRTIO_PCI_DEVICE_STATUS, status|virtio.VIRTIO_STATUS_DRIVER_OK)
}

func (b *LegacyBackend) StatusFeaturesOK() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := b.io().Read8(VIRTIO_PCI_DEVICE_STATUS)
	b.io().Write8(VIRTIO_PCI_DEVICE_STATUS, status|virtio.VIRTIO_STATUS_FEATURES_OK)

	// Virtio 1.0 section 3.1.1: re-read after setting FEATURES_OK; a
	// clear bit means the device rejected the feature set.
	status = b.io().Read8(VIRTIO_PCI_DEVICE_STATUS)
	if status&virtio.VIRTIO_STATUS_FEATURES_OK == 0 {
		return virtio.ErrNotSupported
	}
	return nil
}

// IsFeatureSupported reports a device feature bit. The legacy transport
// only carries the low 32 feature bits.
func (b *LegacyBackend) IsFeatureSupported(bit uint32) bool {
	if bit >= 32 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.io().Read32(VIRTIO_PCI_DEVICE_FEATURES)&(1<<bit) != 0
}

// AckFeature acknowledges a feature bit. Bits past the transport's 32-bit
// feature window cannot be negotiated and are ignored.
func (b *LegacyBackend) AckFeature(bit uint32) {
	if bit >= 32 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	features := b.io().Read32(VIRTIO_PCI_DRIVER_FEATURES)
	b.io().Write32(VIRTIO_PCI_DRIVER_FEATURES, features|1<<bit)
}

func (b *LegacyBackend) DeviceConfigRead8(offset uint16) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.io().Read8(b.deviceCfgOffset + uint32(offset))
}

func (b *LegacyBackend) DeviceConfigRead16(offset uint16) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.io().Read16(b.deviceCfgOffset + uint32(offset))
}

func (b *LegacyBackend) DeviceConfigRead32(offset uint16) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.io().Read32(b.deviceCfgOffset + uint32(offset))
}

func (b *LegacyBackend) DeviceConfigRead64(offset uint16) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Read64(b.io(), b.deviceCfgOffset+uint32(offset))
}

func (b *LegacyBackend) DeviceConfigWrite8(offset uint16, value uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.io().Write8(b.deviceCfgOffset+uint32(offset), value)
}

func (b *LegacyBackend) DeviceConfigWrite16(offset uint16, value uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.io().Write16(b.deviceCfgOffset+uint32(offset), value)
}

func (b *LegacyBackend) DeviceConfigWrite32(offset uint16, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.io().Write32(b.deviceCfgOffset+uint32(offset), value)
}

func (b *LegacyBackend) DeviceConfigWrite64(offset uint16, value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	Write64(b.io(), b.deviceCfgOffset+uint32(offset), value)
}

func (b *LegacyBackend) GetRingSize(index uint16) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.io().Write16(VIRTIO_PCI_QUEUE_SELECT, index)
	return b.io().Read16(VIRTIO_PCI_QUEUE_SIZE)
}

// SetRing programs one virtqueue. This generation has a single PFN
// register: the device derives the avail and used ring locations from the
// descriptor table's page frame number, so availAddr and usedAddr are
// unused here.
func (b *LegacyBackend) SetRing(index uint16, count uint16, descAddr, availAddr, usedAddr uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.io().Write16(VIRTIO_PCI_QUEUE_SELECT, index)
	b.io().Write16(VIRTIO_PCI_QUEUE_SIZE, count)
	b.io().Write32(VIRTIO_PCI_QUEUE_PFN, uint32(descAddr/legacyPageSize))
}

func (b *LegacyBackend) RingKick(ringIndex uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.io().Write16(VIRTIO_PCI_QUEUE_NOTIFY, ringIndex)
}

func (b *LegacyBackend) IsrStatus() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	// The interrupt-service goroutine can race Unbind here; a released
	// window reads as no pending causes.
	if b.bar0 == nil {
		return 0
	}
	status := b.io().Read8(VIRTIO_PCI_ISR_STATUS)
	return uint32(status) & (virtio.VIRTIO_ISR_QUEUE_INT | virtio.VIRTIO_ISR_DEV_CFG_INT)
}
