package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Device is the common core every concrete virtio driver builds on. It is
// the sole owner of its Backend: drivers never touch transport registers
// directly, all access is mediated here. The zero value is not usable;
// construct with NewDevice.
type Device struct {
	backend Backend
	parent  BusDevice
	driver  Driver
	log     *slog.Logger

	irqStarted atomic.Bool
	irqWG      sync.WaitGroup
}

// NewDevice wires an already-bound Backend to the driver callbacks. The
// backend ownership transfers to the returned Device and is released by
// Close. parent is the bus node the function is attached to and is used
// for log attribution only.
func NewDevice(parent BusDevice, backend Backend, driver Driver) *Device {
	if backend == nil {
		panic("virtio: device requires a backend")
	}
	if driver == nil {
		panic("virtio: device requires driver callbacks")
	}
	info := DeviceInfo{}
	if parent != nil {
		info = parent.Info()
	}
	return &Device{
		backend: backend,
		parent:  parent,
		driver:  driver,
		log: slog.Default().With(
			"device", fmt.Sprintf("%02x:%02x.%x", info.Bus, info.Device, info.Function)),
	}
}

// Close releases the interrupt resource, waits for the interrupt-service
// goroutine to observe the release and exit, then drops the backend.
// Callers must not use the Device afterwards.
func (d *Device) Close() {
	d.backend.Unbind()
	d.irqWG.Wait()
}

// DeviceReset clears the device status register, returning the device to
// its initial state. It is the only backward transition in the lifecycle;
// the handshake restarts from scratch afterwards.
func (d *Device) DeviceReset() { d.backend.DeviceReset() }

// DriverStatusAck advances the handshake past RESET by setting the
// ACKNOWLEDGE and DRIVER status bits.
func (d *Device) DriverStatusAck() { d.backend.DriverStatusAck() }

// DriverStatusOk marks bring-up complete by setting DRIVER_OK. The caller
// is responsible for only doing this after StatusFeaturesOK succeeded;
// misordering is not rejected here.
func (d *Device) DriverStatusOk() { d.backend.DriverStatusOk() }

// StatusFeaturesOK latches the negotiated feature set. Per virtio 1.0
// section 3.1.1 the status register is re-read after setting FEATURES_OK;
// if the device left the bit clear the features were rejected and
// ErrNotSupported is returned, aborting bring-up.
func (d *Device) StatusFeaturesOK() error { return d.backend.StatusFeaturesOK() }

// IsFeatureSupported reports whether the device offers the given feature
// bit.
func (d *Device) IsFeatureSupported(bit uint32) bool {
	return d.backend.IsFeatureSupported(bit)
}

// AcknowledgeFeature tells the device the driver will use the given
// feature bit.
func (d *Device) AcknowledgeFeature(bit uint32) { d.backend.AckFeature(bit) }

// GetFeatures collects the first 64 device feature bits into one word.
func (d *Device) GetFeatures() uint64 {
	var features uint64
	for bit := uint32(0); bit < 64; bit++ {
		if d.backend.IsFeatureSupported(bit) {
			features |= 1 << bit
		}
	}
	return features
}

// RequestFeatures acknowledges every feature bit set in features.
func (d *Device) RequestFeatures(features uint64) {
	for bit := uint32(0); bit < 64; bit++ {
		if features&(1<<bit) != 0 {
			d.backend.AckFeature(bit)
		}
	}
}

// CopyDeviceConfig copies len(buf) bytes of device configuration starting
// at offset zero. The copy is strictly byte-wise so no assumption is made
// about field alignment across access boundaries.
func (d *Device) CopyDeviceConfig(buf []byte) {
	for i := range buf {
		buf[i] = d.backend.DeviceConfigRead8(uint16(i))
	}
}

func (d *Device) DeviceConfigRead8(offset uint16) uint8   { return d.backend.DeviceConfigRead8(offset) }
func (d *Device) DeviceConfigRead16(offset uint16) uint16 { return d.backend.DeviceConfigRead16(offset) }
func (d *Device) DeviceConfigRead32(offset uint16) uint32 { return d.backend.DeviceConfigRead32(offset) }
func (d *Device) DeviceConfigRead64(offset uint16) uint64 { return d.backend.DeviceConfigRead64(offset) }

func (d *Device) DeviceConfigWrite8(offset uint16, value uint8) {
	d.backend.DeviceConfigWrite8(offset, value)
}

func (d *Device) DeviceConfigWrite16(offset uint16, value uint16) {
	d.backend.DeviceConfigWrite16(offset, value)
}

func (d *Device) DeviceConfigWrite32(offset uint16, value uint32) {
	d.backend.DeviceConfigWrite32(offset, value)
}

func (d *Device) DeviceConfigWrite64(offset uint16, value uint64) {
	d.backend.DeviceConfigWrite64(offset, value)
}

// GetRingSize returns the maximum ring size the device supports for the
// given queue index.
func (d *Device) GetRingSize(index uint16) uint16 { return d.backend.GetRingSize(index) }

// SetRing programs the location and size of one virtqueue. How the three
// ring addresses become register writes is transport specific and handled
// entirely by the backend.
func (d *Device) SetRing(index uint16, count uint16, descAddr, availAddr, usedAddr uint64) {
	d.backend.SetRing(index, count, descAddr, availAddr, usedAddr)
}

// RingKick notifies the device that new buffers are available on the
// given ring.
func (d *Device) RingKick(ringIndex uint16) { d.backend.RingKick(ringIndex) }

// IsrStatus reads the pending interrupt causes.
func (d *Device) IsrStatus() uint32 { return d.backend.IsrStatus() }

// StartIrqThread starts the interrupt-service goroutine. At most one
// exists per Device; repeated calls are no-ops. Drivers call this after
// their device-specific setup completes.
func (d *Device) StartIrqThread() {
	if !d.irqStarted.CompareAndSwap(false, true) {
		return
	}
	d.irqWG.Add(1)
	go func() {
		defer d.irqWG.Done()
		d.irqWorker()
	}()
}

func (d *Device) irqWorker() {
	irq := d.backend.Interrupt()
	if irq == nil {
		d.log.Error("virtio: irq worker started without interrupt resource")
		return
	}

	for {
		if err := irq.Wait(); err != nil {
			if errors.Is(err, ErrInterruptClosed) {
				return
			}
			d.log.Error("virtio: interrupt wait", "err", err)
			continue
		}

		// The status must be read before acknowledging completion.
		// Acknowledging first opens a window where a racing interrupt is
		// either missed or double counted.
		status := d.backend.IsrStatus()

		if err := irq.Ack(); err != nil {
			if errors.Is(err, ErrInterruptClosed) {
				return
			}
			d.log.Error("virtio: interrupt ack", "err", err)
			continue
		}

		// Zero status is a spurious wake.
		if status == 0 {
			continue
		}

		// The two causes are independent bits, not an enum.
		if status&VIRTIO_ISR_QUEUE_INT != 0 {
			d.driver.IrqRingUpdate()
		}
		if status&VIRTIO_ISR_DEV_CFG_INT != 0 {
			d.driver.IrqConfigChange()
		}
	}
}
