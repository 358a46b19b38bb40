// Package virtio implements the transport and lifecycle core shared by
// virtio device drivers. A Device owns exactly one Backend that hides the
// differences between the legacy port-I/O transport and the modern
// capability-discovered MMIO transport; concrete drivers (net, gpu, block,
// console) embed a Device and implement the Driver callbacks. Virtqueue
// descriptor-ring handling is out of scope here: only the registers needed
// to establish ring location/size and kick notifications are covered.
package virtio

import "errors"

// Sentinel errors reported during bind and feature negotiation.
var (
	// ErrNotSupported is returned by StatusFeaturesOK when the device does
	// not latch the FEATURES_OK status bit, rejecting the negotiated
	// feature set.
	ErrNotSupported = errors.New("virtio: features not supported by device")

	// ErrMissingCapability is returned from backend Init when the vendor
	// capability list does not resolve all required register blocks.
	ErrMissingCapability = errors.New("virtio: missing transport capability")

	// ErrWrongBARType is returned when a transport finds a BAR of the
	// wrong kind, e.g. the legacy backend probing a memory BAR.
	ErrWrongBARType = errors.New("virtio: wrong BAR type")

	// ErrCapabilityLoop is returned when the capability list does not
	// terminate within the walk bound.
	ErrCapabilityLoop = errors.New("virtio: capability list does not terminate")

	// ErrInterruptClosed is returned from Interrupt.Wait once the
	// interrupt resource has been released. The interrupt-service
	// goroutine treats it as the signal to exit.
	ErrInterruptClosed = errors.New("virtio: interrupt closed")
)

// DeviceInfo is the static identification record of a bus function.
type DeviceInfo struct {
	Bus      uint8
	Device   uint8
	Function uint8

	VendorID uint16
	DeviceID uint16
}

// BusDevice identifies the parent bus node a Device is attached to.
type BusDevice interface {
	Info() DeviceInfo
}

// Interrupt is a waitable interrupt resource retained by a bound Backend.
// Wait blocks until the next interrupt fires. Ack signals completion of
// servicing; for line-based interrupts this unmasks the line. Close
// releases the resource and unblocks a pending Wait with
// ErrInterruptClosed.
type Interrupt interface {
	Wait() error
	Ack() error
	Close() error
}

// Backend is the transport-specific register access implementation for one
// virtio generation. Exactly one backend is selected at bind time and
// injected into a Device; there is no re-dispatch afterwards.
//
// All mutating operations serialize on the backend's internal lock, so a
// management call and the interrupt-service goroutine never observe a
// partially written multi-field register update. Resolved register
// addresses are immutable once Bind succeeds.
//
// Device config and ring accessors may only be called after a successful
// Bind; calling them earlier is a driver bug and panics.
type Backend interface {
	// Bind enables bus mastering, sets up the interrupt mode (MSI with
	// fallback to a legacy line interrupt) and resolves the transport's
	// register windows. On failure no partially usable backend remains.
	Bind() error
	// Unbind releases the interrupt resource and the mapped windows.
	Unbind()
	// Interrupt returns the interrupt resource retained by Bind.
	Interrupt() Interrupt

	DeviceReset()
	DriverStatusAck()
	DriverStatusOk()
	// StatusFeaturesOK sets the FEATURES_OK status bit and re-reads the
	// status register; if the device did not latch the bit the negotiated
	// features were rejected and ErrNotSupported is returned.
	StatusFeaturesOK() error

	IsFeatureSupported(bit uint32) bool
	AckFeature(bit uint32)

	DeviceConfigRead8(offset uint16) uint8
	DeviceConfigRead16(offset uint16) uint16
	DeviceConfigRead32(offset uint16) uint32
	DeviceConfigRead64(offset uint16) uint64
	DeviceConfigWrite8(offset uint16, value uint8)
	DeviceConfigWrite16(offset uint16, value uint16)
	DeviceConfigWrite32(offset uint16, value uint32)
	DeviceConfigWrite64(offset uint16, value uint64)

	GetRingSize(index uint16) uint16
	SetRing(index uint16, count uint16, descAddr, availAddr, usedAddr uint64)
	RingKick(ringIndex uint16)
	IsrStatus() uint32
}

// Driver is implemented by concrete device drivers on top of a Device.
//
// Callbacks run on the interrupt-service goroutine and are not excluded
// from concurrent management calls on the same Device: the backend lock
// serializes individual register sequences, but drivers must synchronize
// their own state between callbacks and other goroutines.
type Driver interface {
	// IrqRingUpdate is invoked when the ISR status reports ring activity.
	IrqRingUpdate()
	// IrqConfigChange is invoked when the ISR status reports a device
	// configuration change.
	IrqConfigChange()
}
