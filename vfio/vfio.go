//go:build linux

// Package vfio binds the pci.Function contract to the Linux VFIO
// userspace driver interface: configuration space and port-I/O BARs are
// accessed through reads and writes on the device file descriptor,
// mappable BARs are mmapped, and interrupts are delivered over eventfds.
package vfio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtio"
	"github.com/tinyrange/virtio/pci"
)

// Standard PCI configuration space registers.
const (
	cfgVendorID   = 0x00
	cfgDeviceID   = 0x02
	cfgCommand    = 0x04
	cfgStatus     = 0x06
	cfgBAR0       = 0x10
	cfgCapPointer = 0x34

	cmdPortIO    = 1 << 0
	cmdBusMaster = 1 << 2

	statusCapList = 1 << 4
)

const containerPath = "/dev/vfio/vfio"

// Device is one vfio-pci function. It implements pci.Function and
// virtio.BusDevice.
type Device struct {
	info virtio.DeviceInfo
	log  *slog.Logger

	container *os.File
	group     *os.File
	device    int

	configOffset uint64
	irqMode      pci.IRQMode

	mappings []func()
}

var (
	_ pci.Function     = (*Device)(nil)
	_ virtio.BusDevice = (*Device)(nil)
)

// Open prepares the function at the given PCI address (e.g.
// "0000:00:04.0") in the given VFIO group (e.g. "/dev/vfio/12") for
// userspace access.
func Open(groupPath, address string) (*Device, error) {
	container, err := os.OpenFile(containerPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open vfio container: %w", err)
	}

	d := &Device{
		container: container,
		device:    -1,
		log:       slog.Default().With("vfio", address),
	}
	if err := d.open(groupPath, address); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) open(groupPath, address string) error {
	version, err := ioctlWithRetry(d.container.Fd(), vfioGetAPIVersion, 0)
	if err != nil {
		return fmt.Errorf("vfio api version: %w", err)
	}
	if version != vfioAPIVersion {
		return fmt.Errorf("vfio: unsupported api version %d", version)
	}
	if ok, err := ioctlWithRetry(d.container.Fd(), vfioCheckExtension, vfioType1IOMMU); err != nil || ok == 0 {
		return fmt.Errorf("vfio: type1 iommu not available: %w", err)
	}

	group, err := os.OpenFile(groupPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open vfio group: %w", err)
	}
	d.group = group

	status := groupStatus{argsz: uint32(unsafe.Sizeof(groupStatus{}))}
	if err := ioctlPtr(int(group.Fd()), vfioGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		return fmt.Errorf("vfio group status: %w", err)
	}
	if status.flags&groupFlagsViable == 0 {
		return fmt.Errorf("vfio: group %s is not viable (all devices must be bound to vfio-pci)", groupPath)
	}

	containerFd := int32(d.container.Fd())
	if err := ioctlPtr(int(group.Fd()), vfioGroupSetContainer, unsafe.Pointer(&containerFd)); err != nil {
		return fmt.Errorf("vfio set container: %w", err)
	}
	if _, err := ioctlWithRetry(d.container.Fd(), vfioSetIOMMU, vfioType1IOMMU); err != nil {
		return fmt.Errorf("vfio set iommu: %w", err)
	}

	name := append([]byte(address), 0)
	fd, err := ioctlWithRetry(group.Fd(), vfioGroupGetDeviceFD, uintptr(unsafe.Pointer(&name[0])))
	if err != nil {
		return fmt.Errorf("vfio get device fd: %w", err)
	}
	d.device = int(fd)

	info := deviceInfo{argsz: uint32(unsafe.Sizeof(deviceInfo{}))}
	if err := ioctlPtr(d.device, vfioDeviceGetInfo, unsafe.Pointer(&info)); err != nil {
		return fmt.Errorf("vfio device info: %w", err)
	}
	if info.numRegions <= regionConfig {
		return fmt.Errorf("vfio: %s is not a pci device (%d regions)", address, info.numRegions)
	}

	cfg := regionInfo{argsz: uint32(unsafe.Sizeof(regionInfo{})), index: regionConfig}
	if err := ioctlPtr(d.device, vfioDeviceGetRegionInfo, unsafe.Pointer(&cfg)); err != nil {
		return fmt.Errorf("vfio config region: %w", err)
	}
	d.configOffset = cfg.offset

	bus, dev, fun, err := parseAddress(address)
	if err != nil {
		return err
	}
	vendor, err := d.ConfigRead16(cfgVendorID)
	if err != nil {
		return err
	}
	deviceID, err := d.ConfigRead16(cfgDeviceID)
	if err != nil {
		return err
	}
	d.info = virtio.DeviceInfo{
		Bus: bus, Device: dev, Function: fun,
		VendorID: vendor, DeviceID: deviceID,
	}
	return nil
}

// parseAddress splits a "dddd:bb:dd.f" PCI address.
func parseAddress(address string) (bus, dev, fun uint8, err error) {
	var domain uint16
	if _, err := fmt.Sscanf(address, "%04x:%02x:%02x.%01x", &domain, &bus, &dev, &fun); err != nil {
		return 0, 0, 0, fmt.Errorf("vfio: bad pci address %q: %w", address, err)
	}
	return bus, dev, fun, nil
}

// Info implements virtio.BusDevice.
func (d *Device) Info() virtio.DeviceInfo { return d.info }

// Close releases the mapped BARs and the VFIO file descriptors. Backends
// must be unbound first.
func (d *Device) Close() {
	for _, unmap := range d.mappings {
		unmap()
	}
	d.mappings = nil
	if d.device >= 0 {
		unix.Close(d.device)
		d.device = -1
	}
	if d.group != nil {
		d.group.Close()
		d.group = nil
	}
	if d.container != nil {
		d.container.Close()
		d.container = nil
	}
}

func (d *Device) configRead(offset uint16, buf []byte) error {
	n, err := unix.Pread(d.device, buf, int64(d.configOffset)+int64(offset))
	if err != nil {
		return fmt.Errorf("config read at %#x: %w", offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("config read at %#x: short read", offset)
	}
	return nil
}

func (d *Device) configWrite(offset uint16, buf []byte) error {
	n, err := unix.Pwrite(d.device, buf, int64(d.configOffset)+int64(offset))
	if err != nil {
		return fmt.Errorf("config write at %#x: %w", offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("config write at %#x: short write", offset)
	}
	return nil
}

// ConfigRead8 implements pci.Function.
func (d *Device) ConfigRead8(offset uint16) (uint8, error) {
	var buf [1]byte
	if err := d.configRead(offset, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ConfigRead16 implements pci.Function.
func (d *Device) ConfigRead16(offset uint16) (uint16, error) {
	var buf [2]byte
	if err := d.configRead(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ConfigRead32 implements pci.Function.
func (d *Device) ConfigRead32(offset uint16) (uint32, error) {
	var buf [4]byte
	if err := d.configRead(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (d *Device) updateCommand(bit uint16, enable bool) error {
	command, err := d.ConfigRead16(cfgCommand)
	if err != nil {
		return err
	}
	if enable {
		command |= bit
	} else {
		command &^= bit
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], command)
	return d.configWrite(cfgCommand, buf[:])
}

// EnableBusMaster implements pci.Function.
func (d *Device) EnableBusMaster(enable bool) error {
	return d.updateCommand(cmdBusMaster, enable)
}

// EnablePortIO implements pci.Function.
func (d *Device) EnablePortIO(enable bool) error {
	return d.updateCommand(cmdPortIO, enable)
}

// GetBARInfo implements pci.Function. The type comes from the BAR
// register's low bit; the size from the vfio region description.
func (d *Device) GetBARInfo(index int) (pci.BARInfo, error) {
	if index < 0 || index > 5 {
		return pci.BARInfo{}, fmt.Errorf("vfio: BAR index %d out of range", index)
	}
	raw, err := d.ConfigRead32(uint16(cfgBAR0 + 4*index))
	if err != nil {
		return pci.BARInfo{}, err
	}

	info := regionInfo{argsz: uint32(unsafe.Sizeof(regionInfo{})), index: uint32(regionBAR0 + index)}
	if err := ioctlPtr(d.device, vfioDeviceGetRegionInfo, unsafe.Pointer(&info)); err != nil {
		return pci.BARInfo{}, fmt.Errorf("vfio BAR %d region info: %w", index, err)
	}

	if raw&0x1 != 0 {
		return pci.BARInfo{Type: pci.BARTypePIO, Base: uint64(raw &^ 0x3), Size: info.size}, nil
	}
	base := uint64(raw &^ 0xf)
	if raw&0x4 != 0 { // 64-bit memory BAR, high half in the next register
		high, err := d.ConfigRead32(uint16(cfgBAR0 + 4*(index+1)))
		if err != nil {
			return pci.BARInfo{}, err
		}
		base |= uint64(high) << 32
	}
	return pci.BARInfo{Type: pci.BARTypeMMIO, Base: base, Size: info.size}, nil
}

// MapBAR implements pci.Function. Mappable regions are mmapped; the rest
// (port-I/O BARs in particular) are accessed through positioned reads and
// writes on the device descriptor.
func (d *Device) MapBAR(index int) (*pci.BARMapping, error) {
	barInfo, err := d.GetBARInfo(index)
	if err != nil {
		return nil, err
	}

	info := regionInfo{argsz: uint32(unsafe.Sizeof(regionInfo{})), index: uint32(regionBAR0 + index)}
	if err := ioctlPtr(d.device, vfioDeviceGetRegionInfo, unsafe.Pointer(&info)); err != nil {
		return nil, fmt.Errorf("vfio BAR %d region info: %w", index, err)
	}
	if info.size == 0 {
		return nil, fmt.Errorf("vfio: BAR %d is not implemented", index)
	}

	if info.flags&regionInfoFlagMmap != 0 {
		mem, err := unix.Mmap(d.device, int64(info.offset), int(info.size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mmap BAR %d: %w", index, err)
		}
		d.mappings = append(d.mappings, func() { unix.Munmap(mem) })
		return &pci.BARMapping{
			Base:   barInfo.Base,
			Size:   info.size,
			IO:     pci.NewMemIO(mem),
			Handle: closerFunc(func() error { return unix.Munmap(mem) }),
		}, nil
	}

	return &pci.BARMapping{
		Base: barInfo.Base,
		Size: info.size,
		IO: &fdRegionIO{
			device: d.device,
			offset: info.offset,
			log:    d.log.With("bar", index),
		},
		Handle: closerFunc(func() error { return nil }),
	}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// SetIRQMode implements pci.Function. It verifies the requested delivery
// mode is available; the actual eventfd wiring happens in MapInterrupt.
func (d *Device) SetIRQMode(mode pci.IRQMode, requested int) error {
	var index uint32
	switch mode {
	case pci.IRQModeMSI:
		index = irqIndexMSI
	case pci.IRQModeLegacy:
		index = irqIndexINTx
	default:
		return fmt.Errorf("vfio: unsupported irq mode %s", mode)
	}

	info := irqInfo{argsz: uint32(unsafe.Sizeof(irqInfo{})), index: index}
	if err := ioctlPtr(d.device, vfioDeviceGetIRQInfo, unsafe.Pointer(&info)); err != nil {
		return fmt.Errorf("vfio irq info (%s): %w", mode, err)
	}
	if int(info.count) < requested {
		return fmt.Errorf("vfio: %s supports %d interrupts, %d requested", mode, info.count, requested)
	}
	d.irqMode = mode
	return nil
}

// MapInterrupt implements pci.Function: it creates an eventfd, wires it
// to the function's interrupt via VFIO_DEVICE_SET_IRQS and returns a
// waitable resource around it.
func (d *Device) MapInterrupt(index int) (virtio.Interrupt, error) {
	if d.irqMode == pci.IRQModeDisabled {
		return nil, errors.New("vfio: irq mode not configured")
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	file := os.NewFile(uintptr(efd), "vfio-irq")

	irqIndex := uint32(irqIndexMSI)
	if d.irqMode == pci.IRQModeLegacy {
		irqIndex = irqIndexINTx
	}
	set := irqSetEventfd{
		argsz: uint32(unsafe.Sizeof(irqSetEventfd{})),
		flags: irqSetDataEventfd | irqSetActionTrigger,
		index: irqIndex,
		start: uint32(index),
		count: 1,
		fd:    int32(efd),
	}
	if err := ioctlPtr(d.device, vfioDeviceSetIRQs, unsafe.Pointer(&set)); err != nil {
		file.Close()
		return nil, fmt.Errorf("vfio set irqs: %w", err)
	}

	return &interrupt{
		file:   file,
		device: d.device,
		index:  irqIndex,
		unmask: d.irqMode == pci.IRQModeLegacy,
	}, nil
}

// interrupt is an eventfd-backed virtio.Interrupt.
type interrupt struct {
	file   *os.File
	device int
	index  uint32
	unmask bool
}

func (i *interrupt) Wait() error {
	var counter [8]byte
	for {
		_, err := i.file.Read(counter[:])
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrClosed) {
			return virtio.ErrInterruptClosed
		}
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		return err
	}
}

// Ack unmasks a line-based interrupt; message-signaled interrupts need no
// completion step.
func (i *interrupt) Ack() error {
	if !i.unmask {
		return nil
	}
	set := irqSet{
		argsz: uint32(unsafe.Sizeof(irqSet{})),
		flags: irqSetDataNone | irqSetActionUnmask,
		index: i.index,
		count: 1,
	}
	if err := ioctlPtr(i.device, vfioDeviceSetIRQs, unsafe.Pointer(&set)); err != nil {
		return fmt.Errorf("vfio unmask: %w", err)
	}
	return nil
}

func (i *interrupt) Close() error { return i.file.Close() }

// GetFirstCapability implements pci.Function by walking the standard
// capability list in configuration space.
func (d *Device) GetFirstCapability(id uint8) (uint8, error) {
	status, err := d.ConfigRead16(cfgStatus)
	if err != nil {
		return 0, err
	}
	if status&statusCapList == 0 {
		return 0, nil
	}
	ptr, err := d.ConfigRead8(cfgCapPointer)
	if err != nil {
		return 0, err
	}
	return d.findCapability(id, ptr&^0x3, 0)
}

// GetNextCapability implements pci.Function.
func (d *Device) GetNextCapability(id uint8, offset uint8) (uint8, error) {
	next, err := d.ConfigRead8(uint16(offset) + 1)
	if err != nil {
		return 0, err
	}
	return d.findCapability(id, next&^0x3, 1)
}

// findCapability scans the list from start for an entry matching id.
// depth bounds the scan so a corrupt list terminates.
func (d *Device) findCapability(id uint8, start uint8, depth int) (uint8, error) {
	offset := start
	for ; depth < 64 && offset != 0; depth++ {
		capID, err := d.ConfigRead8(uint16(offset))
		if err != nil {
			return 0, err
		}
		if capID == id {
			return offset, nil
		}
		next, err := d.ConfigRead8(uint16(offset) + 1)
		if err != nil {
			return 0, err
		}
		offset = next &^ 0x3
	}
	return 0, nil
}

// fdRegionIO accesses a non-mappable region through positioned reads and
// writes on the device descriptor. Access faults after a successful bind
// indicate a dying device; they are logged and reads yield zero.
type fdRegionIO struct {
	device int
	offset uint64
	log    *slog.Logger
}

func (r *fdRegionIO) read(offset uint32, buf []byte) {
	n, err := unix.Pread(r.device, buf, int64(r.offset)+int64(offset))
	if err != nil || n != len(buf) {
		r.log.Error("vfio: region read failed", "offset", offset, "err", err)
		clear(buf)
	}
}

func (r *fdRegionIO) write(offset uint32, buf []byte) {
	n, err := unix.Pwrite(r.device, buf, int64(r.offset)+int64(offset))
	if err != nil || n != len(buf) {
		r.log.Error("vfio: region write failed", "offset", offset, "err", err)
	}
}

func (r *fdRegionIO) Read8(offset uint32) uint8 {
	var buf [1]byte
	r.read(offset, buf[:])
	return buf[0]
}

func (r *fdRegionIO) Read16(offset uint32) uint16 {
	var buf [2]byte
	r.read(offset, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (r *fdRegionIO) Read32(offset uint32) uint32 {
	var buf [4]byte
	r.read(offset, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (r *fdRegionIO) Write8(offset uint32, value uint8) {
	buf := [1]byte{value}
	r.write(offset, buf[:])
}

func (r *fdRegionIO) Write16(offset uint32, value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	r.write(offset, buf[:])
}

func (r *fdRegionIO) Write32(offset uint32, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	r.write(offset, buf[:])
}
