//go:build linux

package vfio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlPtr(fd int, request uint64, arg unsafe.Pointer) error {
	_, err := ioctlWithRetry(uintptr(fd), request, uintptr(arg))
	return err
}

// VFIO ioctl requests from include/uapi/linux/vfio.h. They are all plain
// _IO(';', 100+n) encodings.
const (
	vfioType = ';'
	vfioBase = 100
)

func vfioIoctl(nr int) uint64 { return uint64(vfioType)<<8 | uint64(vfioBase+nr) }

var (
	vfioGetAPIVersion       = vfioIoctl(0)
	vfioCheckExtension      = vfioIoctl(1)
	vfioSetIOMMU            = vfioIoctl(2)
	vfioGroupGetStatus      = vfioIoctl(3)
	vfioGroupSetContainer   = vfioIoctl(4)
	vfioGroupGetDeviceFD    = vfioIoctl(6)
	vfioDeviceGetInfo       = vfioIoctl(7)
	vfioDeviceGetRegionInfo = vfioIoctl(8)
	vfioDeviceGetIRQInfo    = vfioIoctl(9)
	vfioDeviceSetIRQs       = vfioIoctl(10)
)

const (
	vfioAPIVersion = 0
	vfioType1IOMMU = 1
)

// vfio_group_status
type groupStatus struct {
	argsz uint32
	flags uint32
}

const groupFlagsViable = 1 << 0

// vfio_device_info
type deviceInfo struct {
	argsz      uint32
	flags      uint32
	numRegions uint32
	numIRQs    uint32
}

// vfio_region_info
type regionInfo struct {
	argsz     uint32
	flags     uint32
	index     uint32
	capOffset uint32
	size      uint64
	offset    uint64
}

const (
	regionInfoFlagRead  = 1 << 0
	regionInfoFlagWrite = 1 << 1
	regionInfoFlagMmap  = 1 << 2
)

// Fixed vfio-pci region indices.
const (
	regionBAR0   = 0
	regionConfig = 7
)

// vfio_irq_info
type irqInfo struct {
	argsz uint32
	flags uint32
	index uint32
	count uint32
}

// vfio_irq_set with a single eventfd payload.
type irqSetEventfd struct {
	argsz uint32
	flags uint32
	index uint32
	start uint32
	count uint32
	fd    int32
}

// vfio_irq_set without payload.
type irqSet struct {
	argsz uint32
	flags uint32
	index uint32
	start uint32
	count uint32
}

const (
	irqSetDataNone      = 1 << 0
	irqSetDataEventfd   = 1 << 2
	irqSetActionUnmask  = 1 << 4
	irqSetActionTrigger = 1 << 5
)

// Fixed vfio-pci interrupt indices.
const (
	irqIndexINTx = 0
	irqIndexMSI  = 1
)
