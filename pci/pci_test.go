package pci

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/virtio"
)

// regOp is one recorded register access.
type regOp struct {
	write  bool
	width  int
	offset uint32
	value  uint64
}

func (op regOp) String() string {
	kind := "read"
	if op.write {
		kind = "write"
	}
	return fmt.Sprintf("%s%d(%#x, %#x)", kind, op.width, op.offset, op.value)
}

// recordIO is a RegisterIO over backing memory that records every access
// in order. Tests pre-seed device-owned registers by writing to mem
// directly.
type recordIO struct {
	mem *MemIO
	ops []regOp
}

func newRecordIO(size int) *recordIO {
	return &recordIO{mem: NewMemIO(make([]byte, size))}
}

func (r *recordIO) record(write bool, width int, offset uint32, value uint64) {
	r.ops = append(r.ops, regOp{write: write, width: width, offset: offset, value: value})
}

// writes returns only the recorded write operations.
func (r *recordIO) writes() []regOp {
	var out []regOp
	for _, op := range r.ops {
		if op.write {
			out = append(out, op)
		}
	}
	return out
}

func (r *recordIO) reset() { r.ops = nil }

func (r *recordIO) Read8(offset uint32) uint8 {
	v := r.mem.Read8(offset)
	r.record(false, 8, offset, uint64(v))
	return v
}

func (r *recordIO) Read16(offset uint32) uint16 {
	v := r.mem.Read16(offset)
	r.record(false, 16, offset, uint64(v))
	return v
}

func (r *recordIO) Read32(offset uint32) uint32 {
	v := r.mem.Read32(offset)
	r.record(false, 32, offset, uint64(v))
	return v
}

func (r *recordIO) Write8(offset uint32, value uint8) {
	r.record(true, 8, offset, uint64(value))
	r.mem.Write8(offset, value)
}

func (r *recordIO) Write16(offset uint32, value uint16) {
	r.record(true, 16, offset, uint64(value))
	r.mem.Write16(offset, value)
}

func (r *recordIO) Write32(offset uint32, value uint32) {
	r.record(true, 32, offset, uint64(value))
	r.mem.Write32(offset, value)
}

// rejectFeaturesIO emulates a device that refuses the negotiated feature
// set: writes to the status register never latch FEATURES_OK.
type rejectFeaturesIO struct {
	RegisterIO
	statusOffset uint32
}

func (r *rejectFeaturesIO) Write8(offset uint32, value uint8) {
	if offset == r.statusOffset {
		value &^= virtio.VIRTIO_STATUS_FEATURES_OK
	}
	r.RegisterIO.Write8(offset, value)
}

// mockInterrupt is a channel-backed interrupt resource.
type mockInterrupt struct {
	fired  chan struct{}
	closed chan struct{}
	acks   int
}

func newMockInterrupt() *mockInterrupt {
	return &mockInterrupt{
		fired:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (i *mockInterrupt) Wait() error {
	select {
	case <-i.fired:
		return nil
	case <-i.closed:
		return virtio.ErrInterruptClosed
	}
}

func (i *mockInterrupt) Ack() error { i.acks++; return nil }

func (i *mockInterrupt) Close() error {
	select {
	case <-i.closed:
	default:
		close(i.closed)
	}
	return nil
}

// mockFunction is a fake bus function. Its configuration space is a flat
// 256-byte array laid out like real hardware, so the capability walk
// behaves like a real config-space walk, cycles included.
type mockFunction struct {
	config [256]byte

	barInfo  map[int]BARInfo
	barIO    map[int]RegisterIO
	mapCount map[int]int

	busMaster bool
	portIO    bool
	irqMode   IRQMode
	msiErr    error
	irq       *mockInterrupt
}

var _ Function = (*mockFunction)(nil)

func newMockFunction() *mockFunction {
	return &mockFunction{
		barInfo:  map[int]BARInfo{},
		barIO:    map[int]RegisterIO{},
		mapCount: map[int]int{},
	}
}

func (f *mockFunction) EnableBusMaster(enable bool) error {
	f.busMaster = enable
	return nil
}

func (f *mockFunction) EnablePortIO(enable bool) error {
	f.portIO = enable
	return nil
}

func (f *mockFunction) SetIRQMode(mode IRQMode, requested int) error {
	if mode == IRQModeMSI && f.msiErr != nil {
		return f.msiErr
	}
	f.irqMode = mode
	return nil
}

func (f *mockFunction) MapInterrupt(index int) (virtio.Interrupt, error) {
	if f.irq == nil {
		f.irq = newMockInterrupt()
	}
	return f.irq, nil
}

func (f *mockFunction) GetBARInfo(index int) (BARInfo, error) {
	info, ok := f.barInfo[index]
	if !ok {
		return BARInfo{}, fmt.Errorf("BAR %d not implemented", index)
	}
	return info, nil
}

func (f *mockFunction) MapBAR(index int) (*BARMapping, error) {
	io, ok := f.barIO[index]
	if !ok {
		return nil, fmt.Errorf("BAR %d not implemented", index)
	}
	f.mapCount[index]++
	info := f.barInfo[index]
	return &BARMapping{Base: info.Base, Size: info.Size, IO: io, Handle: nopCloser{}}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (f *mockFunction) ConfigRead8(offset uint16) (uint8, error) {
	if int(offset) >= len(f.config) {
		return 0, errors.New("config read out of range")
	}
	return f.config[offset], nil
}

func (f *mockFunction) ConfigRead16(offset uint16) (uint16, error) {
	if int(offset)+2 > len(f.config) {
		return 0, errors.New("config read out of range")
	}
	return binary.LittleEndian.Uint16(f.config[offset:]), nil
}

func (f *mockFunction) ConfigRead32(offset uint16) (uint32, error) {
	if int(offset)+4 > len(f.config) {
		return 0, errors.New("config read out of range")
	}
	return binary.LittleEndian.Uint32(f.config[offset:]), nil
}

func (f *mockFunction) GetFirstCapability(id uint8) (uint8, error) {
	if f.config[0x06]&0x10 == 0 {
		return 0, nil
	}
	return f.findCap(id, f.config[0x34]&^0x3, 0), nil
}

func (f *mockFunction) GetNextCapability(id uint8, offset uint8) (uint8, error) {
	return f.findCap(id, f.config[offset+1]&^0x3, 1), nil
}

func (f *mockFunction) findCap(id uint8, start uint8, depth int) uint8 {
	offset := start
	for ; depth < 256 && offset != 0; depth++ {
		if f.config[offset] == id {
			return offset
		}
		offset = f.config[offset+1] &^ 0x3
	}
	return 0
}

// addVendorCap writes one vendor capability record into config space and
// links it at the head or the given predecessor's next pointer.
func (f *mockFunction) addVendorCap(offset, next uint8, cfgType CfgType, bar uint8, capOffset, length uint32) {
	f.config[0x06] |= 0x10
	if f.config[0x34] == 0 {
		f.config[0x34] = offset
	}
	f.config[offset+capFieldVendor] = PCI_CAP_ID_VENDOR
	f.config[offset+capFieldNext] = next
	f.config[offset+capFieldLen] = virtioPCICapLen
	f.config[offset+capFieldCfgType] = uint8(cfgType)
	f.config[offset+capFieldBAR] = bar
	binary.LittleEndian.PutUint32(f.config[offset+capFieldOffset:], capOffset)
	binary.LittleEndian.PutUint32(f.config[offset+capFieldLength:], length)
}

// setNotifyMultiplier writes the 32-bit multiplier that follows a notify
// capability record.
func (f *mockFunction) setNotifyMultiplier(capOffset uint8, mul uint32) {
	binary.LittleEndian.PutUint32(f.config[capOffset+virtioPCICapLen:], mul)
}

func modernInfo() virtio.DeviceInfo {
	return virtio.DeviceInfo{Bus: 0, Device: 4, Function: 0, VendorID: VIRTIO_PCI_VENDOR_ID, DeviceID: 0x1041}
}

func legacyInfo() virtio.DeviceInfo {
	return virtio.DeviceInfo{Bus: 0, Device: 5, Function: 0, VendorID: VIRTIO_PCI_VENDOR_ID, DeviceID: 0x1000}
}
