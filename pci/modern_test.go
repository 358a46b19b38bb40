package pci

import (
	"errors"
	"testing"

	"github.com/tinyrange/virtio"
)

const (
	testCommonBase = 0x0000
	testIsrBase    = 0x1000
	testDeviceBase = 0x2000
	testNotifyBase = 0x3000
)

// newModernFixture builds a function with all four register blocks in
// BAR 4 and a bound modern backend on top of it.
func newModernFixture(t *testing.T) (*mockFunction, *recordIO, *ModernBackend) {
	t.Helper()

	fn := newMockFunction()
	bar := newRecordIO(0x4000)
	fn.barInfo[4] = BARInfo{Type: BARTypeMMIO, Base: 0xfe000000, Size: 0x4000}
	fn.barIO[4] = bar

	fn.addVendorCap(0x40, 0x54, VIRTIO_PCI_CAP_COMMON_CFG, 4, testCommonBase, 0x38)
	fn.addVendorCap(0x54, 0x68, VIRTIO_PCI_CAP_NOTIFY_CFG, 4, testNotifyBase, 0x1000)
	fn.setNotifyMultiplier(0x54, 4)
	fn.addVendorCap(0x68, 0x7c, VIRTIO_PCI_CAP_ISR_CFG, 4, testIsrBase, 1)
	fn.addVendorCap(0x7c, 0, VIRTIO_PCI_CAP_DEVICE_CFG, 4, testDeviceBase, 0x40)

	b := NewModernBackend(fn, modernInfo())
	if err := b.Bind(); err != nil {
		t.Fatal(err)
	}
	bar.reset()
	return fn, bar, b
}

func TestModernBindMapsEachBAROnce(t *testing.T) {
	fn, _, _ := newModernFixture(t)

	// All four capabilities reference BAR 4; the mapping must be created
	// once and reused.
	if got := fn.mapCount[4]; got != 1 {
		t.Errorf("BAR 4 mapped %d times", got)
	}
}

func TestModernBindMissingCapability(t *testing.T) {
	fn := newMockFunction()
	bar := newRecordIO(0x4000)
	fn.barInfo[4] = BARInfo{Type: BARTypeMMIO, Base: 0xfe000000, Size: 0x4000}
	fn.barIO[4] = bar

	// No ISR block.
	fn.addVendorCap(0x40, 0x54, VIRTIO_PCI_CAP_COMMON_CFG, 4, testCommonBase, 0x38)
	fn.addVendorCap(0x54, 0x68, VIRTIO_PCI_CAP_NOTIFY_CFG, 4, testNotifyBase, 0x1000)
	fn.setNotifyMultiplier(0x54, 4)
	fn.addVendorCap(0x68, 0, VIRTIO_PCI_CAP_DEVICE_CFG, 4, testDeviceBase, 0x40)

	b := NewModernBackend(fn, modernInfo())
	if err := b.Bind(); !errors.Is(err, virtio.ErrMissingCapability) {
		t.Fatalf("got %v, want ErrMissingCapability", err)
	}
}

func TestModernSetRingSequence(t *testing.T) {
	_, bar, b := newModernFixture(t)

	b.SetRing(3, 256, 0x10000, 0x11000, 0x12000)

	want := []regOp{
		{write: true, width: 16, offset: testCommonBase + VIRTIO_PCI_COMMON_Q_SELECT, value: 3},
		{write: true, width: 16, offset: testCommonBase + VIRTIO_PCI_COMMON_Q_SIZE, value: 256},
		{write: true, width: 32, offset: testCommonBase + VIRTIO_PCI_COMMON_Q_DESCLO, value: 0x10000},
		{write: true, width: 32, offset: testCommonBase + VIRTIO_PCI_COMMON_Q_DESCHI, value: 0},
		{write: true, width: 32, offset: testCommonBase + VIRTIO_PCI_COMMON_Q_AVAILLO, value: 0x11000},
		{write: true, width: 32, offset: testCommonBase + VIRTIO_PCI_COMMON_Q_AVAILHI, value: 0},
		{write: true, width: 32, offset: testCommonBase + VIRTIO_PCI_COMMON_Q_USEDLO, value: 0x12000},
		{write: true, width: 32, offset: testCommonBase + VIRTIO_PCI_COMMON_Q_USEDHI, value: 0},
		{write: true, width: 16, offset: testCommonBase + VIRTIO_PCI_COMMON_Q_ENABLE, value: 1},
	}
	got := bar.writes()
	if len(got) != len(want) {
		t.Fatalf("writes: got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestModernRingKickUsesNotifyMultiplier(t *testing.T) {
	_, bar, b := newModernFixture(t)

	// Queue 2 reports notify offset 5; with multiplier 4 the doorbell is
	// 20 bytes into the notify window.
	bar.mem.Write16(testCommonBase+VIRTIO_PCI_COMMON_Q_NOFF, 5)
	b.RingKick(2)

	writes := bar.writes()
	last := writes[len(writes)-1]
	wantOffset := uint32(testNotifyBase + 5*4)
	if last.offset != wantOffset || last.value != 2 {
		t.Errorf("kick: got %v, want write16(%#x, 2)", last, wantOffset)
	}
}

func TestModernGetRingSizeSelectsQueueFirst(t *testing.T) {
	_, bar, b := newModernFixture(t)

	bar.mem.Write16(testCommonBase+VIRTIO_PCI_COMMON_Q_SIZE, 128)
	if got := b.GetRingSize(7); got != 128 {
		t.Fatalf("ring size: got %d", got)
	}

	writes := bar.writes()
	if len(writes) != 1 || writes[0].offset != testCommonBase+VIRTIO_PCI_COMMON_Q_SELECT || writes[0].value != 7 {
		t.Errorf("expected queue select write before size read, got %v", writes)
	}
}

func TestModernFeatureWindowSelect(t *testing.T) {
	_, bar, b := newModernFixture(t)

	// Device offers bit 33: second feature window, bit 1.
	bar.mem.Write32(testCommonBase+VIRTIO_PCI_COMMON_DF, 1<<1)
	if !b.IsFeatureSupported(33) {
		t.Error("bit 33 should be reported as offered")
	}
	writes := bar.writes()
	if len(writes) != 1 || writes[0].offset != testCommonBase+VIRTIO_PCI_COMMON_DFSELECT || writes[0].value != 1 {
		t.Errorf("expected feature select 1, got %v", writes)
	}

	bar.reset()
	b.AckFeature(33)
	writes = bar.writes()
	if len(writes) != 2 {
		t.Fatalf("ack writes: got %v", writes)
	}
	if writes[0].offset != testCommonBase+VIRTIO_PCI_COMMON_GFSELECT || writes[0].value != 1 {
		t.Errorf("driver feature select: got %v", writes[0])
	}
	if writes[1].offset != testCommonBase+VIRTIO_PCI_COMMON_GF || writes[1].value != 1<<1 {
		t.Errorf("driver feature write: got %v", writes[1])
	}
}

func TestModernStatusHandshake(t *testing.T) {
	_, bar, b := newModernFixture(t)

	b.DeviceReset()
	b.DriverStatusAck()
	if err := b.StatusFeaturesOK(); err != nil {
		t.Fatal(err)
	}
	b.DriverStatusOk()

	status := bar.mem.Read8(testCommonBase + VIRTIO_PCI_COMMON_STATUS)
	want := uint8(virtio.VIRTIO_STATUS_ACKNOWLEDGE | virtio.VIRTIO_STATUS_DRIVER |
		virtio.VIRTIO_STATUS_FEATURES_OK | virtio.VIRTIO_STATUS_DRIVER_OK)
	if status != want {
		t.Errorf("status: got %#x, want %#x", status, want)
	}
}

func TestModernFeaturesRejected(t *testing.T) {
	fn, bar, _ := newModernFixture(t)

	// Rebuild the backend over an IO layer that never latches
	// FEATURES_OK.
	fn.barIO[4] = &rejectFeaturesIO{
		RegisterIO:   bar,
		statusOffset: testCommonBase + VIRTIO_PCI_COMMON_STATUS,
	}
	b := NewModernBackend(fn, modernInfo())
	if err := b.Bind(); err != nil {
		t.Fatal(err)
	}

	b.DeviceReset()
	b.DriverStatusAck()
	if err := b.StatusFeaturesOK(); !errors.Is(err, virtio.ErrNotSupported) {
		t.Fatalf("got %v, want ErrNotSupported", err)
	}
}

func TestModernIsrStatusMasked(t *testing.T) {
	_, bar, b := newModernFixture(t)

	// Reserved high bits must not leak through.
	bar.mem.Write8(testIsrBase, 0xff)
	if got := b.IsrStatus(); got != virtio.VIRTIO_ISR_QUEUE_INT|virtio.VIRTIO_ISR_DEV_CFG_INT {
		t.Errorf("isr status: got %#x", got)
	}
}

func TestModernDeviceConfigWindow(t *testing.T) {
	_, bar, b := newModernFixture(t)

	b.DeviceConfigWrite64(8, 0x0000000100000002)
	if got := bar.mem.Read32(testDeviceBase + 8); got != 2 {
		t.Errorf("low word: got %#x", got)
	}
	if got := bar.mem.Read32(testDeviceBase + 12); got != 1 {
		t.Errorf("high word: got %#x", got)
	}
	if got := b.DeviceConfigRead64(8); got != 0x0000000100000002 {
		t.Errorf("read back: got %#x", got)
	}
}
