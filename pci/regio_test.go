package pci

import "testing"

func TestRead64Write64RoundTrip(t *testing.T) {
	values := []uint64{
		0,
		^uint64(0),
		// Distinct halves catch a swapped word order that a symmetric
		// value would hide.
		0x0000000100000002,
		0x0123456789abcdef,
	}

	io := NewMemIO(make([]byte, 16))
	for _, value := range values {
		Write64(io, 8, value)
		if got := Read64(io, 8); got != value {
			t.Errorf("round trip of %#x: got %#x", value, got)
		}
	}
}

func TestWrite64LowWordFirst(t *testing.T) {
	io := newRecordIO(16)
	Write64(io, 0, 0x0000000100000002)

	writes := io.writes()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %v", writes)
	}
	if writes[0].offset != 0 || writes[0].value != 2 {
		t.Errorf("first write should be low word 2 at 0, got %v", writes[0])
	}
	if writes[1].offset != 4 || writes[1].value != 1 {
		t.Errorf("second write should be high word 1 at 4, got %v", writes[1])
	}
}

func TestRead64LowWordFirst(t *testing.T) {
	io := newRecordIO(16)
	io.mem.Write32(0, 2)
	io.mem.Write32(4, 1)

	if got := Read64(io, 0); got != 0x0000000100000002 {
		t.Fatalf("got %#x", got)
	}
	if len(io.ops) != 2 || io.ops[0].offset != 0 || io.ops[1].offset != 4 {
		t.Errorf("expected low word read before high word, got %v", io.ops)
	}
}

func TestMemIOPanicsOutsideWindow(t *testing.T) {
	io := NewMemIO(make([]byte, 4))

	defer func() {
		if recover() == nil {
			t.Error("expected panic for access past the window")
		}
	}()
	io.Read32(1)
}

func TestWindowOffsetsAccesses(t *testing.T) {
	backing := newRecordIO(64)
	w := NewWindow(backing, 0x20)

	w.Write16(4, 0xbeef)
	if got := backing.mem.Read16(0x24); got != 0xbeef {
		t.Errorf("write landed at wrong offset: %#x", got)
	}

	backing.mem.Write8(0x21, 0x7f)
	if got := w.Read8(1); got != 0x7f {
		t.Errorf("read came from wrong offset: %#x", got)
	}
}
