package pci

import "encoding/binary"

// RegisterIO is ordered 8/16/32-bit access to one register window. Both
// transport generations are driven through this interface: the modern
// backend uses mapped memory, the legacy backend a port-I/O window.
// Offsets past the window are a driver bug and panic.
type RegisterIO interface {
	Read8(offset uint32) uint8
	Read16(offset uint32) uint16
	Read32(offset uint32) uint32
	Write8(offset uint32, value uint8)
	Write16(offset uint32, value uint16)
	Write32(offset uint32, value uint32)
}

// Read64 reads a 64-bit register as two 32-bit reads, low word first.
//
// Virtio 1.0 section 4.1.3: 64-bit fields are to be treated as two 32-bit
// fields, with the low 32 bit part followed by the high 32 bit part. This
// split is a wire-format requirement, not an optimization.
func Read64(r RegisterIO, offset uint32) uint64 {
	lo := r.Read32(offset)
	hi := r.Read32(offset + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// Write64 writes a 64-bit register as two 32-bit writes, low word first.
// See Read64.
func Write64(r RegisterIO, offset uint32, value uint64) {
	r.Write32(offset, uint32(value))
	r.Write32(offset+4, uint32(value>>32))
}

// MemIO is a RegisterIO over a little-endian byte window, typically an
// mmapped BAR.
type MemIO struct {
	mem []byte
}

// NewMemIO wraps mem as a register window.
func NewMemIO(mem []byte) *MemIO {
	return &MemIO{mem: mem}
}

func (m *MemIO) field(offset uint32, size int) []byte {
	end := int(offset) + size
	if end > len(m.mem) || end < size {
		panic("pci: register access outside mapped window")
	}
	return m.mem[offset:end]
}

func (m *MemIO) Read8(offset uint32) uint8 { return m.field(offset, 1)[0] }

func (m *MemIO) Read16(offset uint32) uint16 {
	return binary.LittleEndian.Uint16(m.field(offset, 2))
}

func (m *MemIO) Read32(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(m.field(offset, 4))
}

func (m *MemIO) Write8(offset uint32, value uint8) { m.field(offset, 1)[0] = value }

func (m *MemIO) Write16(offset uint32, value uint16) {
	binary.LittleEndian.PutUint16(m.field(offset, 2), value)
}

func (m *MemIO) Write32(offset uint32, value uint32) {
	binary.LittleEndian.PutUint32(m.field(offset, 4), value)
}

// Window is a RegisterIO view at a fixed offset inside a larger window.
// Backends hold one per resolved capability so the resolved location
// stays immutable after discovery.
type Window struct {
	io   RegisterIO
	base uint32
}

// NewWindow returns a view of io starting at base.
func NewWindow(io RegisterIO, base uint32) Window {
	return Window{io: io, base: base}
}

func (w Window) Read8(offset uint32) uint8   { return w.io.Read8(w.base + offset) }
func (w Window) Read16(offset uint32) uint16 { return w.io.Read16(w.base + offset) }
func (w Window) Read32(offset uint32) uint32 { return w.io.Read32(w.base + offset) }

func (w Window) Write8(offset uint32, value uint8)   { w.io.Write8(w.base+offset, value) }
func (w Window) Write16(offset uint32, value uint16) { w.io.Write16(w.base+offset, value) }
func (w Window) Write32(offset uint32, value uint32) { w.io.Write32(w.base+offset, value) }
