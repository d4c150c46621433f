package vm

import (
	"encoding/binary"
	"fmt"
)

// Virtual memory region base addresses. The upper 32 bits select the region.
const (
	AddressSpaceBase = uint64(0)             // Host-populated context memory
	StackBase        = uint64(0x1_0000_0000) // Stack memory
)

// Default region sizes.
const (
	DefaultMemorySize = 1024
	DefaultStackSize  = 128
	MaxRegionSize     = uint64(1 << 32)
)

// AddressSpace is a fixed-size, bounds-checked byte buffer. All offsets are
// relative to the start of the buffer.
type AddressSpace struct {
	data []byte
}

// NewAddressSpace allocates a zeroed address space of the given size.
func NewAddressSpace(size int) *AddressSpace {
	if size < 0 {
		size = 0
	}
	// Converted at run time: int may be 32 bits.
	if limit := MaxRegionSize; uint64(size) > limit {
		size = int(limit)
	}
	return &AddressSpace{data: make([]byte, size)}
}

// Size returns the size in bytes.
func (as *AddressSpace) Size() uint64 {
	return uint64(len(as.data))
}

// Bytes returns the backing buffer. Callers own synchronization.
func (as *AddressSpace) Bytes() []byte {
	return as.data
}

// Load copies host data into the address space at offset.
func (as *AddressSpace) Load(offset uint64, p []byte) error {
	mem, err := as.slice(offset, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Reset zeroes the whole buffer.
func (as *AddressSpace) Reset() {
	clear(as.data)
}

// slice validates [offset, offset+size) and returns the window.
func (as *AddressSpace) slice(offset, size uint64) ([]byte, error) {
	// Check for integer overflow in address calculation
	if offset > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: offset overflow at 0x%x (size %d)", ErrMemoryAccess, offset, size)
	}
	end := offset + size
	if end > uint64(len(as.data)) {
		return nil, fmt.Errorf("%w: access at 0x%x (size %d, limit %d)", ErrMemoryAccess, offset, size, len(as.data))
	}
	return as.data[offset:end], nil
}

// Read copies len(p) bytes starting at offset.
func (as *AddressSpace) Read(offset uint64, p []byte) error {
	mem, err := as.slice(offset, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Write copies p into memory starting at offset.
func (as *AddressSpace) Write(offset uint64, p []byte) error {
	return as.Load(offset, p)
}

// Read8 reads a byte.
func (as *AddressSpace) Read8(offset uint64) (uint64, error) {
	mem, err := as.slice(offset, 1)
	if err != nil {
		return 0, err
	}
	return uint64(mem[0]), nil
}

// Read16 reads a 16-bit value (little-endian).
func (as *AddressSpace) Read16(offset uint64) (uint64, error) {
	mem, err := as.slice(offset, 2)
	if err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint16(mem)), nil
}

// Read32 reads a 32-bit value (little-endian).
func (as *AddressSpace) Read32(offset uint64) (uint64, error) {
	mem, err := as.slice(offset, 4)
	if err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint32(mem)), nil
}

// Read64 reads a 64-bit value (little-endian).
func (as *AddressSpace) Read64(offset uint64) (uint64, error) {
	mem, err := as.slice(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write8 writes the low byte of x.
func (as *AddressSpace) Write8(offset uint64, x uint64) error {
	mem, err := as.slice(offset, 1)
	if err != nil {
		return err
	}
	mem[0] = uint8(x)
	return nil
}

// Write16 writes the low 16 bits of x (little-endian).
func (as *AddressSpace) Write16(offset uint64, x uint64) error {
	mem, err := as.slice(offset, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, uint16(x))
	return nil
}

// Write32 writes the low 32 bits of x (little-endian).
func (as *AddressSpace) Write32(offset uint64, x uint64) error {
	mem, err := as.slice(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, uint32(x))
	return nil
}

// Write64 writes x (little-endian).
func (as *AddressSpace) Write64(offset uint64, x uint64) error {
	mem, err := as.slice(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}

// ReadSized reads a value of width 1, 2, 4 or 8 bytes.
func (as *AddressSpace) ReadSized(offset uint64, width uint64) (uint64, error) {
	switch width {
	case 1:
		return as.Read8(offset)
	case 2:
		return as.Read16(offset)
	case 4:
		return as.Read32(offset)
	case 8:
		return as.Read64(offset)
	}
	return 0, fmt.Errorf("%w: unsupported width %d", ErrMemoryAccess, width)
}

// WriteSized writes a value of width 1, 2, 4 or 8 bytes.
func (as *AddressSpace) WriteSized(offset uint64, width uint64, x uint64) error {
	switch width {
	case 1:
		return as.Write8(offset, x)
	case 2:
		return as.Write16(offset, x)
	case 4:
		return as.Write32(offset, x)
	case 8:
		return as.Write64(offset, x)
	}
	return fmt.Errorf("%w: unsupported width %d", ErrMemoryAccess, width)
}

// MemoryMap routes VM addresses to the address space or the stack.
type MemoryMap struct {
	mem   *AddressSpace
	stack *AddressSpace
}

// NewMemoryMap maps mem at AddressSpaceBase and stack at StackBase.
func NewMemoryMap(mem, stack *AddressSpace) *MemoryMap {
	return &MemoryMap{mem: mem, stack: stack}
}

// Translate resolves a VM address to a region and an offset inside it.
func (m *MemoryMap) Translate(addr uint64) (*AddressSpace, uint64, error) {
	switch addr >> 32 {
	case AddressSpaceBase >> 32:
		return m.mem, addr - AddressSpaceBase, nil
	case StackBase >> 32:
		return m.stack, addr - StackBase, nil
	default:
		return nil, 0, fmt.Errorf("%w: unmapped region at 0x%x", ErrMemoryAccess, addr)
	}
}

// Load reads width bytes at addr, zero-extended.
func (m *MemoryMap) Load(addr uint64, width uint64) (uint64, error) {
	region, off, err := m.Translate(addr)
	if err != nil {
		return 0, err
	}
	return region.ReadSized(off, width)
}

// Store writes the low width bytes of x at addr.
func (m *MemoryMap) Store(addr uint64, width uint64, x uint64) error {
	region, off, err := m.Translate(addr)
	if err != nil {
		return err
	}
	return region.WriteSized(off, width, x)
}

// Read copies len(p) bytes at addr into p. The range must lie inside one
// region.
func (m *MemoryMap) Read(addr uint64, p []byte) error {
	region, off, err := m.Translate(addr)
	if err != nil {
		return err
	}
	return region.Read(off, p)
}

// Write copies p to addr. The range must lie inside one region.
func (m *MemoryMap) Write(addr uint64, p []byte) error {
	region, off, err := m.Translate(addr)
	if err != nil {
		return err
	}
	return region.Write(off, p)
}

// StackTop returns the address one past the end of the stack.
func (m *MemoryMap) StackTop() uint64 {
	return StackBase + m.stack.Size()
}
