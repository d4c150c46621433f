// Package fixture holds the demonstration memory image and the two example
// helpers used by the run command and the tests.
package fixture

import (
	"github.com/fortiblox/ebpfvm/pkg/helpers"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// Demo helper keys.
const (
	KeyGatherBytes = uint32(0)
	KeyMemfrob     = uint32(1)
)

// frobKey is the XOR pattern applied by memfrob.
const frobKey = 0b101010

// pattern lists the non-zero bytes of the demonstration memory.
var pattern = map[int]byte{
	0: 1, 1: 2, 2: 3, 3: 4, 4: 5, 5: 6, 6: 7, 7: 8,
	15: 0x80,
	16: 1,
	18: 2,
	22: 2,
	26: 4,
	30: 8,
	33: 1,
	37: 2,
}

// Memory returns a fresh demonstration address space of the default size.
func Memory() *vm.AddressSpace {
	mem := vm.NewAddressSpace(vm.DefaultMemorySize)
	Populate(mem)
	return mem
}

// Populate writes the demonstration pattern into mem. Bytes beyond the end
// of a small address space are skipped.
func Populate(mem *vm.AddressSpace) {
	buf := mem.Bytes()
	for off, b := range pattern {
		if off < len(buf) {
			buf[off] = b
		}
	}
}

// Install registers gather_bytes and memfrob in reg, bound to mem.
func Install(reg *vm.HelperRegistry, mem *vm.AddressSpace) {
	reg.Register(KeyGatherBytes, GatherBytes)
	reg.Register(KeyMemfrob, Memfrob(mem))
}

// GatherBytes packs its five arguments into one value.
func GatherBytes(r1, r2, r3, r4, r5 uint64) uint64 {
	return r1<<32 | r2<<24 | r3<<16 | r4<<8 | r5
}

// Memfrob returns a helper that XORs r2 bytes at address r1 with 42. A range
// outside mem is left untouched and reported as helpers.ErrnoFault.
func Memfrob(mem *vm.AddressSpace) vm.HelperFunc {
	return func(r1, r2, _, _, _ uint64) uint64 {
		if mem == nil {
			return helpers.ErrnoFault
		}
		size := mem.Size()
		off := r1 - vm.AddressSpaceBase
		if off > size || r2 > size-off {
			return helpers.ErrnoFault
		}
		buf := mem.Bytes()[off : off+r2]
		for i := range buf {
			buf[i] ^= frobKey
		}
		return 0
	}
}
