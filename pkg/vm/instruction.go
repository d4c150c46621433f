package vm

import (
	"encoding/binary"
	"fmt"
)

// InstructionSize is the width of one instruction slot in bytes.
const InstructionSize = 8

// Instruction is a decoded instruction slot.
//
// Slot layout: [opcode:1][src<<4|dst:1][off:i16 LE][imm:i32 LE].
type Instruction struct {
	Opcode uint8
	Dst    uint8 // 0-15 as encoded; only 0-10 name a register
	Src    uint8
	Off    int16
	Imm    int32
}

// Decode decodes the instruction at the given slot of a program image.
func Decode(image []byte, slot int) (Instruction, error) {
	if slot < 0 || (slot+1)*InstructionSize > len(image) {
		return Instruction{}, &Fault{Kind: DecodeFault, PC: slot, Err: ErrTruncatedProgram}
	}
	b := image[slot*InstructionSize : (slot+1)*InstructionSize]
	return Instruction{
		Opcode: b[0],
		Dst:    b[1] & 0x0F,
		Src:    b[1] >> 4,
		Off:    int16(binary.LittleEndian.Uint16(b[2:4])),
		Imm:    int32(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}

// Encode creates an instruction slot from its components.
func Encode(op uint8, dst, src uint8, off int16, imm int32) []byte {
	b := make([]byte, InstructionSize)
	b[0] = op
	b[1] = (src&0x0F)<<4 | dst&0x0F
	binary.LittleEndian.PutUint16(b[2:4], uint16(off))
	binary.LittleEndian.PutUint32(b[4:8], uint32(imm))
	return b
}

// EncodeLddw creates the two slots of a wide immediate load.
func EncodeLddw(dst uint8, value uint64) []byte {
	out := Encode(OpLddw, dst, 0, 0, int32(uint32(value)))
	return append(out, Encode(0, 0, 0, 0, int32(uint32(value>>32)))...)
}

// Assemble concatenates encoded slots into a program image.
func Assemble(slots ...[]byte) []byte {
	image := make([]byte, 0, len(slots)*InstructionSize)
	for _, s := range slots {
		image = append(image, s...)
	}
	return image
}

// Bytes re-encodes the instruction.
func (i Instruction) Bytes() []byte {
	return Encode(i.Opcode, i.Dst, i.Src, i.Off, i.Imm)
}

// Uimm returns the immediate value as unsigned.
func (i Instruction) Uimm() uint32 {
	return uint32(i.Imm)
}

// Class returns the instruction class (bits 0-2).
func (i Instruction) Class() uint8 {
	return i.Opcode & 0x07
}

// String returns a disassembly of the instruction.
func (i Instruction) String() string {
	return format(i, nil)
}

// GoString is used by %#v and in test failures.
func (i Instruction) GoString() string {
	return fmt.Sprintf("vm.Instruction{Opcode: %#02x, Dst: %d, Src: %d, Off: %d, Imm: %d}",
		i.Opcode, i.Dst, i.Src, i.Off, i.Imm)
}
