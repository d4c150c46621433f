package vm

import (
	"fmt"
	"io"
)

var aluNames = map[uint8]string{
	AluAdd:  "add",
	AluSub:  "sub",
	AluMul:  "mul",
	AluDiv:  "div",
	AluOr:   "or",
	AluAnd:  "and",
	AluLsh:  "lsh",
	AluRsh:  "rsh",
	AluNeg:  "neg",
	AluMod:  "mod",
	AluXor:  "xor",
	AluMov:  "mov",
	AluArsh: "arsh",
}

var jmpNames = map[uint8]string{
	JmpJeq:  "jeq",
	JmpJgt:  "jgt",
	JmpJge:  "jge",
	JmpJset: "jset",
	JmpJne:  "jne",
	JmpJsgt: "jsgt",
	JmpJsge: "jsge",
	JmpJlt:  "jlt",
	JmpJle:  "jle",
	JmpJslt: "jslt",
	JmpJsle: "jsle",
}

var sizeSuffix = map[uint8]string{
	SizeW:  "w",
	SizeH:  "h",
	SizeB:  "b",
	SizeDW: "dw",
}

func reg(i uint8) string {
	return fmt.Sprintf("r%d", i)
}

func memOperand(base uint8, off int16) string {
	if off == 0 {
		return fmt.Sprintf("[r%d]", base)
	}
	return fmt.Sprintf("[r%d%+d]", base, off)
}

// format renders one instruction. next is the second slot of a wide load,
// if available.
func format(i Instruction, next *Instruction) string {
	op := i.Opcode
	unknown := fmt.Sprintf(".byte 0x%02x", op)

	switch i.Class() {
	case ClassAlu, ClassAlu64:
		width := "64"
		if i.Class() == ClassAlu {
			width = "32"
		}
		aluOp := op & 0xF0
		if aluOp == AluEnd {
			if i.Class() != ClassAlu {
				return unknown
			}
			name := "le"
			if op == OpBe {
				name = "be"
			}
			return fmt.Sprintf("%s%d %s", name, i.Imm, reg(i.Dst))
		}
		name, ok := aluNames[aluOp]
		if !ok {
			return unknown
		}
		if aluOp == AluNeg {
			if op&SrcX != 0 {
				return unknown
			}
			return fmt.Sprintf("%s%s %s", name, width, reg(i.Dst))
		}
		if op&SrcX != 0 {
			return fmt.Sprintf("%s%s %s, %s", name, width, reg(i.Dst), reg(i.Src))
		}
		return fmt.Sprintf("%s%s %s, %d", name, width, reg(i.Dst), i.Imm)

	case ClassLd:
		switch op {
		case OpLddw:
			value := uint64(uint32(i.Imm))
			if next != nil {
				value |= uint64(uint32(next.Imm)) << 32
			}
			return fmt.Sprintf("lddw %s, %#x", reg(i.Dst), value)
		case OpLdabsw, OpLdabsh, OpLdabsb, OpLdabsdw:
			return fmt.Sprintf("ldabs%s %#x", sizeSuffix[op&0x18], uint32(i.Imm))
		case OpLdindw, OpLdindh, OpLdindb, OpLdinddw:
			return fmt.Sprintf("ldind%s [%s+%#x]", sizeSuffix[op&0x18], reg(i.Src), uint32(i.Imm))
		}

	case ClassLdx:
		if op&0xE0 == ModeMem {
			return fmt.Sprintf("ldx%s %s, %s", sizeSuffix[op&0x18], reg(i.Dst), memOperand(i.Src, i.Off))
		}

	case ClassSt:
		if op&0xE0 == ModeMem {
			return fmt.Sprintf("st%s %s, %d", sizeSuffix[op&0x18], memOperand(i.Dst, i.Off), i.Imm)
		}

	case ClassStx:
		if op&0xE0 == ModeMem {
			return fmt.Sprintf("stx%s %s, %s", sizeSuffix[op&0x18], memOperand(i.Dst, i.Off), reg(i.Src))
		}

	case ClassJmp:
		switch op {
		case OpJa:
			return fmt.Sprintf("ja %+d", i.Off)
		case OpCall:
			return fmt.Sprintf("call %#x", uint32(i.Imm))
		case OpExit:
			return "exit"
		}
		name, ok := jmpNames[op&0xF0]
		if !ok {
			return unknown
		}
		if op&SrcX != 0 {
			return fmt.Sprintf("%s %s, %s, %+d", name, reg(i.Dst), reg(i.Src), i.Off)
		}
		return fmt.Sprintf("%s %s, %d, %+d", name, reg(i.Dst), i.Imm, i.Off)
	}

	return unknown
}

// Disassemble writes one line per instruction of p. A wide load is printed
// once, with its full 64-bit constant.
func Disassemble(w io.Writer, p *Program) error {
	for pc := 0; pc < p.Len(); pc++ {
		ins, err := p.Slot(pc)
		if err != nil {
			return err
		}
		var next *Instruction
		if ins.Opcode == OpLddw && pc+1 < p.Len() {
			hi, err := p.Slot(pc + 1)
			if err != nil {
				return err
			}
			next = &hi
		}
		if _, err := fmt.Fprintf(w, "%4d: %s\n", pc, format(ins, next)); err != nil {
			return err
		}
		if next != nil {
			pc++
		}
	}
	return nil
}
