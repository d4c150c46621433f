package vm

import (
	"fmt"
	"math/bits"
)

const mask32 = uint64(0xFFFFFFFF)

// alu64 applies a 64-bit ALU operator. The 32-bit class reuses it and masks
// the result afterwards.
func alu64(aluOp uint8, dst, operand uint64) (uint64, error) {
	switch aluOp {
	case AluAdd:
		return dst + operand, nil
	case AluSub:
		return dst - operand, nil
	case AluMul:
		return dst * operand, nil
	case AluDiv:
		if operand == 0 {
			return 0, ErrDivisionByZero
		}
		return dst / operand, nil
	case AluMod:
		if operand == 0 {
			return 0, ErrDivisionByZero
		}
		return dst % operand, nil
	case AluOr:
		return dst | operand, nil
	case AluAnd:
		return dst & operand, nil
	case AluXor:
		return dst ^ operand, nil
	case AluLsh:
		return dst << (operand & 63), nil
	case AluRsh:
		return dst >> (operand & 63), nil
	case AluArsh:
		return uint64(int64(dst) >> (operand & 63)), nil
	case AluNeg:
		return uint64(-int64(dst)), nil
	case AluMov:
		return operand, nil
	}
	return 0, ErrUnknownOpcode
}

// byteSwap converts the low width bits of x to the requested byte order.
// The machine is little-endian, so le only truncates.
func byteSwap(op uint8, x uint64, width int32) (uint64, error) {
	if op == OpLe {
		switch width {
		case 16:
			return x & 0xFFFF, nil
		case 32:
			return x & mask32, nil
		case 64:
			return x, nil
		}
	} else {
		switch width {
		case 16:
			return uint64(bits.ReverseBytes16(uint16(x))), nil
		case 32:
			return uint64(bits.ReverseBytes32(uint32(x))), nil
		case 64:
			return bits.ReverseBytes64(x), nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidByteSwap, width)
}

// execALU executes an instruction of the ALU or ALU64 class.
func (v *VM) execALU(pc int, ins Instruction) error {
	r := &v.regs
	op := ins.Opcode
	aluOp := op & 0xF0

	switch {
	case aluOp == AluEnd:
		if ins.Class() != ClassAlu {
			return faultAt(ControlFault, pc, ins, ErrUnknownOpcode)
		}
		val, err := byteSwap(op, r[ins.Dst], ins.Imm)
		if err != nil {
			return faultAt(DecodeFault, pc, ins, err)
		}
		r[ins.Dst] = val
		return nil
	case aluOp == AluNeg && op&SrcX != 0:
		return faultAt(ControlFault, pc, ins, ErrUnknownOpcode)
	}

	var operand uint64
	if op&SrcX != 0 {
		operand = r[ins.Src]
	} else {
		operand = uint64(int64(ins.Imm))
	}

	res, err := alu64(aluOp, r[ins.Dst], operand)
	switch err {
	case nil:
	case ErrDivisionByZero:
		return faultAt(ArithmeticFault, pc, ins, err)
	default:
		return faultAt(ControlFault, pc, ins, err)
	}
	if ins.Class() == ClassAlu {
		res &= mask32
	}
	r[ins.Dst] = res
	return nil
}

// branch evaluates a conditional jump operator. known is false for
// operators that do not exist.
func branch(jmpOp uint8, a, b uint64) (taken, known bool) {
	switch jmpOp {
	case JmpJeq:
		return a == b, true
	case JmpJne:
		return a != b, true
	case JmpJgt:
		return a > b, true
	case JmpJge:
		return a >= b, true
	case JmpJlt:
		return a < b, true
	case JmpJle:
		return a <= b, true
	case JmpJset:
		return a&b != 0, true
	case JmpJsgt:
		return int64(a) > int64(b), true
	case JmpJsge:
		return int64(a) >= int64(b), true
	case JmpJslt:
		return int64(a) < int64(b), true
	case JmpJsle:
		return int64(a) <= int64(b), true
	}
	return false, false
}
