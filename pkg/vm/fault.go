package vm

import (
	"errors"
	"fmt"
)

// Errors.
var (
	ErrTruncatedProgram = errors.New("truncated program")
	ErrInvalidRegister  = errors.New("invalid register index")
	ErrInvalidByteSwap  = errors.New("invalid byte swap width")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrMemoryAccess     = errors.New("invalid memory access")
	ErrUnknownOpcode    = errors.New("unknown opcode")
	ErrMissingReturn    = errors.New("program ended without exit")
	ErrJumpOutOfBounds  = errors.New("jump out of bounds")
	ErrBudgetExceeded   = errors.New("compute budget exceeded")
	ErrProgramTooLarge  = errors.New("program too large")
)

// FaultKind classifies why a run stopped abnormally.
type FaultKind int

const (
	// DecodeFault covers truncated programs, invalid register indices and
	// invalid byte swap widths.
	DecodeFault FaultKind = iota + 1
	// ArithmeticFault is an integer division or modulo by zero.
	ArithmeticFault
	// MemoryFault is an access outside the address space or stack.
	MemoryFault
	// ControlFault is an unknown opcode or control leaving the program.
	ControlFault
	// BudgetFault is compute exhaustion or cancellation.
	BudgetFault
)

func (k FaultKind) String() string {
	switch k {
	case DecodeFault:
		return "decode"
	case ArithmeticFault:
		return "arithmetic"
	case MemoryFault:
		return "memory"
	case ControlFault:
		return "control"
	case BudgetFault:
		return "budget"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// ParseFaultKind is the inverse of FaultKind.String.
func ParseFaultKind(s string) (FaultKind, bool) {
	for k := DecodeFault; k <= BudgetFault; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Fault is a fatal run outcome. It is never returned together with a value.
type Fault struct {
	Kind   FaultKind
	PC     int    // slot of the faulting instruction
	Opcode uint8  // opcode of the faulting instruction
	Addr   uint64 // faulting address, for memory faults
	Err    error  // one of the sentinel errors above, or a context error
}

func (f *Fault) Error() string {
	switch f.Kind {
	case MemoryFault:
		return fmt.Sprintf("%s fault at pc %d (op 0x%02x): %v", f.Kind, f.PC, f.Opcode, f.Err)
	case BudgetFault:
		return fmt.Sprintf("%s fault at pc %d: %v", f.Kind, f.PC, f.Err)
	default:
		if f.Opcode == 0 && f.Kind == ControlFault {
			return fmt.Sprintf("%s fault at pc %d: %v", f.Kind, f.PC, f.Err)
		}
		return fmt.Sprintf("%s fault at pc %d (op 0x%02x): %v", f.Kind, f.PC, f.Opcode, f.Err)
	}
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// AsFault extracts a *Fault from an error chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// faultAt builds a fault for the instruction at pc.
func faultAt(kind FaultKind, pc int, ins Instruction, err error) *Fault {
	return &Fault{Kind: kind, PC: pc, Opcode: ins.Opcode, Err: err}
}
