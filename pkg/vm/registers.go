package vm

import "fmt"

// NumRegisters is the number of general purpose registers (r0-r10).
const NumRegisters = 11

// Register roles.
const (
	RegReturn = 0  // return value, helper result
	RegArg1   = 1  // first helper argument, address space base on entry
	RegFrame  = 10 // frame pointer, top of stack on entry
)

// Registers is the register file of one run.
type Registers [NumRegisters]uint64

// initialize resets the file to the entry state: everything zero except r1,
// which points at the address space, and r10, one past the end of the stack.
func (r *Registers) initialize(stackTop uint64) {
	*r = Registers{}
	r[RegArg1] = AddressSpaceBase
	r[RegFrame] = stackTop
}

// validRegister reports whether a decoded 4-bit register field names a
// real register.
func validRegister(idx uint8) bool {
	return idx < NumRegisters
}

func (r *Registers) String() string {
	return fmt.Sprintf("r0=%#x r1=%#x r2=%#x r3=%#x r4=%#x r5=%#x r6=%#x r7=%#x r8=%#x r9=%#x r10=%#x",
		r[0], r[1], r[2], r[3], r[4], r[5], r[6], r[7], r[8], r[9], r[10])
}
