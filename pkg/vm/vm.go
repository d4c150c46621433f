// Package vm implements a sandboxed eBPF-style bytecode interpreter.
//
// The machine has 11 64-bit registers (r0-r10) and two memory regions,
// selected by the upper 32 bits of an address:
//   - Address space (0x000000000): host-populated context memory, r1 on entry
//   - Stack         (0x100000000): scratch memory, r10 points one past its end
//
// Every memory access is bounds checked, every run is metered and every
// abnormal stop is reported as a *Fault.
package vm

import (
	"context"
	"fmt"

	"github.com/tliron/commonlog"
)

// ctxCheckInterval is how many instructions run between cancellation checks.
const ctxCheckInterval = 1024

// Tracer observes each instruction before it executes.
type Tracer func(pc int, ins Instruction, regs *Registers)

// Options configures a VM.
type Options struct {
	Memory       *AddressSpace   // Host-populated address space; allocated when nil
	MemorySize   int             // Size of the allocated address space when Memory is nil
	StackSize    int             // Stack size in bytes
	ComputeLimit uint64          // Compute budget; DefaultComputeUnits when zero
	Helpers      *HelperRegistry // Helpers callable from bytecode; may be nil
	Tracer       Tracer
	Logger       commonlog.Logger
}

// Stats reports what a run did.
type Stats struct {
	Instructions uint64
	ComputeUsed  uint64
	HelperCalls  uint64
	HelperMisses uint64
}

// VM executes one program against one address space. It is not safe for
// concurrent use; independent VMs may share a Program and a HelperRegistry.
type VM struct {
	program *Program
	regs    Registers
	mem     *AddressSpace
	stack   *AddressSpace
	mmap    *MemoryMap
	meter   *ComputeMeter
	helpers *HelperRegistry
	tracer  Tracer
	log     commonlog.Logger
	limit   uint64
	stats   Stats
}

// New creates a VM for program.
func New(program *Program, opts Options) *VM {
	mem := opts.Memory
	if mem == nil {
		size := opts.MemorySize
		if size <= 0 {
			size = DefaultMemorySize
		}
		mem = NewAddressSpace(size)
	}
	stackSize := opts.StackSize
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	stack := NewAddressSpace(stackSize)

	log := opts.Logger
	if log == nil {
		log = commonlog.GetLogger("ebpfvm.vm")
	}

	return &VM{
		program: program,
		mem:     mem,
		stack:   stack,
		mmap:    NewMemoryMap(mem, stack),
		helpers: opts.Helpers,
		tracer:  opts.Tracer,
		log:     log,
		limit:   opts.ComputeLimit,
		meter:   NewComputeMeter(opts.ComputeLimit),
	}
}

// Memory returns the address space seen through r1.
func (v *VM) Memory() *AddressSpace {
	return v.mem
}

// Stack returns the stack region.
func (v *VM) Stack() *AddressSpace {
	return v.stack
}

// MemoryMap returns the address translation used by the running program.
// Helpers bound to it see the stack as well as the address space.
func (v *VM) MemoryMap() *MemoryMap {
	return v.mmap
}

// Registers returns a copy of the register file as left by the last run.
func (v *VM) Registers() Registers {
	return v.regs
}

// Stats returns counters of the last run.
func (v *VM) Stats() Stats {
	return v.stats
}

// ComputeMeter returns the meter of the last run.
func (v *VM) ComputeMeter() *ComputeMeter {
	return v.meter
}

func (v *VM) reset() {
	v.stack.Reset()
	v.regs.initialize(v.mmap.StackTop())
	v.meter = NewComputeMeter(v.limit)
	v.stats = Stats{}
}

// Run executes the program from slot 0 until exit or the first fault.
// It returns r0 on exit, or 0 and a *Fault otherwise.
func (v *VM) Run(ctx context.Context) (result uint64, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	v.reset()

	var (
		pc  int
		ins Instruction
	)
	n := v.program.Len()

	defer func() {
		if rec := recover(); rec != nil {
			result = 0
			err = faultAt(ControlFault, pc, ins, fmt.Errorf("interpreter panic: %v", rec))
		}
		v.stats.ComputeUsed = v.meter.Used()
	}()

	for {
		if pc == n {
			return 0, &Fault{Kind: ControlFault, PC: pc, Err: ErrMissingReturn}
		}
		if pc < 0 || pc > n {
			return 0, &Fault{Kind: ControlFault, PC: pc, Err: fmt.Errorf("%w: target %d, program has %d slots", ErrJumpOutOfBounds, pc, n)}
		}

		var derr error
		ins, derr = v.program.Slot(pc)
		if derr != nil {
			return 0, derr
		}

		if v.stats.Instructions%ctxCheckInterval == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return 0, faultAt(BudgetFault, pc, ins, cerr)
			}
		}

		if v.tracer != nil {
			v.tracer(pc, ins, &v.regs)
		}

		// Consume variable compute units based on instruction type
		if cerr := v.meter.Consume(instructionCost(ins.Opcode)); cerr != nil {
			return 0, faultAt(BudgetFault, pc, ins, cerr)
		}
		v.stats.Instructions++

		if !validRegister(ins.Dst) || !validRegister(ins.Src) {
			return 0, faultAt(DecodeFault, pc, ins,
				fmt.Errorf("%w: dst=%d src=%d", ErrInvalidRegister, ins.Dst, ins.Src))
		}

		next, exit, serr := v.step(pc, ins)
		if serr != nil {
			return 0, serr
		}
		if exit {
			return v.regs[RegReturn], nil
		}
		pc = next
	}
}

// step executes one instruction and returns the next pc.
func (v *VM) step(pc int, ins Instruction) (int, bool, error) {
	r := &v.regs
	next := pc + 1

	switch ins.Class() {
	case ClassAlu, ClassAlu64:
		return next, false, v.execALU(pc, ins)

	case ClassLd:
		switch ins.Opcode {
		case OpLddw:
			// 64-bit immediate load (uses two instruction slots)
			hi, err := v.program.Slot(pc + 1)
			if err != nil {
				return 0, false, faultAt(DecodeFault, pc, ins, ErrTruncatedProgram)
			}
			r[ins.Dst] = uint64(uint32(ins.Imm)) | uint64(uint32(hi.Imm))<<32
			return pc + 2, false, nil
		case OpLdabsw, OpLdabsh, OpLdabsb, OpLdabsdw:
			off := uint64(uint32(ins.Imm))
			val, err := v.mem.ReadSized(off, sizeBytes(ins.Opcode))
			if err != nil {
				return 0, false, v.memFault(pc, ins, AddressSpaceBase+off, err)
			}
			r[RegReturn] = val
			return next, false, nil
		case OpLdindw, OpLdindh, OpLdindb, OpLdinddw:
			addr := r[ins.Src] + uint64(uint32(ins.Imm))
			val, err := v.mmap.Load(addr, sizeBytes(ins.Opcode))
			if err != nil {
				return 0, false, v.memFault(pc, ins, addr, err)
			}
			r[RegReturn] = val
			return next, false, nil
		}

	case ClassLdx:
		switch ins.Opcode {
		case OpLdxw, OpLdxh, OpLdxb, OpLdxdw:
			addr := r[ins.Src] + uint64(int64(ins.Off))
			val, err := v.mmap.Load(addr, sizeBytes(ins.Opcode))
			if err != nil {
				return 0, false, v.memFault(pc, ins, addr, err)
			}
			r[ins.Dst] = val
			return next, false, nil
		}

	case ClassSt:
		switch ins.Opcode {
		case OpStw, OpSth, OpStb, OpStdw:
			addr := r[ins.Dst] + uint64(int64(ins.Off))
			if err := v.mmap.Store(addr, sizeBytes(ins.Opcode), uint64(int64(ins.Imm))); err != nil {
				return 0, false, v.memFault(pc, ins, addr, err)
			}
			return next, false, nil
		}

	case ClassStx:
		switch ins.Opcode {
		case OpStxw, OpStxh, OpStxb, OpStxdw:
			addr := r[ins.Dst] + uint64(int64(ins.Off))
			if err := v.mmap.Store(addr, sizeBytes(ins.Opcode), r[ins.Src]); err != nil {
				return 0, false, v.memFault(pc, ins, addr, err)
			}
			return next, false, nil
		}

	case ClassJmp:
		switch ins.Opcode {
		case OpJa:
			return next + int(ins.Off), false, nil
		case OpCall:
			v.call(pc, uint32(ins.Imm))
			return next, false, nil
		case OpExit:
			return 0, true, nil
		}
		var operand uint64
		if ins.Opcode&SrcX != 0 {
			operand = r[ins.Src]
		} else {
			operand = uint64(int64(ins.Imm))
		}
		taken, known := branch(ins.Opcode&0xF0, r[ins.Dst], operand)
		if !known {
			break
		}
		if taken {
			return next + int(ins.Off), false, nil
		}
		return next, false, nil
	}

	return 0, false, faultAt(ControlFault, pc, ins, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, ins.Opcode))
}

// call invokes a helper. A missing helper leaves r0 unchanged.
func (v *VM) call(pc int, key uint32) {
	r := &v.regs
	res, ok := v.helpers.Invoke(key, r[1], r[2], r[3], r[4], r[5])
	if !ok {
		v.stats.HelperMisses++
		v.log.Warningf("no helper registered for key %d (pc %d)", key, pc)
		return
	}
	v.stats.HelperCalls++
	r[RegReturn] = res
}

func (v *VM) memFault(pc int, ins Instruction, addr uint64, err error) *Fault {
	f := faultAt(MemoryFault, pc, ins, err)
	f.Addr = addr
	return f
}
