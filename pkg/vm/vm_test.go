package vm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// runImage runs an assembled image with default options plus opts.
func runImage(t *testing.T, image []byte, opts Options) (uint64, *VM, error) {
	t.Helper()
	prog, err := NewProgram(image)
	if err != nil {
		t.Fatalf("NewProgram() failed: %v", err)
	}
	v := New(prog, opts)
	r0, err := v.Run(context.Background())
	return r0, v, err
}

func wantFault(t *testing.T, err error, kind FaultKind, target error) *Fault {
	t.Helper()
	f, ok := AsFault(err)
	if !ok {
		t.Fatalf("err = %v, want *Fault", err)
	}
	if f.Kind != kind {
		t.Errorf("Kind = %v, want %v (err: %v)", f.Kind, kind, err)
	}
	if target != nil && !errors.Is(err, target) {
		t.Errorf("err = %v, want %v", err, target)
	}
	return f
}

func TestComputeMeter(t *testing.T) {
	cm := NewComputeMeter(1000)

	if cm.Remaining() != 1000 {
		t.Errorf("Remaining() = %d, want 1000", cm.Remaining())
	}
	if err := cm.Consume(100); err != nil {
		t.Errorf("Consume(100) failed: %v", err)
	}
	if cm.Remaining() != 900 {
		t.Errorf("Remaining() = %d, want 900", cm.Remaining())
	}
	if cm.Used() != 100 {
		t.Errorf("Used() = %d, want 100", cm.Used())
	}
	if err := cm.Consume(900); err != nil {
		t.Errorf("Consume(900) failed: %v", err)
	}

	// Budget spent.
	if err := cm.Consume(1); err != ErrBudgetExceeded {
		t.Errorf("Consume(1) = %v, want ErrBudgetExceeded", err)
	}

	over := NewComputeMeter(10)
	over.Consume(4)
	if err := over.Consume(7); err != ErrBudgetExceeded || over.Remaining() != 0 || over.Used() != 10 {
		t.Errorf("overdraw: err=%v remaining=%d used=%d, want ErrBudgetExceeded, 0, 10", err, over.Remaining(), over.Used())
	}

	if got := NewComputeMeter(0).Limit(); got != DefaultComputeUnits {
		t.Errorf("Limit() = %d, want %d", got, DefaultComputeUnits)
	}
}

func TestInstructionCost(t *testing.T) {
	tests := []struct {
		op   uint8
		cost uint64
	}{
		{OpAdd64Imm, CostALU},
		{OpMul32Reg, CostMul},
		{OpDiv64Reg, CostDiv},
		{OpMod32Imm, CostDiv},
		{OpLdxw, CostLoad},
		{OpLdabsb, CostLoad},
		{OpLddw, CostLddw},
		{OpStxdw, CostStore},
		{OpJeqImm, CostJump},
		{OpCall, CostCall},
		{OpExit, CostExit},
		{OpJsgtReg, CostJump},
		{OpAnd64Reg, CostALU},
		{0x06, CostALU},
	}
	for _, tt := range tests {
		if got := instructionCost(tt.op); got != tt.cost {
			t.Errorf("instructionCost(0x%02x) = %d, want %d", tt.op, got, tt.cost)
		}
	}
}

// TestInterpreterALU64 tests 64-bit ALU operations.
func TestInterpreterALU64(t *testing.T) {
	tests := []struct {
		name     string
		program  [][]byte
		expected uint64
	}{
		{
			name: "add immediate",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 10), // r0 = 10
				Encode(OpAdd64Imm, 0, 0, 0, 5),  // r0 += 5
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 15,
		},
		{
			name: "add wraps",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, -1), // r0 = 0xffffffffffffffff
				Encode(OpAdd64Imm, 0, 0, 0, 1),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0,
		},
		{
			name: "sub immediate",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 10),
				Encode(OpSub64Imm, 0, 0, 0, 3),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 7,
		},
		{
			name: "sub wraps",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 0),
				Encode(OpSub64Imm, 0, 0, 0, 1),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: ^uint64(0),
		},
		{
			name: "mul immediate",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 6),
				Encode(OpMul64Imm, 0, 0, 0, 7),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 42,
		},
		{
			name: "div immediate",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 100),
				Encode(OpDiv64Imm, 0, 0, 0, 10),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 10,
		},
		{
			name: "or immediate",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 0x0F),
				Encode(OpOr64Imm, 0, 0, 0, 0xF0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0xFF,
		},
		{
			name: "and immediate",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 0xFF),
				Encode(OpAnd64Imm, 0, 0, 0, 0x0F),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0x0F,
		},
		{
			name: "xor immediate",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 0xFF),
				Encode(OpXor64Imm, 0, 0, 0, 0xF0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0x0F,
		},
		{
			name: "lsh immediate",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 1),
				Encode(OpLsh64Imm, 0, 0, 0, 4),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 16,
		},
		{
			name: "lsh masks shift amount",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 1),
				Encode(OpLsh64Imm, 0, 0, 0, 65), // 65 & 63 = 1
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 2,
		},
		{
			name: "rsh immediate",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 32),
				Encode(OpRsh64Imm, 0, 0, 0, 3),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 4,
		},
		{
			name: "arsh keeps sign",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, -16),
				Encode(OpArsh64Imm, 0, 0, 0, 2),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: uint64(0xFFFFFFFFFFFFFFFC),
		},
		{
			name: "neg",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 5),
				Encode(OpNeg64, 0, 0, 0, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: ^uint64(5) + 1,
		},
		{
			name: "mod immediate",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 17),
				Encode(OpMod64Imm, 0, 0, 0, 5),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 2,
		},
		{
			name: "immediate is sign extended",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 0),
				Encode(OpOr64Imm, 0, 0, 0, -2),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0xFFFFFFFFFFFFFFFE,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r0, _, err := runImage(t, Assemble(tt.program...), Options{ComputeLimit: 10000})
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if r0 != tt.expected {
				t.Errorf("r0 = %d (0x%x), want %d (0x%x)", r0, r0, tt.expected, tt.expected)
			}
		})
	}
}

// TestInterpreterALU64Reg tests 64-bit ALU operations with register source.
func TestInterpreterALU64Reg(t *testing.T) {
	tests := []struct {
		name     string
		op       uint8
		a, b     int32
		expected uint64
	}{
		{"add register", OpAdd64Reg, 10, 5, 15},
		{"sub register", OpSub64Reg, 10, 5, 5},
		{"mul register", OpMul64Reg, 10, 5, 50},
		{"div register", OpDiv64Reg, 10, 5, 2},
		{"mod register", OpMod64Reg, 10, 4, 2},
		{"or register", OpOr64Reg, 0x10, 0x01, 0x11},
		{"and register", OpAnd64Reg, 0x11, 0x01, 0x01},
		{"xor register", OpXor64Reg, 0x11, 0x01, 0x10},
		{"lsh register", OpLsh64Reg, 1, 8, 256},
		{"rsh register", OpRsh64Reg, 256, 8, 1},
		{"arsh register", OpArsh64Reg, -256, 4, uint64(0xFFFFFFFFFFFFFFF0)},
		{"mov register", OpMov64Reg, 10, 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := Assemble(
				Encode(OpMov64Imm, 0, 0, 0, tt.a), // r0 = a
				Encode(OpMov64Imm, 1, 0, 0, tt.b), // r1 = b
				Encode(tt.op, 0, 1, 0, 0),         // r0 op= r1
				Encode(OpExit, 0, 0, 0, 0),
			)
			r0, _, err := runImage(t, image, Options{})
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if r0 != tt.expected {
				t.Errorf("r0 = %d (0x%x), want %d (0x%x)", r0, r0, tt.expected, tt.expected)
			}
		})
	}
}

// TestInterpreterALU32 tests that 32-bit operations mask the result.
func TestInterpreterALU32(t *testing.T) {
	tests := []struct {
		name     string
		program  [][]byte
		expected uint64
	}{
		{
			name: "add wraps at 32 bits",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, -1), // r0 = 0xffffffffffffffff
				Encode(OpAdd32Imm, 0, 0, 0, 1),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0,
		},
		{
			name: "mov clears upper half",
			program: [][]byte{
				Encode(OpMov32Imm, 0, 0, 0, -1),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0xFFFFFFFF,
		},
		{
			name: "mul masks",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 0x10000),
				Encode(OpMul32Imm, 0, 0, 0, 0x10001),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0x10000,
		},
		{
			name: "sub register",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 1),
				Encode(OpMov64Imm, 1, 0, 0, 2),
				Encode(OpSub32Reg, 0, 1, 0, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0xFFFFFFFF,
		},
		{
			name: "neg",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, 1),
				Encode(OpNeg32, 0, 0, 0, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0xFFFFFFFF,
		},
		{
			name: "arsh computes on 64 bits then masks",
			program: [][]byte{
				Encode(OpMov64Imm, 0, 0, 0, -16),
				Encode(OpArsh32Imm, 0, 0, 0, 2),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0xFFFFFFFC,
		},
		{
			name: "div on full operand",
			program: [][]byte{
				EncodeLddw(0, 0x1_0000_0010),
				Encode(OpDiv32Imm, 0, 0, 0, 2),
				Encode(OpExit, 0, 0, 0, 0),
			},
			expected: 0x8000_0008 & 0xFFFFFFFF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r0, _, err := runImage(t, Assemble(tt.program...), Options{})
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if r0 != tt.expected {
				t.Errorf("r0 = 0x%x, want 0x%x", r0, tt.expected)
			}
		})
	}
}

func TestByteSwap(t *testing.T) {
	tests := []struct {
		name     string
		op       uint8
		width    int32
		expected uint64
	}{
		{"le16", OpLe, 16, 0x0708},
		{"le32", OpLe, 32, 0x05060708},
		{"le64", OpLe, 64, 0x0102030405060708},
		{"be16", OpBe, 16, 0x0807},
		{"be32", OpBe, 32, 0x08070605},
		{"be64", OpBe, 64, 0x0807060504030201},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := Assemble(
				EncodeLddw(0, 0x0102030405060708),
				Encode(tt.op, 0, 0, 0, tt.width),
				Encode(OpExit, 0, 0, 0, 0),
			)
			r0, _, err := runImage(t, image, Options{})
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if r0 != tt.expected {
				t.Errorf("r0 = 0x%x, want 0x%x", r0, tt.expected)
			}
		})
	}

	image := Assemble(Encode(OpBe, 0, 0, 0, 24), Encode(OpExit, 0, 0, 0, 0))
	_, _, err := runImage(t, image, Options{})
	wantFault(t, err, DecodeFault, ErrInvalidByteSwap)
}

// TestInterpreterLddw tests the 64-bit immediate load.
func TestInterpreterLddw(t *testing.T) {
	image := Assemble(
		EncodeLddw(0, 0x0000000200000001),
		Encode(OpExit, 0, 0, 0, 0),
	)
	r0, _, err := runImage(t, image, Options{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 0x0000000200000001 {
		t.Errorf("r0 = 0x%x, want 0x200000001", r0)
	}

	// High bit of the low half must not bleed into the upper half.
	image = Assemble(
		EncodeLddw(3, 0x00000001_80000000),
		Encode(OpMov64Reg, 0, 3, 0, 0),
		Encode(OpExit, 0, 0, 0, 0),
	)
	r0, _, err = runImage(t, image, Options{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 0x0000000180000000 {
		t.Errorf("r0 = 0x%x, want 0x180000000", r0)
	}

	// Truncated wide load
	_, _, err = runImage(t, Encode(OpLddw, 0, 0, 0, 1), Options{})
	wantFault(t, err, DecodeFault, ErrTruncatedProgram)
}

// TestInterpreterJumps tests each conditional jump both ways.
func TestInterpreterJumps(t *testing.T) {
	tests := []struct {
		name  string
		imm   uint8
		reg   uint8
		a, b  int32
		taken bool
	}{
		{"jeq true", OpJeqImm, OpJeqReg, 5, 5, true},
		{"jeq false", OpJeqImm, OpJeqReg, 5, 6, false},
		{"jne true", OpJneImm, OpJneReg, 5, 6, true},
		{"jne false", OpJneImm, OpJneReg, 5, 5, false},
		{"jgt true", OpJgtImm, OpJgtReg, 6, 5, true},
		{"jgt false", OpJgtImm, OpJgtReg, 5, 5, false},
		{"jgt unsigned", OpJgtImm, OpJgtReg, -1, 5, true},
		{"jge true", OpJgeImm, OpJgeReg, 5, 5, true},
		{"jge false", OpJgeImm, OpJgeReg, 4, 5, false},
		{"jlt true", OpJltImm, OpJltReg, 4, 5, true},
		{"jlt false", OpJltImm, OpJltReg, 5, 5, false},
		{"jle true", OpJleImm, OpJleReg, 5, 5, true},
		{"jle false", OpJleImm, OpJleReg, 6, 5, false},
		{"jset true", OpJsetImm, OpJsetReg, 0x3, 0x2, true},
		{"jset false", OpJsetImm, OpJsetReg, 0x1, 0x2, false},
		{"jsgt true", OpJsgtImm, OpJsgtReg, 1, -1, true},
		{"jsgt false", OpJsgtImm, OpJsgtReg, -1, 1, false},
		{"jsge true", OpJsgeImm, OpJsgeReg, -1, -1, true},
		{"jsge false", OpJsgeImm, OpJsgeReg, -2, -1, false},
		{"jslt true", OpJsltImm, OpJsltReg, -2, -1, true},
		{"jslt false", OpJsltImm, OpJsltReg, 1, -1, false},
		{"jsle true", OpJsleImm, OpJsleReg, -1, -1, true},
		{"jsle false", OpJsleImm, OpJsleReg, 0, -1, false},
	}

	for _, tt := range tests {
		want := uint64(1)
		if tt.taken {
			want = 2
		}
		t.Run(tt.name+"/imm", func(t *testing.T) {
			image := Assemble(
				Encode(OpMov64Imm, 1, 0, 0, tt.a),
				Encode(tt.imm, 1, 0, 2, tt.b),
				Encode(OpMov64Imm, 0, 0, 0, 1),
				Encode(OpExit, 0, 0, 0, 0),
				Encode(OpMov64Imm, 0, 0, 0, 2),
				Encode(OpExit, 0, 0, 0, 0),
			)
			r0, _, err := runImage(t, image, Options{})
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if r0 != want {
				t.Errorf("r0 = %d, want %d", r0, want)
			}
		})
		t.Run(tt.name+"/reg", func(t *testing.T) {
			image := Assemble(
				Encode(OpMov64Imm, 1, 0, 0, tt.a),
				Encode(OpMov64Imm, 2, 0, 0, tt.b),
				Encode(tt.reg, 1, 2, 2, 0),
				Encode(OpMov64Imm, 0, 0, 0, 1),
				Encode(OpExit, 0, 0, 0, 0),
				Encode(OpMov64Imm, 0, 0, 0, 2),
				Encode(OpExit, 0, 0, 0, 0),
			)
			r0, _, err := runImage(t, image, Options{})
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if r0 != want {
				t.Errorf("r0 = %d, want %d", r0, want)
			}
		})
	}
}

func TestJaZeroIsNoop(t *testing.T) {
	image := Assemble(
		Encode(OpMov64Imm, 0, 0, 0, 7),
		Encode(OpJa, 0, 0, 0, 0),
		Encode(OpExit, 0, 0, 0, 0),
	)
	r0, _, err := runImage(t, image, Options{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 7 {
		t.Errorf("r0 = %d, want 7", r0)
	}
}

func TestInfiniteLoopExhaustsBudget(t *testing.T) {
	image := Assemble(Encode(OpJa, 0, 0, -1, 0))
	_, v, err := runImage(t, image, Options{ComputeLimit: 500})
	wantFault(t, err, BudgetFault, ErrBudgetExceeded)
	if got := v.Stats().Instructions; got != 500 {
		t.Errorf("Instructions = %d, want 500", got)
	}
	if got := v.Stats().ComputeUsed; got != 500 {
		t.Errorf("ComputeUsed = %d, want 500", got)
	}
}

func TestContextCancellation(t *testing.T) {
	prog := MustProgram(Assemble(Encode(OpJa, 0, 0, -1, 0)))
	v := New(prog, Options{ComputeLimit: ^uint64(0)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := v.Run(ctx)
	wantFault(t, err, BudgetFault, context.DeadlineExceeded)
}

func TestExitOnly(t *testing.T) {
	r0, _, err := runImage(t, Encode(OpExit, 0, 0, 0, 0), Options{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 0 {
		t.Errorf("r0 = %d, want 0", r0)
	}
}

func TestControlFaults(t *testing.T) {
	// Falling off the end
	_, _, err := runImage(t, Encode(OpMov64Imm, 0, 0, 0, 1), Options{})
	wantFault(t, err, ControlFault, ErrMissingReturn)

	// Jumping past the end
	_, _, err = runImage(t, Assemble(Encode(OpJa, 0, 0, 5, 0), Encode(OpExit, 0, 0, 0, 0)), Options{})
	wantFault(t, err, ControlFault, ErrJumpOutOfBounds)

	// Jumping before the start
	_, _, err = runImage(t, Assemble(Encode(OpJa, 0, 0, -3, 0)), Options{})
	wantFault(t, err, ControlFault, ErrJumpOutOfBounds)

	// Unknown opcodes
	for _, op := range []uint8{0x00, 0x06, 0x8f, 0xe7, 0xf5, 0xd7, 0x0d, 0xfe} {
		_, _, err = runImage(t, Assemble(Encode(op, 0, 0, 0, 0), Encode(OpExit, 0, 0, 0, 0)), Options{})
		f := wantFault(t, err, ControlFault, ErrUnknownOpcode)
		if f.Opcode != op {
			t.Errorf("Opcode = 0x%02x, want 0x%02x", f.Opcode, op)
		}
	}
}

func TestInvalidRegister(t *testing.T) {
	_, _, err := runImage(t, Assemble(Encode(OpMov64Imm, 11, 0, 0, 1), Encode(OpExit, 0, 0, 0, 0)), Options{})
	wantFault(t, err, DecodeFault, ErrInvalidRegister)

	_, _, err = runImage(t, Assemble(Encode(OpMov64Reg, 0, 15, 0, 0), Encode(OpExit, 0, 0, 0, 0)), Options{})
	wantFault(t, err, DecodeFault, ErrInvalidRegister)
}

func TestDivisionByZero(t *testing.T) {
	tests := []struct {
		name    string
		program [][]byte
	}{
		{"div64 imm", [][]byte{Encode(OpDiv64Imm, 0, 0, 0, 0)}},
		{"mod64 imm", [][]byte{Encode(OpMod64Imm, 0, 0, 0, 0)}},
		{"div32 imm", [][]byte{Encode(OpDiv32Imm, 0, 0, 0, 0)}},
		{"mod32 imm", [][]byte{Encode(OpMod32Imm, 0, 0, 0, 0)}},
		{"div64 reg", [][]byte{Encode(OpMov64Imm, 1, 0, 0, 0), Encode(OpDiv64Reg, 0, 1, 0, 0)}},
		{"mod64 reg", [][]byte{Encode(OpMov64Imm, 1, 0, 0, 0), Encode(OpMod64Reg, 0, 1, 0, 0)}},
		{"div32 reg", [][]byte{Encode(OpMov64Imm, 1, 0, 0, 0), Encode(OpDiv32Reg, 0, 1, 0, 0)}},
		{"mod32 reg", [][]byte{Encode(OpMov64Imm, 1, 0, 0, 0), Encode(OpMod32Reg, 0, 1, 0, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := append(Assemble(tt.program...), Encode(OpExit, 0, 0, 0, 0)...)
			r0, _, err := runImage(t, image, Options{})
			wantFault(t, err, ArithmeticFault, ErrDivisionByZero)
			if r0 != 0 {
				t.Errorf("r0 = %d, want 0 on fault", r0)
			}
		})
	}
}

func TestHelperCall(t *testing.T) {
	reg := NewHelperRegistry()
	reg.Register(3, func(r1, r2, r3, r4, r5 uint64) uint64 {
		return r1 + r2 + r3 + r4 + r5
	})

	image := Assemble(
		Encode(OpMov64Imm, 1, 0, 0, 1),
		Encode(OpMov64Imm, 2, 0, 0, 2),
		Encode(OpMov64Imm, 3, 0, 0, 3),
		Encode(OpMov64Imm, 4, 0, 0, 4),
		Encode(OpMov64Imm, 5, 0, 0, 5),
		Encode(OpCall, 0, 0, 0, 3),
		Encode(OpExit, 0, 0, 0, 0),
	)
	r0, v, err := runImage(t, image, Options{Helpers: reg})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 15 {
		t.Errorf("r0 = %d, want 15", r0)
	}
	if got := v.Stats().HelperCalls; got != 1 {
		t.Errorf("HelperCalls = %d, want 1", got)
	}
}

func TestHelperMissContinues(t *testing.T) {
	image := Assemble(
		Encode(OpMov64Imm, 0, 0, 0, 42),
		Encode(OpCall, 0, 0, 0, 99),
		Encode(OpExit, 0, 0, 0, 0),
	)
	r0, v, err := runImage(t, image, Options{Helpers: NewHelperRegistry()})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 42 {
		t.Errorf("r0 = %d, want 42 (unchanged)", r0)
	}
	if got := v.Stats().HelperMisses; got != 1 {
		t.Errorf("HelperMisses = %d, want 1", got)
	}

	// No registry at all behaves the same.
	r0, _, err = runImage(t, image, Options{})
	if err != nil || r0 != 42 {
		t.Errorf("Run() = %d, %v, want 42, nil", r0, err)
	}
}

func TestHelperPanicBecomesFault(t *testing.T) {
	reg := NewHelperRegistry()
	reg.Register(1, func(r1, r2, r3, r4, r5 uint64) uint64 {
		panic("boom")
	})
	image := Assemble(Encode(OpCall, 0, 0, 0, 1), Encode(OpExit, 0, 0, 0, 0))
	_, _, err := runImage(t, image, Options{Helpers: reg})
	f := wantFault(t, err, ControlFault, nil)
	if f.PC != 0 {
		t.Errorf("PC = %d, want 0", f.PC)
	}
}

func TestInitialRegisters(t *testing.T) {
	var seen Registers
	tracer := func(pc int, ins Instruction, regs *Registers) {
		if pc == 0 {
			seen = *regs
		}
	}
	_, _, err := runImage(t, Encode(OpExit, 0, 0, 0, 0), Options{StackSize: 256, Tracer: tracer})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if seen[RegArg1] != AddressSpaceBase {
		t.Errorf("r1 = 0x%x, want 0x%x", seen[RegArg1], AddressSpaceBase)
	}
	if seen[RegFrame] != StackBase+256 {
		t.Errorf("r10 = 0x%x, want 0x%x", seen[RegFrame], StackBase+256)
	}
	for i := 2; i < 10; i++ {
		if seen[i] != 0 {
			t.Errorf("r%d = %d, want 0", i, seen[i])
		}
	}
}

func TestStackUse(t *testing.T) {
	image := Assemble(
		Encode(OpStdw, RegFrame, 0, -8, 1234),
		Encode(OpLdxdw, 0, RegFrame, -8, 0),
		Encode(OpExit, 0, 0, 0, 0),
	)
	r0, _, err := runImage(t, image, Options{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 1234 {
		t.Errorf("r0 = %d, want 1234", r0)
	}

	// Writing above the frame pointer is outside the stack.
	image = Assemble(Encode(OpStb, RegFrame, 0, 0, 1), Encode(OpExit, 0, 0, 0, 0))
	_, _, err = runImage(t, image, Options{})
	f := wantFault(t, err, MemoryFault, ErrMemoryAccess)
	if f.Addr != StackBase+DefaultStackSize {
		t.Errorf("Addr = 0x%x, want 0x%x", f.Addr, StackBase+DefaultStackSize)
	}
}

func TestRunIsRepeatable(t *testing.T) {
	prog := MustProgram(Assemble(
		Encode(OpLdxdw, 0, RegFrame, -8, 0),
		Encode(OpAdd64Imm, 0, 0, 0, 1),
		Encode(OpStxdw, RegFrame, 0, -8, 0),
		Encode(OpExit, 0, 0, 0, 0),
	))
	v := New(prog, Options{})
	for i := 0; i < 3; i++ {
		r0, err := v.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
		if r0 != 1 {
			t.Errorf("run %d: r0 = %d, want 1 (stack reset between runs)", i, r0)
		}
	}
}

func TestParallelRuns(t *testing.T) {
	reg := NewHelperRegistry()
	reg.Register(1, func(r1, r2, r3, r4, r5 uint64) uint64 { return r1 * 2 })

	prog := MustProgram(Assemble(
		Encode(OpLdxdw, 1, 1, 0, 0), // r1 = mem[0]
		Encode(OpCall, 0, 0, 0, 1),  // r0 = r1 * 2
		Encode(OpExit, 0, 0, 0, 0),
	))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mem := NewAddressSpace(64)
			if err := mem.Write64(0, uint64(i)); err != nil {
				t.Errorf("Write64() failed: %v", err)
				return
			}
			r0, err := New(prog, Options{Memory: mem, Helpers: reg}).Run(context.Background())
			if err != nil {
				t.Errorf("Run() failed: %v", err)
				return
			}
			if r0 != uint64(i*2) {
				t.Errorf("goroutine %d: r0 = %d, want %d", i, r0, i*2)
			}
		}(i)
	}
	wg.Wait()
}

func TestNewProgramValidation(t *testing.T) {
	if _, err := NewProgram(nil); !errors.Is(err, ErrTruncatedProgram) {
		t.Errorf("NewProgram(nil) = %v, want ErrTruncatedProgram", err)
	}
	if _, err := NewProgram(make([]byte, 12)); !errors.Is(err, ErrTruncatedProgram) {
		t.Errorf("NewProgram(12 bytes) = %v, want ErrTruncatedProgram", err)
	}

	image := Encode(OpExit, 0, 0, 0, 0)
	p, err := NewProgram(image)
	if err != nil {
		t.Fatalf("NewProgram() failed: %v", err)
	}
	image[0] = 0xff
	if ins, _ := p.Slot(0); ins.Opcode != OpExit {
		t.Errorf("program not copied: opcode = 0x%02x", ins.Opcode)
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}
}

func TestDecode(t *testing.T) {
	image := Encode(OpStxw, 3, 7, -4, -100)
	ins, err := Decode(image, 0)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	want := Instruction{Opcode: OpStxw, Dst: 3, Src: 7, Off: -4, Imm: -100}
	if ins != want {
		t.Errorf("Decode() = %#v, want %#v", ins, want)
	}

	if _, err := Decode(image, 1); !errors.Is(err, ErrTruncatedProgram) {
		t.Errorf("Decode(slot 1) = %v, want ErrTruncatedProgram", err)
	}
}
