package vm

import (
	"bytes"
	"strings"
	"testing"
)

func TestInstructionString(t *testing.T) {
	tests := []struct {
		ins  []byte
		want string
	}{
		{Encode(OpAdd64Imm, 1, 0, 0, 5), "add64 r1, 5"},
		{Encode(OpMov32Reg, 0, 2, 0, 0), "mov32 r0, r2"},
		{Encode(OpNeg64, 3, 0, 0, 0), "neg64 r3"},
		{Encode(OpBe, 4, 0, 0, 32), "be32 r4"},
		{Encode(OpLe, 4, 0, 0, 16), "le16 r4"},
		{Encode(OpLdxw, 0, 1, 4, 0), "ldxw r0, [r1+4]"},
		{Encode(OpStxdw, 10, 2, -8, 0), "stxdw [r10-8], r2"},
		{Encode(OpStb, 1, 0, 0, 7), "stb [r1], 7"},
		{Encode(OpLdabsh, 0, 0, 0, 16), "ldabsh 0x10"},
		{Encode(OpLdindw, 0, 3, 0, 2), "ldindw [r3+0x2]"},
		{Encode(OpJa, 0, 0, -1, 0), "ja -1"},
		{Encode(OpJeqImm, 1, 0, 3, 9), "jeq r1, 9, +3"},
		{Encode(OpJsltReg, 1, 2, -2, 0), "jslt r1, r2, -2"},
		{Encode(OpCall, 0, 0, 0, 6), "call 0x6"},
		{Encode(OpExit, 0, 0, 0, 0), "exit"},
		{Encode(0xfe, 0, 0, 0, 0), ".byte 0xfe"},
	}
	for _, tt := range tests {
		ins, err := Decode(tt.ins, 0)
		if err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		if got := ins.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDisassemble(t *testing.T) {
	prog := MustProgram(Assemble(
		EncodeLddw(0, 0x0000000200000001),
		Encode(OpAdd64Imm, 0, 0, 0, 1),
		Encode(OpExit, 0, 0, 0, 0),
	))

	var buf bytes.Buffer
	if err := Disassemble(&buf, prog); err != nil {
		t.Fatalf("Disassemble() failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"0: lddw r0, 0x200000001",
		"2: add64 r0, 1",
		"3: exit",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), buf.String())
	}
	for i := range want {
		if strings.TrimSpace(lines[i]) != want[i] {
			t.Errorf("line %d = %q, want %q", i, strings.TrimSpace(lines[i]), want[i])
		}
	}
}
