package vm

import "fmt"

// MaxInstructions bounds the number of slots a program may hold.
const MaxInstructions = 1 << 20

// Program is a validated, immutable bytecode image. It may be shared by
// concurrent runs.
type Program struct {
	image []byte
}

// NewProgram validates and copies a bytecode image.
func NewProgram(image []byte) (*Program, error) {
	if len(image) == 0 {
		return nil, &Fault{Kind: DecodeFault, Err: fmt.Errorf("%w: empty image", ErrTruncatedProgram)}
	}
	if len(image)%InstructionSize != 0 {
		return nil, &Fault{
			Kind: DecodeFault,
			PC:   len(image) / InstructionSize,
			Err:  fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrTruncatedProgram, len(image), InstructionSize),
		}
	}
	if len(image)/InstructionSize > MaxInstructions {
		return nil, &Fault{
			Kind: DecodeFault,
			Err:  fmt.Errorf("%w: %d slots (max %d)", ErrProgramTooLarge, len(image)/InstructionSize, MaxInstructions),
		}
	}
	cp := make([]byte, len(image))
	copy(cp, image)
	return &Program{image: cp}, nil
}

// MustProgram is NewProgram for images known to be valid. It panics on error.
func MustProgram(image []byte) *Program {
	p, err := NewProgram(image)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of instruction slots.
func (p *Program) Len() int {
	return len(p.image) / InstructionSize
}

// Slot decodes the instruction at slot i.
func (p *Program) Slot(i int) (Instruction, error) {
	return Decode(p.image, i)
}

// Image returns a copy of the raw bytecode.
func (p *Program) Image() []byte {
	cp := make([]byte, len(p.image))
	copy(cp, p.image)
	return cp
}
