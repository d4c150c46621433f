package progstore

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// IDSize is the length of a program digest in bytes.
const IDSize = 32

// ErrInvalidID is returned when a program ID cannot be parsed.
var ErrInvalidID = errors.New("invalid program id")

// ProgramID identifies a program by the blake3 digest of its bytecode.
type ProgramID [IDSize]byte

// NewProgramID hashes bytecode into its program ID.
func NewProgramID(bytecode []byte) ProgramID {
	return ProgramID(blake3.Sum256(bytecode))
}

// ParseProgramID decodes a base58 program ID.
func ParseProgramID(s string) (ProgramID, error) {
	var id ProgramID
	b, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("%w: %q: %v", ErrInvalidID, s, err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidID, s, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58 form of the ID.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// Short returns the first eight characters of the base58 form.
func (id ProgramID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero reports whether the ID is unset.
func (id ProgramID) IsZero() bool {
	return id == ProgramID{}
}
