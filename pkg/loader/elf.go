package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// ELF magic bytes.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass32        = 1
	elfClass64        = 2 // 64-bit
	elfDataLSB        = 1 // Little endian
	elfDataMSB        = 2
	elfVersionCurrent = 1
	elfIdentSize      = 16
	elfMachineBPF     = 247 // eBPF
	elfHeaderSize     = 64
	elfSectionSize    = 64
	elfSymbolSize     = 24
	elfTypeRel        = 1 // Relocatable object (clang -c output)
	elfTypeExec       = 2 // Executable
	elfTypeDyn        = 3 // Shared object
	shtNobits         = 8 // .bss (no data in file)
	sttFunc           = 2
	defaultSection    = ".text"
	symtabSection     = ".symtab"
	strtabSection     = ".strtab"
	maxSections       = 256
	maxSymbols        = 100000
	maxNameLength     = 256
)

// ELF errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF)")
	ErrNoSection          = errors.New("section not found")
	ErrInvalidSection     = errors.New("invalid section")
)

// elfHeader holds the ELF64 header fields the loader needs.
type elfHeader struct {
	Class     uint8
	Data      uint8
	Type      uint16
	Machine   uint16
	Entry     uint64
	SHOff     uint64
	SHEntSize uint16
	SHNum     uint16
	SHStrNdx  uint16
}

// sectionHeader represents an ELF64 section header.
type sectionHeader struct {
	Name   uint32
	Type   uint32
	Offset uint64
	Size   uint64
}

// Function is a function symbol inside the extracted section.
type Function struct {
	Name string
	Slot int
}

// elfImage is what extractELF pulls out of an object file.
type elfImage struct {
	text      []byte
	functions []Function
}

// isELF reports whether data should be parsed as an ELF object rather than
// as raw bytecode that happens to start with the ELF magic.
func isELF(data []byte) bool {
	if !bytes.HasPrefix(data, elfMagic) {
		return false
	}
	if len(data)%vm.InstructionSize != 0 {
		return true
	}
	return len(data) >= elfIdentSize &&
		(data[4] == elfClass32 || data[4] == elfClass64) &&
		(data[5] == elfDataLSB || data[5] == elfDataMSB) &&
		data[6] == elfVersionCurrent
}

// extractELF parses an ELF64 BPF object and returns the bytes of the named
// section together with its function symbols.
func extractELF(data []byte, name string) (*elfImage, error) {
	header, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	sections, err := parseSectionHeaders(data, header)
	if err != nil {
		return nil, err
	}
	names, err := getSectionNames(data, sections, header.SHStrNdx)
	if err != nil {
		return nil, err
	}

	idx := findSection(names, name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSection, name)
	}
	text, err := extractSection(data, &sections[idx])
	if err != nil {
		return nil, err
	}
	if len(text)%8 != 0 {
		return nil, fmt.Errorf("%w: %s is %d bytes, not a multiple of 8", ErrInvalidSection, name, len(text))
	}

	// Symbols are optional; a stripped object still loads.
	var functions []Function
	if symIdx, strIdx := findSection(names, symtabSection), findSection(names, strtabSection); symIdx >= 0 && strIdx >= 0 {
		functions, err = parseFunctions(data, &sections[symIdx], &sections[strIdx], uint16(idx))
		if err != nil {
			return nil, err
		}
	}

	return &elfImage{text: text, functions: functions}, nil
}

// parseHeader parses the ELF header.
func parseHeader(data []byte) (*elfHeader, error) {
	if len(data) < elfHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidELF, len(data))
	}
	if !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}

	return &elfHeader{
		Class:     data[4],
		Data:      data[5],
		Type:      binary.LittleEndian.Uint16(data[16:18]),
		Machine:   binary.LittleEndian.Uint16(data[18:20]),
		Entry:     binary.LittleEndian.Uint64(data[24:32]),
		SHOff:     binary.LittleEndian.Uint64(data[40:48]),
		SHEntSize: binary.LittleEndian.Uint16(data[58:60]),
		SHNum:     binary.LittleEndian.Uint16(data[60:62]),
		SHStrNdx:  binary.LittleEndian.Uint16(data[62:64]),
	}, nil
}

// validateHeader validates the ELF header.
func validateHeader(h *elfHeader) error {
	if h.Class != elfClass64 {
		return ErrUnsupportedClass
	}
	if h.Data != elfDataLSB {
		return ErrUnsupportedEndian
	}
	if h.Machine != elfMachineBPF {
		return fmt.Errorf("%w: machine %d", ErrUnsupportedMachine, h.Machine)
	}
	switch h.Type {
	case elfTypeRel, elfTypeExec, elfTypeDyn:
	default:
		return fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, h.Type)
	}
	if h.SHEntSize != 0 && h.SHEntSize < elfSectionSize {
		return fmt.Errorf("%w: section header size %d", ErrInvalidELF, h.SHEntSize)
	}
	return nil
}

// parseSectionHeaders parses section headers.
func parseSectionHeaders(data []byte, header *elfHeader) ([]sectionHeader, error) {
	if header.SHNum == 0 {
		return nil, fmt.Errorf("%w: no sections", ErrInvalidELF)
	}
	if header.SHNum > maxSections {
		return nil, fmt.Errorf("%w: too many sections", ErrInvalidELF)
	}

	entSize := uint64(header.SHEntSize)
	if entSize == 0 {
		entSize = elfSectionSize
	}
	size := entSize * uint64(header.SHNum)
	if header.SHOff > uint64(len(data)) || size > uint64(len(data))-header.SHOff {
		return nil, fmt.Errorf("%w: section table out of range", ErrInvalidELF)
	}

	sections := make([]sectionHeader, header.SHNum)
	for i := range sections {
		off := header.SHOff + uint64(i)*entSize
		sec := &sections[i]
		sec.Name = binary.LittleEndian.Uint32(data[off : off+4])
		sec.Type = binary.LittleEndian.Uint32(data[off+4 : off+8])
		sec.Offset = binary.LittleEndian.Uint64(data[off+24 : off+32])
		sec.Size = binary.LittleEndian.Uint64(data[off+32 : off+40])
	}
	return sections, nil
}

// getSectionNames extracts section names from the string table.
func getSectionNames(data []byte, sections []sectionHeader, shstrndx uint16) ([]string, error) {
	if int(shstrndx) >= len(sections) {
		return nil, ErrInvalidSection
	}
	strtab, err := extractSection(data, &sections[shstrndx])
	if err != nil {
		return nil, err
	}

	names := make([]string, len(sections))
	for i, sec := range sections {
		names[i] = cString(strtab, sec.Name)
	}
	return names, nil
}

// findSection returns the index of the named section, or -1.
func findSection(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// extractSection extracts section data.
func extractSection(data []byte, section *sectionHeader) ([]byte, error) {
	if section.Type == shtNobits {
		return nil, fmt.Errorf("%w: section has no file data", ErrInvalidSection)
	}
	if section.Offset > uint64(len(data)) || section.Size > uint64(len(data))-section.Offset {
		return nil, fmt.Errorf("%w: data out of range", ErrInvalidSection)
	}

	result := make([]byte, section.Size)
	copy(result, data[section.Offset:section.Offset+section.Size])
	return result, nil
}

// parseFunctions returns the function symbols defined in section shndx,
// ordered by slot.
func parseFunctions(data []byte, symtab, strtab *sectionHeader, shndx uint16) ([]Function, error) {
	symData, err := extractSection(data, symtab)
	if err != nil {
		return nil, err
	}
	strData, err := extractSection(data, strtab)
	if err != nil {
		return nil, err
	}

	n := len(symData) / elfSymbolSize
	if n > maxSymbols {
		return nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}

	var functions []Function
	for i := 0; i < n; i++ {
		sym := symData[i*elfSymbolSize : (i+1)*elfSymbolSize]
		info := sym[4]
		if info&0xf != sttFunc || binary.LittleEndian.Uint16(sym[6:8]) != shndx {
			continue
		}
		name := cString(strData, binary.LittleEndian.Uint32(sym[0:4]))
		if name == "" {
			continue
		}
		functions = append(functions, Function{
			Name: name,
			Slot: int(binary.LittleEndian.Uint64(sym[8:16]) / 8),
		})
	}
	sort.Slice(functions, func(i, j int) bool { return functions[i].Slot < functions[j].Slot })
	return functions, nil
}

// cString reads a NUL-terminated string at off.
func cString(tab []byte, off uint32) string {
	if off >= uint32(len(tab)) {
		return ""
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end == -1 {
		end = len(tab) - int(off)
	}
	if end > maxNameLength {
		end = maxNameLength
	}
	return string(tab[off : off+uint32(end)])
}
