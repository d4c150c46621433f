// Package loader reads program images from disk or the wire.
//
// An image may be raw bytecode (a sequence of 8-byte instruction slots), an
// ELF64 BPF object file, or either of those compressed as a zstd frame. The
// container is detected from its magic bytes.
//
// The ELF magic is also a valid first instruction (rsh64 r5, r4 with offset
// 0x464c), so it only selects ELF together with a well-formed ident, or when
// the data cannot be bytecode. The zstd magic needs no such care: its second
// byte names register r11 as the source, which never executes.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// MaxImageSize bounds the size of an image before and after decompression.
const MaxImageSize = 10 * 1024 * 1024

// Errors.
var (
	ErrTooLarge        = errors.New("image too large")
	ErrDecompress      = errors.New("zstd decompression failed")
	ErrNestedContainer = errors.New("nested compression")
)

// Format identifies the container an image was read from.
type Format int

const (
	FormatRaw Format = iota
	FormatELF
	FormatZstd
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatELF:
		return "elf"
	case FormatZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Options configures Load.
type Options struct {
	// Section is the ELF section holding the bytecode (default ".text").
	Section string
}

// Image is a loaded program.
type Image struct {
	Program   *vm.Program
	Format    Format     // Outer container
	Inner     Format     // Container inside a zstd frame; equals Format otherwise
	Section   string     // ELF section the bytecode came from
	Functions []Function // ELF function symbols, if any
}

// Bytecode returns the raw instruction bytes.
func (img *Image) Bytecode() []byte {
	return img.Program.Image()
}

// Load detects the container of data and returns a validated program.
func Load(data []byte, opts Options) (*Image, error) {
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if opts.Section == "" {
		opts.Section = defaultSection
	}

	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := decompress(data)
		if err != nil {
			return nil, err
		}
		if bytes.HasPrefix(raw, zstdMagic) {
			return nil, ErrNestedContainer
		}
		img, err := load(raw, opts)
		if err != nil {
			return nil, err
		}
		img.Inner = img.Format
		img.Format = FormatZstd
		return img, nil
	}
	return load(data, opts)
}

// LoadBytes is Load with default options.
func LoadBytes(data []byte) (*Image, error) {
	return Load(data, Options{})
}

// LoadFile reads and loads the image at path.
func LoadFile(path string, opts Options) (*Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxImageSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Load(data, opts)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return img, nil
}

func load(data []byte, opts Options) (*Image, error) {
	if isELF(data) {
		elf, err := extractELF(data, opts.Section)
		if err != nil {
			return nil, err
		}
		prog, err := vm.NewProgram(elf.text)
		if err != nil {
			return nil, err
		}
		return &Image{
			Program:   prog,
			Format:    FormatELF,
			Inner:     FormatELF,
			Section:   opts.Section,
			Functions: elf.functions,
		}, nil
	}

	prog, err := vm.NewProgram(data)
	if err != nil {
		return nil, err
	}
	return &Image{Program: prog, Format: FormatRaw, Inner: FormatRaw}, nil
}

// decompress decodes a single zstd payload, bounded by MaxImageSize.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxImageSize))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if len(out) > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes after decompression", ErrTooLarge, len(out))
	}
	return out, nil
}

// Compress wraps an image in a zstd frame.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return nil, fmt.Errorf("%w: missing frame magic", ErrDecompress)
	}
	return decompress(data)
}
