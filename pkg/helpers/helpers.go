// Package helpers implements the standard host functions callable from
// bytecode through the call instruction.
//
// Helpers are keyed by a 32-bit integer taken from the call immediate.
// Arguments are passed in registers r1-r5, and the return value is placed
// in r0. Pointer arguments are VM addresses resolved through the memory map
// the library is bound to, so a buffer may sit in the address space or on
// the stack. A buffer may not straddle the two. Failures are reported to
// bytecode as ErrnoFault in r0.
package helpers

import (
	"crypto/sha256"
	"errors"
	"hash"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// Helper keys.
const (
	KeyKtimeGetNs    = uint32(5)
	KeyTracePrintk   = uint32(6)
	KeyGetPrandomU32 = uint32(7)
	KeyBlake3        = uint32(0x100)
	KeyKeccak256     = uint32(0x101)
	KeySha256        = uint32(0x102)
)

// ErrnoFault is returned in r0 when a helper cannot complete.
const ErrnoFault = ^uint64(0)

// Maximum sizes.
const (
	MaxLogMsgLen = 1024    // Maximum trace message length
	MaxHashInput = 1 << 20 // Maximum hash input length
	HashSize     = 32
	maxLogLines  = 256
)

// Errors.
var (
	ErrInvalidLength = errors.New("invalid length")
)

var names = map[uint32]string{
	KeyKtimeGetNs:    "ktime_get_ns",
	KeyTracePrintk:   "trace_printk",
	KeyGetPrandomU32: "get_prandom_u32",
	KeyBlake3:        "blake3",
	KeyKeccak256:     "keccak256",
	KeySha256:        "sha256",
}

// Entry names a helper key.
type Entry struct {
	Key  uint32
	Name string
}

// Names lists the standard helpers ordered by key.
func Names() []Entry {
	entries := make([]Entry, 0, len(names))
	for k, n := range names {
		entries = append(entries, Entry{Key: k, Name: n})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Name returns the name of a standard helper key.
func Name(key uint32) (string, bool) {
	n, ok := names[key]
	return n, ok
}

// Library is the set of standard helpers bound to one VM's memory.
type Library struct {
	mm    *vm.MemoryMap
	log   commonlog.Logger
	start time.Time

	mu   sync.Mutex
	rng  *rand.Rand
	logs []string
}

// Options configures a Library.
type Options struct {
	Seed   int64 // Seed for get_prandom_u32; time based when zero
	Logger commonlog.Logger
}

// New creates a library bound to mm, usually (*vm.VM).MemoryMap().
func New(mm *vm.MemoryMap, opts Options) *Library {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log := opts.Logger
	if log == nil {
		log = commonlog.GetLogger("ebpfvm.helpers")
	}
	return &Library{
		mm:    mm,
		log:   log,
		start: time.Now(),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Install registers every standard helper in reg.
func (l *Library) Install(reg *vm.HelperRegistry) {
	reg.Register(KeyKtimeGetNs, l.ktimeGetNs)
	reg.Register(KeyTracePrintk, l.tracePrintk)
	reg.Register(KeyGetPrandomU32, l.getPrandomU32)
	reg.Register(KeyBlake3, l.hasher(func() hash.Hash { return blake3.New() }))
	reg.Register(KeyKeccak256, l.hasher(sha3.NewLegacyKeccak256))
	reg.Register(KeySha256, l.hasher(sha256.New))
}

// Logs returns the messages written by trace_printk so far.
func (l *Library) Logs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.logs))
	copy(out, l.logs)
	return out
}

// ktimeGetNs returns monotonic nanoseconds since the library was created.
func (l *Library) ktimeGetNs(_, _, _, _, _ uint64) uint64 {
	return uint64(time.Since(l.start).Nanoseconds())
}

// getPrandomU32 returns a pseudo random 32-bit value.
func (l *Library) getPrandomU32(_, _, _, _, _ uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(l.rng.Uint32())
}

// tracePrintk logs the string at r1 of length r2 and returns its length.
func (l *Library) tracePrintk(r1, r2, _, _, _ uint64) uint64 {
	msgLen := r2
	if msgLen > MaxLogMsgLen {
		msgLen = MaxLogMsgLen
	}
	msg, err := l.read(r1, msgLen)
	if err != nil {
		l.log.Debugf("trace_printk: %s", err)
		return ErrnoFault
	}

	l.log.Info(string(msg))

	l.mu.Lock()
	if len(l.logs) < maxLogLines {
		l.logs = append(l.logs, string(msg))
	}
	l.mu.Unlock()
	return msgLen
}

// hasher builds a helper that hashes [r1, r1+r2) and writes the 32-byte
// digest to r3.
func (l *Library) hasher(newHash func() hash.Hash) vm.HelperFunc {
	return func(r1, r2, r3, _, _ uint64) uint64 {
		if r2 > MaxHashInput {
			l.log.Debugf("hash: %s: %d bytes", ErrInvalidLength, r2)
			return ErrnoFault
		}
		data, err := l.read(r1, r2)
		if err != nil {
			l.log.Debugf("hash: %s", err)
			return ErrnoFault
		}
		h := newHash()
		h.Write(data)
		if err := l.write(r3, h.Sum(nil)[:HashSize]); err != nil {
			l.log.Debugf("hash: %s", err)
			return ErrnoFault
		}
		return 0
	}
}

func (l *Library) read(addr, n uint64) ([]byte, error) {
	if l.mm == nil {
		return nil, vm.ErrMemoryAccess
	}
	region, off, err := l.mm.Translate(addr)
	if err != nil {
		return nil, err
	}
	if n > region.Size() {
		return nil, vm.ErrMemoryAccess
	}
	buf := make([]byte, n)
	if err := region.Read(off, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (l *Library) write(addr uint64, p []byte) error {
	if l.mm == nil {
		return vm.ErrMemoryAccess
	}
	return l.mm.Write(addr, p)
}
