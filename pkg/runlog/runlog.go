// Package runlog provides the BadgerDB-backed execution journal.
//
// Every run of a stored program appends one Record. Records are keyed by
// program and a store-wide sequence number so that the history of a single
// program can be read with one prefix scan.
package runlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/fortiblox/ebpfvm/pkg/progstore"
)

// Key prefixes.
var (
	// prefixRun is the prefix for run records.
	// Key format: prefixRun + program id (32 bytes) + seq (8 bytes BE)
	prefixRun = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x02}

	metaSeq   = append(append([]byte{}, prefixMeta...), []byte("seq")...)
	metaCount = append(append([]byte{}, prefixMeta...), []byte("count")...)
)

const runKeySize = 1 + progstore.IDSize + 8

// ErrClosed is returned when operating on a closed journal.
var ErrClosed = errors.New("journal closed")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("runlog: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeReturned Outcome = "returned"
	OutcomeFault    Outcome = "fault"
)

// Record is one journal entry.
type Record struct {
	ProgramID    progstore.ProgramID `cbor:"program"`
	Seq          uint64              `cbor:"seq"`
	Started      time.Time           `cbor:"started"`
	Duration     time.Duration       `cbor:"duration"`
	Outcome      Outcome             `cbor:"outcome"`
	ReturnValue  uint64              `cbor:"r0"`
	FaultKind    string              `cbor:"fault_kind,omitempty"`
	FaultMessage string              `cbor:"fault,omitempty"`
	PC           int                 `cbor:"pc"`
	ComputeUsed  uint64              `cbor:"cu"`
	Instructions uint64              `cbor:"insns"`
	HelperMisses uint64              `cbor:"helper_misses"`
}

// Config contains journal options.
type Config struct {
	// Path is the database directory.
	Path string

	// InMemory runs the journal in memory.
	InMemory bool

	// SyncWrites syncs every append to disk.
	SyncWrites bool

	// Logger is passed to badger. Nil disables badger logging.
	Logger badger.Logger
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Journal is the BadgerDB-backed run journal.
type Journal struct {
	db *badger.DB

	seq   atomic.Uint64
	count atomic.Uint64

	// mu serialises appends so seq and count are written in order
	mu     sync.Mutex
	closed atomic.Bool
}

// Open opens or creates a journal.
func Open(cfg Config) (*Journal, error) {
	path := cfg.Path
	if cfg.InMemory {
		path = ""
	} else if path == "" {
		return nil, errors.New("journal path is required")
	}

	opts := badger.DefaultOptions(path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	j := &Journal{db: db}
	if err := j.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return j, nil
}

func (j *Journal) loadMetadata() error {
	return j.db.View(func(txn *badger.Txn) error {
		for key, dst := range map[string]*atomic.Uint64{
			string(metaSeq):   &j.seq,
			string(metaCount): &j.count,
		} {
			item, err := txn.Get([]byte(key))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				if len(val) >= 8 {
					dst.Store(binary.BigEndian.Uint64(val))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func runKey(id progstore.ProgramID, seq uint64) []byte {
	key := make([]byte, runKeySize)
	key[0] = prefixRun[0]
	copy(key[1:], id[:])
	binary.BigEndian.PutUint64(key[1+progstore.IDSize:], seq)
	return key
}

func runPrefix(id progstore.ProgramID) []byte {
	key := make([]byte, 1+progstore.IDSize)
	key[0] = prefixRun[0]
	copy(key[1:], id[:])
	return key
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Append stores rec under the next sequence number and returns it.
func (j *Journal) Append(rec Record) (uint64, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.seq.Load() + 1
	rec.Seq = seq
	data, err := cborEncMode.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(runKey(rec.ProgramID, seq), data); err != nil {
			return err
		}
		if err := txn.Set(metaSeq, u64(seq)); err != nil {
			return err
		}
		return txn.Set(metaCount, u64(j.count.Load()+1))
	})
	if err != nil {
		return 0, err
	}

	j.seq.Store(seq)
	j.count.Add(1)
	return seq, nil
}

// List returns up to limit records for a program, newest first. A zero
// program ID lists runs of every program. A limit of zero or less means no
// limit.
func (j *Journal) List(id progstore.ProgramID, limit int) ([]Record, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}

	var records []Record
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		if id.IsZero() {
			opts.Prefix = prefixRun
		} else {
			opts.Prefix = runPrefix(id)
			opts.Reverse = true
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		start := opts.Prefix
		if opts.Reverse {
			start = append(append([]byte{}, opts.Prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		}
		for it.Seek(start); it.Valid(); it.Next() {
			if !id.IsZero() && limit > 0 && len(records) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := cbor.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("runlog: unmarshal record: %w", err)
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if id.IsZero() {
		sort.Slice(records, func(a, b int) bool { return records[a].Seq > records[b].Seq })
		if limit > 0 && len(records) > limit {
			records = records[:limit]
		}
	}
	return records, nil
}

// Count returns the number of records in the journal.
func (j *Journal) Count() (uint64, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}
	return j.count.Load(), nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return ErrClosed
	}
	return j.db.Close()
}
