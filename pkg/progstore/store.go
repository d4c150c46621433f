// Package progstore provides persistent, content-addressed storage for
// program bytecode.
//
// Programs are keyed by the blake3 digest of their bytecode and stored
// zstd-compressed. Human names map onto digests, and a CBOR metadata record
// is kept for each program.
package progstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/ebpfvm/pkg/loader"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

var (
	// ErrProgramNotFound is returned when no program matches an ID or name.
	ErrProgramNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")
)

// Bucket names.
var (
	// bucketPrograms stores compressed bytecode keyed by digest.
	bucketPrograms = []byte("programs")

	// bucketNames maps a program name to its digest.
	bucketNames = []byte("names")

	// bucketMeta stores CBOR metadata keyed by digest.
	bucketMeta = []byte("meta")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("progstore: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Config holds program store options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default configuration for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Meta describes a stored program.
type Meta struct {
	ID        ProgramID `cbor:"id"`
	Name      string    `cbor:"name,omitempty"`
	Size      int       `cbor:"size"`
	Slots     int       `cbor:"slots"`
	Stored    int       `cbor:"stored"` // Compressed size
	CreatedAt time.Time `cbor:"created"`
}

// Store is the program store interface.
type Store interface {
	Put(name string, bytecode []byte) (ProgramID, error)
	Get(id ProgramID) ([]byte, error)
	Program(id ProgramID) (*vm.Program, error)
	Meta(id ProgramID) (*Meta, error)
	Resolve(nameOrID string) (ProgramID, error)
	List() ([]Meta, error)
	Delete(id ProgramID) error
	Close() error
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config
	log    commonlog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a program store.
func Open(config Config) (*BoltStore, error) {
	if config.Path == "" {
		return nil, errors.New("program store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &BoltStore{
		db:     db,
		config: config,
		log:    commonlog.GetLogger("ebpfvm.progstore"),
	}
	if !config.ReadOnly {
		if err := s.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	return s, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPrograms, bucketNames, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// view runs fn in a read transaction unless the store is closed.
func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPrograms) == nil {
			return ErrProgramNotFound
		}
		return fn(tx)
	})
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(fn)
}

// Put validates and stores bytecode, optionally under a name. Storing the
// same bytecode again returns the same ID; a name given to different
// bytecode is moved to the new program.
func (s *BoltStore) Put(name string, bytecode []byte) (ProgramID, error) {
	prog, err := vm.NewProgram(bytecode)
	if err != nil {
		return ProgramID{}, err
	}
	id := NewProgramID(bytecode)

	packed, err := loader.Compress(bytecode)
	if err != nil {
		return ProgramID{}, fmt.Errorf("compress: %w", err)
	}

	err = s.update(func(tx *bolt.Tx) error {
		meta := Meta{
			ID:        id,
			Name:      name,
			Size:      len(bytecode),
			Slots:     prog.Len(),
			Stored:    len(packed),
			CreatedAt: time.Now().UTC(),
		}
		if v := tx.Bucket(bucketMeta).Get(id[:]); v != nil {
			old, err := decodeMeta(v)
			if err != nil {
				return err
			}
			meta.CreatedAt = old.CreatedAt
			if name == "" {
				meta.Name = old.Name
			}
		} else if err := tx.Bucket(bucketPrograms).Put(id[:], packed); err != nil {
			return err
		}

		if name != "" {
			if err := s.moveName(tx, name, id); err != nil {
				return err
			}
		}

		data, err := cborEncMode.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		return tx.Bucket(bucketMeta).Put(id[:], data)
	})
	if err != nil {
		return ProgramID{}, err
	}

	s.log.Debugf("stored program %s (%q, %d slots)", id, name, prog.Len())
	return id, nil
}

// moveName points name at id, clearing the name from its previous owner.
func (s *BoltStore) moveName(tx *bolt.Tx, name string, id ProgramID) error {
	names := tx.Bucket(bucketNames)
	if prev := names.Get([]byte(name)); prev != nil && string(prev) != string(id[:]) {
		metas := tx.Bucket(bucketMeta)
		if v := metas.Get(prev); v != nil {
			old, err := decodeMeta(v)
			if err != nil {
				return err
			}
			old.Name = ""
			data, err := cborEncMode.Marshal(old)
			if err != nil {
				return err
			}
			if err := metas.Put(prev, data); err != nil {
				return err
			}
		}
	}
	return names.Put([]byte(name), id[:])
}

// Get returns the bytecode of a program.
func (s *BoltStore) Get(id ProgramID) ([]byte, error) {
	var packed []byte
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPrograms).Get(id[:])
		if v == nil {
			return fmt.Errorf("%w: %s", ErrProgramNotFound, id)
		}
		packed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	bytecode, err := loader.Decompress(packed)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", id, err)
	}
	return bytecode, nil
}

// Program returns a stored program ready to run.
func (s *BoltStore) Program(id ProgramID) (*vm.Program, error) {
	bytecode, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return vm.NewProgram(bytecode)
}

// Meta returns the metadata of a program.
func (s *BoltStore) Meta(id ProgramID) (*Meta, error) {
	var meta *Meta
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(id[:])
		if v == nil {
			return fmt.Errorf("%w: %s", ErrProgramNotFound, id)
		}
		var err error
		meta, err = decodeMeta(v)
		return err
	})
	return meta, err
}

// Resolve looks up a program by name, falling back to parsing nameOrID as a
// base58 ID.
func (s *BoltStore) Resolve(nameOrID string) (ProgramID, error) {
	var id ProgramID
	err := s.view(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketNames).Get([]byte(nameOrID)); v != nil {
			copy(id[:], v)
			return nil
		}
		parsed, err := ParseProgramID(nameOrID)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrProgramNotFound, nameOrID)
		}
		if tx.Bucket(bucketPrograms).Get(parsed[:]) == nil {
			return fmt.Errorf("%w: %s", ErrProgramNotFound, parsed)
		}
		id = parsed
		return nil
	})
	return id, err
}

// List returns the metadata of every program, oldest first.
func (s *BoltStore) List() ([]Meta, error) {
	var metas []Meta
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			m, err := decodeMeta(v)
			if err != nil {
				return err
			}
			metas = append(metas, *m)
			return nil
		})
	})
	if errors.Is(err, ErrProgramNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].CreatedAt.Before(metas[j].CreatedAt)
		}
		return metas[i].ID.String() < metas[j].ID.String()
	})
	return metas, nil
}

// Delete removes a program and any name pointing at it.
func (s *BoltStore) Delete(id ProgramID) error {
	return s.update(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		if programs.Get(id[:]) == nil {
			return fmt.Errorf("%w: %s", ErrProgramNotFound, id)
		}
		if err := programs.Delete(id[:]); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Delete(id[:]); err != nil {
			return err
		}

		var stale [][]byte
		names := tx.Bucket(bucketNames)
		err := names.ForEach(func(k, v []byte) error {
			if string(v) == string(id[:]) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := names.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the store. Closing twice is a no-op.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func decodeMeta(data []byte) (*Meta, error) {
	var m Meta
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("progstore: unmarshal meta: %w", err)
	}
	return &m, nil
}

var _ Store = (*BoltStore)(nil)
