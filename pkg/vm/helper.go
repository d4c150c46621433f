package vm

import (
	"sort"
	"sync"
)

// HelperFunc is a host function callable from bytecode. Arguments come from
// r1-r5 and the result is written to r0.
type HelperFunc func(r1, r2, r3, r4, r5 uint64) uint64

// HelperRegistry maps helper keys to implementations. A registry belongs to
// the host that built it; once populated it may be shared by concurrent runs.
type HelperRegistry struct {
	mu      sync.RWMutex
	helpers map[uint32]HelperFunc
}

// NewHelperRegistry creates an empty registry.
func NewHelperRegistry() *HelperRegistry {
	return &HelperRegistry{
		helpers: make(map[uint32]HelperFunc),
	}
}

// Register adds or replaces the helper for key. It returns the helper that
// was replaced, if any.
func (r *HelperRegistry) Register(key uint32, fn HelperFunc) (HelperFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.helpers[key]
	r.helpers[key] = fn
	return prev, ok
}

// Lookup looks up a helper by key.
func (r *HelperRegistry) Lookup(key uint32) (HelperFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.helpers[key]
	return fn, ok
}

// Invoke calls the helper for key. ok is false when no helper is registered.
func (r *HelperRegistry) Invoke(key uint32, r1, r2, r3, r4, r5 uint64) (uint64, bool) {
	fn, ok := r.Lookup(key)
	if !ok || fn == nil {
		return 0, false
	}
	return fn(r1, r2, r3, r4, r5), true
}

// Keys returns the registered keys in ascending order.
func (r *HelperRegistry) Keys() []uint32 {
	r.mu.RLock()
	keys := make([]uint32, 0, len(r.helpers))
	for k := range r.helpers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Len returns the number of registered helpers.
func (r *HelperRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.helpers)
}
