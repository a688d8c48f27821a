package verbs

import (
	"sync"
	"sync/atomic"
)

// MRAccessFlag represents allowed operations on a registered memory region.
type MRAccessFlag uint64

const (
	// MRAccessLocal allows local access to the registered memory.
	MRAccessLocal MRAccessFlag = 1 << iota
	// MRAccessRemoteRead allows remote peers to issue read operations.
	MRAccessRemoteRead
	// MRAccessRemoteWrite allows remote peers to issue write operations.
	MRAccessRemoteWrite
)

// MemoryRegion is a buffer registered with a provider. The buffer stays pinned
// until Close deregisters it.
type MemoryRegion struct {
	buf        []byte
	key        uint32
	access     MRAccessFlag
	deregister func(*MemoryRegion) error
	closed     atomic.Bool
}

// NewMemoryRegion is used by providers to wrap a registered buffer. The
// deregister callback runs exactly once, on the first Close.
func NewMemoryRegion(buf []byte, key uint32, access MRAccessFlag, deregister func(*MemoryRegion) error) *MemoryRegion {
	return &MemoryRegion{buf: buf, key: key, access: access, deregister: deregister}
}

// Bytes returns the registered buffer. It returns nil once the region is closed.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil || m.closed.Load() {
		return nil
	}
	return m.buf
}

// Key returns the registration key for the memory region.
func (m *MemoryRegion) Key() uint32 {
	if m == nil {
		return 0
	}
	return m.key
}

// Access reports the access flags the region was registered with.
func (m *MemoryRegion) Access() MRAccessFlag {
	if m == nil {
		return 0
	}
	return m.access
}

// Size returns the registered length in bytes.
func (m *MemoryRegion) Size() int {
	if m == nil {
		return 0
	}
	return len(m.buf)
}

// Registered reports whether the region is still registered.
func (m *MemoryRegion) Registered() bool {
	return m != nil && !m.closed.Load()
}

// Close deregisters the region.
func (m *MemoryRegion) Close() error {
	if m == nil || !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.deregister != nil {
		return m.deregister(m)
	}
	return nil
}

// Registry tracks registered regions for a protection domain. Providers embed
// it to hand out keys and to validate regions referenced by work requests.
type Registry struct {
	mu      sync.Mutex
	nextKey uint32
	regions map[uint32]*MemoryRegion
}

// Register pins buf and returns its region.
func (r *Registry) Register(buf []byte, access MRAccessFlag) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, ErrRegionTooSmall
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.regions == nil {
		r.regions = make(map[uint32]*MemoryRegion)
	}
	r.nextKey++
	mr := NewMemoryRegion(buf, r.nextKey, access, r.remove)
	r.regions[mr.key] = mr
	return mr, nil
}

// RegisterMemory implements Registrar.
func (r *Registry) RegisterMemory(buf []byte, access MRAccessFlag) (*MemoryRegion, error) {
	return r.Register(buf, access)
}

// Contains reports whether mr is currently registered here.
func (r *Registry) Contains(mr *MemoryRegion) bool {
	if mr == nil || !mr.Registered() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regions[mr.key] == mr
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regions)
}

func (r *Registry) remove(mr *MemoryRegion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.regions[mr.key] != mr {
		return ErrInvalidHandle{"memory region"}
	}
	delete(r.regions, mr.key)
	return nil
}
