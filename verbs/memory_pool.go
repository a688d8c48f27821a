package verbs

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Registrar registers memory with a protection domain.
type Registrar interface {
	RegisterMemory(buf []byte, access MRAccessFlag) (*MemoryRegion, error)
}

// PooledRegion is a pool slot: a registered region and its stable index.
type PooledRegion struct {
	*MemoryRegion
	ID int
}

// MRPool is a fixed free list of registered regions. Every region is
// registered up front and the pool never grows.
type MRPool struct {
	size   int
	slots  []*PooledRegion
	free   chan *PooledRegion
	closed atomic.Bool
}

// NewMRPool registers capacity regions of size bytes each.
func NewMRPool(reg Registrar, size int, access MRAccessFlag, capacity int) (*MRPool, error) {
	if reg == nil {
		return nil, ErrInvalidHandle{"registrar"}
	}
	if size <= 0 {
		return nil, errors.New("verbs: MRPool requires positive region size")
	}
	if capacity <= 0 {
		return nil, errors.New("verbs: MRPool requires positive capacity")
	}
	p := &MRPool{
		size:  size,
		slots: make([]*PooledRegion, 0, capacity),
		free:  make(chan *PooledRegion, capacity),
	}
	for i := 0; i < capacity; i++ {
		mr, err := reg.RegisterMemory(make([]byte, size), access)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("register pool region %d: %w", i, err)
		}
		slot := &PooledRegion{MemoryRegion: mr, ID: i}
		p.slots = append(p.slots, slot)
		p.free <- slot
	}
	return p, nil
}

// TryAcquire returns a free region or ErrPoolExhausted without blocking.
func (p *MRPool) TryAcquire() (*PooledRegion, error) {
	if p == nil {
		return nil, errors.New("verbs: nil MRPool")
	}
	if p.closed.Load() {
		return nil, errors.New("verbs: MRPool closed")
	}
	select {
	case slot := <-p.free:
		return slot, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Release returns a region to the free list. Releasing a slot that does not
// belong to the pool, or after Close, is a no-op.
func (p *MRPool) Release(slot *PooledRegion) {
	if p == nil || slot == nil || p.closed.Load() {
		return
	}
	if slot.ID < 0 || slot.ID >= len(p.slots) || p.slots[slot.ID] != slot {
		return
	}
	select {
	case p.free <- slot:
	default:
	}
}

// Slot returns the region with the given index.
func (p *MRPool) Slot(id int) *PooledRegion {
	if p == nil || id < 0 || id >= len(p.slots) {
		return nil
	}
	return p.slots[id]
}

// Available returns the number of free regions.
func (p *MRPool) Available() int {
	if p == nil {
		return 0
	}
	return len(p.free)
}

// Capacity returns the fixed number of regions.
func (p *MRPool) Capacity() int {
	if p == nil {
		return 0
	}
	return len(p.slots)
}

// Size returns the byte length of every region.
func (p *MRPool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Close deregisters every region, free or not.
func (p *MRPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, slot := range p.slots {
		_ = slot.Close()
	}
	for {
		select {
		case <-p.free:
		default:
			return
		}
	}
}
