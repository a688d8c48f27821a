package verbs

import (
	"errors"
	"testing"
)

func TestMRPoolAcquireRelease(t *testing.T) {
	var reg Registry

	pool, err := NewMRPool(&reg, 64, MRAccessLocal, 2)
	if err != nil {
		t.Fatalf("NewMRPool failed: %v", err)
	}
	defer pool.Close()

	if reg.Len() != 2 {
		t.Fatalf("expected 2 registrations, got %d", reg.Len())
	}

	mr1, err := pool.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if mr1 == nil || mr1.Size() != 64 {
		t.Fatalf("unexpected region from pool")
	}
	mr2, err := pool.TryAcquire()
	if err != nil {
		t.Fatalf("second TryAcquire failed: %v", err)
	}
	if mr1.ID == mr2.ID {
		t.Fatalf("pool handed out slot %d twice", mr1.ID)
	}

	if _, err := pool.TryAcquire(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	pool.Release(mr1)
	if pool.Available() != 1 {
		t.Fatalf("expected 1 free slot, got %d", pool.Available())
	}

	again, err := pool.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire after release failed: %v", err)
	}
	if again != mr1 {
		t.Fatalf("expected recycled slot %d, got %d", mr1.ID, again.ID)
	}
}

func TestMRPoolClose(t *testing.T) {
	var reg Registry

	pool, err := NewMRPool(&reg, 32, MRAccessLocal, 3)
	if err != nil {
		t.Fatalf("NewMRPool failed: %v", err)
	}

	held, err := pool.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	pool.Close()
	pool.Close()

	if reg.Len() != 0 {
		t.Fatalf("expected all regions deregistered, %d remain", reg.Len())
	}
	if held.Registered() {
		t.Fatalf("held region still registered after Close")
	}
	if _, err := pool.TryAcquire(); err == nil {
		t.Fatalf("expected error acquiring from closed pool")
	}
	pool.Release(held) // should be a no-op
}

func TestMRPoolReleaseForeignSlot(t *testing.T) {
	var reg Registry

	pool, err := NewMRPool(&reg, 16, MRAccessLocal, 1)
	if err != nil {
		t.Fatalf("NewMRPool failed: %v", err)
	}
	defer pool.Close()

	mr, err := reg.Register(make([]byte, 16), MRAccessLocal)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	pool.Release(&PooledRegion{MemoryRegion: mr, ID: 0})
	if pool.Available() != 1 {
		t.Fatalf("foreign slot entered the free list")
	}
}

func TestRegistryRejectsEmptyBuffer(t *testing.T) {
	var reg Registry
	if _, err := reg.Register(nil, MRAccessLocal); !errors.Is(err, ErrRegionTooSmall) {
		t.Fatalf("expected ErrRegionTooSmall, got %v", err)
	}
}
