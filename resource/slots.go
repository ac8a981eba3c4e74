// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package resource

import (
	"fmt"
	"sync"

	"gpuval/internal/bitvec"
)

// ExtraSlots is the free-list allocator a DescriptorSet uses to hand
// out scratch slot ranges to passes that request extra descriptors
// (pass.Descriptor, EnumerateDescriptors), separately from the
// application-visible slots tracked by PRMT. Two passes enumerating
// descriptors against the same set must never be handed overlapping
// ranges, and a pass's range must be freed back to the pool when its
// DestroyDescriptors runs so a later pass registration can reuse it.
type ExtraSlots struct {
	mu sync.Mutex
	v  bitvec.V[uint64]
}

// NewExtraSlots creates an allocator with room for n scratch slots,
// all initially free.
func NewExtraSlots(n int) *ExtraSlots {
	s := &ExtraSlots{}
	if n > 0 {
		s.v.Grow((n + 63) / 64)
	}
	return s
}

// Reserve claims a contiguous range of n free slots and returns its
// base index. ok is false if the pool has no such range, in which case
// the caller should grow the pool (Grow) and retry.
func (s *ExtraSlots) Reserve(n int) (base int, ok bool) {
	if n <= 0 {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	base, ok = s.v.SearchRange(n)
	if !ok {
		return 0, false
	}
	for i := 0; i < n; i++ {
		s.v.Set(base + i)
	}
	return base, true
}

// Release returns the n slots starting at base to the free pool.
func (s *ExtraSlots) Release(base, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.v.Unset(base + i)
	}
}

// Grow extends the pool by nplus blocks of 64 slots, for when Reserve
// fails to find enough contiguous room in the current pool.
func (s *ExtraSlots) Grow(nplus int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Grow(nplus)
}

// Len and Rem report the pool's total and free slot counts.
func (s *ExtraSlots) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.Len()
}

func (s *ExtraSlots) Rem() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.Rem()
}

// ReserveExtraSlots claims n scratch slots from s's extra-slot pool for
// a pass's own use (distinct from the application-visible slots tracked
// by s.PRMT), growing the pool first if it has no sufficiently large
// free range.
func (s *DescriptorSet) ReserveExtraSlots(n int) (base int, err error) {
	base, ok := s.ExtraSlots.Reserve(n)
	if ok {
		return base, nil
	}
	s.ExtraSlots.Grow((n + 63) / 64)
	base, ok = s.ExtraSlots.Reserve(n)
	if !ok {
		return 0, fmt.Errorf("resource: ReserveExtraSlots: could not reserve %d slots", n)
	}
	return base, nil
}

// ReleaseExtraSlots returns a range previously handed out by
// ReserveExtraSlots, typically from a pass's DestroyDescriptors.
func (s *DescriptorSet) ReleaseExtraSlots(base, n int) {
	s.ExtraSlots.Release(base, n)
}
