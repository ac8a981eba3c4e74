// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package resource implements the descriptor/PUID tracking model: a
// monotonic physical-resource identifier assigned to every GPU
// resource the layer sees, and the per-descriptor-heap table (PRMT)
// mapping descriptor slots to a PUID plus the view the descriptor
// actually exposes. It also wraps the application's descriptor sets
// with the tracked-write bookkeeping the layer needs to re-synthesise
// diagnostic writes after a feature-set change.
package resource

import (
	"fmt"
	"sync"
	"unsafe"

	"gpuval/container"
	"gpuval/internal/bitm"
)

// PUID is a physical-resource identifier, unique for the lifetime of
// the device that allocated it.
type PUID uint64

// NullBufferPUID and NullTexturePUID are the two reserved PUIDs that
// PUIDAllocator.New never hands out: the fixed identities of "no
// buffer bound" and "no texture bound", distinct from each other so a
// descriptor slot's null state still names which resource kind it is
// null for.
const (
	NullBufferPUID  PUID = 0
	NullTexturePUID PUID = 1
)

// PUIDAllocator hands out PUIDs for one device. Guard code embeds a
// resource's PUID in report messages; the allocator's
// only job is never to repeat one, and never to hand out either null
// sentinel.
type PUIDAllocator struct {
	mu   sync.Mutex
	next PUID
}

// New allocates a fresh PUID, starting past both reserved null
// sentinels.
func (a *PUIDAllocator) New() PUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next < NullTexturePUID {
		a.next = NullTexturePUID
	}
	a.next++
	return a.next
}

// ViewScope is the subrange of a resource one descriptor actually
// exposes: base/count along the mip and array-layer axes, plus the
// format the view reinterprets the resource as (GLOSSARY "PRM/PRMT").
type ViewScope struct {
	BaseMip, MipCount     int
	BaseLayer, LayerCount int
	Format                string
}

// Contains reports whether scope fully contains o, used by the
// bounds-check pass (package pass) to validate an index against the
// view the application actually bound rather than the resource's full
// extent.
func (scope ViewScope) Contains(o ViewScope) bool {
	return scope.BaseMip <= o.BaseMip && o.BaseMip+o.MipCount <= scope.BaseMip+scope.MipCount &&
		scope.BaseLayer <= o.BaseLayer && o.BaseLayer+o.LayerCount <= scope.BaseLayer+scope.LayerCount
}

// PRMTEntry is one slot of a PRMT: the PUID of the bound resource and
// the view the descriptor exposes.
type PRMTEntry struct {
	PUID  PUID
	Scope ViewScope
}

// PRMT is a descriptor heap's physical resource mapping table: one
// entry per descriptor slot, growable as the heap grows. slots tracks
// which indices currently hold a live entry, so Rem()-style bookkeeping
// (package cache's scratch-buffer sizing) can query it directly.
type PRMT struct {
	entries []PRMTEntry
	slots   bitm.Bitm[uint64]
}

// NewPRMT creates a PRMT with room for n descriptor slots.
func NewPRMT(n int) *PRMT {
	t := &PRMT{}
	t.slots.Grow((n + 63) / 64)
	t.entries = make([]PRMTEntry, t.slots.Len())
	return t
}

// Set records the PUID and view scope bound at slot.
func (t *PRMT) Set(slot int, e PRMTEntry) {
	t.grow(slot)
	t.entries[slot] = e
	t.slots.Set(slot)
}

// Unset clears slot, marking it as not currently bound.
func (t *PRMT) Unset(slot int) {
	if slot >= len(t.entries) {
		return
	}
	t.entries[slot] = PRMTEntry{}
	t.slots.Unset(slot)
}

// Get returns the entry at slot and whether it is currently bound.
func (t *PRMT) Get(slot int) (PRMTEntry, bool) {
	if slot >= len(t.entries) || !t.slots.IsSet(slot) {
		return PRMTEntry{}, false
	}
	return t.entries[slot], true
}

// grow extends the table, in whole 64-slot blocks, until slot is in
// range. entries is kept exactly as long as slots's bit capacity so
// the two never drift apart.
func (t *PRMT) grow(slot int) {
	for slot >= t.slots.Len() {
		t.slots.Grow(1)
	}
	for len(t.entries) < t.slots.Len() {
		t.entries = append(t.entries, PRMTEntry{})
	}
}

// DescriptorKind discriminates the descriptor-type-specific payload a
// tracked write carries.
type DescriptorKind int

const (
	DescriptorImage DescriptorKind = iota
	DescriptorBuffer
	DescriptorTexelView
	DescriptorSampler
)

// TrackedWrite is one update a descriptor set has received: the
// binding/array element it targeted, the descriptor kind, and the
// driver-specific payload copied into a local blob so the layer can
// replay the write later (InstrumentedLiveSet) without re-reading
// application memory.
type TrackedWrite struct {
	Binding      int
	ArrayElement int
	Kind         DescriptorKind
	Blob         []byte
	Entry        PRMTEntry
}

// WrappedHandle is the layer's handle for any dispatchable driver
// object it returns to the application. DispatchKey occupies the
// first machine word, matching the real dispatch-table contract: whatever comes after the next layer's GetProcAddr resolution
// still finds a valid key at offset zero.
type WrappedHandle struct {
	DispatchKey uintptr
	Native      uintptr
	PUID        PUID
}

// DescriptorSet wraps one application-created descriptor set with the
// bookkeeping needed to re-synthesise diagnostic writes across a
// feature-set change.
type DescriptorSet struct {
	mu sync.Mutex

	Native WrappedHandle
	Layout uintptr

	Tracked []TrackedWrite
	PRMT    *PRMT

	CommitIndex uint64
	CommitHash  uint64
	Valid       bool

	// PassStorage holds each registered pass's per-set scratch handle,
	// keyed by the pass's storage-uid (package pass's Registry).
	PassStorage map[int]any

	// ExtraSlots is the free-list pool passes draw from when they
	// request extra descriptor slots of their own (EnumerateDescriptors),
	// kept separate from the application-visible slots PRMT tracks.
	ExtraSlots *ExtraSlots
}

// NewDescriptorSet creates a DescriptorSet with room for nSlots
// descriptors.
func NewDescriptorSet(native WrappedHandle, layout uintptr, nSlots int) *DescriptorSet {
	return &DescriptorSet{
		Native:      native,
		Layout:      layout,
		PRMT:        NewPRMT(nSlots),
		PassStorage: make(map[int]any),
		ExtraSlots:  NewExtraSlots(0),
	}
}

// Track records one write against the set, updates its PRMT entry and
// commit hash, and marks the set valid. It does not itself forward the
// write to the driver — the caller does that once every pass has had
// a chance to patch the proxied update via UpdateDescriptors.
func (s *DescriptorSet) Track(w TrackedWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tracked = append(s.Tracked, w)
	s.PRMT.Set(w.Binding+w.ArrayElement, w.Entry)
	s.CommitIndex++
	s.Valid = true
	s.rehash()
}

// rehash recomputes CommitHash over every tracked write's blob, in
// tracked order. Callers must hold s.mu.
func (s *DescriptorSet) rehash() {
	var buf []byte
	for _, w := range s.Tracked {
		buf = append(buf, w.Blob...)
	}
	s.CommitHash = container.ContentHash(buf)
}

// CopyDescriptors replicates n descriptors, both their PRMT entries
// and their tracked-write metadata, from src starting at srcOffset to
// dst starting at dstOffset.
func CopyDescriptors(dst, src *DescriptorSet, dstOffset, srcOffset, n int) error {
	if dst == src {
		return fmt.Errorf("resource: CopyDescriptors: src and dst must be distinct sets")
	}

	// Lock both sets in a fixed address order rather than call-argument
	// order, so a concurrent CopyDescriptors(src, dst, ...) can never
	// deadlock against this call by acquiring the same two mutexes in
	// the opposite order.
	first, second := dst, src
	if uintptr(unsafe.Pointer(dst)) > uintptr(unsafe.Pointer(src)) {
		first, second = src, dst
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	for k := 0; k < n; k++ {
		e, ok := src.PRMT.Get(srcOffset + k)
		if !ok {
			continue
		}
		dst.PRMT.Set(dstOffset+k, e)
	}
	for _, w := range src.Tracked {
		if w.Binding+w.ArrayElement < srcOffset || w.Binding+w.ArrayElement >= srcOffset+n {
			continue
		}
		copied := w
		copied.Binding = dstOffset + (w.Binding + w.ArrayElement - srcOffset)
		copied.ArrayElement = 0
		dst.Tracked = append(dst.Tracked, copied)
	}
	dst.CommitIndex++
	dst.Valid = true
	dst.rehash()
	return nil
}

// PassUpdater is the subset of package pass's Pass interface that
// InstrumentedLiveSet needs: re-deriving a pass's per-descriptor
// metadata from a tracked write, without re-issuing a driver write of
// the application's own descriptors.
type PassUpdater interface {
	UpdateDescriptors(set *DescriptorSet, w TrackedWrite) error
}

// InstrumentedLiveSet replays every tracked write in s through passes,
// regenerating their diagnostic metadata for the current feature set
//. It never touches s.Tracked or re-issues a
// driver write — only each pass's own scratch storage changes.
func InstrumentedLiveSet(s *DescriptorSet, passes []PassUpdater) error {
	s.mu.Lock()
	writes := append([]TrackedWrite(nil), s.Tracked...)
	s.mu.Unlock()

	for _, w := range writes {
		for _, p := range passes {
			if err := p.UpdateDescriptors(s, w); err != nil {
				return fmt.Errorf("resource: replaying tracked write for binding %d: %w", w.Binding, err)
			}
		}
	}
	return nil
}
