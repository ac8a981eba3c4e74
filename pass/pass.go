// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package pass defines the instrumentation-pass contract:
// a capability-set value that, once registered, can request extra
// descriptors, push constants and per-set scratch storage, rewrite a
// lifted program, and later decode the diagnostic records its rewrite
// produced. Concrete passes (boundscheck, datarace) live alongside it.
package pass

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"gpuval/il"
	"gpuval/report"
	"gpuval/resource"
)

// StageMask is a bitmask of shader stages, used to scope the extra
// descriptors and push constants a pass requests.
type StageMask uint32

const (
	StageVertex StageMask = 1 << iota
	StageFragment
	StageGeometry
	StageCompute

	StageAllGraphics = StageVertex | StageFragment | StageGeometry
	StageAll         = StageAllGraphics | StageCompute
)

// Descriptor is one extra binding a pass needs in every descriptor set
// it instruments.
type Descriptor struct {
	Kind   resource.DescriptorKind
	Count  int
	Stages StageMask
}

// PushConstantRange is one extra push-constant range a pass needs.
type PushConstantRange struct {
	Offset, Size int
	Stages       StageMask
}

// StorageDecl is a per-descriptor-set scratch allocation a pass needs,
// keyed later by its storage-uid in DescriptorSet.PassStorage.
type StorageDecl struct {
	Size int
}

// Pass is the full lifecycle an instrumentation pass implements. A
// Pass is a capability-set value: it advertises what it needs before
// anything is allocated, then is
// driven through rewrite, descriptor maintenance and reporting by the
// pipeline and the resource layer.
type Pass interface {
	Name() string

	// Register claims this pass's feature-id and uid ranges from reg.
	// Called once, at device creation.
	Register(reg *Registry) error

	EnumerateDescriptors() []Descriptor
	EnumeratePushConstants() []PushConstantRange
	EnumerateStorage() []StorageDecl

	// CreateDescriptors/DestroyDescriptors manage this pass's entry in
	// set.PassStorage.
	CreateDescriptors(set *resource.DescriptorSet) error
	DestroyDescriptors(set *resource.DescriptorSet)

	// UpdateDescriptors and UpdatePushConstants keep this pass's own
	// bookkeeping in step with the application's writes; see
	// resource.PassUpdater and resource.InstrumentedLiveSet.
	UpdateDescriptors(set *resource.DescriptorSet, w resource.TrackedWrite) error
	UpdatePushConstants(data []byte) error

	// RegisterRewrite applies this pass's instrumentation to prog,
	// mutating it in place.
	RegisterRewrite(prog *il.Program) error

	// Handle decodes this pass's feature-id records out of one ring
	// segment (see report.Handler).
	Handle(records []report.Record) (handled int, messages []report.Message)

	Step() error
	Report() error
	Flush() error

	BeginRenderPass() error
	EndRenderPass() error
}

// ErrFeatureAlreadyRegistered is returned by Registry.RegisterFeature
// when the same pass name registers twice.
var ErrFeatureAlreadyRegistered = errors.New("pass: feature already registered")

// Registry allocates the monotonic, device-lifetime identifier spaces
// every pass draws from: feature-ids (report.Record.FeatureID) and the
// message/descriptor/storage/push-constant uid counters package
// resource and the concrete passes use to namespace their own state:
// a mutex-guarded table plus a log line per registration.
type Registry struct {
	mu              sync.Mutex
	nextFeatureID   uint16
	nextMessageUID  uint64
	nextDescUID     uint64
	nextStorageUID  uint64
	nextPushUID     uint64
	registered      map[string]uint16
	Locations       *report.LocationRegistry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		registered: make(map[string]uint16),
		Locations:  report.NewLocationRegistry(),
	}
}

// RegisterFeature claims a fresh feature-id for name. It fails if name
// was already registered.
func (r *Registry) RegisterFeature(name string) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.registered[name]; ok {
		return 0, fmt.Errorf("pass: registering %q: %w (id %d)", name, ErrFeatureAlreadyRegistered, id)
	}
	r.nextFeatureID++
	id := r.nextFeatureID
	r.registered[name] = id
	log.Printf("pass: registered feature %q as id %d", name, id)
	return id, nil
}

// FeatureID returns the id previously assigned to name by
// RegisterFeature, and whether name has been registered at all. Used
// by package layer to wire each pass's Handle into the report decoder
// under the same id the pass itself was given.
func (r *Registry) FeatureID(name string) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.registered[name]
	return id, ok
}

// NewMessageUID, NewDescriptorUID, NewStorageUID and NewPushConstantUID
// hand out fresh, device-lifetime-unique identifiers from their
// respective counters.
func (r *Registry) NewMessageUID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextMessageUID++
	return r.nextMessageUID
}

func (r *Registry) NewDescriptorUID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextDescUID++
	return r.nextDescUID
}

func (r *Registry) NewStorageUID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextStorageUID++
	return r.nextStorageUID
}

func (r *Registry) NewPushConstantUID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPushUID++
	return r.nextPushUID
}
