// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pass

import (
	"fmt"

	"gpuval/il"
	"gpuval/report"
	"gpuval/resource"
)

// raceRecordDwords is the fixed stride of a DataRace ring record: the
// common (featureID, spanGUID, puid, messageUID) prefix, followed by
// the resource operand the conflicting store targeted.
const raceRecordDwords = recordPrefixDwords + 1

// DataRace is the lock/unlock pass for detecting overlapping
// unsynchronised buffer writes within a single dispatch: every buffer store acquires a per-resource lock word before
// writing and releases it immediately after; a store that finds the
// lock already held emits a diagnostic record instead of clobbering
// data invisibly.
//
// The lock word only ever holds two states (free/held), acquired with
// a single compare-exchange against a fixed sentinel. This sidesteps
// the question of how a wrapping lock-uid counter should be handled
// (an earlier open question): there is no monotonic id to wrap in the
// first place, since uniqueness comes from the resource's own PUID,
// not from a counter DataRace allocates itself.
type DataRace struct {
	featureID  uint16
	reg        *Registry
	storageUID uint64
}

// NewDataRace creates an unregistered DataRace pass.
func NewDataRace() *DataRace {
	return &DataRace{}
}

func (p *DataRace) Name() string { return "datarace" }

func (p *DataRace) Register(reg *Registry) error {
	id, err := reg.RegisterFeature(p.Name())
	if err != nil {
		return err
	}
	p.featureID = id
	p.reg = reg
	p.storageUID = reg.NewStorageUID()
	return nil
}

func (p *DataRace) EnumerateDescriptors() []Descriptor { return nil }

func (p *DataRace) EnumeratePushConstants() []PushConstantRange { return nil }

// EnumerateStorage requests one lock word per tracked buffer
// descriptor; CreateDescriptors stores an empty slice and
// UpdateDescriptors grows it to cover each written slot.
func (p *DataRace) EnumerateStorage() []StorageDecl {
	return []StorageDecl{{Size: 0}}
}

func (p *DataRace) CreateDescriptors(set *resource.DescriptorSet) error {
	set.PassStorage[int(p.storageUID)] = make([]uint32, 0)
	return nil
}

func (p *DataRace) DestroyDescriptors(set *resource.DescriptorSet) {
	delete(set.PassStorage, int(p.storageUID))
}

// UpdateDescriptors grows the set's lock-word slice to cover the
// written slot; the word itself only needs to exist, not be
// initialised to any particular PUID-derived value, since the CAS
// sentinel is a fixed constant.
func (p *DataRace) UpdateDescriptors(set *resource.DescriptorSet, w resource.TrackedWrite) error {
	slot := w.Binding + w.ArrayElement
	locks, _ := set.PassStorage[int(p.storageUID)].([]uint32)
	for slot >= len(locks) {
		locks = append(locks, 0)
	}
	set.PassStorage[int(p.storageUID)] = locks
	return nil
}

func (p *DataRace) UpdatePushConstants(data []byte) error { return nil }

// RegisterRewrite wraps every OpStoreBuffer with a lock acquire/release
// pair, per the general rewrite algorithm: split the
// block, branch on "lock acquired", emit a race record on the
// contended path, and release the lock immediately after the store on
// the success path.
func (p *DataRace) RegisterRewrite(prog *il.Program) error {
	boolType := prog.Types.Intern(il.Type{Kind: il.TyBool})
	puidType := prog.Types.Intern(il.Type{Kind: il.TyInt, IntWidth: 64, IntSigned: false})
	for _, fn := range prog.Functions {
		guardedOrigin := make(map[int]bool)
		for bi := 0; bi < len(fn.Blocks); {
			b := fn.Blocks[bi]
			start := 0
			if guardedOrigin[bi] {
				start = 1
			}
			found := -1
			for ii := start; ii < len(b.Insts); ii++ {
				if b.Insts[ii].Op == il.OpStoreBuffer {
					found = ii
					break
				}
			}
			if found == -1 {
				bi++
				continue
			}

			storeInst := b.Insts[found]
			if len(storeInst.Operands) < 1 {
				return fmt.Errorf("pass: datarace: OpStoreBuffer at block %d inst %d missing operands", bi, found)
			}
			target := storeInst.Operands[0]
			spanGUID := uint64(p.reg.Locations.Register(report.SourceLocation{
				File:   fn.Name,
				Line:   bi,
				Column: found,
			}))
			messageUID := p.reg.NewMessageUID()

			var puidVal il.ID
			_, postIdx, _, err := SplitAndGuard(fn, bi, found,
				func(pre *il.BasicBlock) (il.ID, error) {
					acquired := prog.IDs.New()
					pre.Insts = append(pre.Insts, il.Instruction{
						Result: acquired,
						Op:     il.OpUnexposed,
						Type:   boolType,
						Span:   il.InvalidSpan,
						Unexposed: &il.UnexposedData{
							RawOpcode:   lockAcquireOpcode,
							RawOperands: []uint64{uint64(target)},
						},
					})
					puidVal = prog.IDs.New()
					pre.Insts = append(pre.Insts, il.Instruction{
						Result: puidVal,
						Op:     il.OpUnexposed,
						Type:   puidType,
						Span:   il.InvalidSpan,
						Unexposed: &il.UnexposedData{
							RawOpcode:   racePUIDOpcode,
							RawOperands: []uint64{uint64(target)},
						},
					})
					return acquired, nil
				},
				func(errBlock *il.BasicBlock) error {
					EmitRecordWrite(errBlock, p.featureID, spanGUID, messageUID, puidVal, []il.ID{target})
					return nil
				},
			)
			if err != nil {
				return fmt.Errorf("pass: datarace: %w", err)
			}

			post := fn.Blocks[postIdx]
			release := il.Instruction{
				Op:   il.OpUnexposed,
				Span: il.InvalidSpan,
				Unexposed: &il.UnexposedData{
					RawOpcode:   lockReleaseOpcode,
					RawOperands: []uint64{uint64(target)},
				},
			}
			// post.Insts[0] is the guarded store; the release belongs
			// immediately after it, ahead of whatever followed in the
			// original block.
			post.Insts = append(post.Insts[:1], append([]il.Instruction{release}, post.Insts[1:]...)...)

			guardedOrigin[postIdx] = true
			bi = postIdx
		}
	}
	return nil
}

const (
	lockAcquireOpcode = 1<<20 + 2
	lockReleaseOpcode = 1<<20 + 3
	racePUIDOpcode    = 1<<20 + 4
)

// Handle decodes DataRace ring records, merging records that share a
// (span-GUID, resource PUID) pair: two distinct buffers contended at
// the same source line are reported as two messages, not one.
func (p *DataRace) Handle(records []report.Record) (int, []report.Message) {
	type key struct {
		guid uint64
		puid uint64
	}
	groups := make(map[key]*report.Message)
	var order []key
	for _, rec := range records {
		if len(rec.Raw) < raceRecordDwords {
			continue
		}
		guid := uint64(rec.Raw[1])
		puid := uint64(rec.Raw[2])
		k := key{guid, puid}
		m, ok := groups[k]
		if !ok {
			loc, _ := p.reg.Locations.Lookup(uint32(guid))
			m = &report.Message{
				Type:          report.TypeValidationError,
				FeatureID:     p.featureID,
				Subtype:       "unsynchronised overlapping buffer write",
				SourceExtract: loc,
				ObjectPUID:    resource.PUID(puid),
				Text:          fmt.Sprintf("contended write targeting resource operand %d", rec.Raw[4]),
			}
			groups[k] = m
			order = append(order, k)
		}
		m.MergedCount++
	}
	msgs := make([]report.Message, 0, len(order))
	for _, k := range order {
		msgs = append(msgs, *groups[k])
	}
	return len(records), msgs
}

func (p *DataRace) Step() error            { return nil }
func (p *DataRace) Report() error          { return nil }
func (p *DataRace) Flush() error           { return nil }
func (p *DataRace) BeginRenderPass() error { return nil }
func (p *DataRace) EndRenderPass() error   { return nil }
