// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pass

import (
	"fmt"
	"sync"

	"gpuval/il"
	"gpuval/report"
	"gpuval/resource"
)

// boundsRecordDwords is the fixed stride of a BoundsCheck ring record:
// the common (featureID, spanGUID, puid, messageUID) prefix, followed
// by the offending index and the bound it was checked against.
const boundsRecordDwords = recordPrefixDwords + 2

// BoundsCheck is the resource-bounds-checking pass:
// it guards every buffer or texture load and store with a comparison
// against the bound
// recorded for the descriptor actually bound at that slot, so an
// out-of-range index produces a diagnostic record instead of reading
// outside the view the application bound.
type BoundsCheck struct {
	mu        sync.Mutex
	featureID uint16
	reg       *Registry
	storageUID uint64

	// bounds, keyed by descriptor-set pointer then slot, mirrors each
	// tracked descriptor's valid index count so RegisterRewrite's
	// guard can be checked without touching application memory again.
	bounds map[*resource.DescriptorSet][]uint32
}

// NewBoundsCheck creates an unregistered BoundsCheck pass.
func NewBoundsCheck() *BoundsCheck {
	return &BoundsCheck{bounds: make(map[*resource.DescriptorSet][]uint32)}
}

func (p *BoundsCheck) Name() string { return "boundscheck" }

func (p *BoundsCheck) Register(reg *Registry) error {
	id, err := reg.RegisterFeature(p.Name())
	if err != nil {
		return err
	}
	p.featureID = id
	p.reg = reg
	p.storageUID = reg.NewStorageUID()
	return nil
}

func (p *BoundsCheck) EnumerateDescriptors() []Descriptor { return nil }

func (p *BoundsCheck) EnumeratePushConstants() []PushConstantRange { return nil }

func (p *BoundsCheck) EnumerateStorage() []StorageDecl {
	return []StorageDecl{{Size: 0}} // grows lazily per set, per slot; see UpdateDescriptors.
}

func (p *BoundsCheck) CreateDescriptors(set *resource.DescriptorSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bounds[set] = nil
	set.PassStorage[int(p.storageUID)] = p
	return nil
}

func (p *BoundsCheck) DestroyDescriptors(set *resource.DescriptorSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bounds, set)
	delete(set.PassStorage, int(p.storageUID))
}

// UpdateDescriptors records the bound for the slot w targets: the
// number of valid indices the bound view exposes, derived from the
// mip and layer extents the application's descriptor write named.
// Either extent collapsing to zero falls back to a bound of 1, so for
// a freshly-bound, scope-less descriptor only index 0 compares
// in-range.
func (p *BoundsCheck) UpdateDescriptors(set *resource.DescriptorSet, w resource.TrackedWrite) error {
	bound := w.Entry.Scope.MipCount * w.Entry.Scope.LayerCount
	if bound <= 0 {
		bound = 1
	}
	slot := w.Binding + w.ArrayElement

	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.bounds[set]
	for slot >= len(b) {
		b = append(b, 0)
	}
	b[slot] = uint32(bound)
	p.bounds[set] = b
	return nil
}

func (p *BoundsCheck) UpdatePushConstants(data []byte) error { return nil }

// RegisterRewrite guards every OpLoadBuffer, OpStoreBuffer,
// OpLoadTexture and OpStoreTexture in prog (operands [resource, index,
// ...]) with a bound check, per the general rewrite algorithm: split the
// block, branch on (index < bound), and emit a diagnostic record on
// the out-of-range path.
func (p *BoundsCheck) RegisterRewrite(prog *il.Program) error {
	boundsType := prog.Types.Intern(il.Type{Kind: il.TyInt, IntWidth: 32, IntSigned: false})
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
				switch b.Insts[ii].Op {
				case il.OpLoadBuffer, il.OpStoreBuffer, il.OpLoadTexture, il.OpStoreTexture:
					found = ii
				}
				if found != -1 {
					break
				}
			}
			if found == -1 {
				bi++
				continue
			}

			loadInst := b.Insts[found]
			if len(loadInst.Operands) < 2 {
				return fmt.Errorf("pass: boundscheck: resource access at block %d inst %d missing operands", bi, found)
			}
			resourceOperand := loadInst.Operands[0]
			index := loadInst.Operands[1]
			spanGUID := uint64(p.reg.Locations.Register(report.SourceLocation{
				File: fn.Name,
				Line: bi,
				Column: found,
			}))
			messageUID := p.reg.NewMessageUID()

			var boundVal, puidVal il.ID
			_, postIdx, _, err := SplitAndGuard(fn, bi, found,
				func(pre *il.BasicBlock) (il.ID, error) {
					boundVal = prog.IDs.New()
					pre.Insts = append(pre.Insts, il.Instruction{
						Result: boundVal,
						Op:     il.OpUnexposed,
						Type:   boundsType,
						Span:   il.InvalidSpan,
						Unexposed: &il.UnexposedData{
							RawOpcode:   boundsLoadOpcode,
							RawOperands: []uint64{uint64(index)},
						},
					})
					puidVal = prog.IDs.New()
					pre.Insts = append(pre.Insts, il.Instruction{
						Result: puidVal,
						Op:     il.OpUnexposed,
						Type:   puidType,
						Span:   il.InvalidSpan,
						Unexposed: &il.UnexposedData{
							RawOpcode:   boundsPUIDOpcode,
							RawOperands: []uint64{uint64(resourceOperand)},
						},
					})
					cond := prog.IDs.New()
					pre.Insts = append(pre.Insts, il.Instruction{
						Result:   cond,
						Op:       il.OpLessThan,
						Operands: []il.ID{index, boundVal},
						Span:     il.InvalidSpan,
					})
					return cond, nil
				},
				func(errBlock *il.BasicBlock) error {
					EmitRecordWrite(errBlock, p.featureID, spanGUID, messageUID, puidVal, []il.ID{index, boundVal})
					return nil
				},
			)
			if err != nil {
				return fmt.Errorf("pass: boundscheck: %w", err)
			}
			guardedOrigin[postIdx] = true
			bi = postIdx
		}
	}
	return nil
}

// boundsLoadOpcode tags the synthesised "load this descriptor's
// runtime bound" instruction BoundsCheck's guard depends on.
// boundsPUIDOpcode tags the sibling "load this slot's bound PUID"
// instruction, synthesised from the same texture-load's resource
// operand, so the diagnostic record identifies which resource the
// out-of-range index actually targeted.
const (
	boundsLoadOpcode = 1<<20 + 1
	boundsPUIDOpcode = 1<<20 + 5
)

// Handle decodes BoundsCheck ring records, merging records that share
// a (span-GUID, resource PUID) pair into one message with an
// incremented count: two descriptors faulting at the same source line
// are distinct messages, since each names a different resource.
func (p *BoundsCheck) Handle(records []report.Record) (int, []report.Message) {
	type key struct {
		guid uint64
		puid uint64
	}
	groups := make(map[key]*report.Message)
	var order []key
	for _, rec := range records {
		if len(rec.Raw) < boundsRecordDwords {
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
				Subtype:       "out-of-bounds resource index",
				SourceExtract: loc,
				ObjectPUID:    resource.PUID(puid),
			}
			groups[k] = m
			order = append(order, k)
		}
		m.MergedCount++
		m.Text = fmt.Sprintf("index %d exceeds bound %d", rec.Raw[4], rec.Raw[5])
	}
	msgs := make([]report.Message, 0, len(order))
	for _, k := range order {
		msgs = append(msgs, *groups[k])
	}
	return len(records), msgs
}

func (p *BoundsCheck) Step() error            { return nil }
func (p *BoundsCheck) Report() error          { return nil }
func (p *BoundsCheck) Flush() error           { return nil }
func (p *BoundsCheck) BeginRenderPass() error { return nil }
func (p *BoundsCheck) EndRenderPass() error   { return nil }
