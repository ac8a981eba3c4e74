// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pass

import (
	"errors"
	"testing"

	"gpuval/il"
)

func TestRegistryRegisterFeatureUniqueAndRejectsDuplicate(t *testing.T) {
	reg := NewRegistry()
	id1, err := reg.RegisterFeature("boundscheck")
	if err != nil {
		t.Fatalf("RegisterFeature: %v", err)
	}
	id2, err := reg.RegisterFeature("datarace")
	if err != nil {
		t.Fatalf("RegisterFeature: %v", err)
	}
	if id1 == id2 || id1 == 0 || id2 == 0 {
		t.Fatalf("feature ids not unique/non-zero: %d, %d", id1, id2)
	}
	if _, err := reg.RegisterFeature("boundscheck"); !errors.Is(err, ErrFeatureAlreadyRegistered) {
		t.Fatalf("RegisterFeature duplicate: have %v, want ErrFeatureAlreadyRegistered", err)
	}
}

func TestRegistryUIDCountersMonotonic(t *testing.T) {
	reg := NewRegistry()
	a, b := reg.NewMessageUID(), reg.NewMessageUID()
	if b != a+1 {
		t.Fatalf("NewMessageUID: have %d then %d, want monotonic", a, b)
	}
	if reg.NewDescriptorUID() == 0 || reg.NewStorageUID() == 0 || reg.NewPushConstantUID() == 0 {
		t.Fatalf("uid counters must never hand out 0")
	}
}

// straightLineFn builds a 1-block function: v0 = Literal; v1 =
// LoadTexture(v0, v0); Branch to an implicit end (Switch with no
// cases, acting as a terminator).
func straightLineFn() *il.Function {
	return &il.Function{Name: "f", Blocks: []*il.BasicBlock{
		{Insts: []il.Instruction{
			{Op: il.OpLiteral, Result: 1, Span: il.InvalidSpan},
			{Op: il.OpLoadTexture, Result: 2, Operands: []il.ID{1, 1}, Span: il.InvalidSpan},
			{Op: il.OpSwitch, Span: il.InvalidSpan},
		}},
	}}
}

func TestSplitAndGuardPreservesInstructionsAndWiresBranch(t *testing.T) {
	fn := straightLineFn()
	preIdx, postIdx, errIdx, err := SplitAndGuard(fn, 0, 1,
		func(pre *il.BasicBlock) (il.ID, error) { return 99, nil },
		func(errBlock *il.BasicBlock) error {
			errBlock.Insts = append(errBlock.Insts, il.Instruction{Op: il.OpUnexposed, Span: il.InvalidSpan})
			return nil
		},
	)
	if err != nil {
		t.Fatalf("SplitAndGuard: %v", err)
	}
	if preIdx != 0 {
		t.Fatalf("preIdx: have %d, want 0", preIdx)
	}
	if len(fn.Blocks) != 3 {
		t.Fatalf("have %d blocks, want 3", len(fn.Blocks))
	}
	pre := fn.Blocks[preIdx]
	term := pre.Insts[len(pre.Insts)-1]
	if term.Op != il.OpBranchConditional || term.Targets[0] != postIdx || term.Targets[1] != errIdx {
		t.Fatalf("pre terminator: have %+v, want BranchConditional(%d,%d)", term, postIdx, errIdx)
	}
	post := fn.Blocks[postIdx]
	if post.Insts[0].Op != il.OpLoadTexture {
		t.Fatalf("post block must retain the guarded instruction first: have %+v", post.Insts[0])
	}
	errBlock := fn.Blocks[errIdx]
	if errBlock.Insts[len(errBlock.Insts)-1].Op != il.OpBranch || errBlock.Insts[len(errBlock.Insts)-1].Targets[0] != postIdx {
		t.Fatalf("error block must branch to post: have %+v", errBlock.Insts[len(errBlock.Insts)-1])
	}
}

func TestSplitAndGuardMovesMarkersToPost(t *testing.T) {
	fn := straightLineFn()
	fn.Blocks[0].Markers = il.BlockMarkers{LoopMerge: &il.LoopMergeInfo{MergeBlock: 5, ContinueBlock: 6}}
	_, postIdx, _, err := SplitAndGuard(fn, 0, 1,
		func(pre *il.BasicBlock) (il.ID, error) { return 1, nil },
		func(errBlock *il.BasicBlock) error { return nil },
	)
	if err != nil {
		t.Fatalf("SplitAndGuard: %v", err)
	}
	if fn.Blocks[0].Markers.LoopMerge != nil {
		t.Fatalf("pre block must not keep the original LoopMerge marker")
	}
	if fn.Blocks[postIdx].Markers.LoopMerge == nil || fn.Blocks[postIdx].Markers.LoopMerge.MergeBlock != 5 {
		t.Fatalf("post block must inherit the original LoopMerge marker")
	}
}
