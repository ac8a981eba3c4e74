// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package frontend

import (
	"encoding/binary"
	"testing"

	"gpuval/bitstream"
	"gpuval/container"
	"gpuval/il"
)

func rec(code uint64, ops ...uint64) bitstream.Element {
	return bitstream.Element{Kind: bitstream.ElemRecord, Record: &bitstream.Record{Code: code, Ops: ops}}
}

func subBlock(id uint64, elems ...bitstream.Element) bitstream.Element {
	return bitstream.Element{Kind: bitstream.ElemSubBlock, Block: &bitstream.Block{ID: id, Elements: elems}}
}

// buildIntType returns a TYPE block with a single 32-bit signed
// integer type at index 0.
func buildIntType() bitstream.Element {
	return subBlock(TypeBlockID, rec(uint64(il.TyInt), 32, 1))
}

func TestLiftTypesInt(t *testing.T) {
	tm := il.NewTypeMap()
	ids, err := liftTypes(tm, buildIntType().Block)
	if err != nil {
		t.Fatalf("liftTypes: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("have %d types, want 1", len(ids))
	}
	ty := tm.Type(ids[0])
	if ty.Kind != il.TyInt || ty.IntWidth != 32 || !ty.IntSigned {
		t.Fatalf("have %+v, want Int(32,signed)", ty)
	}
}

// buildStraightLineFunction builds a FUNCTION block lifting to:
// b0: v0 = Literal(5); v1 = Add(v0, v0); Branch b1
// b1: Switch (terminator, no real successors)
func buildStraightLineFunction() *bitstream.Block {
	return &bitstream.Block{ID: FunctionBlockID, Elements: []bitstream.Element{
		rec(funcHeaderCode, 2),
		rec(uint64(il.OpLiteral), 0 /*blockIdx*/, 0 /*typeIdx*/, 5 /*payload*/, 0 /*symbolic*/),
		rec(uint64(il.OpAdd), 0, 0, 0, 0),
		rec(uint64(il.OpBranch), 0, 1),
		rec(uint64(il.OpSwitch), 1, 0, 1),
	}}
}

func TestLiftFunctionStraightLine(t *testing.T) {
	prog := il.NewProgram()
	types := []il.TypeID{prog.Types.Intern(il.Type{Kind: il.TyInt, IntWidth: 32, IntSigned: true})}

	fn, combined, err := liftFunction(prog, types, buildStraightLineFunction())
	if err != nil {
		t.Fatalf("liftFunction: %v", err)
	}
	if len(combined) != 0 {
		t.Fatalf("have %d combined slots, want 0", len(combined))
	}
	if len(fn.Blocks) != 2 {
		t.Fatalf("have %d blocks, want 2", len(fn.Blocks))
	}
	b0 := fn.Blocks[0]
	if len(b0.Insts) != 3 {
		t.Fatalf("block 0: have %d insts, want 3", len(b0.Insts))
	}
	if b0.Insts[0].Op != il.OpLiteral || b0.Insts[1].Op != il.OpAdd || b0.Insts[2].Op != il.OpBranch {
		t.Fatalf("block 0: unexpected op sequence %v %v %v", b0.Insts[0].Op, b0.Insts[1].Op, b0.Insts[2].Op)
	}
	if b0.Insts[1].Operands[0] != b0.Insts[0].Result || b0.Insts[1].Operands[1] != b0.Insts[0].Result {
		t.Fatalf("Add operands do not reference the Literal's result")
	}
	prog.Functions = append(prog.Functions, fn)
	if err := prog.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

// buildCombinedFunction builds a FUNCTION block where a combinedLoadCode
// record is consumed by an OpLoadTexture, requiring a synthesised
// recombine instruction ahead of the load.
func buildCombinedFunction() *bitstream.Block {
	return &bitstream.Block{ID: FunctionBlockID, Elements: []bitstream.Element{
		rec(funcHeaderCode, 2),
		rec(uint64(il.OpLiteral), 0, 0, 0, 0), // v0: index literal
		rec(combinedLoadCode, 0, 0, 0, 0),     // v1: combined slot (image+sampler)
		rec(uint64(il.OpLoadTexture), 0, 0, 1, 0), // v2: loadTexture(resource=v1, index=v0)
		rec(uint64(il.OpBranch), 0, 1),
		rec(uint64(il.OpSwitch), 1, 2, 1),
	}}
}

func TestLiftFunctionCombinedSplit(t *testing.T) {
	prog := il.NewProgram()
	types := []il.TypeID{prog.Types.Intern(il.Type{Kind: il.TyInt, IntWidth: 32, IntSigned: true})}

	fn, combined, err := liftFunction(prog, types, buildCombinedFunction())
	if err != nil {
		t.Fatalf("liftFunction: %v", err)
	}
	if len(combined) != 1 {
		t.Fatalf("have %d combined slots, want 1", len(combined))
	}
	pair, ok := combined[1]
	if !ok {
		t.Fatalf("combined slot 1 missing")
	}
	b0 := fn.Blocks[0]
	// literal, synthesised combine, loadTexture, branch
	if len(b0.Insts) != 4 {
		t.Fatalf("block 0: have %d insts, want 4", len(b0.Insts))
	}
	combineInst := b0.Insts[1]
	if combineInst.Op != il.OpUnexposed || combineInst.Unexposed == nil || combineInst.Unexposed.RawOpcode != combineCode {
		t.Fatalf("expected a synthesised combine instruction, have %+v", combineInst)
	}
	wantOperands := []uint64{uint64(pair.Image), uint64(pair.Sampler)}
	if len(combineInst.Unexposed.RawOperands) != 2 ||
		combineInst.Unexposed.RawOperands[0] != wantOperands[0] ||
		combineInst.Unexposed.RawOperands[1] != wantOperands[1] {
		t.Fatalf("combine operands: have %v, want %v", combineInst.Unexposed.RawOperands, wantOperands)
	}
	loadInst := b0.Insts[2]
	if loadInst.Op != il.OpLoadTexture || loadInst.Operands[0] != combineInst.Result {
		t.Fatalf("OpLoadTexture does not consume the synthesised combine's result: %+v", loadInst)
	}
}

func TestLiftBitstreamModule(t *testing.T) {
	root := &bitstream.Block{ID: bitstream.RootID, Elements: []bitstream.Element{
		subBlock(ModuleBlockID, buildIntType(), bitstream.Element{
			Kind:  bitstream.ElemSubBlock,
			Block: buildStraightLineFunction(),
		}),
	}}
	mod, err := liftModuleBlock(root.Elements[0].Block)
	if err != nil {
		t.Fatalf("liftModuleBlock: %v", err)
	}
	if len(mod.Program.Functions) != 1 {
		t.Fatalf("have %d functions, want 1", len(mod.Program.Functions))
	}
	if err := mod.Program.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestRedirectBlockPatchesBranchesPhisAndMarkers(t *testing.T) {
	mergeBlock := 3
	fn := &il.Function{Blocks: []*il.BasicBlock{
		{Insts: []il.Instruction{{Op: il.OpBranch, Targets: []int{1}}},
			Markers: il.BlockMarkers{LoopMerge: &il.LoopMergeInfo{MergeBlock: mergeBlock, ContinueBlock: 2}}},
		{Insts: []il.Instruction{
			{Op: il.OpPhi, PhiIncoming: []il.PhiEdge{{Pred: 2, Value: 7}}},
			{Op: il.OpBranch, Targets: []int{2}},
		}},
		{Insts: []il.Instruction{{Op: il.OpBranch, Targets: []int{0}}}}, // back edge / continue block
		{Insts: []il.Instruction{{Op: il.OpSwitch}}},
	}}

	if err := PatchLoopContinueRedirect(fn, 1, 4); err == nil {
		t.Fatalf("expected error redirecting the continue of a block that is not a loop header")
	}

	// Redirect block 2 (the loop's continue block) to a freshly split
	// block 4; every edge into 2 must now point at 4, and the header's
	// LoopMergeInfo.ContinueBlock must follow.
	fn.Blocks = append(fn.Blocks, &il.BasicBlock{Insts: []il.Instruction{{Op: il.OpBranch, Targets: []int{0}}}})
	if err := PatchLoopContinueRedirect(fn, 0, 4); err != nil {
		t.Fatalf("PatchLoopContinueRedirect: %v", err)
	}
	if fn.Blocks[0].Markers.LoopMerge.ContinueBlock != 4 {
		t.Fatalf("ContinueBlock: have %d, want 4", fn.Blocks[0].Markers.LoopMerge.ContinueBlock)
	}
	if fn.Blocks[1].Insts[0].PhiIncoming[0].Pred != 4 {
		t.Fatalf("Phi predecessor was not redirected: have %d, want 4", fn.Blocks[1].Insts[0].PhiIncoming[0].Pred)
	}
	if fn.Blocks[1].Insts[1].Targets[0] != 4 {
		t.Fatalf("Branch target was not redirected: have %d, want 4", fn.Blocks[1].Insts[1].Targets[0])
	}
}

func TestRedirectBlockPatchesApplicableSelectionMerge(t *testing.T) {
	target := 2
	fn := &il.Function{Blocks: []*il.BasicBlock{
		{Insts: []il.Instruction{{Op: il.OpBranchConditional, Targets: []int{1, 2}}},
			Markers: il.BlockMarkers{SelectionMerge: &target}},
		{Insts: []il.Instruction{{Op: il.OpBranch, Targets: []int{2}}}},
		{Insts: []il.Instruction{{Op: il.OpSwitch}}},
	}}
	RedirectBlock(fn, 2, 5)
	if *fn.Blocks[0].Markers.SelectionMerge != 5 {
		t.Fatalf("SelectionMerge was not redirected: have %d, want 5", *fn.Blocks[0].Markers.SelectionMerge)
	}
	if fn.Blocks[0].Insts[0].Targets[1] != 5 {
		t.Fatalf("BranchConditional target was not redirected: have %d, want 5", fn.Blocks[0].Insts[0].Targets[1])
	}
}

func TestLiftContainerDecodesMetadata(t *testing.T) {
	var feat [8]byte
	binary.LittleEndian.PutUint64(feat[:], 0x5)

	c := &container.Container{ChunkList: []container.Chunk{
		{Tag: container.TagFeatureInfo, Body: feat[:]},
		{Tag: container.TagDebug, Body: append([]byte("shader.hlsl"), 0)},
		{Tag: container.TagSignatureInput, Body: []byte{1, 2, 3}},
	}}
	data, err := container.Compile(c)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var pdbRequested string
	findPDB := func(name string) ([]byte, error) {
		pdbRequested = name
		return []byte("pdb-bytes"), nil
	}

	ls, err := LiftContainer(data, findPDB)
	if err != nil {
		t.Fatalf("LiftContainer: %v", err)
	}
	if !ls.Meta.FeatureInfoValid || ls.Meta.FeatureInfo != 0x5 {
		t.Fatalf("FeatureInfo: have (%v,%d), want (true,5)", ls.Meta.FeatureInfoValid, ls.Meta.FeatureInfo)
	}
	if ls.Meta.DebugName != "shader.hlsl" {
		t.Fatalf("DebugName: have %q, want %q", ls.Meta.DebugName, "shader.hlsl")
	}
	if pdbRequested != "shader.hlsl" {
		t.Fatalf("findPDB was not called with the debug chunk's filename")
	}
	if string(ls.Meta.PDB) != "pdb-bytes" {
		t.Fatalf("PDB: have %q, want %q", ls.Meta.PDB, "pdb-bytes")
	}
	if ls.Module != nil {
		t.Fatalf("Module: have non-nil, want nil (no bitstream chunk present)")
	}
	if ls.Meta.ContentHashValid {
		t.Fatalf("ContentHash: want invalid, no HASH chunk was added to the container")
	}
}
