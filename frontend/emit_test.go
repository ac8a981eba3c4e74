// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package frontend

import (
	"testing"

	"gpuval/il"
)

// buildSampleProgram constructs a 1-function, 2-block program:
// block 0: v1 = Literal(5); v2 = LoadTexture(v1, v1); v3 = v2 < v1; BranchConditional(v3, 1, 1)
// block 1: Switch (terminator, no cases)
func buildSampleProgram() *il.Program {
	prog := il.NewProgram()
	intTy := prog.Types.Intern(il.Type{Kind: il.TyInt, IntWidth: 32, IntSigned: true})
	texTy := prog.Types.Intern(il.Type{Kind: il.TyTexture, TexSampledType: intTy, TexDim: 2, TexFormat: "rgba8"})

	five := prog.Consts.Intern(il.Constant{Type: intTy, Payload: 5})

	v1 := prog.IDs.New()
	v2 := prog.IDs.New()
	v3 := prog.IDs.New()

	fn := &il.Function{
		Name: "main",
		Blocks: []*il.BasicBlock{
			{Insts: []il.Instruction{
				{Result: v1, Op: il.OpLiteral, Type: intTy, Const: five, Span: il.InvalidSpan},
				{Result: v2, Op: il.OpLoadTexture, Type: texTy, Operands: []il.ID{v1, v1}, Span: il.InvalidSpan},
				{Result: v3, Op: il.OpLessThan, Type: intTy, Operands: []il.ID{v2, v1}, Span: il.InvalidSpan},
				{Op: il.OpBranchConditional, Operands: []il.ID{v3}, Targets: []int{1, 1}, Span: il.InvalidSpan},
			}},
			{Insts: []il.Instruction{
				{Op: il.OpSwitch, Span: il.InvalidSpan},
			}},
		},
	}
	prog.Functions = append(prog.Functions, fn)
	return prog
}

func TestCompileBitstreamRoundTrips(t *testing.T) {
	prog := buildSampleProgram()
	mod := &Module{Program: prog, Combined: map[*il.Function]map[int]CombinedPair{}}

	data, err := CompileBitstream(mod)
	if err != nil {
		t.Fatalf("CompileBitstream: %v", err)
	}

	got, err := LiftBitstream(data)
	if err != nil {
		t.Fatalf("LiftBitstream(CompileBitstream(...)): %v", err)
	}

	if len(got.Program.Functions) != 1 {
		t.Fatalf("have %d functions, want 1", len(got.Program.Functions))
	}
	gfn := got.Program.Functions[0]
	if len(gfn.Blocks) != 2 {
		t.Fatalf("have %d blocks, want 2", len(gfn.Blocks))
	}
	if len(gfn.Blocks[0].Insts) != 4 || len(gfn.Blocks[1].Insts) != 1 {
		t.Fatalf("have %d/%d instructions per block, want 4/1", len(gfn.Blocks[0].Insts), len(gfn.Blocks[1].Insts))
	}

	wantOps := []il.Opcode{il.OpLiteral, il.OpLoadTexture, il.OpLessThan, il.OpBranchConditional}
	for i, op := range wantOps {
		if gfn.Blocks[0].Insts[i].Op != op {
			t.Fatalf("block 0 instruction %d: have %v, want %v", i, gfn.Blocks[0].Insts[i].Op, op)
		}
	}
	if gfn.Blocks[1].Insts[0].Op != il.OpSwitch {
		t.Fatalf("block 1 instruction 0: have %v, want OpSwitch", gfn.Blocks[1].Insts[0].Op)
	}

	term := gfn.Blocks[0].Insts[3]
	if term.Targets[0] != 1 || term.Targets[1] != 1 {
		t.Fatalf("BranchConditional targets: have %v, want [1,1]", term.Targets)
	}

	load := gfn.Blocks[0].Insts[1]
	lit := gfn.Blocks[0].Insts[0]
	if load.Operands[0] != lit.Result || load.Operands[1] != lit.Result {
		t.Fatalf("LoadTexture operands did not resolve back to the Literal's result: %+v", load)
	}

	litConst := got.Program.Consts.Constant(lit.Const)
	if litConst.Payload != 5 || litConst.Symbolic {
		t.Fatalf("round-tripped constant: have %+v, want payload 5", litConst)
	}

	if got.Program.Types.Len() == 0 {
		t.Fatalf("round-tripped program has no types")
	}
}

func TestCompileBitstreamEncodesUnexposedInstruction(t *testing.T) {
	prog := il.NewProgram()
	intTy := prog.Types.Intern(il.Type{Kind: il.TyInt, IntWidth: 32})
	v1 := prog.IDs.New()

	fn := &il.Function{Name: "f", Blocks: []*il.BasicBlock{
		{Insts: []il.Instruction{
			{Result: v1, Op: il.OpUnexposed, Type: intTy, Span: il.InvalidSpan,
				Unexposed: &il.UnexposedData{RawOpcode: 42, RawOperands: []uint64{7, 8}}},
			{Op: il.OpSwitch, Span: il.InvalidSpan},
		}},
	}}
	prog.Functions = append(prog.Functions, fn)
	mod := &Module{Program: prog, Combined: map[*il.Function]map[int]CombinedPair{}}

	data, err := CompileBitstream(mod)
	if err != nil {
		t.Fatalf("CompileBitstream: %v", err)
	}
	got, err := LiftBitstream(data)
	if err != nil {
		t.Fatalf("LiftBitstream: %v", err)
	}
	inst := got.Program.Functions[0].Blocks[0].Insts[0]
	if inst.Op != il.OpUnexposed || inst.Unexposed == nil {
		t.Fatalf("have %+v, want a round-tripped OpUnexposed", inst)
	}
	if inst.Unexposed.RawOpcode != 42 || len(inst.Unexposed.RawOperands) != 2 ||
		inst.Unexposed.RawOperands[0] != 7 || inst.Unexposed.RawOperands[1] != 8 {
		t.Fatalf("Unexposed data: have %+v, want RawOpcode=42 RawOperands=[7,8]", inst.Unexposed)
	}
}
