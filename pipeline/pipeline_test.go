// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pipeline

import (
	"context"
	"testing"

	"gpuval/container"
	"gpuval/frontend"
	"gpuval/il"
	"gpuval/pass"
)

func straightLineProgram() *il.Program {
	prog := il.NewProgram()
	intTy := prog.Types.Intern(il.Type{Kind: il.TyInt, IntWidth: 32, IntSigned: true})
	texTy := prog.Types.Intern(il.Type{Kind: il.TyTexture, TexSampledType: intTy, TexDim: 2})
	five := prog.Consts.Intern(il.Constant{Type: intTy, Payload: 5})
	v1 := prog.IDs.New()
	v2 := prog.IDs.New()
	prog.Functions = append(prog.Functions, &il.Function{Name: "f", Blocks: []*il.BasicBlock{
		{Insts: []il.Instruction{
			{Result: v1, Op: il.OpLiteral, Type: intTy, Const: five, Span: il.InvalidSpan},
			{Result: v2, Op: il.OpLoadTexture, Type: texTy, Operands: []il.ID{v1, v1}, Span: il.InvalidSpan},
			{Op: il.OpSwitch, Span: il.InvalidSpan},
		}},
	}})
	return prog
}

func buildContainer(t *testing.T, prog *il.Program) ([]byte, []byte) {
	t.Helper()
	mod := &frontend.Module{Program: prog, Combined: map[*il.Function]map[int]frontend.CombinedPair{}}
	bits, err := frontend.CompileBitstream(mod)
	if err != nil {
		t.Fatalf("CompileBitstream: %v", err)
	}
	c := &container.Container{ChunkList: []container.Chunk{
		{Tag: container.TagBitstream, Body: bits},
		{Tag: container.Tag{'Z', 'Z', 'Z', 'Z'}, Body: []byte("opaque")},
	}}
	out, err := container.Compile(c)
	if err != nil {
		t.Fatalf("container.Compile: %v", err)
	}
	return out, bits
}

func TestInstrumentAppliesBoundsCheckAndRecompiles(t *testing.T) {
	prog := straightLineProgram()
	data, _ := buildContainer(t, prog)

	reg := pass.NewRegistry()
	bc := pass.NewBoundsCheck()
	if err := bc.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out := Instrument(data, []pass.Pass{bc})

	c, err := container.Parse(out)
	if err != nil {
		t.Fatalf("Parse(Instrument(...)): %v", err)
	}
	ch, ok := c.Chunk(container.TagBitstream)
	if !ok {
		t.Fatalf("instrumented container missing TagBitstream chunk")
	}
	mod, err := frontend.LiftBitstream(ch.Body)
	if err != nil {
		t.Fatalf("LiftBitstream(instrumented): %v", err)
	}
	fn := mod.Program.Functions[0]
	if len(fn.Blocks) != 3 {
		t.Fatalf("have %d blocks after instrumentation, want 3 (guarded)", len(fn.Blocks))
	}

	opaque, ok := c.Chunk(container.Tag{'Z', 'Z', 'Z', 'Z'})
	if !ok || string(opaque.Body) != "opaque" {
		t.Fatalf("unexposed chunk not preserved: %+v", opaque)
	}
}

func TestInstrumentPassesThroughOnBadMagic(t *testing.T) {
	data := []byte("not a container")
	out := Instrument(data, nil)
	if string(out) != string(data) {
		t.Fatalf("Instrument on unparseable input must return the original bytes unchanged")
	}
}

func TestInstrumentPassesThroughWhenNoBitstreamChunk(t *testing.T) {
	c := &container.Container{ChunkList: []container.Chunk{
		{Tag: container.TagDebug, Body: []byte("dbg")},
	}}
	data, err := container.Compile(c)
	if err != nil {
		t.Fatalf("container.Compile: %v", err)
	}
	out := Instrument(data, nil)
	if string(out) != string(data) {
		t.Fatalf("Instrument without a bitstream chunk must return the original bytes unchanged")
	}
}

func TestRunInvalidatesAnalysesBetweenPasses(t *testing.T) {
	prog := straightLineProgram()
	reg := pass.NewRegistry()
	bc := pass.NewBoundsCheck()
	if err := bc.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fn := prog.Functions[0]
	_ = fn.Dominators() // populate the analysis cache before the rewrite

	if _, err := Run(prog, []pass.Pass{bc}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := prog.Verify(); err != nil {
		t.Fatalf("Verify after Run: %v", err)
	}
}

func TestRunWorkerPoolSynchronousAndConcurrentAgree(t *testing.T) {
	prog1 := straightLineProgram()
	prog2 := straightLineProgram()
	data1, _ := buildContainer(t, prog1)
	data2, _ := buildContainer(t, prog2)

	reg := pass.NewRegistry()
	bc := pass.NewBoundsCheck()
	if err := bc.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	jobs := []Job{{Data: data1, Passes: []pass.Pass{bc}}, {Data: data2, Passes: []pass.Pass{bc}}}

	sync, err := RunWorkerPool(context.Background(), 0, jobs)
	if err != nil {
		t.Fatalf("RunWorkerPool(sync): %v", err)
	}
	conc, err := RunWorkerPool(context.Background(), 4, jobs)
	if err != nil {
		t.Fatalf("RunWorkerPool(concurrent): %v", err)
	}
	if len(sync) != 2 || len(conc) != 2 {
		t.Fatalf("RunWorkerPool: have %d/%d results, want 2/2", len(sync), len(conc))
	}
	for i := range sync {
		if len(sync[i]) != len(conc[i]) {
			t.Fatalf("job %d: synchronous and concurrent outputs differ in length (%d vs %d)", i, len(sync[i]), len(conc[i]))
		}
	}
}
