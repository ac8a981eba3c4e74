// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package il

import "testing"

func TestTypeInterning(t *testing.T) {
	m := NewTypeMap()
	a := m.Intern(Type{Kind: TyInt, IntWidth: 32, IntSigned: true})
	b := m.Intern(Type{Kind: TyInt, IntWidth: 32, IntSigned: true})
	c := m.Intern(Type{Kind: TyInt, IntWidth: 32, IntSigned: false})
	if a != b {
		t.Fatalf("structurally equal types did not intern to the same id: %d vs %d", a, b)
	}
	if a == c {
		t.Fatalf("structurally distinct types interned to the same id")
	}
	if m.Type(a).IntWidth != 32 {
		t.Fatalf("Type: have width %d, want 32", m.Type(a).IntWidth)
	}
}

func TestConstantInterning(t *testing.T) {
	m := NewConstantMap()
	ty := TypeID(1)
	a := m.Intern(Constant{Type: ty, Payload: 42})
	b := m.Intern(Constant{Type: ty, Payload: 42})
	c := m.Intern(Constant{Type: ty, Payload: 42, Symbolic: true})
	if a != b {
		t.Fatalf("identical constants did not intern to the same id")
	}
	if a == c {
		t.Fatalf("symbolic and concrete constants interned to the same id")
	}
}

// straightLine builds: b0: v1 = Literal(5); v2 = Add(v1, v1); Branch b1.
// b1: return (Switch with no targets, terminator with no successors).
func straightLine(ids *IDMap, consts *ConstantMap, boolTy, intTy TypeID) *Function {
	five := consts.Intern(Constant{Type: intTy, Payload: 5})
	v1 := ids.New()
	v2 := ids.New()
	b0 := &BasicBlock{Insts: []Instruction{
		{Result: v1, Op: OpLiteral, Type: intTy, Const: five, Span: InvalidSpan},
		{Result: v2, Op: OpAdd, Type: intTy, Operands: []ID{v1, v1}, Span: InvalidSpan},
		{Op: OpBranch, Targets: []int{1}, Span: InvalidSpan},
	}}
	b1 := &BasicBlock{Insts: []Instruction{
		{Op: OpSwitch, Span: InvalidSpan},
	}}
	return &Function{Name: "straight_line", Blocks: []*BasicBlock{b0, b1}}
}

func TestVerifySSAAndTerminators(t *testing.T) {
	ids := NewIDMap()
	consts := NewConstantMap()
	intTy := TypeID(1)
	fn := straightLine(ids, consts, 0, intTy)
	p := &Program{Functions: []*Function{fn}, IDs: ids, Consts: consts}
	if err := p.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsDoubleAssignedResult(t *testing.T) {
	ids := NewIDMap()
	consts := NewConstantMap()
	intTy := TypeID(1)
	fn := straightLine(ids, consts, 0, intTy)
	dup := fn.Blocks[0].Insts[0].Result
	fn.Blocks[0].Insts[1].Result = dup
	p := &Program{Functions: []*Function{fn}}
	if err := p.Verify(); err == nil {
		t.Fatalf("Verify: expected error for a result id assigned twice")
	}
}

func foldingCB(consts *ConstantMap, intTy, boolTy TypeID) PropagateFunc {
	return func(inst *Instruction, get func(ID) LatticeValue) LatticeValue {
		switch inst.Op {
		case OpLiteral:
			return LatticeValue{Kind: LatticeMapped, Const: inst.Const}
		case OpAdd:
			a, b := get(inst.Operands[0]), get(inst.Operands[1])
			if a.Kind == LatticeMapped && b.Kind == LatticeMapped {
				av := consts.Constant(a.Const).Payload
				bv := consts.Constant(b.Const).Payload
				c := consts.Intern(Constant{Type: intTy, Payload: av + bv})
				return LatticeValue{Kind: LatticeMapped, Const: c}
			}
			if a.Kind == LatticeVarying || b.Kind == LatticeVarying {
				return LatticeValue{Kind: LatticeVarying}
			}
			return LatticeValue{Kind: LatticeOverdefined}
		case OpLessThan:
			a, b := get(inst.Operands[0]), get(inst.Operands[1])
			if a.Kind == LatticeMapped && b.Kind == LatticeMapped {
				av := consts.Constant(a.Const).Payload
				bv := consts.Constant(b.Const).Payload
				var payload uint64
				if av < bv {
					payload = 1
				}
				c := consts.Intern(Constant{Type: boolTy, Payload: payload})
				return LatticeValue{Kind: LatticeMapped, Const: c}
			}
			return LatticeValue{Kind: LatticeOverdefined}
		case OpBranchConditional:
			return get(inst.Operands[0])
		case OpBranch, OpSwitch:
			return LatticeValue{Kind: LatticeIgnore}
		default:
			return LatticeValue{Kind: LatticeOverdefined}
		}
	}
}

func TestPropagationConstantFold(t *testing.T) {
	ids := NewIDMap()
	consts := NewConstantMap()
	intTy := TypeID(1)
	boolTy := TypeID(2)

	fn := straightLine(ids, consts, boolTy, intTy)
	eng := NewPropagationEngine(fn, consts, foldingCB(consts, intTy, boolTy))
	values := eng.Run()

	v2 := fn.Blocks[0].Insts[1].Result
	v := values[v2]
	if v.Kind != LatticeMapped {
		t.Fatalf("v2: have kind %v, want Mapped", v.Kind)
	}
	if consts.Constant(v.Const).Payload != 10 {
		t.Fatalf("v2: have %d, want 10", consts.Constant(v.Const).Payload)
	}
}

func TestPropagationPrunesUnreachableBranch(t *testing.T) {
	ids := NewIDMap()
	consts := NewConstantMap()
	intTy := TypeID(1)
	boolTy := TypeID(2)

	trueC := consts.Intern(Constant{Type: boolTy, Payload: 1})
	cond := ids.New()
	thenV := ids.New()
	elseV := ids.New()

	entry := &BasicBlock{Insts: []Instruction{
		{Result: cond, Op: OpLiteral, Type: boolTy, Const: trueC},
		{Op: OpBranchConditional, Operands: []ID{cond}, Targets: []int{1, 2}},
	}}
	thenBlk := &BasicBlock{Insts: []Instruction{
		{Result: thenV, Op: OpLiteral, Type: intTy, Const: consts.Intern(Constant{Type: intTy, Payload: 1})},
		{Op: OpBranch, Targets: []int{3}},
	}}
	elseBlk := &BasicBlock{Insts: []Instruction{
		{Result: elseV, Op: OpLiteral, Type: intTy, Const: consts.Intern(Constant{Type: intTy, Payload: 2})},
		{Op: OpBranch, Targets: []int{3}},
	}}
	exit := &BasicBlock{Insts: []Instruction{{Op: OpSwitch}}}

	fn := &Function{Name: "branchy", Blocks: []*BasicBlock{entry, thenBlk, elseBlk, exit}}
	eng := NewPropagationEngine(fn, consts, foldingCB(consts, intTy, boolTy))
	eng.Run()

	if !eng.execBlock[1] {
		t.Fatalf("then-block should be executable when the condition folds to true")
	}
	if eng.execBlock[2] {
		t.Fatalf("else-block should stay unreachable when the condition folds to true")
	}
}

func TestLoopCapForcesVarying(t *testing.T) {
	ids := NewIDMap()
	consts := NewConstantMap()
	intTy := TypeID(1)

	v := ids.New()
	block := &BasicBlock{Insts: []Instruction{
		{Result: v, Op: OpAdd},
	}}
	fn := &Function{Name: "capped", Blocks: []*BasicBlock{block}}

	i := 0
	cb := func(inst *Instruction, get func(ID) LatticeValue) LatticeValue {
		i++
		c := consts.Intern(Constant{Type: intTy, Payload: uint64(i)})
		return LatticeValue{Kind: LatticeMapped, Const: c}
	}
	eng := NewPropagationEngine(fn, consts, cb)
	for n := 0; n < loopIterationCap+1; n++ {
		eng.simulate(0, 0)
	}
	got := eng.values[v]
	if got.Kind != LatticeVarying {
		t.Fatalf("after exceeding the iteration cap: have kind %v, want Varying", got.Kind)
	}
}

func TestDominatorsAndLoops(t *testing.T) {
	// 0 -> 1 -> 2 -> 1 (back edge), 2 -> 3
	fn := &Function{Blocks: []*BasicBlock{
		{Insts: []Instruction{{Op: OpBranch, Targets: []int{1}}}},
		{Insts: []Instruction{{Op: OpBranchConditional, Targets: []int{2, 3}}}},
		{Insts: []Instruction{{Op: OpBranch, Targets: []int{1}}}},
		{Insts: []Instruction{{Op: OpSwitch}}},
	}}
	idom := fn.Dominators()
	if idom[1] != 0 {
		t.Fatalf("idom[1]: have %d, want 0", idom[1])
	}
	if idom[2] != 1 {
		t.Fatalf("idom[2]: have %d, want 1", idom[2])
	}
	loops := fn.Loops()
	if len(loops) != 1 {
		t.Fatalf("Loops: have %d loops, want 1", len(loops))
	}
	if loops[0].Header != 1 {
		t.Fatalf("loop header: have %d, want 1", loops[0].Header)
	}
	if !loops[0].Body[1] || !loops[0].Body[2] {
		t.Fatalf("loop body: have %v, want {1,2}", loops[0].Body)
	}
}
