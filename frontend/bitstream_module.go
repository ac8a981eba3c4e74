// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package frontend

import (
	"fmt"

	"gpuval/bitstream"
	"gpuval/il"
)

// CombinedPair is the (image, sampler) split of one source-dialect
// combined image+sampler value.
type CombinedPair struct {
	Image, Sampler il.ID
}

// Module is the result of lifting one nested bitstream chunk: the IL
// program plus the per-function side tables a lowerer needs to
// reconstruct the original wire encoding.
type Module struct {
	Program *il.Program

	// Combined maps, per function, a function-scope value index that
	// named a combinedLoadCode record to the IL ids it was split into.
	Combined map[*il.Function]map[int]CombinedPair
}

// LiftBitstream parses a nested bitstream-module chunk's bytes and
// lifts it into a Module.
func LiftBitstream(data []byte) (*Module, error) {
	root, err := bitstream.Scan(data, 2)
	if err != nil {
		return nil, fmt.Errorf("frontend: scan bitstream module: %w", err)
	}
	var modBlock *bitstream.Block
	for i := range root.Elements {
		if root.Elements[i].Kind == bitstream.ElemSubBlock && root.Elements[i].Block.ID == ModuleBlockID {
			modBlock = root.Elements[i].Block
			break
		}
	}
	if modBlock == nil {
		return nil, fmt.Errorf("frontend: no module block (id %d) at top level", ModuleBlockID)
	}
	return liftModuleBlock(modBlock)
}

func liftModuleBlock(mod *bitstream.Block) (*Module, error) {
	prog := il.NewProgram()
	m := &Module{Program: prog, Combined: map[*il.Function]map[int]CombinedPair{}}

	var typeBlock *bitstream.Block
	var funcBlocks []*bitstream.Block
	for _, e := range mod.Elements {
		if e.Kind != bitstream.ElemSubBlock {
			continue
		}
		switch e.Block.ID {
		case TypeBlockID:
			typeBlock = e.Block
		case FunctionBlockID:
			funcBlocks = append(funcBlocks, e.Block)
		}
	}

	var types []il.TypeID
	if typeBlock != nil {
		var err error
		types, err = liftTypes(prog.Types, typeBlock)
		if err != nil {
			return nil, err
		}
	}

	for i, fb := range funcBlocks {
		fn, combined, err := liftFunction(prog, types, fb)
		if err != nil {
			return nil, fmt.Errorf("frontend: function %d: %w", i, err)
		}
		prog.Functions = append(prog.Functions, fn)
		if len(combined) > 0 {
			m.Combined[fn] = combined
		}
	}
	return m, nil
}

func liftTypes(tm *il.TypeMap, block *bitstream.Block) ([]il.TypeID, error) {
	var ids []il.TypeID
	resolve := func(idx uint64) (il.TypeID, error) {
		if int(idx) >= len(ids) {
			return 0, fmt.Errorf("frontend: type index %d not yet defined", idx)
		}
		return ids[idx], nil
	}
	for _, e := range block.Elements {
		if e.Kind != bitstream.ElemRecord {
			continue
		}
		rec := e.Record
		t := il.Type{Kind: il.TypeKind(rec.Code)}
		switch t.Kind {
		case il.TyInt:
			if len(rec.Ops) < 2 {
				return nil, fmt.Errorf("frontend: malformed Int type record")
			}
			t.IntWidth = int(rec.Ops[0])
			t.IntSigned = rec.Ops[1] != 0
		case il.TyFP:
			if len(rec.Ops) < 1 {
				return nil, fmt.Errorf("frontend: malformed FP type record")
			}
			t.FPWidth = int(rec.Ops[0])
		case il.TyBool:
		case il.TyPointer:
			if len(rec.Ops) < 2 {
				return nil, fmt.Errorf("frontend: malformed Pointer type record")
			}
			pointee, err := resolve(rec.Ops[0])
			if err != nil {
				return nil, err
			}
			t.PointeeType = pointee
			t.AddrSpace = il.AddressSpace(rec.Ops[1])
		case il.TyArray:
			if len(rec.Ops) < 2 {
				return nil, fmt.Errorf("frontend: malformed Array type record")
			}
			elem, err := resolve(rec.Ops[0])
			if err != nil {
				return nil, err
			}
			t.ElemType = elem
			if rec.Ops[1] == arrayRuntimeSentinel {
				t.ArrayCount = il.RuntimeArray
			} else {
				t.ArrayCount = int(rec.Ops[1])
			}
		case il.TyVector:
			if len(rec.Ops) < 2 {
				return nil, fmt.Errorf("frontend: malformed Vector type record")
			}
			elem, err := resolve(rec.Ops[0])
			if err != nil {
				return nil, err
			}
			t.VecElemType = elem
			t.VecDim = int(rec.Ops[1])
		case il.TyStruct:
			for _, op := range rec.Ops {
				mem, err := resolve(op)
				if err != nil {
					return nil, err
				}
				t.StructMembers = append(t.StructMembers, mem)
			}
		case il.TyBuffer:
			if len(rec.Ops) < 1 {
				return nil, fmt.Errorf("frontend: malformed Buffer type record")
			}
			elem, err := resolve(rec.Ops[0])
			if err != nil {
				return nil, err
			}
			t.BufElemType = elem
			t.BufTexelFormat = string(rec.Blob)
		case il.TyTexture:
			if len(rec.Ops) < 4 {
				return nil, fmt.Errorf("frontend: malformed Texture type record")
			}
			sampled, err := resolve(rec.Ops[0])
			if err != nil {
				return nil, err
			}
			t.TexSampledType = sampled
			t.TexDim = int(rec.Ops[1])
			t.TexArrayed = rec.Ops[2] != 0
			t.TexMultisampled = rec.Ops[3] != 0
			t.TexFormat = string(rec.Blob)
		default:
			return nil, fmt.Errorf("frontend: unknown type kind %d", rec.Code)
		}
		ids = append(ids, tm.Intern(t))
	}
	return ids, nil
}

// liftFunction lifts one FUNCTION block. It runs two passes over the
// block's instruction records: the first allocates one fresh il.ID per
// result-bearing record (in stream order) so forward references (a
// loop header Phi's back-edge operand, defined later in the stream)
// resolve correctly; the second builds the actual instructions.
func liftFunction(prog *il.Program, types []il.TypeID, block *bitstream.Block) (*il.Function, map[int]CombinedPair, error) {
	recs := instructionRecords(block)
	if len(recs) == 0 {
		return nil, nil, fmt.Errorf("frontend: empty function block")
	}
	if recs[0].Code != funcHeaderCode || len(recs[0].Ops) < 1 {
		return nil, nil, fmt.Errorf("frontend: function block missing header record")
	}
	blockCount := int(recs[0].Ops[0])
	recs = recs[1:]

	values := make([]il.ID, 0, len(recs))
	combined := map[int]CombinedPair{}
	for _, rec := range recs {
		switch {
		case rec.Code == combinedLoadCode:
			values = append(values, il.InvalidID)
			combined[len(values)-1] = CombinedPair{Image: prog.IDs.New(), Sampler: prog.IDs.New()}
		case hasResult(rec):
			values = append(values, prog.IDs.New())
		default:
			values = append(values, il.InvalidID)
		}
	}

	fn := &il.Function{Blocks: make([]*il.BasicBlock, blockCount)}
	for i := range fn.Blocks {
		fn.Blocks[i] = &il.BasicBlock{Span: il.InvalidSpan}
	}

	resolveType := func(idx uint64) (il.TypeID, error) {
		if int(idx) >= len(types) {
			return 0, fmt.Errorf("frontend: type index %d out of range", idx)
		}
		return types[idx], nil
	}

	for vi, rec := range recs {
		if rec.Code == combinedLoadCode {
			continue // no IL instruction of its own; split into two ids only.
		}
		blockIdx := int(rec.Ops[0])
		if blockIdx < 0 || blockIdx >= blockCount {
			return nil, nil, fmt.Errorf("frontend: block index %d out of range", blockIdx)
		}
		b := fn.Blocks[blockIdx]

		// resolveValue is rebuilt each record so a reference to a
		// combined slot can append its re-combine instruction to the
		// consuming instruction's own block, immediately before it.
		resolveValue := func(idx uint64) (il.ID, error) {
			if int(idx) >= len(values) {
				return il.InvalidID, fmt.Errorf("frontend: value index %d not yet defined", idx)
			}
			if pair, ok := combined[int(idx)]; ok {
				combine := il.Instruction{
					Op:     il.OpUnexposed,
					Result: prog.IDs.New(),
					Span:   il.InvalidSpan,
					Unexposed: &il.UnexposedData{
						RawOpcode:   combineCode,
						RawOperands: []uint64{uint64(pair.Image), uint64(pair.Sampler)},
					},
				}
				b.Insts = append(b.Insts, combine)
				return combine.Result, nil
			}
			return values[idx], nil
		}

		inst, err := liftInstruction(prog.Consts, rec, vi, values, resolveValue, resolveType)
		if err != nil {
			return nil, nil, err
		}
		b.Insts = append(b.Insts, *inst)
		b.Span = growSpan(b.Span, inst.Span)
	}

	for bi, b := range fn.Blocks {
		if len(b.Insts) == 0 || !b.Insts[len(b.Insts)-1].Op.IsTerminator() {
			return nil, nil, fmt.Errorf("frontend: block %d does not end in a terminator", bi)
		}
	}

	return fn, combined, nil
}

func growSpan(acc, s il.Span) il.Span {
	if !s.Valid() {
		return acc
	}
	if !acc.Valid() {
		return s
	}
	start, end := acc.Start, acc.End
	if s.Start < start {
		start = s.Start
	}
	if s.End > end {
		end = s.End
	}
	return il.Span{Start: start, End: end}
}

func hasResult(rec *bitstream.Record) bool {
	switch il.Opcode(rec.Code) {
	case il.OpStore, il.OpStoreBuffer, il.OpStoreTexture,
		il.OpBranch, il.OpBranchConditional, il.OpSwitch:
		return false
	case il.OpUnexposed:
		return len(rec.Ops) >= 2 && rec.Ops[1] != 0
	default:
		return rec.Code <= uint64(il.OpUnexposed)
	}
}

func instructionRecords(block *bitstream.Block) []*bitstream.Record {
	var recs []*bitstream.Record
	for _, e := range block.Elements {
		if e.Kind == bitstream.ElemRecord {
			recs = append(recs, e.Record)
		}
	}
	return recs
}

func span(rec *bitstream.Record) il.Span {
	if rec.BitEnd <= rec.BitStart {
		return il.InvalidSpan
	}
	return il.Span{Start: rec.BitStart / 8, End: (rec.BitEnd + 7) / 8}
}

func liftInstruction(consts *il.ConstantMap, rec *bitstream.Record, valueIdx int, values []il.ID, resolveValue func(uint64) (il.ID, error), resolveType func(uint64) (il.TypeID, error)) (*il.Instruction, error) {
	op := il.Opcode(rec.Code)
	ops := rec.Ops[1:] // Ops[0] is always blockIdx for value-producing/using instructions below
	inst := &il.Instruction{Op: op, Span: span(rec)}
	if hasResult(rec) {
		inst.Result = values[valueIdx]
	}

	switch op {
	case il.OpLiteral:
		if len(ops) < 3 {
			return nil, fmt.Errorf("frontend: malformed Literal record")
		}
		ty, err := resolveType(ops[0])
		if err != nil {
			return nil, err
		}
		inst.Type = ty
		inst.Const = consts.Intern(il.Constant{Type: ty, Payload: ops[1], Symbolic: ops[2] != 0})
	case il.OpAdd, il.OpSub, il.OpMul, il.OpDiv,
		il.OpBitOr, il.OpBitAnd, il.OpBitShiftLeft, il.OpBitShiftRight,
		il.OpAnd, il.OpOr, il.OpEqual, il.OpNotEqual,
		il.OpLessThan, il.OpLessThanEqual, il.OpGreaterThan, il.OpGreaterThanEqual:
		if len(ops) < 3 {
			return nil, fmt.Errorf("frontend: malformed binary-op record")
		}
		ty, err := resolveType(ops[0])
		if err != nil {
			return nil, err
		}
		a, err := resolveValue(ops[1])
		if err != nil {
			return nil, err
		}
		b, err := resolveValue(ops[2])
		if err != nil {
			return nil, err
		}
		inst.Type = ty
		inst.Operands = []il.ID{a, b}
	case il.OpAny, il.OpAll:
		if len(ops) < 2 {
			return nil, fmt.Errorf("frontend: malformed unary-op record")
		}
		ty, err := resolveType(ops[0])
		if err != nil {
			return nil, err
		}
		a, err := resolveValue(ops[1])
		if err != nil {
			return nil, err
		}
		inst.Type = ty
		inst.Operands = []il.ID{a}
	case il.OpAlloca:
		if len(ops) < 1 {
			return nil, fmt.Errorf("frontend: malformed Alloca record")
		}
		ty, err := resolveType(ops[0])
		if err != nil {
			return nil, err
		}
		inst.Type = ty
	case il.OpLoad:
		if len(ops) < 2 {
			return nil, fmt.Errorf("frontend: malformed Load record")
		}
		ty, err := resolveType(ops[0])
		if err != nil {
			return nil, err
		}
		ptr, err := resolveValue(ops[1])
		if err != nil {
			return nil, err
		}
		inst.Type = ty
		inst.Operands = []il.ID{ptr}
	case il.OpStore:
		if len(ops) < 2 {
			return nil, fmt.Errorf("frontend: malformed Store record")
		}
		ptr, err := resolveValue(ops[0])
		if err != nil {
			return nil, err
		}
		val, err := resolveValue(ops[1])
		if err != nil {
			return nil, err
		}
		inst.Operands = []il.ID{ptr, val}
	case il.OpLoadBuffer, il.OpLoadTexture:
		if len(ops) < 3 {
			return nil, fmt.Errorf("frontend: malformed resource-load record")
		}
		ty, err := resolveType(ops[0])
		if err != nil {
			return nil, err
		}
		res, err := resolveValue(ops[1])
		if err != nil {
			return nil, err
		}
		idx, err := resolveValue(ops[2])
		if err != nil {
			return nil, err
		}
		inst.Type = ty
		inst.Operands = []il.ID{res, idx}
	case il.OpStoreBuffer, il.OpStoreTexture:
		if len(ops) < 3 {
			return nil, fmt.Errorf("frontend: malformed resource-store record")
		}
		res, err := resolveValue(ops[0])
		if err != nil {
			return nil, err
		}
		idx, err := resolveValue(ops[1])
		if err != nil {
			return nil, err
		}
		val, err := resolveValue(ops[2])
		if err != nil {
			return nil, err
		}
		inst.Operands = []il.ID{res, idx, val}
	case il.OpResourceSize:
		if len(ops) < 2 {
			return nil, fmt.Errorf("frontend: malformed ResourceSize record")
		}
		ty, err := resolveType(ops[0])
		if err != nil {
			return nil, err
		}
		res, err := resolveValue(ops[1])
		if err != nil {
			return nil, err
		}
		inst.Type = ty
		inst.Operands = []il.ID{res}
	case il.OpAddressChain:
		if len(ops) < 2 {
			return nil, fmt.Errorf("frontend: malformed AddressChain record")
		}
		ty, err := resolveType(ops[0])
		if err != nil {
			return nil, err
		}
		inst.Type = ty
		for _, o := range ops[1:] {
			v, err := resolveValue(o)
			if err != nil {
				return nil, err
			}
			inst.Operands = append(inst.Operands, v)
		}
	case il.OpBranch:
		if len(ops) < 1 {
			return nil, fmt.Errorf("frontend: malformed Branch record")
		}
		inst.Targets = []int{int(ops[0])}
	case il.OpBranchConditional:
		if len(ops) < 3 {
			return nil, fmt.Errorf("frontend: malformed BranchConditional record")
		}
		cond, err := resolveValue(ops[0])
		if err != nil {
			return nil, err
		}
		inst.Operands = []il.ID{cond}
		inst.Targets = []int{int(ops[1]), int(ops[2])}
	case il.OpSwitch:
		if len(ops) == 0 {
			break // operand-less Switch: a function exit with no successors
		}
		if len(ops) < 2 {
			return nil, fmt.Errorf("frontend: malformed Switch record")
		}
		sel, err := resolveValue(ops[0])
		if err != nil {
			return nil, err
		}
		inst.Operands = []il.ID{sel}
		inst.Targets = []int{int(ops[1])}
		for i := 2; i+1 < len(ops); i += 2 {
			inst.SwitchValues = append(inst.SwitchValues, ops[i])
			inst.Targets = append(inst.Targets, int(ops[i+1]))
		}
	case il.OpPhi:
		if len(ops) < 1 {
			return nil, fmt.Errorf("frontend: malformed Phi record")
		}
		ty, err := resolveType(ops[0])
		if err != nil {
			return nil, err
		}
		inst.Type = ty
		for i := 1; i+1 < len(ops); i += 2 {
			v, err := resolveValue(ops[i+1])
			if err != nil {
				return nil, err
			}
			inst.PhiIncoming = append(inst.PhiIncoming, il.PhiEdge{Pred: int(ops[i]), Value: v})
		}
	case il.OpUnexposed:
		if len(ops) < 2 {
			return nil, fmt.Errorf("frontend: malformed Unexposed record")
		}
		hasRes := ops[0] != 0
		raw := &il.UnexposedData{}
		idx := 1
		if hasRes {
			ty, err := resolveType(ops[idx])
			if err != nil {
				return nil, err
			}
			inst.Type = ty
			idx++
		}
		raw.RawOpcode = uint32(ops[idx])
		idx++
		for _, o := range ops[idx:] {
			raw.RawOperands = append(raw.RawOperands, o)
		}
		inst.Unexposed = raw
	default:
		return nil, fmt.Errorf("frontend: unknown opcode %d", rec.Code)
	}
	return inst, nil
}
