// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package frontend

import (
	"fmt"

	"gpuval/bitstream"
	"gpuval/il"
)

// CompileBitstream lowers mod back into a nested bitstream-module
// chunk's bytes: the inverse of LiftBitstream. It does not attempt to reproduce the original producer's
// exact record stream byte for byte — only to emit a stream that
// re-decodes to a structurally equivalent program; bitstream.Write
// performs its own internal re-scan-and-compare round-trip check
// before returning, so a lowering bug is caught here rather than
// surfacing as a corrupt chunk further down the pipeline.
func CompileBitstream(mod *Module) ([]byte, error) {
	typeBlock, err := encodeTypes(mod.Program.Types)
	if err != nil {
		return nil, fmt.Errorf("frontend: encode types: %w", err)
	}

	modBlock := &bitstream.Block{ID: ModuleBlockID, AbbrevWidth: 2}
	modBlock.Elements = append(modBlock.Elements, bitstream.Element{Kind: bitstream.ElemSubBlock, Block: typeBlock})
	for _, fn := range mod.Program.Functions {
		fb, err := encodeFunction(fn, mod.Program.Consts)
		if err != nil {
			return nil, fmt.Errorf("frontend: encode function %q: %w", fn.Name, err)
		}
		modBlock.Elements = append(modBlock.Elements, bitstream.Element{Kind: bitstream.ElemSubBlock, Block: fb})
	}

	root := &bitstream.Block{ID: bitstream.RootID, AbbrevWidth: 2,
		Elements: []bitstream.Element{{Kind: bitstream.ElemSubBlock, Block: modBlock}}}
	out, err := bitstream.Write(root)
	if err != nil {
		return nil, fmt.Errorf("frontend: write bitstream module: %w", err)
	}
	return out, nil
}

func boolOp(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func unabbrev(code uint64, ops []uint64) *bitstream.Record {
	return &bitstream.Record{AbbrevID: bitstream.UnabbreviatedRecord, Code: code, Ops: ops}
}

// encodeTypes emits one record per interned type, in TypeID order. A
// TypeMap never lets a composite type be interned before the
// component TypeIDs it refers to exist (Intern requires the caller to
// already hold those ids), so this order is always a valid dependency
// order: a type's operand type indices never name a later record.
func encodeTypes(tm *il.TypeMap) (*bitstream.Block, error) {
	block := &bitstream.Block{ID: TypeBlockID, AbbrevWidth: 3}
	// An unabbreviated record has no blob field, so the records that
	// carry one (TyBuffer, TyTexture) use this block-local abbreviation:
	// [code, ops..., blob].
	blobAbbrev := &bitstream.Abbrev{Ops: []bitstream.AbbrevOp{
		{Enc: bitstream.EncVBR, Width: 6},
		{Enc: bitstream.EncArray},
		{Enc: bitstream.EncVBR, Width: 6},
		{Enc: bitstream.EncBlob},
	}}
	block.Elements = append(block.Elements, bitstream.Element{Kind: bitstream.ElemAbbrev, Abbrev: blobAbbrev})
	for i := 0; i < tm.Len(); i++ {
		t := tm.Type(il.TypeID(i))
		rec, err := encodeType(t)
		if err != nil {
			return nil, err
		}
		if rec.HasBlob {
			rec.AbbrevID = bitstream.FirstAppAbbrevID
		}
		block.Elements = append(block.Elements, bitstream.Element{Kind: bitstream.ElemRecord, Record: rec})
	}
	return block, nil
}

func encodeType(t il.Type) (*bitstream.Record, error) {
	switch t.Kind {
	case il.TyInt:
		return unabbrev(uint64(t.Kind), []uint64{uint64(t.IntWidth), boolOp(t.IntSigned)}), nil
	case il.TyFP:
		return unabbrev(uint64(t.Kind), []uint64{uint64(t.FPWidth)}), nil
	case il.TyBool:
		return unabbrev(uint64(t.Kind), nil), nil
	case il.TyPointer:
		return unabbrev(uint64(t.Kind), []uint64{uint64(t.PointeeType), uint64(t.AddrSpace)}), nil
	case il.TyArray:
		count := uint64(t.ArrayCount)
		if t.ArrayCount == il.RuntimeArray {
			count = arrayRuntimeSentinel
		}
		return unabbrev(uint64(t.Kind), []uint64{uint64(t.ElemType), count}), nil
	case il.TyVector:
		return unabbrev(uint64(t.Kind), []uint64{uint64(t.VecElemType), uint64(t.VecDim)}), nil
	case il.TyStruct:
		ops := make([]uint64, len(t.StructMembers))
		for i, m := range t.StructMembers {
			ops[i] = uint64(m)
		}
		return unabbrev(uint64(t.Kind), ops), nil
	case il.TyBuffer:
		rec := unabbrev(uint64(t.Kind), []uint64{uint64(t.BufElemType)})
		rec.HasBlob = true
		rec.Blob = []byte(t.BufTexelFormat)
		return rec, nil
	case il.TyTexture:
		rec := unabbrev(uint64(t.Kind), []uint64{uint64(t.TexSampledType), uint64(t.TexDim), boolOp(t.TexArrayed), boolOp(t.TexMultisampled)})
		rec.HasBlob = true
		rec.Blob = []byte(t.TexFormat)
		return rec, nil
	default:
		return nil, fmt.Errorf("frontend: unknown type kind %d", t.Kind)
	}
}

// flatInstruction is one instruction together with the block it
// belongs to, in the flattened order encodeFunction assigns function-
// scope value indices by.
type flatInstruction struct {
	blockIdx int
	inst     *il.Instruction
}

// encodeFunction lowers fn into a FUNCTION block: flatten every
// block's instructions into one function-scope record stream (value
// index == position in this stream, mirroring liftFunction's own
// numbering), then emit one record per instruction.
func encodeFunction(fn *il.Function, consts *il.ConstantMap) (*bitstream.Block, error) {
	var flat []flatInstruction
	for bi, b := range fn.Blocks {
		for ii := range b.Insts {
			flat = append(flat, flatInstruction{blockIdx: bi, inst: &b.Insts[ii]})
		}
	}

	valueIndex := make(map[il.ID]int, len(flat))
	for i, f := range flat {
		if f.inst.Result != il.InvalidID {
			valueIndex[f.inst.Result] = i
		}
	}
	resolve := func(id il.ID) (uint64, error) {
		idx, ok := valueIndex[id]
		if !ok {
			return 0, fmt.Errorf("frontend: value %d has no defining instruction in this function", id)
		}
		return uint64(idx), nil
	}

	block := &bitstream.Block{ID: FunctionBlockID, AbbrevWidth: 2}
	block.Elements = append(block.Elements, bitstream.Element{
		Kind:   bitstream.ElemRecord,
		Record: unabbrev(funcHeaderCode, []uint64{uint64(len(fn.Blocks))}),
	})
	for _, f := range flat {
		rec, err := encodeInstruction(f.blockIdx, f.inst, resolve, consts)
		if err != nil {
			return nil, err
		}
		block.Elements = append(block.Elements, bitstream.Element{Kind: bitstream.ElemRecord, Record: rec})
	}
	return block, nil
}

func encodeInstruction(blockIdx int, inst *il.Instruction, resolve func(il.ID) (uint64, error), consts *il.ConstantMap) (*bitstream.Record, error) {
	ops := []uint64{uint64(blockIdx)}
	appendValue := func(id il.ID) error {
		v, err := resolve(id)
		if err != nil {
			return err
		}
		ops = append(ops, v)
		return nil
	}

	switch inst.Op {
	case il.OpLiteral:
		c := consts.Constant(inst.Const)
		ops = append(ops, uint64(inst.Type), c.Payload, boolOp(c.Symbolic))
	case il.OpAdd, il.OpSub, il.OpMul, il.OpDiv,
		il.OpBitOr, il.OpBitAnd, il.OpBitShiftLeft, il.OpBitShiftRight,
		il.OpAnd, il.OpOr, il.OpEqual, il.OpNotEqual,
		il.OpLessThan, il.OpLessThanEqual, il.OpGreaterThan, il.OpGreaterThanEqual:
		ops = append(ops, uint64(inst.Type))
		if err := appendValue(inst.Operands[0]); err != nil {
			return nil, err
		}
		if err := appendValue(inst.Operands[1]); err != nil {
			return nil, err
		}
	case il.OpAny, il.OpAll:
		ops = append(ops, uint64(inst.Type))
		if err := appendValue(inst.Operands[0]); err != nil {
			return nil, err
		}
	case il.OpAlloca:
		ops = append(ops, uint64(inst.Type))
	case il.OpLoad:
		ops = append(ops, uint64(inst.Type))
		if err := appendValue(inst.Operands[0]); err != nil {
			return nil, err
		}
	case il.OpStore:
		if err := appendValue(inst.Operands[0]); err != nil {
			return nil, err
		}
		if err := appendValue(inst.Operands[1]); err != nil {
			return nil, err
		}
	case il.OpLoadBuffer, il.OpLoadTexture:
		ops = append(ops, uint64(inst.Type))
		if err := appendValue(inst.Operands[0]); err != nil {
			return nil, err
		}
		if err := appendValue(inst.Operands[1]); err != nil {
			return nil, err
		}
	case il.OpStoreBuffer, il.OpStoreTexture:
		if err := appendValue(inst.Operands[0]); err != nil {
			return nil, err
		}
		if err := appendValue(inst.Operands[1]); err != nil {
			return nil, err
		}
		if err := appendValue(inst.Operands[2]); err != nil {
			return nil, err
		}
	case il.OpResourceSize:
		ops = append(ops, uint64(inst.Type))
		if err := appendValue(inst.Operands[0]); err != nil {
			return nil, err
		}
	case il.OpAddressChain:
		ops = append(ops, uint64(inst.Type))
		for _, o := range inst.Operands {
			if err := appendValue(o); err != nil {
				return nil, err
			}
		}
	case il.OpBranch:
		ops = append(ops, uint64(inst.Targets[0]))
	case il.OpBranchConditional:
		if err := appendValue(inst.Operands[0]); err != nil {
			return nil, err
		}
		ops = append(ops, uint64(inst.Targets[0]), uint64(inst.Targets[1]))
	case il.OpSwitch:
		if len(inst.Operands) == 0 {
			break // operand-less Switch: a function exit with no successors
		}
		if err := appendValue(inst.Operands[0]); err != nil {
			return nil, err
		}
		ops = append(ops, uint64(inst.Targets[0]))
		for i, v := range inst.SwitchValues {
			ops = append(ops, v, uint64(inst.Targets[i+1]))
		}
	case il.OpPhi:
		ops = append(ops, uint64(inst.Type))
		for _, e := range inst.PhiIncoming {
			v, err := resolve(e.Value)
			if err != nil {
				return nil, err
			}
			ops = append(ops, uint64(e.Pred), v)
		}
	case il.OpUnexposed:
		hasRes := inst.Result != il.InvalidID
		ops = append(ops, boolOp(hasRes))
		if hasRes {
			ops = append(ops, uint64(inst.Type))
		}
		ops = append(ops, uint64(inst.Unexposed.RawOpcode))
		ops = append(ops, inst.Unexposed.RawOperands...)
	default:
		return nil, fmt.Errorf("frontend: encode: unknown opcode %d", inst.Op)
	}

	return unabbrev(uint64(inst.Op), ops), nil
}
