// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package frontend lifts the two bytecode formats (package container's
// chunked container and package bitstream's LLVM-style stream) into an
// il.Program, and lowers a rewritten il.Function back into bitstream
// records for re-emission.
//
// The two bytecode formats do not come with a published instruction
// encoding (unlike the real formats they model, which fix opcode
// numbers in their own specifications) — a front-end simply "lifts
// blocks to IL". The record layout below is this front-end's own wire
// convention, documented here rather than scattered as magic numbers.
package frontend

// Block ids used inside the nested bitstream module. Picked to sit outside the reserved abbreviation
// id range and to not collide with BLOCKINFO (id 0).
const (
	ModuleBlockID   = 8
	TypeBlockID     = 17
	FunctionBlockID = 12
)

// Record codes inside a TYPE block: one record per il.Type, Code names
// the il.TypeKind directly.
//
// Operand layout by kind (after the Code):
//   TyInt:     [width, signed]
//   TyFP:      [width]
//   TyBool:    []
//   TyPointer: [pointeeTypeIdx, addrSpace]
//   TyArray:   [elemTypeIdx, count]  (count == arrayRuntimeSentinel means il.RuntimeArray)
//   TyVector:  [elemTypeIdx, dim]
//   TyStruct:  [memberTypeIdx...]
//   TyBuffer:  [elemTypeIdx]          (BufTexelFormat carried in the record's blob)
//   TyTexture: [sampledTypeIdx, dim, arrayed, multisampled] (TexFormat carried in the blob)
//
// TYPE block records are emitted in dependency order: a type's operand
// type indices always name an earlier record in the same block. The
// two blob-carrying kinds are written with a block-local abbreviation
// defined at the start of the TYPE block; every other type record is
// unabbreviated.
const arrayRuntimeSentinel = ^uint64(0)

// Record codes inside a FUNCTION block. Every instruction record's
// first operand is the index, within the function, of the basic block
// it belongs to (funcHeader declares how many blocks follow). A
// function-scope "value" index is the position of a record among the
// instruction records that follow funcHeader, in stream order; every
// record occupies one slot whether or not it yields a result
// (combinedLoad also occupies one slot even though it yields two IL
// ids) — resolved in two passes so later records can forward-reference
// earlier blocks and vice versa (e.g. a loop header Phi's back-edge
// operand, defined in a block that appears later in the stream).
const (
	funcHeaderCode   = 1000 // Ops: [blockCount]
	combinedLoadCode = 1001 // Ops: [blockIdx, imageTypeIdx, samplerTypeIdx, bindingIdx]
)

// Per-opcode FUNCTION-block operand layouts (after [blockIdx]):
//
//	OpLiteral:                 [typeIdx, payload, symbolic]
//	binary arith/bitwise/cmp:  [typeIdx, srcValueIdx1, srcValueIdx2]
//	OpAny, OpAll:              [typeIdx, srcValueIdx]
//	OpAlloca:                  [typeIdx]
//	OpLoad:                    [typeIdx, ptrValueIdx]
//	OpStore:                   [ptrValueIdx, valValueIdx]
//	OpLoadBuffer, OpLoadTexture:   [typeIdx, resourceValueIdx, indexValueIdx]
//	OpStoreBuffer, OpStoreTexture: [resourceValueIdx, indexValueIdx, valValueIdx]
//	OpResourceSize:            [typeIdx, resourceValueIdx]
//	OpAddressChain:            [typeIdx, baseValueIdx, indexValueIdx...]
//	OpBranch:                  [targetBlockIdx]
//	OpBranchConditional:       [condValueIdx, trueTargetBlockIdx, falseTargetBlockIdx]
//	OpSwitch:                  [selectorValueIdx, defaultBlockIdx, (caseValue, targetBlockIdx)...],
//	                           or [] for an operand-less Switch (a function exit)
//	OpPhi:                     [typeIdx, (predBlockIdx, valueIdx)...]
//	OpUnexposed:               [hasResult, typeIdx (if hasResult), rawOpcode, rawOperands...]
//
// A pass-synthesised diagnostic write (package pass's EmitRecordWrite)
// is itself encoded as an OpUnexposed whose RawOpcode is
// recordWriteOpcode and whose RawOperands hold the variable-length
// record payload — there is no dedicated opcode for it, since the
// payload's width grows with what each pass needs to report.
//
// combineCode tags the synthesised "recombine image+sampler"
// instruction Lift appends just before an instruction that consumes a
// combined value split at lift time. It never appears as a FUNCTION-block record's own Code —
// only as the RawOpcode of an OpUnexposed instruction, whose
// RawOperands are the IL ids [image, sampler] of the split pair.
const combineCode = 1002
