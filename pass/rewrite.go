// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pass

import (
	"fmt"

	"gpuval/il"
)

// SplitAndGuard implements the instrumentation rewrite shared by every
// guarding pass: split the block at blockIdx right before instIdx
// into a pre-block (everything before instIdx, ending in a new
// conditional branch) and a post-block (instIdx and everything after,
// keeping the original block's structured-control-flow markers), with
// a freshly appended error-block taken on the unsafe path.
//
// buildCond appends whatever instructions are needed to compute the
// safety predicate to pre and returns its boolean value id. buildErr
// appends the diagnostic-record emission to the error block; err then
// unconditionally branches to post.
//
// pre keeps blockIdx's position, so every existing edge into blockIdx
// still resolves correctly; post and err are appended at the end of
// fn.Blocks, so nothing can yet reference them by index.
func SplitAndGuard(
	fn *il.Function,
	blockIdx, instIdx int,
	buildCond func(pre *il.BasicBlock) (il.ID, error),
	buildErr func(errBlock *il.BasicBlock) error,
) (preIdx, postIdx, errIdx int, err error) {
	if blockIdx < 0 || blockIdx >= len(fn.Blocks) {
		return 0, 0, 0, fmt.Errorf("pass: SplitAndGuard: block index %d out of range", blockIdx)
	}
	pre := fn.Blocks[blockIdx]
	if instIdx < 0 || instIdx > len(pre.Insts) {
		return 0, 0, 0, fmt.Errorf("pass: SplitAndGuard: instruction index %d out of range", instIdx)
	}

	tail := append([]il.Instruction(nil), pre.Insts[instIdx:]...)
	pre.Insts = pre.Insts[:instIdx]

	post := &il.BasicBlock{Insts: tail, Span: pre.Span, Markers: pre.Markers}
	pre.Markers = il.BlockMarkers{}
	postIdx = len(fn.Blocks)
	fn.Blocks = append(fn.Blocks, post)

	errBlock := &il.BasicBlock{}
	errIdx = len(fn.Blocks)
	fn.Blocks = append(fn.Blocks, errBlock)

	cond, err := buildCond(pre)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("pass: SplitAndGuard: building condition: %w", err)
	}
	pre.Insts = append(pre.Insts, il.Instruction{
		Op:       il.OpBranchConditional,
		Operands: []il.ID{cond},
		Targets:  []int{postIdx, errIdx},
		Span:     il.InvalidSpan,
	})

	if err := buildErr(errBlock); err != nil {
		return 0, 0, 0, fmt.Errorf("pass: SplitAndGuard: building error block: %w", err)
	}
	errBlock.Insts = append(errBlock.Insts, il.Instruction{
		Op:      il.OpBranch,
		Targets: []int{postIdx},
		Span:    il.InvalidSpan,
	})

	return blockIdx, postIdx, errIdx, nil
}

// EmitRecordWrite appends the atomic-counter-then-write sequence that
// forms the error path's body: an OpUnexposed instruction carrying
// the pass's feature-id, the span-GUID the location registry assigned
// to this call site, the PUID of the resource the guard was checking
// (puid is il.InvalidID when the guard has no single resource to
// blame), the message-uid minted for this call site, and finally
// whatever pass-specific operand values the caller wants preserved
// for its own Handle to read back. Real code generation would lower
// this to the target ISA's atomic add plus store; the IL keeps it as
// a single opaque op since no pass or pipeline stage needs to look
// inside it again before re-emission.
//
// The fixed prefix (featureID, spanGUID, puid, messageUID) is what
// every Handle implementation decodes to build its merge key and
// populate report.Message.ObjectPUID; recordPrefixDwords names its
// width so each pass's own record-stride constant can be defined
// relative to it instead of repeating the magic number.
const recordPrefixDwords = 4

func EmitRecordWrite(b *il.BasicBlock, featureID uint16, spanGUID, messageUID uint64, puid il.ID, operands []il.ID) {
	raw := make([]uint64, 0, recordPrefixDwords+len(operands))
	raw = append(raw, uint64(featureID), spanGUID, uint64(puid), messageUID)
	for _, id := range operands {
		raw = append(raw, uint64(id))
	}
	b.Insts = append(b.Insts, il.Instruction{
		Op:   il.OpUnexposed,
		Span: il.InvalidSpan,
		Unexposed: &il.UnexposedData{
			RawOpcode:   recordWriteOpcode,
			RawOperands: raw,
		},
	})
}

// recordWriteOpcode tags an EmitRecordWrite instruction, telling a
// synthesised diagnostic write apart from every other OpUnexposed
// instruction. Package pipeline's validation mirror compares
// instruction counts only and does not inspect it.
const recordWriteOpcode = 1 << 20
