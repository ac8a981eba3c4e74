// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package frontend

import (
	"fmt"

	"gpuval/il"
)

// RedirectBlock rewrites every reference to oldBlock, as a block index
// within fn, to newBlock: branch/switch/phi-conditional targets, Phi
// predecessor indices, and the structured-control-flow markers
// (BlockMarkers.LoopMerge, BlockMarkers.SelectionMerge).
//
// A pass that splits a block in two needs exactly
// this: every existing edge that pointed at the original block must
// now point at whichever half replaced it.
//
// PatchLoopContinueRedirect is RedirectBlock specialised to one
// explicit case: redirecting a loop's continue target after splitting
// its header. A SelectionMerge marker's "applicable" predicate is left
// to the front-end's own judgment; this one resolves it as
// marker.target == oldBlock, the same equality test already used for
// branch and Phi-predecessor patching, so a selection construct
// converging on the redirected block follows it to the new one exactly
// like every other edge.
func RedirectBlock(fn *il.Function, oldBlock, newBlock int) {
	for _, b := range fn.Blocks {
		if len(b.Insts) > 0 {
			term := &b.Insts[len(b.Insts)-1]
			for i, t := range term.Targets {
				if t == oldBlock {
					term.Targets[i] = newBlock
				}
			}
		}
		for i := range b.Insts {
			inst := &b.Insts[i]
			if inst.Op != il.OpPhi {
				continue
			}
			for j := range inst.PhiIncoming {
				if inst.PhiIncoming[j].Pred == oldBlock {
					inst.PhiIncoming[j].Pred = newBlock
				}
			}
		}
		if lm := b.Markers.LoopMerge; lm != nil {
			if lm.MergeBlock == oldBlock {
				lm.MergeBlock = newBlock
			}
			if lm.ContinueBlock == oldBlock {
				lm.ContinueBlock = newBlock
			}
		}
		if sm := b.Markers.SelectionMerge; sm != nil && *sm == oldBlock {
			*sm = newBlock
		}
	}
}

// PatchLoopContinueRedirect redirects every edge into continueBlock,
// the continue target of the loop headed by header, to
// newContinueBlock. It is RedirectBlock under a name specific to this
// one operation.
func PatchLoopContinueRedirect(fn *il.Function, header, newContinueBlock int) error {
	b := fn.Blocks[header]
	lm := b.Markers.LoopMerge
	if lm == nil {
		return fmt.Errorf("frontend: block %d is not a loop header with a continue target", header)
	}
	RedirectBlock(fn, lm.ContinueBlock, newContinueBlock)
	lm.ContinueBlock = newContinueBlock
	return nil
}
