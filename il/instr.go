// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package il

// Opcode identifies the operation an Instruction performs. The set
// is deliberately minimal — only what the instrumentation passes
// need to reason about; anything else lifts as
// OpUnexposed.
type Opcode int

const (
	OpLiteral Opcode = iota

	OpAdd
	OpSub
	OpMul
	OpDiv

	OpBitOr
	OpBitAnd
	OpBitShiftLeft
	OpBitShiftRight

	OpAnd
	OpOr
	OpAny
	OpAll
	OpEqual
	OpNotEqual
	OpLessThan
	OpLessThanEqual
	OpGreaterThan
	OpGreaterThanEqual

	OpAlloca
	OpLoad
	OpStore
	OpLoadBuffer
	OpStoreBuffer
	OpLoadTexture
	OpStoreTexture
	OpResourceSize
	OpAddressChain

	OpBranch
	OpBranchConditional
	OpSwitch
	OpPhi

	OpUnexposed
)

// IsTerminator reports whether op ends a BasicBlock.
func (op Opcode) IsTerminator() bool {
	switch op {
	case OpBranch, OpBranchConditional, OpSwitch:
		return true
	default:
		return false
	}
}

// Span is a byte range into the original bytecode. An instruction
// synthesised by a pass (never present in the source) has an Invalid
// span.
type Span struct {
	Start, End int
}

// InvalidSpan marks a synthesised instruction.
var InvalidSpan = Span{Start: -1, End: -1}

// Valid reports whether s refers to real source bytes.
func (s Span) Valid() bool { return s.Start >= 0 && s.End >= s.Start }

// Contains reports whether s fully contains o, used to check the
// block-source-span invariant.
func (s Span) Contains(o Span) bool {
	return s.Valid() && o.Valid() && s.Start <= o.Start && o.End <= s.End
}

// PhiEdge is one incoming value of an OpPhi instruction: the
// predecessor block's index within the owning Function, and the
// value id to take when control arrives from that predecessor.
type PhiEdge struct {
	Pred  int
	Value ID
}

// UnexposedData preserves the full operand list of an opcode the IL
// does not model, so it can be re-emitted byte for byte.
type UnexposedData struct {
	RawOpcode   uint32
	RawOperands []uint64
}

// Instruction is one IL instruction. Only the fields relevant to Op
// are populated.
type Instruction struct {
	Result ID
	Op     Opcode
	Type   TypeID

	// Operands holds the value-id operands, in source order, for
	// every opcode except OpPhi (see PhiIncoming) and OpLiteral (see
	// Const).
	Operands []ID

	// Const is meaningful when Op == OpLiteral.
	Const ConstantID

	// Targets holds target block indices (within the owning
	// Function) for OpBranch ([0]=target), OpBranchConditional
	// ([0]=true,[1]=false) and OpSwitch ([0]=default, rest = cases).
	Targets []int

	// SwitchValues holds, for OpSwitch, the case value aligned with
	// Targets[1:] (Targets[0] is the default target and has no
	// corresponding value).
	SwitchValues []uint64

	PhiIncoming []PhiEdge

	Unexposed *UnexposedData

	Span Span
}

// BlockMarkers carries structured-control-flow annotations that are
// not instructions themselves, so a rewriter can patch them without a
// linear scan of the block's instructions (DESIGN NOTES §9).
type BlockMarkers struct {
	// SelectionMerge, if non-nil, names the block index that a
	// structured selection (an `if`/`switch` without early exits)
	// converges on.
	SelectionMerge *int

	// LoopMerge, if non-nil, marks this block as a loop header and
	// names its merge and continue targets.
	LoopMerge *LoopMergeInfo
}

// LoopMergeInfo is the structured-loop annotation of a header block.
type LoopMergeInfo struct {
	MergeBlock    int
	ContinueBlock int
}

// BasicBlock is an ordered sequence of Instructions, the last of
// which MUST be a terminator.
type BasicBlock struct {
	Label   string
	Insts   []Instruction
	Markers BlockMarkers

	// Span is the byte range covering every non-synthetic instruction
	// in this block, or InvalidSpan.
	Span Span
}

// Terminator returns the block's terminating instruction. It panics
// if the block is empty or its last instruction is not a terminator,
// both of which are invariant violations elsewhere in the compiler.
func (b *BasicBlock) Terminator() *Instruction {
	last := &b.Insts[len(b.Insts)-1]
	if !last.Op.IsTerminator() {
		panic("il: basic block does not end in a terminator")
	}
	return last
}
