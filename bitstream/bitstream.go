// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package bitstream implements a lossless codec for the LLVM-style
// variable-width bitstream used by the bitstream-based shader
// container (see package container). It supports fixed-width and
// VBR-width primitives, Char6, 32-bit alignment, blobs, block-scoped
// and BLOCKINFO-scoped abbreviations, and the reserved abbreviation
// ids every block begins with.
//
// A parsed stream is a tree of Blocks. Re-emitting a Block is
// REQUIRED to be byte-exact with the original input whenever no
// Element was modified; Write enforces this by re-Scanning its own
// output and comparing it structurally against the tree it was given.
package bitstream

import "fmt"

// Reserved abbreviation ids, present at the start of every block's
// abbreviation id space.
const (
	EndBlock            = 0
	EnterSubBlock       = 1
	DefineAbbreviation  = 2
	UnabbreviatedRecord = 3
	FirstAppAbbrevID    = 4
)

// SetBIDCode is the record code, within a BLOCKINFO block (id 0),
// that selects which block id subsequent DEFINE_ABBREV elements in
// that BLOCKINFO block apply to. This numbering is an implementation
// convention of this package; no format fixes it.
const SetBIDCode = 1

// BlockInfoID is the reserved id of the BLOCKINFO block.
const BlockInfoID = 0

// Encoding identifies the kind of one abbreviation operand.
type Encoding int

const (
	EncLiteral Encoding = iota
	EncFixed
	EncVBR
	EncArray
	EncChar6
	EncBlob
)

func (e Encoding) String() string {
	switch e {
	case EncLiteral:
		return "Literal"
	case EncFixed:
		return "Fixed"
	case EncVBR:
		return "VBR"
	case EncArray:
		return "Array"
	case EncChar6:
		return "Char6"
	case EncBlob:
		return "Blob"
	default:
		return "Unknown"
	}
}

// AbbrevOp is one operand descriptor of an abbreviation definition.
// A Literal operand carries no encoded bits in matching records; its
// Value is implied. Fixed and VBR operands carry a Width. Array has
// no width of its own — the following operand describes its element
// type. Char6 and Blob carry neither.
type AbbrevOp struct {
	Enc   Encoding
	Value uint64 // meaningful when Enc == EncLiteral
	Width int    // meaningful when Enc == EncFixed or EncVBR
}

// Abbrev is an ordered list of operand descriptors.
type Abbrev struct {
	Ops []AbbrevOp
}

func (a *Abbrev) equal(b *Abbrev) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Ops) != len(b.Ops) {
		return false
	}
	for i := range a.Ops {
		if a.Ops[i] != b.Ops[i] {
			return false
		}
	}
	return true
}

// Record is an unabbreviated or abbreviated record: an opcode plus
// an operand array, and an optional blob.
type Record struct {
	AbbrevID uint64
	Code     uint64
	Ops      []uint64
	HasBlob  bool
	Blob     []byte

	// BitStart/BitEnd bound the bits this record occupied in the
	// scanned stream, including its abbreviation id. Package frontend
	// turns these into the byte-range Span it attaches to IL
	// instructions; a record straddling a byte only at its
	// boundary bits still rounds to a containing byte range.
	BitStart, BitEnd int
}

// ElementKind discriminates the variants of Element.
type ElementKind int

const (
	ElemRecord ElementKind = iota
	ElemSubBlock
	ElemAbbrev
)

// Element is one entry in a Block's ordered element list: a record,
// a nested sub-block, or a DEFINE_ABBREV. Recording abbreviation
// definitions as elements (rather than discarding them after use)
// lets the writer reproduce the exact element order required for a
// byte-exact re-emit.
type Element struct {
	Kind   ElementKind
	Record *Record
	Block  *Block
	Abbrev *Abbrev
}

// Block is a scanned bitstream block: an id, the abbreviation-id
// width in effect for its direct elements, and its ordered elements.
type Block struct {
	ID          uint64
	AbbrevWidth int
	Elements    []Element

	// localAbbrevs accumulates, in definition order, every abbreviation
	// available to this block: those inherited from BLOCKINFO for
	// this block's ID, followed by any DEFINE_ABBREV elements seen
	// directly inside the block. Abbreviation id N (N >= FirstAppAbbrevID)
	// resolves to localAbbrevs[N-FirstAppAbbrevID].
	localAbbrevs []*Abbrev
}

func (b *Block) abbrevByID(id uint64) (*Abbrev, error) {
	i := int(id) - FirstAppAbbrevID
	if i < 0 || i >= len(b.localAbbrevs) {
		return nil, fmt.Errorf("bitstream: abbreviation id %d not defined in block %d", id, b.ID)
	}
	return b.localAbbrevs[i], nil
}

// Walk calls fn for every record reachable from b, depth first,
// including records nested in sub-blocks. fn may be called for
// records in BLOCKINFO as well as ordinary blocks.
func (b *Block) Walk(fn func(blk *Block, rec *Record)) {
	for i := range b.Elements {
		e := &b.Elements[i]
		switch e.Kind {
		case ElemRecord:
			fn(b, e.Record)
		case ElemSubBlock:
			e.Block.Walk(fn)
		}
	}
}
