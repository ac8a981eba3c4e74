// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package bitstream

import "bytes"

// Equal reports whether a and b are structurally identical: same
// block ids and abbreviation widths, same element kinds in the same
// order, same record codes/operands/blobs, and same abbreviation
// definitions. Equal is the "validation mirror" check that Write
// performs on its own output before returning it (§4.1, §6.1/S3).
func Equal(a, b *Block) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.AbbrevWidth != b.AbbrevWidth {
		return false
	}
	if len(a.Elements) != len(b.Elements) {
		return false
	}
	for i := range a.Elements {
		if !elementEqual(&a.Elements[i], &b.Elements[i]) {
			return false
		}
	}
	return true
}

func elementEqual(a, b *Element) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ElemRecord:
		return recordEqual(a.Record, b.Record)
	case ElemSubBlock:
		return Equal(a.Block, b.Block)
	case ElemAbbrev:
		return a.Abbrev.equal(b.Abbrev)
	}
	return false
}

func recordEqual(a, b *Record) bool {
	if a.Code != b.Code || len(a.Ops) != len(b.Ops) || a.HasBlob != b.HasBlob {
		return false
	}
	for i := range a.Ops {
		if a.Ops[i] != b.Ops[i] {
			return false
		}
	}
	return bytes.Equal(a.Blob, b.Blob)
}
