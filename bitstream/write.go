// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package bitstream

import "fmt"

// Write re-emits root. It REQUIRES the result to be byte-exact
// whenever root is structurally identical to what Scan produced from
// an original stream: after emitting, Write re-Scans its own output
// and asserts structural equality against root before returning, per
// the round-trip contract of §4.1. A failure here is a hard error;
// callers fall back to passthrough of the original bytes.
func Write(root *Block) ([]byte, error) {
	w := NewWriter()
	ws := &writerState{blockInfo: map[uint64][]*Abbrev{}}
	if err := ws.writeBody(w, root, false); err != nil {
		return nil, fmt.Errorf("bitstream: write: %w", err)
	}
	out := w.Bytes()

	rescanned, err := Scan(out, root.AbbrevWidth)
	if err != nil {
		return nil, fmt.Errorf("bitstream: round-trip verification failed to re-scan emitted bytes: %w", err)
	}
	if !Equal(root, rescanned) {
		return nil, fmt.Errorf("bitstream: round-trip verification failed: emitted bytes do not re-scan to an equal tree")
	}
	return out, nil
}

// EmitBlock re-emits b as a self-contained sub-block byte sequence
// (EnterSubBlock/id/width/length/body/EndBlock, 32-bit aligned) framed
// for the given parent abbreviation width, for splicing one rewritten
// block back into a larger stream. Unlike Write, EmitBlock does not re-scan and
// verify on its own — the caller re-scans the whole spliced stream and
// performs the validation-mirror check once, over the final bytes.
func EmitBlock(parentAbbrevWidth int, b *Block) ([]byte, error) {
	w := NewWriter()
	ws := &writerState{blockInfo: map[uint64][]*Abbrev{}}
	w.WriteFixed(EnterSubBlock, parentAbbrevWidth)
	w.WriteVBR(b.ID, 8)
	w.WriteVBR(uint64(b.AbbrevWidth), 4)
	w.Align32()
	lenPos := w.BitPos()
	w.WriteFixed(0, 32)
	bodyStart := w.BitPos()
	if err := ws.writeBody(w, b, true); err != nil {
		return nil, fmt.Errorf("bitstream: emit block %d: %w", b.ID, err)
	}
	bodyEnd := w.BitPos()
	w.patchFixed32(lenPos, uint64((bodyEnd-bodyStart)/32))
	return w.Bytes(), nil
}

type writerState struct {
	blockInfo map[uint64][]*Abbrev
	curBID    uint64
}

func (ws *writerState) writeBody(w *Writer, b *Block, expectEnd bool) error {
	local := append([]*Abbrev(nil), ws.blockInfo[b.ID]...)

	for _, e := range b.Elements {
		switch e.Kind {
		case ElemSubBlock:
			child := e.Block
			w.WriteFixed(EnterSubBlock, b.AbbrevWidth)
			w.WriteVBR(child.ID, 8)
			w.WriteVBR(uint64(child.AbbrevWidth), 4)
			w.Align32()
			lenPos := w.BitPos()
			w.WriteFixed(0, 32) // placeholder, patched below
			bodyStart := w.BitPos()

			savedBID := ws.curBID
			if child.ID == BlockInfoID {
				ws.curBID = 0
			}
			if err := ws.writeBody(w, child, true); err != nil {
				return err
			}
			ws.curBID = savedBID

			bodyEnd := w.BitPos()
			w.patchFixed32(lenPos, uint64((bodyEnd-bodyStart)/32))

		case ElemAbbrev:
			w.WriteFixed(DefineAbbreviation, b.AbbrevWidth)
			writeAbbrevDef(w, e.Abbrev)
			if b.ID == BlockInfoID {
				ws.blockInfo[ws.curBID] = append(ws.blockInfo[ws.curBID], e.Abbrev)
			} else {
				local = append(local, e.Abbrev)
			}

		case ElemRecord:
			rec := e.Record
			if rec.AbbrevID == UnabbreviatedRecord {
				w.WriteFixed(UnabbreviatedRecord, b.AbbrevWidth)
				w.WriteVBR(rec.Code, 6)
				w.WriteVBR(uint64(len(rec.Ops)), 6)
				for _, op := range rec.Ops {
					w.WriteVBR(op, 6)
				}
			} else {
				w.WriteFixed(rec.AbbrevID, b.AbbrevWidth)
				ab, err := abbrevByID(local, rec.AbbrevID)
				if err != nil {
					return err
				}
				if err := writeAbbrevRecord(w, ab, rec); err != nil {
					return err
				}
			}
			if b.ID == BlockInfoID && rec.Code == SetBIDCode && len(rec.Ops) > 0 {
				ws.curBID = rec.Ops[0]
			}
		}
	}

	if expectEnd {
		w.WriteFixed(EndBlock, b.AbbrevWidth)
		w.Align32()
	}
	return nil
}

func abbrevByID(local []*Abbrev, id uint64) (*Abbrev, error) {
	i := int(id) - FirstAppAbbrevID
	if i < 0 || i >= len(local) {
		return nil, fmt.Errorf("bitstream: abbreviation id %d not defined", id)
	}
	return local[i], nil
}

func writeAbbrevDef(w *Writer, ab *Abbrev) {
	w.WriteVBR(uint64(len(ab.Ops)), 5)
	for _, op := range ab.Ops {
		if op.Enc == EncLiteral {
			w.WriteFixed(1, 1)
			w.WriteVBR(op.Value, 8)
			continue
		}
		w.WriteFixed(0, 1)
		w.WriteFixed(uint64(op.Enc), 3)
		if op.Enc == EncFixed || op.Enc == EncVBR {
			w.WriteVBR(uint64(op.Width), 5)
		}
	}
}

// writeAbbrevRecord re-derives the abbreviated bit encoding of rec
// from ab. It mirrors the consumption order of readAbbrevRecord
// exactly: the flattened [Code, Ops...] list is walked front to back,
// one value per scalar operand and all remaining values for the
// (single) Array operand.
func writeAbbrevRecord(w *Writer, ab *Abbrev, rec *Record) error {
	values := make([]uint64, 0, len(rec.Ops)+1)
	values = append(values, rec.Code)
	values = append(values, rec.Ops...)
	ptr := 0
	consume := func() (uint64, error) {
		if ptr >= len(values) {
			return 0, fmt.Errorf("bitstream: record has fewer values than its abbreviation expects")
		}
		v := values[ptr]
		ptr++
		return v, nil
	}

	for i := 0; i < len(ab.Ops); i++ {
		op := ab.Ops[i]
		switch op.Enc {
		case EncLiteral:
			if _, err := consume(); err != nil {
				return err
			}
		case EncFixed:
			v, err := consume()
			if err != nil {
				return err
			}
			w.WriteFixed(v, op.Width)
		case EncVBR:
			v, err := consume()
			if err != nil {
				return err
			}
			w.WriteVBR(v, op.Width)
		case EncChar6:
			v, err := consume()
			if err != nil {
				return err
			}
			if err := w.WriteChar6(byte(v)); err != nil {
				return err
			}
		case EncArray:
			if i+1 >= len(ab.Ops) {
				return fmt.Errorf("bitstream: Array operand missing element descriptor")
			}
			i++
			elem := ab.Ops[i]
			remaining := len(values) - ptr
			w.WriteVBR(uint64(remaining), 6)
			for k := 0; k < remaining; k++ {
				v, err := consume()
				if err != nil {
					return err
				}
				switch elem.Enc {
				case EncFixed:
					w.WriteFixed(v, elem.Width)
				case EncVBR:
					w.WriteVBR(v, elem.Width)
				case EncChar6:
					if err := w.WriteChar6(byte(v)); err != nil {
						return err
					}
				case EncLiteral:
					// Nothing to emit; value was only a placeholder.
				default:
					return fmt.Errorf("bitstream: unsupported array element encoding %v", elem.Enc)
				}
			}
		case EncBlob:
			w.WriteBlob(rec.Blob)
		default:
			return fmt.Errorf("bitstream: invalid abbreviation operand encoding %v", op.Enc)
		}
	}
	return nil
}
