// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package bitstream

import "fmt"

// RootID is the synthetic id of the Block returned by Scan, whose
// Elements are the stream's top-level sub-blocks.
const RootID = ^uint64(0)

// scanner carries the BLOCKINFO linkage state across an entire Scan:
// abbreviations defined inside a BLOCKINFO block (id 0) apply to
// every later block with a matching id, per §4.1.
type scanner struct {
	c         *Cursor
	blockInfo map[uint64][]*Abbrev
	curBID    uint64 // target of BLOCKINFO's most recent SETBID record
}

// Scan parses data as a bitstream with the given top-level
// abbreviation-id width (the number of bits used to read the first
// abbreviation id of each top-level element) and returns the root of
// the resulting Block tree.
func Scan(data []byte, topAbbrevWidth int) (*Block, error) {
	s := &scanner{c: NewCursor(data), blockInfo: map[uint64][]*Abbrev{}}
	root := &Block{ID: RootID, AbbrevWidth: topAbbrevWidth}
	if err := s.scanBody(root, false); err != nil {
		return nil, err
	}
	return root, nil
}

// scanBody reads elements into b until a matching END_BLOCK (when
// expectEnd is true) or until the stream is exhausted (top level,
// expectEnd false).
func (s *scanner) scanBody(b *Block, expectEnd bool) error {
	for {
		if !expectEnd {
			if s.c.BitPos()+b.AbbrevWidth > len(s.c.data)*8 {
				return nil
			}
		}
		recStart := s.c.BitPos()
		id, err := s.c.ReadFixed(b.AbbrevWidth)
		if err != nil {
			if !expectEnd {
				return nil
			}
			return err
		}
		switch id {
		case EndBlock:
			if !expectEnd {
				return fmt.Errorf("bitstream: unexpected END_BLOCK at top level")
			}
			s.c.Align32()
			return nil
		case EnterSubBlock:
			blockID, err := s.c.ReadVBR(8)
			if err != nil {
				return err
			}
			newWidth, err := s.c.ReadVBR(4)
			if err != nil {
				return err
			}
			s.c.Align32()
			if _, err := s.c.ReadFixed(32); err != nil { // block length in words, unused
				return err
			}
			child := &Block{ID: blockID, AbbrevWidth: int(newWidth)}
			child.localAbbrevs = append([]*Abbrev(nil), s.blockInfo[blockID]...)
			savedBID := s.curBID
			if blockID == BlockInfoID {
				s.curBID = 0
			}
			if err := s.scanBody(child, true); err != nil {
				return err
			}
			s.curBID = savedBID
			b.Elements = append(b.Elements, Element{Kind: ElemSubBlock, Block: child})
		case DefineAbbreviation:
			ab, err := s.readAbbrevDef()
			if err != nil {
				return err
			}
			if b.ID == BlockInfoID {
				s.blockInfo[s.curBID] = append(s.blockInfo[s.curBID], ab)
			} else {
				b.localAbbrevs = append(b.localAbbrevs, ab)
			}
			b.Elements = append(b.Elements, Element{Kind: ElemAbbrev, Abbrev: ab})
		case UnabbreviatedRecord:
			rec, err := s.readUnabbrevRecord()
			if err != nil {
				return err
			}
			rec.BitStart, rec.BitEnd = recStart, s.c.BitPos()
			if b.ID == BlockInfoID && rec.Code == SetBIDCode && len(rec.Ops) > 0 {
				s.curBID = rec.Ops[0]
			}
			b.Elements = append(b.Elements, Element{Kind: ElemRecord, Record: rec})
		default:
			ab, err := b.abbrevByID(id)
			if err != nil {
				return err
			}
			rec, err := s.readAbbrevRecord(id, ab)
			if err != nil {
				return err
			}
			rec.BitStart, rec.BitEnd = recStart, s.c.BitPos()
			if b.ID == BlockInfoID && rec.Code == SetBIDCode && len(rec.Ops) > 0 {
				s.curBID = rec.Ops[0]
			}
			b.Elements = append(b.Elements, Element{Kind: ElemRecord, Record: rec})
		}
	}
}

func (s *scanner) readAbbrevDef() (*Abbrev, error) {
	numOps, err := s.c.ReadVBR(5)
	if err != nil {
		return nil, err
	}
	ab := &Abbrev{Ops: make([]AbbrevOp, 0, numOps)}
	for i := uint64(0); i < numOps; i++ {
		isLiteral, err := s.c.ReadFixed(1)
		if err != nil {
			return nil, err
		}
		if isLiteral != 0 {
			v, err := s.c.ReadVBR(8)
			if err != nil {
				return nil, err
			}
			ab.Ops = append(ab.Ops, AbbrevOp{Enc: EncLiteral, Value: v})
			continue
		}
		enc, err := s.c.ReadFixed(3)
		if err != nil {
			return nil, err
		}
		switch Encoding(enc) {
		case EncFixed, EncVBR:
			w, err := s.c.ReadVBR(5)
			if err != nil {
				return nil, err
			}
			ab.Ops = append(ab.Ops, AbbrevOp{Enc: Encoding(enc), Width: int(w)})
		case EncArray, EncChar6, EncBlob:
			ab.Ops = append(ab.Ops, AbbrevOp{Enc: Encoding(enc)})
		default:
			return nil, fmt.Errorf("bitstream: invalid abbreviation operand encoding %d", enc)
		}
	}
	return ab, nil
}

func (s *scanner) readUnabbrevRecord() (*Record, error) {
	code, err := s.c.ReadVBR(6)
	if err != nil {
		return nil, err
	}
	n, err := s.c.ReadVBR(6)
	if err != nil {
		return nil, err
	}
	ops := make([]uint64, n)
	for i := range ops {
		ops[i], err = s.c.ReadVBR(6)
		if err != nil {
			return nil, err
		}
	}
	return &Record{AbbrevID: UnabbreviatedRecord, Code: code, Ops: ops}, nil
}

func (s *scanner) readAbbrevRecord(id uint64, ab *Abbrev) (*Record, error) {
	rec := &Record{AbbrevID: id}
	first := true
	emit := func(v uint64) {
		if first {
			rec.Code = v
			first = false
			return
		}
		rec.Ops = append(rec.Ops, v)
	}
	for i := 0; i < len(ab.Ops); i++ {
		op := ab.Ops[i]
		switch op.Enc {
		case EncLiteral:
			emit(op.Value)
		case EncFixed:
			v, err := s.c.ReadFixed(op.Width)
			if err != nil {
				return nil, err
			}
			emit(v)
		case EncVBR:
			v, err := s.c.ReadVBR(op.Width)
			if err != nil {
				return nil, err
			}
			emit(v)
		case EncChar6:
			ch, err := s.c.ReadChar6()
			if err != nil {
				return nil, err
			}
			emit(uint64(ch))
		case EncArray:
			if i+1 >= len(ab.Ops) {
				return nil, fmt.Errorf("bitstream: Array operand missing element descriptor")
			}
			i++
			elem := ab.Ops[i]
			n, err := s.c.ReadVBR(6)
			if err != nil {
				return nil, err
			}
			for k := uint64(0); k < n; k++ {
				var v uint64
				switch elem.Enc {
				case EncFixed:
					v, err = s.c.ReadFixed(elem.Width)
				case EncVBR:
					v, err = s.c.ReadVBR(elem.Width)
				case EncChar6:
					var ch byte
					ch, err = s.c.ReadChar6()
					v = uint64(ch)
				case EncLiteral:
					v = elem.Value
				default:
					err = fmt.Errorf("bitstream: unsupported array element encoding %v", elem.Enc)
				}
				if err != nil {
					return nil, err
				}
				emit(v)
			}
		case EncBlob:
			blob, err := s.c.ReadBlob()
			if err != nil {
				return nil, err
			}
			rec.HasBlob = true
			rec.Blob = blob
		default:
			return nil, fmt.Errorf("bitstream: invalid abbreviation operand encoding %v", op.Enc)
		}
	}
	return rec, nil
}
