// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package report

import (
	"context"
	"encoding/binary"
	"testing"
)

func TestRingDecodeClampsToCapacity(t *testing.T) {
	r := Ring{StreamID: 0, Capacity: 2, RecordDwords: 2}
	raw := make([]byte, 4*4*2) // room for 4 records, but capacity is 2
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(raw[i*8:], uint32(i)) // feature-id low word
		binary.LittleEndian.PutUint32(raw[i*8+4:], uint32(100+i))
	}
	recs := r.Decode(4, raw)
	if len(recs) != 2 {
		t.Fatalf("Decode: have %d records, want 2 (capacity clamp)", len(recs))
	}
	if recs[0].FeatureID != 0 || recs[1].FeatureID != 1 {
		t.Fatalf("Decode: unexpected feature ids %v", recs)
	}
}

func TestRingDecodeTruncatedSegment(t *testing.T) {
	r := Ring{StreamID: 0, Capacity: 10, RecordDwords: 2}
	raw := make([]byte, 4) // not even one full record
	recs := r.Decode(5, raw)
	if len(recs) != 0 {
		t.Fatalf("Decode: have %d records, want 0 for a truncated segment", len(recs))
	}
}

func TestLocationRegistryStableGUID(t *testing.T) {
	lr := NewLocationRegistry()
	loc := SourceLocation{File: "a.hlsl", Line: 3, Column: 5, Length: 10}
	g1 := lr.Register(loc)
	g2 := lr.Register(loc)
	if g1 != g2 {
		t.Fatalf("Register: same location returned different GUIDs: %d, %d", g1, g2)
	}
	other := lr.Register(SourceLocation{File: "a.hlsl", Line: 4, Column: 5, Length: 10})
	if other == g1 {
		t.Fatalf("Register: distinct locations returned the same GUID")
	}
	got, ok := lr.Lookup(g1)
	if !ok || got != loc {
		t.Fatalf("Lookup(%d): have (%v,%v), want (%v,true)", g1, got, ok, loc)
	}
}

func TestAggregatorBeginEndLifecycle(t *testing.T) {
	var a Aggregator
	if _, err := a.End(); err == nil {
		t.Fatalf("End with no report open: expected error")
	}
	r, err := a.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := a.Begin(); err == nil {
		t.Fatalf("Begin while already open: expected error")
	}
	step := r.BeginStep()
	r.Append(step, Message{Text: "hello"})

	var flushed bool
	got, err := a.End(func() error { flushed = true; return nil })
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !flushed {
		t.Fatalf("End did not run the supplied flusher")
	}
	if len(got.Steps) != 1 || len(got.Steps[0].Messages) != 1 {
		t.Fatalf("End: unexpected report shape %+v", got)
	}
	if a.Current() != nil {
		t.Fatalf("Current after End: want nil")
	}
}

type countingHandler struct {
	featureID uint16
}

func (h *countingHandler) Handle(records []Record) (int, []Message) {
	return len(records), []Message{{
		Type:        TypeValidationError,
		MergedCount: len(records),
		FeatureID:   h.featureID,
		Text:        "merged",
	}}
}

func TestDecoderGroupsByFeatureAndDispatches(t *testing.T) {
	ring := Ring{Capacity: 16, RecordDwords: 2}
	raw := make([]byte, 4*8)
	// Two records for feature 1, one for feature 2.
	binary.LittleEndian.PutUint32(raw[0:], 1)
	binary.LittleEndian.PutUint32(raw[8:], 1)
	binary.LittleEndian.PutUint32(raw[16:], 2)
	binary.LittleEndian.PutUint32(raw[24:], 99) // unregistered feature

	d := NewDecoder()
	d.Register(1, &countingHandler{featureID: 1})
	d.Register(2, &countingHandler{featureID: 2})

	var r Report
	step := r.BeginStep()
	segs := []Segment{{Ring: ring, CounterValue: 4, Raw: raw}}
	if err := d.DecodeSegments(context.Background(), segs, &r, step); err != nil {
		t.Fatalf("DecodeSegments: %v", err)
	}
	msgs := r.Steps[step].Messages
	if len(msgs) != 3 { // feature 1 (merged), feature 2 (merged), unregistered-99 diagnostic
		t.Fatalf("have %d messages, want 3: %+v", len(msgs), msgs)
	}
	var sawMerged1, sawUnregistered bool
	for _, m := range msgs {
		if m.FeatureID == 1 && m.MergedCount == 2 {
			sawMerged1 = true
		}
		if m.Type == TypeInternalDiagnostic && m.FeatureID == 99 {
			sawUnregistered = true
		}
	}
	if !sawMerged1 {
		t.Fatalf("expected feature 1's two records merged into one message")
	}
	if !sawUnregistered {
		t.Fatalf("expected an internal diagnostic for the unregistered feature-id")
	}
}
