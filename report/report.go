// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package report implements the host side of the message ring:
// decoding the GPU-written error-record stream into structured
// messages, merging duplicates per-pass, and grouping the result into
// the application-visible report/step hierarchy.
package report

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"gpuval/resource"
)

// Ring describes one GPU-writable error-record stream: a counter
// (atomically pre-incremented by guard code to claim a write index)
// and a stream buffer of Capacity fixed-size records. RecordDwords is
// the record stride; every record's low 16 bits are its feature-id.
type Ring struct {
	StreamID     int
	Capacity     int
	RecordDwords int
}

// DefaultCapacity and MaxCapacity bound Ring.Capacity at device init:
// a default large enough that overflow is rare in practice, and a
// hard ceiling past which the configuration is rejected rather than
// silently inflated.
const (
	DefaultCapacity = 1024
	MaxCapacity     = 1 << 20
)

// Record is one decoded ring entry.
type Record struct {
	StreamID  int
	FeatureID uint16
	Raw       []uint32
}

// Decode reads counterValue entries out of raw, clamping to r.Capacity
// (writes past capacity are dropped at the GPU side, so raw never
// holds more than r.Capacity records' worth of bytes). A record that
// would overrun raw is a truncated segment and ends decoding early
// rather than panicking.
func (r Ring) Decode(counterValue uint64, raw []byte) []Record {
	n := int(counterValue)
	if n > r.Capacity {
		n = r.Capacity
	}
	stride := r.RecordDwords * 4
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		off := i * stride
		if off+stride > len(raw) {
			break
		}
		dwords := make([]uint32, r.RecordDwords)
		for k := 0; k < r.RecordDwords; k++ {
			dwords[k] = binary.LittleEndian.Uint32(raw[off+k*4:])
		}
		out = append(out, Record{StreamID: r.StreamID, FeatureID: uint16(dwords[0] & 0xFFFF), Raw: dwords})
	}
	return out
}

// SourceLocation is one source extract: the originating file, its
// line/column, and the extract's byte length (GLOSSARY "Span /
// Source span").
type SourceLocation struct {
	File   string
	Line   int
	Column int
	Length int
}

// LocationRegistry assigns a compact, stable GUID to every distinct
// SourceLocation an instrumentation site registers (GLOSSARY
// "Span-GUID"). The same location always resolves to the same GUID,
// so repeated rewrites of identical source don't inflate the table.
type LocationRegistry struct {
	mu    sync.Mutex
	locs  []SourceLocation
	index map[SourceLocation]uint32
}

// NewLocationRegistry creates an empty LocationRegistry.
func NewLocationRegistry() *LocationRegistry {
	return &LocationRegistry{index: make(map[SourceLocation]uint32)}
}

// Register returns loc's GUID, assigning a fresh one if loc was never
// seen before.
func (lr *LocationRegistry) Register(loc SourceLocation) uint32 {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if guid, ok := lr.index[loc]; ok {
		return guid
	}
	guid := uint32(len(lr.locs))
	lr.locs = append(lr.locs, loc)
	lr.index[loc] = guid
	return guid
}

// Lookup returns the SourceLocation registered under guid.
func (lr *LocationRegistry) Lookup(guid uint32) (SourceLocation, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if int(guid) >= len(lr.locs) {
		return SourceLocation{}, false
	}
	return lr.locs[guid], true
}

// MessageType discriminates the host-visible message kinds.
type MessageType int

const (
	TypeValidationError MessageType = iota
	TypeInternalDiagnostic
)

// Message is the host-visible diagnostic record delivered to the
// application, modelled on the VkGPUValidationMessageAVA struct.
type Message struct {
	Type          MessageType
	MergedCount   int
	FeatureID     uint16
	Subtype       string
	Text          string
	ObjectPUID    resource.PUID
	ObjectName    string
	SourceExtract SourceLocation
	UserMarkers   []string
}

// Handler decodes every Record belonging to one feature-id, merging
// duplicate payloads with a count, and returns the messages the
// current report step should receive. Passes
// (package pass) implement this.
type Handler interface {
	Handle(records []Record) (handled int, messages []Message)
}

// Step is one frame's or submit's worth of messages within a Report.
type Step struct {
	Messages []Message
}

// Report is bounded by an application-driven begin/end pair; it
// accumulates Steps until End.
type Report struct {
	mu    sync.Mutex
	Steps []Step
}

// BeginStep opens a new Step and returns its index.
func (r *Report) BeginStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Steps = append(r.Steps, Step{})
	return len(r.Steps) - 1
}

// Append adds msgs to the step at index.
func (r *Report) Append(step int, msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Steps[step].Messages = append(r.Steps[step].Messages, msgs...)
}

// Aggregator owns the report currently being built. Begin/End bracket
// one application-driven report; only one report can be
// open on a given Aggregator at a time.
type Aggregator struct {
	mu      sync.Mutex
	current *Report
}

// Begin opens a new Report. It returns an error if one is already
// open.
func (a *Aggregator) Begin() (*Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return nil, fmt.Errorf("report: Begin called while a report is already open")
	}
	a.current = &Report{}
	return a.current, nil
}

// Current returns the report presently being built, or nil.
func (a *Aggregator) Current() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// End closes and returns the current report, flushers []func() error
// is run (each pass's Flush, in registration order) before the report
// handle is invalidated.
func (a *Aggregator) End(flushers ...func() error) (*Report, error) {
	a.mu.Lock()
	r := a.current
	a.current = nil
	a.mu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("report: End called with no report open")
	}
	for _, f := range flushers {
		if err := f(); err != nil {
			return r, fmt.Errorf("report: flush: %w", err)
		}
	}
	return r, nil
}

// Segment is one submission-scoped ring allocation: the decoded
// counter value and raw bytes read back once the driver's fence for
// that submission has signalled (GLOSSARY "Segment").
type Segment struct {
	Ring         Ring
	CounterValue uint64
	Raw          []byte
}

// Decoder owns the per-feature Handlers and turns completed Segments
// into report messages.
type Decoder struct {
	mu       sync.Mutex
	handlers map[uint16]Handler
}

// NewDecoder creates an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{handlers: make(map[uint16]Handler)}
}

// Register associates featureID with h. A later Register for the same
// id replaces the handler.
func (d *Decoder) Register(featureID uint16, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[featureID] = h
}

// DecodeSegments decodes every segment concurrently (one goroutine per
// segment, via errgroup; no segment's decode reports an error, so every
// segment is always decoded) and appends the resulting messages into
// step of report r. Each
// segment's records are grouped by feature-id before being handed to
// that feature's Handler.
func (d *Decoder) DecodeSegments(ctx context.Context, segs []Segment, r *Report, step int) error {
	g, _ := errgroup.WithContext(ctx)
	msgsPerSeg := make([][]Message, len(segs))
	for i, seg := range segs {
		i, seg := i, seg
		g.Go(func() error {
			byFeature := make(map[uint16][]Record)
			for _, rec := range seg.Ring.Decode(seg.CounterValue, seg.Raw) {
				byFeature[rec.FeatureID] = append(byFeature[rec.FeatureID], rec)
			}
			var msgs []Message
			for featureID, recs := range byFeature {
				d.mu.Lock()
				h, ok := d.handlers[featureID]
				d.mu.Unlock()
				if !ok {
					msgs = append(msgs, Message{
						Type:      TypeInternalDiagnostic,
						FeatureID: featureID,
						Subtype:   "unregistered feature-id",
						Text:      fmt.Sprintf("report: %d records with unregistered feature-id %d", len(recs), featureID),
					})
					continue
				}
				_, handled := h.Handle(recs)
				msgs = append(msgs, handled...)
			}
			msgsPerSeg[i] = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("report: decode segments: %w", err)
	}
	for _, msgs := range msgsPerSeg {
		r.Append(step, msgs...)
	}
	return nil
}
