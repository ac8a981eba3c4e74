// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package frontend

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"gpuval/container"
)

// Metadata holds the decoded form of every recognised chunk other
// than the bitstream module itself. Chunks this front-end
// does not recognise stay opaque inside Container and round-trip
// through package container unmodified.
type Metadata struct {
	SignatureInput  []byte
	SignatureOutput []byte
	Bindings        []byte
	PSV             []byte
	RootSignature   []byte

	// FeatureInfo is the feature-info bitmask, decoded when
	// the chunk carries at least 8 bytes; FeatureInfoValid is false for
	// a missing or undersized chunk.
	FeatureInfo      uint64
	FeatureInfoValid bool

	// DebugName is the NUL-trimmed contents of the debug chunk, used
	// as the filename a companion PDB is looked up by.
	DebugName string
	PDB       []byte

	ContentHash      uint64
	ContentHashValid bool
}

// LiftedShader is the result of lifting a whole chunked container: its
// decoded metadata, the nested program module (nil if the container
// carries no bitstream chunk), and the parsed Container itself so a
// caller can re-Compile it with rewritten chunks (package pipeline).
type LiftedShader struct {
	Container *container.Container
	Meta      Metadata
	Module    *Module
}

// LiftContainer parses data as a chunked shader container and decodes
// every chunk package frontend understands. findPDB, if non-nil, is
// invoked with the filename recorded in the debug chunk to locate an
// optional companion PDB; debug information is best-effort, so a nil
// result or an error from findPDB is not fatal to the lift.
func LiftContainer(data []byte, findPDB func(filename string) ([]byte, error)) (*LiftedShader, error) {
	c, err := container.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("frontend: parse container: %w", err)
	}
	ls := &LiftedShader{Container: c}

	if ch, ok := c.Chunk(container.TagSignatureInput); ok {
		ls.Meta.SignatureInput = ch.Body
	}
	if ch, ok := c.Chunk(container.TagSignatureOutput); ok {
		ls.Meta.SignatureOutput = ch.Body
	}
	if ch, ok := c.Chunk(container.TagBindings); ok {
		ls.Meta.Bindings = ch.Body
	}
	if ch, ok := c.Chunk(container.TagPSV); ok {
		ls.Meta.PSV = ch.Body
	}
	if ch, ok := c.Chunk(container.TagRootSignature); ok {
		ls.Meta.RootSignature = ch.Body
	}
	if ch, ok := c.Chunk(container.TagFeatureInfo); ok && len(ch.Body) >= 8 {
		ls.Meta.FeatureInfo = binary.LittleEndian.Uint64(ch.Body[:8])
		ls.Meta.FeatureInfoValid = true
	}
	if ch, ok := c.Chunk(container.TagContentHash); ok && len(ch.Body) >= 8 {
		ls.Meta.ContentHash = binary.LittleEndian.Uint64(ch.Body[:8])
		ls.Meta.ContentHashValid = true
	}
	if ch, ok := c.Chunk(container.TagDebug); ok {
		ls.Meta.DebugName = string(bytes.TrimRight(ch.Body, "\x00"))
		if findPDB != nil && ls.Meta.DebugName != "" {
			if pdb, err := findPDB(ls.Meta.DebugName); err == nil {
				ls.Meta.PDB = pdb
			}
		}
	}
	if ch, ok := c.Chunk(container.TagBitstream); ok {
		mod, err := LiftBitstream(ch.Body)
		if err != nil {
			return nil, fmt.Errorf("frontend: lift bitstream chunk: %w", err)
		}
		ls.Module = mod
	}
	return ls, nil
}
