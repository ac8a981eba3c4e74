// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package container implements the codec for the chunked outer
// shader container: a fixed header, a table of chunk offsets, and
// the chunks themselves, each keyed by a four-character tag.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc64"
)

// Magic identifies a well-formed container. A Parse call that does
// not find this value aborts with ErrBadMagic, and the layer passes
// the shader through uninstrumented.
const Magic uint32 = 0x31424b50 // "PKB1", little-endian

// headerSize is the byte size of the fixed header, not counting the
// per-chunk offset table that follows it.
const headerSize = 4 + 16 + 4 + 4 + 4

// Tag is a four-character chunk type identifier.
type Tag [4]byte

func (t Tag) String() string { return string(t[:]) }

// Recognised chunk tags. Unrecognised tags are kept in
// Container.Chunks like any other chunk but are never interpreted —
// they round-trip as opaque bytes ("the unexposed bucket").
var (
	TagSignatureInput  = Tag{'I', 'S', 'G', 'N'}
	TagSignatureOutput = Tag{'O', 'S', 'G', 'N'}
	TagBindings        = Tag{'R', 'B', 'I', 'N'}
	TagFeatureInfo     = Tag{'F', 'E', 'A', 'T'}
	TagShaderBody      = Tag{'S', 'H', 'D', 'R'}
	TagPSV             = Tag{'P', 'S', 'V', '0'}
	TagRootSignature   = Tag{'R', 'T', 'S', '0'}
	TagDebug           = Tag{'D', 'B', 'U', 'G'}
	TagContentHash     = Tag{'H', 'A', 'S', 'H'}
	TagBitstream       = Tag{'P', 'R', 'G', 'M'}
)

// known lists every tag the front-end (package frontend) interprets.
// A chunk whose tag is not in this set is "unexposed": parsed but
// never decoded, and re-emitted byte for byte.
var known = map[Tag]bool{
	TagSignatureInput: true, TagSignatureOutput: true, TagBindings: true,
	TagFeatureInfo: true, TagShaderBody: true, TagPSV: true,
	TagRootSignature: true, TagDebug: true, TagContentHash: true,
	TagBitstream: true,
}

// Known reports whether tag is one of the recognised chunk tags.
func Known(tag Tag) bool { return known[tag] }

// Chunk is one entry of the container: a tag and its raw body bytes.
// Known chunks are additionally interpreted by package frontend;
// Container itself only deals in raw bytes, preserving element order.
type Chunk struct {
	Tag  Tag
	Body []byte
}

// Container is a parsed chunked shader container.
type Container struct {
	Reserved  uint32
	Checksum  [16]byte
	ChunkList []Chunk
}

// ErrBadMagic is returned by Parse when data does not begin with the
// expected magic identifier.
var ErrBadMagic = fmt.Errorf("container: bad magic identifier")

// Parse scans data into a Container. A parse failure here means the
// shader is passed through uninstrumented.
func Parse(data []byte) (*Container, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("container: truncated header (%d bytes)", len(data))
	}
	r := bytes.NewReader(data)
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	c := &Container{}
	if err := binary.Read(r, binary.LittleEndian, &c.Checksum); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Reserved); err != nil {
		return nil, err
	}
	var totalSize, chunkCount uint32
	if err := binary.Read(r, binary.LittleEndian, &totalSize); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &chunkCount); err != nil {
		return nil, err
	}
	if int(totalSize) != len(data) {
		return nil, fmt.Errorf("container: total size field %d does not match input length %d", totalSize, len(data))
	}
	offsets := make([]uint32, chunkCount)
	if err := binary.Read(r, binary.LittleEndian, &offsets); err != nil {
		return nil, err
	}
	c.ChunkList = make([]Chunk, chunkCount)
	for i, off := range offsets {
		if int(off)+8 > len(data) {
			return nil, fmt.Errorf("container: chunk %d offset %d out of range", i, off)
		}
		var tag Tag
		copy(tag[:], data[off:off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		bodyStart := int(off) + 8
		bodyEnd := bodyStart + int(size)
		if bodyEnd > len(data) {
			return nil, fmt.Errorf("container: chunk %d (%s) body runs past end of stream", i, tag)
		}
		c.ChunkList[i] = Chunk{Tag: tag, Body: append([]byte(nil), data[bodyStart:bodyEnd]...)}
	}
	return c, nil
}

// Chunk returns the first chunk with the given tag, or false if none
// is present.
func (c *Container) Chunk(tag Tag) (Chunk, bool) {
	for _, ch := range c.ChunkList {
		if ch.Tag == tag {
			return ch, true
		}
	}
	return Chunk{}, false
}

// Compile re-emits c: the header and chunk-offset table, then every
// chunk in ChunkList order — known chunks (possibly regenerated by the
// caller in place) and unexposed chunks alike, the latter verbatim.
// Known and unexposed chunks are not regrouped. The content hash is
// recomputed over the final bytes past the fixed header.
func Compile(c *Container) ([]byte, error) {
	var body bytes.Buffer
	offsets := make([]uint32, len(c.ChunkList))
	// Chunk table occupies headerSize + 4*len(ChunkList) bytes; chunk
	// bodies begin right after it.
	pos := uint32(headerSize + 4*len(c.ChunkList))
	for i, ch := range c.ChunkList {
		offsets[i] = pos
		body.Write(ch.Tag[:])
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(ch.Body)))
		body.Write(size[:])
		body.Write(ch.Body)
		pos += 8 + uint32(len(ch.Body))
	}

	var out bytes.Buffer
	var magicBuf [4]byte
	binary.LittleEndian.PutUint32(magicBuf[:], Magic)
	out.Write(magicBuf[:])
	out.Write(make([]byte, 16)) // checksum placeholder
	var reserved [4]byte
	binary.LittleEndian.PutUint32(reserved[:], c.Reserved)
	out.Write(reserved[:])
	var totalSize [4]byte
	total := uint32(headerSize) + uint32(4*len(c.ChunkList)) + uint32(body.Len())
	binary.LittleEndian.PutUint32(totalSize[:], total)
	out.Write(totalSize[:])
	var chunkCount [4]byte
	binary.LittleEndian.PutUint32(chunkCount[:], uint32(len(c.ChunkList)))
	out.Write(chunkCount[:])
	for _, off := range offsets {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], off)
		out.Write(b[:])
	}
	out.Write(body.Bytes())

	final := out.Bytes()
	sum := ContentHash(final[headerSize:]) // hash everything past the fixed header, including the offset table
	var sumBytes [16]byte
	binary.LittleEndian.PutUint64(sumBytes[:8], sum)
	copy(final[4:20], sumBytes[:])
	return final, nil
}

// crcTable is the ECMA-182 CRC-64 table used for content hashing.
// hash/crc64 is stdlib; no third-party CRC-64 implementation appears
// anywhere in the retrieved example pack (see DESIGN.md).
var crcTable = crc64.MakeTable(crc64.ECMA)

// ContentHash computes the container's content hash: CRC-64/ECMA
// over data. Used both as the header checksum and as the cache
// fingerprint input (package cache).
func ContentHash(data []byte) uint64 {
	return crc64.Checksum(data, crcTable)
}
