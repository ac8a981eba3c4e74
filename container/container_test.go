// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package container

import "testing"

func sample() *Container {
	return &Container{
		Reserved: 0,
		ChunkList: []Chunk{
			{Tag: TagSignatureInput, Body: []byte{1, 2, 3, 4}},
			{Tag: TagBitstream, Body: []byte("fake-bitstream-module-bytes")},
			{Tag: Tag{'Z', 'Z', 'Z', '1'}, Body: []byte("unexposed chunk, passed through")},
		},
	}
}

func TestCompileParseRoundTrip(t *testing.T) {
	c := sample()
	data, err := Compile(c)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.ChunkList) != len(c.ChunkList) {
		t.Fatalf("chunk count: have %d, want %d", len(got.ChunkList), len(c.ChunkList))
	}
	for i := range c.ChunkList {
		if got.ChunkList[i].Tag != c.ChunkList[i].Tag {
			t.Fatalf("chunk %d tag: have %s, want %s", i, got.ChunkList[i].Tag, c.ChunkList[i].Tag)
		}
		if string(got.ChunkList[i].Body) != string(c.ChunkList[i].Body) {
			t.Fatalf("chunk %d body mismatch", i)
		}
	}
}

func TestCompileDeterministic(t *testing.T) {
	c := sample()
	a, err := Compile(c)
	if err != nil {
		t.Fatalf("Compile (1st): %v", err)
	}
	b, err := Compile(c)
	if err != nil {
		t.Fatalf("Compile (2nd): %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("Compile is not deterministic across identical inputs")
	}
}

func TestParseBadMagic(t *testing.T) {
	data := make([]byte, headerSize)
	if _, err := Parse(data); err != ErrBadMagic {
		t.Fatalf("Parse: have %v, want %v", err, ErrBadMagic)
	}
}

func TestContentHashChangesWithBody(t *testing.T) {
	c1 := sample()
	c2 := sample()
	c2.ChunkList[0].Body = []byte{9, 9, 9, 9}

	d1, err := Compile(c1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	d2, err := Compile(c2)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if ContentHash(d1[headerSize:]) == ContentHash(d2[headerSize:]) {
		t.Fatalf("content hash did not change when chunk body changed")
	}
}
