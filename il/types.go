// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package il implements the language-independent, SSA-style
// intermediate language shared by every bytecode format's front-end
// (package frontend), the instrumentation passes (package pass), and
// the back-end (package pipeline).
package il

import "fmt"

// TypeID is the handle of a structurally-interned Type.
type TypeID uint32

// TypeKind discriminates the variants of Type.
type TypeKind int

const (
	TyInt TypeKind = iota
	TyFP
	TyBool
	TyPointer
	TyArray
	TyVector
	TyStruct
	TyBuffer
	TyTexture
)

// AddressSpace is the storage class of a Pointer type.
type AddressSpace int

const (
	SpaceFunction AddressSpace = iota
	SpacePrivate
	SpaceResource
	SpaceTexture
	SpaceUniform
)

// RuntimeArray marks Type.ArrayCount for an array whose length is
// not known at compile time (e.g. a structured buffer's trailing
// member).
const RuntimeArray = -1

// Type is a single IL type. Only the fields meaningful for Kind are
// populated; the rest are zero. Two Types with identical Kind and
// meaningful fields intern to the same TypeID (see TypeMap).
type Type struct {
	Kind TypeKind

	IntWidth  int
	IntSigned bool

	FPWidth int

	PointeeType TypeID
	AddrSpace   AddressSpace

	ElemType   TypeID
	ArrayCount int // RuntimeArray for an unbounded array

	VecElemType TypeID
	VecDim      int

	StructMembers []TypeID

	BufElemType    TypeID
	BufTexelFormat string

	TexSampledType  TypeID
	TexDim          int
	TexArrayed      bool
	TexMultisampled bool
	TexFormat       string
}

// fingerprint returns a string uniquely determined by the meaningful
// fields of t, used as the TypeMap interning key.
func (t Type) fingerprint() string {
	switch t.Kind {
	case TyInt:
		return fmt.Sprintf("Int(%d,%v)", t.IntWidth, t.IntSigned)
	case TyFP:
		return fmt.Sprintf("FP(%d)", t.FPWidth)
	case TyBool:
		return "Bool"
	case TyPointer:
		return fmt.Sprintf("Pointer(%d,%d)", t.PointeeType, t.AddrSpace)
	case TyArray:
		return fmt.Sprintf("Array(%d,%d)", t.ElemType, t.ArrayCount)
	case TyVector:
		return fmt.Sprintf("Vector(%d,%d)", t.VecElemType, t.VecDim)
	case TyStruct:
		return fmt.Sprintf("Struct(%v)", t.StructMembers)
	case TyBuffer:
		return fmt.Sprintf("Buffer(%d,%s)", t.BufElemType, t.BufTexelFormat)
	case TyTexture:
		return fmt.Sprintf("Texture(%d,%d,%v,%v,%s)", t.TexSampledType, t.TexDim, t.TexArrayed, t.TexMultisampled, t.TexFormat)
	default:
		return fmt.Sprintf("Unknown(%d)", t.Kind)
	}
}

// TypeMap structurally interns Types: two structurally equal Types
// share one TypeID.
type TypeMap struct {
	types []Type
	index map[string]TypeID
}

// NewTypeMap creates an empty TypeMap.
func NewTypeMap() *TypeMap {
	return &TypeMap{index: make(map[string]TypeID)}
}

// Intern returns the TypeID for t, allocating a new one if t was not
// seen before.
func (m *TypeMap) Intern(t Type) TypeID {
	key := t.fingerprint()
	if id, ok := m.index[key]; ok {
		return id
	}
	id := TypeID(len(m.types))
	m.types = append(m.types, t)
	m.index[key] = id
	return id
}

// Type returns the Type registered under id. It panics if id was
// never interned by this map, which would indicate a broken id-map
// invariant elsewhere in the compiler.
func (m *TypeMap) Type(id TypeID) Type {
	return m.types[id]
}

// Len returns the number of distinct interned types.
func (m *TypeMap) Len() int { return len(m.types) }
