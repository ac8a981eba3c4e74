// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package il

import "fmt"

// ID is a result id, unique across an entire Program. Zero (InvalidID) means "no result".
type ID uint32

// InvalidID marks an Instruction with no result, or an unresolved
// reference.
const InvalidID ID = 0

// IDMap hands out fresh, program-wide unique ids.
type IDMap struct {
	next ID
}

// NewIDMap creates an IDMap whose first New() call returns 1.
func NewIDMap() *IDMap {
	return &IDMap{next: InvalidID}
}

// New allocates and returns a fresh id.
func (m *IDMap) New() ID {
	m.next++
	return m.next
}

// Len reports how many ids have been allocated.
func (m *IDMap) Len() int { return int(m.next) }

// ConstantID is the handle of an interned Constant.
type ConstantID uint32

// Constant is an interned (type, payload) pair. Payload holds the
// constant's bit pattern (sign/float bits reinterpreted as a raw
// uint64) unless Symbolic is set, in which case Payload is
// meaningless: the value survived propagation but its concrete value
// is unknown or unexposed.
type Constant struct {
	Type     TypeID
	Payload  uint64
	Symbolic bool
}

// ConstantMap interns Constants by (Type, Payload, Symbolic).
type ConstantMap struct {
	consts []Constant
	index  map[string]ConstantID
}

// NewConstantMap creates an empty ConstantMap.
func NewConstantMap() *ConstantMap {
	return &ConstantMap{index: make(map[string]ConstantID)}
}

// Intern returns the ConstantID for c, allocating a new one if c was
// not seen before.
func (m *ConstantMap) Intern(c Constant) ConstantID {
	key := fmt.Sprintf("%d:%d:%v", c.Type, c.Payload, c.Symbolic)
	if id, ok := m.index[key]; ok {
		return id
	}
	id := ConstantID(len(m.consts))
	m.consts = append(m.consts, c)
	m.index[key] = id
	return id
}

// Constant returns the Constant registered under id.
func (m *ConstantMap) Constant(id ConstantID) Constant {
	return m.consts[id]
}
