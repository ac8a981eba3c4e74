// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package il

// LatticeKind is the result a PropagateFunc returns for one
// instruction.
type LatticeKind int

const (
	// LatticeNone means the instruction has not been evaluated yet.
	LatticeNone LatticeKind = iota
	// LatticeIgnore means the instruction has no value worth
	// tracking (e.g. a Store).
	LatticeIgnore
	// LatticeMapped means the instruction evaluates to a known
	// constant in every reachable execution seen so far.
	LatticeMapped
	// LatticeOverdefined means more than one concrete value has been
	// observed; no single constant applies.
	LatticeOverdefined
	// LatticeVarying means the value can never be proven constant
	// (e.g. the loop iteration cap was exceeded).
	LatticeVarying
)

// LatticeValue is one instruction's current position in the
// propagation lattice.
type LatticeValue struct {
	Kind  LatticeKind
	Const ConstantID
}

// PropagateFunc simulates one instruction given the current lattice
// value of any id (resolved only along edges marked executable). It
// returns the instruction's new lattice value.
type PropagateFunc func(inst *Instruction, get func(ID) LatticeValue) LatticeValue

// loopIterationCap bounds re-simulation per block: every simulate call
// for an instruction of a block counts once toward that block's total
// (loop headers are not distinguished from other blocks), and once the
// total exceeds the cap, each further simulation in that block yields
// Varying.
const loopIterationCap = 128

// PropagationEngine runs a sparse conditional constant propagation
// pass over one Function: a worklist over CFG
// edges and SSA edges, Phis resolved using only executable incoming
// edges, and a bounded iteration cap for loops.
type PropagationEngine struct {
	fn     *Function
	consts *ConstantMap
	cb     PropagateFunc

	execBlock map[int]bool
	execEdge  map[[2]int]bool
	values    map[ID]LatticeValue
	visits    map[int]int // per-block simulation count, for the loop cap

	cfgWork []  [2]int
	ssaWork []ID
}

// NewPropagationEngine creates an engine for fn using cb to simulate
// each instruction. consts resolves the ConstantIDs cb reports for a
// BranchConditional's own lattice value (its condition, by
// convention: Payload == 0 is false, anything else is true) so the
// engine can decide which edges are executable.
func NewPropagationEngine(fn *Function, consts *ConstantMap, cb PropagateFunc) *PropagationEngine {
	return &PropagationEngine{
		fn:        fn,
		consts:    consts,
		cb:        cb,
		execBlock: map[int]bool{},
		execEdge:  map[[2]int]bool{},
		values:    map[ID]LatticeValue{},
		visits:    map[int]int{},
	}
}

// Run executes the worklist algorithm to a fixpoint and returns the
// final lattice value of every result id the engine touched.
func (e *PropagationEngine) Run() map[ID]LatticeValue {
	if len(e.fn.Blocks) == 0 {
		return e.values
	}
	e.cfgWork = append(e.cfgWork, [2]int{-1, 0})
	for len(e.cfgWork) > 0 || len(e.ssaWork) > 0 {
		for len(e.cfgWork) > 0 {
			edge := e.cfgWork[0]
			e.cfgWork = e.cfgWork[1:]
			e.processCFGEdge(edge)
		}
		for len(e.ssaWork) > 0 {
			id := e.ssaWork[0]
			e.ssaWork = e.ssaWork[1:]
			for _, u := range e.fn.Users(id) {
				if e.execBlock[u.Block] {
					e.simulate(u.Block, u.Inst)
				}
			}
		}
	}
	return e.values
}

func (e *PropagationEngine) processCFGEdge(edge [2]int) {
	if e.execEdge[edge] {
		return
	}
	e.execEdge[edge] = true
	b := edge[1]
	firstVisit := !e.execBlock[b]
	e.execBlock[b] = true
	if firstVisit {
		for ii := range e.fn.Blocks[b].Insts {
			e.simulate(b, ii)
		}
	} else {
		// Re-evaluate only Phis: a new incoming edge can change their
		// value even though the rest of the block was already run.
		for ii, inst := range e.fn.Blocks[b].Insts {
			if inst.Op == OpPhi {
				e.simulate(b, ii)
			}
		}
	}
}

func (e *PropagationEngine) get(id ID) LatticeValue {
	if id == InvalidID {
		return LatticeValue{Kind: LatticeIgnore}
	}
	if v, ok := e.values[id]; ok {
		return v
	}
	return LatticeValue{Kind: LatticeNone}
}

func (e *PropagationEngine) simulate(blockIdx, instIdx int) {
	e.visits[blockIdx]++
	inst := &e.fn.Blocks[blockIdx].Insts[instIdx]

	var newVal LatticeValue
	if e.visits[blockIdx] > loopIterationCap {
		newVal = LatticeValue{Kind: LatticeVarying}
	} else if inst.Op == OpPhi {
		newVal = e.simulatePhi(blockIdx, inst)
	} else {
		newVal = e.cb(inst, e.get)
	}

	if inst.Result != InvalidID {
		old, had := e.values[inst.Result]
		if !had || widens(old, newVal) {
			e.values[inst.Result] = newVal
			e.ssaWork = append(e.ssaWork, inst.Result)
		}
	}

	if inst.Op.IsTerminator() {
		e.propagateTerminator(blockIdx, inst, newVal)
	}
}

func (e *PropagationEngine) simulatePhi(blockIdx int, inst *Instruction) LatticeValue {
	var result LatticeValue
	set := false
	for _, edge := range inst.PhiIncoming {
		if !e.execEdge[[2]int{edge.Pred, blockIdx}] {
			continue
		}
		v := e.get(edge.Value)
		if v.Kind == LatticeNone {
			continue
		}
		if !set {
			result = v
			set = true
			continue
		}
		result = meet(result, v)
	}
	if !set {
		return LatticeValue{Kind: LatticeNone}
	}
	return result
}

// meet combines two lattice values reaching a Phi from different
// executable edges.
func meet(a, b LatticeValue) LatticeValue {
	if a.Kind == LatticeVarying || b.Kind == LatticeVarying {
		return LatticeValue{Kind: LatticeVarying}
	}
	if a.Kind == LatticeMapped && b.Kind == LatticeMapped {
		if a.Const == b.Const {
			return a
		}
		return LatticeValue{Kind: LatticeOverdefined}
	}
	if a.Kind == LatticeOverdefined || b.Kind == LatticeOverdefined {
		return LatticeValue{Kind: LatticeOverdefined}
	}
	return a
}

// widens reports whether moving from old to next is forward progress
// in the lattice (None -> Mapped/Ignore -> Overdefined -> Varying is
// monotone; this guards against infinite oscillation).
func widens(old, next LatticeValue) bool {
	rank := func(v LatticeValue) int {
		switch v.Kind {
		case LatticeNone:
			return 0
		case LatticeIgnore, LatticeMapped:
			return 1
		case LatticeOverdefined:
			return 2
		case LatticeVarying:
			return 3
		}
		return 0
	}
	if rank(next) > rank(old) {
		return true
	}
	if rank(next) == 1 && rank(old) == 1 {
		return old.Kind != next.Kind || old.Const != next.Const
	}
	return false
}

func (e *PropagationEngine) propagateTerminator(blockIdx int, inst *Instruction, val LatticeValue) {
	switch inst.Op {
	case OpBranch:
		e.cfgWork = append(e.cfgWork, [2]int{blockIdx, inst.Targets[0]})
	case OpBranchConditional:
		// cb reports the condition's own lattice value for a
		// BranchConditional terminator. A Mapped condition resolves
		// to exactly one executable edge; anything else
		// keeps both edges executable.
		if val.Kind == LatticeMapped && len(inst.Targets) == 2 {
			taken := 1 // false edge, Targets[1]
			if e.consts.Constant(val.Const).Payload != 0 {
				taken = 0 // true edge, Targets[0]
			}
			e.cfgWork = append(e.cfgWork, [2]int{blockIdx, inst.Targets[taken]})
			return
		}
		for _, t := range inst.Targets {
			e.cfgWork = append(e.cfgWork, [2]int{blockIdx, t})
		}
	case OpSwitch:
		for _, t := range inst.Targets {
			e.cfgWork = append(e.cfgWork, [2]int{blockIdx, t})
		}
	}
}
