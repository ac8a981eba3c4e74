// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package il

import "fmt"

// Function is an ordered sequence of BasicBlocks sharing the
// Program's id-map.
type Function struct {
	Name   string
	Blocks []*BasicBlock

	analyses analyses
}

// analyses lazily caches the per-function analyses listed in spec
// §4.3. InvalidateAnalyses resets the cache; it must be called
// between pass runs (package pipeline does this automatically).
type analyses struct {
	users map[ID][]useSite
	preds map[int][]int
	succs map[int][]int
	idom  map[int]int
	loops []*Loop
}

// useSite identifies one use of a value: the block and instruction
// index of the using instruction. A use as a Phi incoming value is
// recorded the same way, naming the Phi instruction itself.
type useSite struct {
	Block, Inst int
}

// InvalidateAnalyses discards every cached analysis. Called by the
// pass pipeline between passes, since a rewrite can change the CFG,
// def-use chains, or both.
func (f *Function) InvalidateAnalyses() {
	f.analyses = analyses{}
}

// Users returns every use-site of id: the set of instructions
// (including Phis) whose Operands or PhiIncoming reference it (spec
// §3 "User (use-def) analysis"). The arena-of-instructions-plus-
// side-table shape follows DESIGN NOTES §9: instructions never carry
// back-pointers to their users.
func (f *Function) Users(id ID) []useSite {
	f.buildUsers()
	return f.analyses.users[id]
}

func (f *Function) buildUsers() {
	if f.analyses.users != nil {
		return
	}
	users := make(map[ID][]useSite)
	for bi, b := range f.Blocks {
		for ii := range b.Insts {
			inst := &b.Insts[ii]
			for _, op := range inst.Operands {
				if op != InvalidID {
					users[op] = append(users[op], useSite{bi, ii})
				}
			}
			for _, e := range inst.PhiIncoming {
				if e.Value != InvalidID {
					users[e.Value] = append(users[e.Value], useSite{bi, ii})
				}
			}
		}
	}
	f.analyses.users = users
}

// buildCFG computes predecessor/successor maps from block
// terminators.
func (f *Function) buildCFG() {
	if f.analyses.succs != nil {
		return
	}
	succs := make(map[int][]int, len(f.Blocks))
	preds := make(map[int][]int, len(f.Blocks))
	for i, b := range f.Blocks {
		if len(b.Insts) == 0 {
			continue
		}
		term := b.Insts[len(b.Insts)-1]
		for _, t := range term.Targets {
			succs[i] = append(succs[i], t)
			preds[t] = append(preds[t], i)
		}
	}
	f.analyses.succs = succs
	f.analyses.preds = preds
}

// Preds returns the predecessor block indices of block i.
func (f *Function) Preds(i int) []int {
	f.buildCFG()
	return f.analyses.preds[i]
}

// Succs returns the successor block indices of block i.
func (f *Function) Succs(i int) []int {
	f.buildCFG()
	return f.analyses.succs[i]
}

// Dominators computes, for every reachable block, its immediate
// dominator (the entry block maps to itself), using the standard
// iterative (Cooper/Harvey/Kennedy) algorithm over reverse postorder.
func (f *Function) Dominators() map[int]int {
	if f.analyses.idom != nil {
		return f.analyses.idom
	}
	f.buildCFG()
	order := f.reversePostorder()
	rpoNum := make(map[int]int, len(order))
	for i, b := range order {
		rpoNum[b] = i
	}
	idom := map[int]int{order[0]: order[0]}
	changed := true
	for changed {
		changed = false
		for _, b := range order[1:] {
			var newIdom int
			set := false
			for _, p := range f.analyses.preds[b] {
				if _, ok := idom[p]; !ok {
					continue
				}
				if !set {
					newIdom = p
					set = true
					continue
				}
				newIdom = intersect(idom, rpoNum, newIdom, p)
			}
			if !set {
				continue
			}
			if cur, ok := idom[b]; !ok || cur != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}
	f.analyses.idom = idom
	return idom
}

func intersect(idom map[int]int, rpoNum map[int]int, a, b int) int {
	for a != b {
		for rpoNum[a] > rpoNum[b] {
			a = idom[a]
		}
		for rpoNum[b] > rpoNum[a] {
			b = idom[b]
		}
	}
	return a
}

func (f *Function) reversePostorder() []int {
	f.buildCFG()
	visited := make(map[int]bool)
	var post []int
	var visit func(int)
	visit = func(b int) {
		if visited[b] {
			return
		}
		visited[b] = true
		for _, s := range f.analyses.succs[b] {
			visit(s)
		}
		post = append(post, b)
	}
	visit(0)
	// reverse
	rpo := make([]int, len(post))
	for i, b := range post {
		rpo[len(post)-1-i] = b
	}
	return rpo
}

// Loop is one natural loop.
type Loop struct {
	Header    int
	Body      map[int]bool
	BackEdges [][2]int
	Exits     []int
}

// Loops finds every natural loop in f: for each CFG edge (b,h) where
// h dominates b, h is a loop header and the loop body is every block
// that can reach b without passing through h.
func (f *Function) Loops() []*Loop {
	if f.analyses.loops != nil {
		return f.analyses.loops
	}
	f.buildCFG()
	idom := f.Dominators()

	headerLoop := map[int]*Loop{}
	var order []int
	for b := range f.analyses.succs {
		order = append(order, b)
	}
	for b := 0; b < len(f.Blocks); b++ {
		for _, s := range f.analyses.succs[b] {
			if dominates(idom, s, b) {
				lp, ok := headerLoop[s]
				if !ok {
					lp = &Loop{Header: s, Body: map[int]bool{s: true}}
					headerLoop[s] = lp
				}
				lp.BackEdges = append(lp.BackEdges, [2]int{b, s})
				f.addToLoopBody(lp, b)
			}
		}
	}

	var loops []*Loop
	for _, lp := range headerLoop {
		for b := range lp.Body {
			for _, s := range f.analyses.succs[b] {
				if !lp.Body[s] {
					lp.Exits = append(lp.Exits, s)
				}
			}
		}
		loops = append(loops, lp)
	}
	f.analyses.loops = loops
	return loops
}

func (f *Function) addToLoopBody(lp *Loop, from int) {
	if lp.Body[from] {
		return
	}
	lp.Body[from] = true
	for _, p := range f.analyses.preds[from] {
		f.addToLoopBody(lp, p)
	}
}

func dominates(idom map[int]int, a, b int) bool {
	if a == b {
		return true
	}
	for {
		p, ok := idom[b]
		if !ok {
			return false
		}
		if p == b {
			return a == b
		}
		if p == a {
			return true
		}
		b = p
	}
}

// Program is a complete IL module: its Functions, plus the
// structurally-interned type and constant tables and the id-map they
// and every Function share.
type Program struct {
	Functions []*Function
	Types     *TypeMap
	Consts    *ConstantMap
	IDs       *IDMap
}

// NewProgram creates an empty Program with fresh tables.
func NewProgram() *Program {
	return &Program{
		Types:  NewTypeMap(),
		Consts: NewConstantMap(),
		IDs:    NewIDMap(),
	}
}

// Verify checks the SSA and terminator invariants:
// every result id is assigned exactly once, and every basic block
// ends in exactly one terminator.
func (p *Program) Verify() error {
	seen := make(map[ID]bool)
	for _, fn := range p.Functions {
		for bi, b := range fn.Blocks {
			if len(b.Insts) == 0 {
				return fmt.Errorf("il: function %q block %d is empty", fn.Name, bi)
			}
			for ii, inst := range b.Insts {
				if inst.Result != InvalidID {
					if seen[inst.Result] {
						return fmt.Errorf("il: function %q: result id %d assigned more than once", fn.Name, inst.Result)
					}
					seen[inst.Result] = true
				}
				isLast := ii == len(b.Insts)-1
				if inst.Op.IsTerminator() != isLast {
					return fmt.Errorf("il: function %q block %d: terminator must be exactly the last instruction", fn.Name, bi)
				}
			}
			if !b.Span.Valid() {
				continue
			}
			for _, inst := range b.Insts {
				if inst.Span.Valid() && !b.Span.Contains(inst.Span) {
					return fmt.Errorf("il: function %q block %d: instruction span %v escapes block span %v", fn.Name, bi, inst.Span, b.Span)
				}
			}
		}
	}
	return nil
}
