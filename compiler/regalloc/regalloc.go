// Package regalloc rewrites virtual registers to physical ones using
// graph coloring in the style of Chaitin and Briggs: liveness analysis
// over the control flow graph to a fixpoint, an interference graph, a
// coalescing graph for move-related registers, and iterated
// simplify/coalesce/freeze/spill with optimistic select.
//
// The general purpose and SSE register classes are colored independently.
package regalloc

import (
	"context"
	"fmt"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/cc64lang/cc64/compiler/set"
	"github.com/cc64lang/cc64/compiler/x64"
)

type (
	// interval is a closed range [Start, End] of instruction indices.
	interval struct {
		Start, End int
	}

	// rangeList is a union of intervals. A register may die and become
	// live again within one function, so a single span is not enough.
	rangeList []interval

	class struct {
		tr tlog.Span

		fn *x64.Fn

		gpr      bool
		numRegs  int // physical + virtual
		numPregs int
	}

	// graph over register indices, adjacency as per-node bitsets
	graph struct {
		adj []set.Bitmap
	}

	bail struct {
		err error
	}
)

// Alloc colors every function in place. After it returns successfully no
// operand references a virtual register.
func Alloc(ctx context.Context, fns []*x64.Fn) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "regalloc")
	defer tr.Finish("err", &err)

	defer func() {
		p := recover()
		if p == nil {
			return
		}

		b, ok := p.(bail)
		if !ok {
			panic(p)
		}

		err = b.err
	}()

	for _, fn := range fns {
		allocFn(tr, fn)

		if tr.If("dump_asm") {
			var b strings.Builder
			fn.Fprint(&b)
			tr.Printw("allocated code", "label", fn.Label, "listing", b.String())
		}
	}

	return nil
}

func allocFn(tr tlog.Span, fn *x64.Fn) {
	number(fn)
	cfg(fn)

	gpr := &class{tr: tr, fn: fn, gpr: true, numRegs: fn.NumGPRs, numPregs: x64.NumGPRs}
	gpr.alloc()

	sse := &class{tr: tr, fn: fn, numRegs: fn.NumXMMs, numPregs: x64.NumXMMs}
	sse.alloc()

	deleteRedundantMoves(fn)
}

// number assigns dense indices; one extra program point is reserved at
// the end of each block for values that are live-out.
func number(fn *x64.Fn) {
	n := 0

	for bb := fn.Entry; bb != nil; bb = bb.Next {
		for ins := bb.Head; ins != nil; ins = ins.Next {
			ins.N = n
			n++
		}

		n++
	}
}

func link(before, after *x64.BB) {
	before.Succ = append(before.Succ, after)
	after.Pred = append(after.Pred, before)
}

// cfg populates predecessor and successor edges from each block's
// trailing jumps, falling through to the lexically next block when no
// unconditional jump or return redirects it.
func cfg(fn *x64.Fn) {
	for bb := fn.Entry; bb != nil; bb = bb.Next {
		bb.Pred, bb.Succ = nil, nil
	}

	for bb := fn.Entry; bb != nil; bb = bb.Next {
		falls := true

		for ins := bb.Last; ins != nil; ins = ins.Prev {
			switch {
			case ins.Op == x64.Jmp:
				link(bb, ins.L.BB)
				falls = false
			case ins.Op.IsCondJmp():
				link(bb, ins.L.BB)
			case ins.Op == x64.Ret:
				falls = false
			}

			if ins.Op != x64.Jmp && !ins.Op.IsCondJmp() {
				break
			}
		}

		if falls && bb.Next != nil {
			link(bb, bb.Next)
		}
	}
}

// ---- Live ranges ----

// mark extends the list to cover idx, merging into an adjacent interval
// when possible.
func (r rangeList) mark(idx int) rangeList {
	for i := range r {
		switch {
		case idx >= r[i].Start && idx <= r[i].End:
			return r
		case idx == r[i].Start-1:
			r[i].Start--
			return r
		case idx == r[i].End+1:
			r[i].End++
			return r
		}
	}

	return append(r, interval{Start: idx, End: idx})
}

// intersect ignores a single shared boundary point: a value dying at the
// instruction that defines another may share a register with it.
func (a interval) intersect(b interval) bool {
	return a.Start < b.End && b.Start < a.End
}

func (a rangeList) intersect(b rangeList) bool {
	for _, x := range a {
		for _, y := range b {
			if x.intersect(y) {
				return true
			}
		}
	}

	return false
}

func (r rangeList) String() string {
	var b strings.Builder

	for i, in := range r {
		if i != 0 {
			b.WriteByte(' ')
		}

		fmt.Fprintf(&b, "[%d,%d]", in.Start, in.End)
	}

	return b.String()
}

// ---- Liveness ----

func (c *class) markOpr(opr *x64.Operand, live *set.Bitmap) {
	if opr == nil {
		return
	}

	if c.gpr {
		switch opr.Kind {
		case x64.OprGPR:
			live.Set(opr.Reg)
		case x64.OprMem:
			if opr.Base != 0 {
				live.Set(opr.Base)
			}
			if opr.Index != 0 {
				live.Set(opr.Index)
			}
		}

		return
	}

	if opr.Kind == x64.OprXMM {
		live.Set(opr.Reg)
	}
}

func (c *class) markIns(ins *x64.Ins, live *set.Bitmap) {
	c.markOpr(ins.L, live)
	c.markOpr(ins.R, live)

	if c.gpr {
		// the stack and frame pointers are never up for grabs
		live.Set(x64.RSP)
		live.Set(x64.RBP)

		for _, reg := range x64.Clobbers[ins.Op] {
			live.Set(reg)
		}

		return
	}

	// no SSE register survives a call
	if ins.Op == x64.CallOp {
		for reg := x64.XMM0; reg < x64.NumXMMs; reg++ {
			live.Set(reg)
		}
	}
}

func (c *class) defined(ins *x64.Ins) (int, bool) {
	if ins.L == nil || !x64.DefsLeft[ins.Op] {
		return 0, false
	}

	if c.gpr && ins.L.Kind == x64.OprGPR || !c.gpr && ins.L.Kind == x64.OprXMM {
		return ins.L.Reg, true
	}

	return 0, false
}

// liveBB recomputes one block backward and reports whether its live-in
// set grew.
func (c *class) liveBB(bb *x64.BB, ranges []rangeList) bool {
	live := set.MakeBitmap(c.numRegs)

	for _, succ := range bb.Succ {
		live.Or(succ.LiveIn)
	}

	if bb.Last != nil {
		// live-out values extend to the program point past the last
		// instruction
		live.Range(func(reg int) bool {
			ranges[reg] = ranges[reg].mark(bb.Last.N + 1)
			return true
		})
	}

	for ins := bb.Last; ins != nil; ins = ins.Prev {
		c.markIns(ins, &live)

		live.Range(func(reg int) bool {
			ranges[reg] = ranges[reg].mark(ins.N)
			return true
		})

		if reg, ok := c.defined(ins); ok {
			live.Clear(reg)
		}

		// physical registers never stay live across instructions; they
		// are only ever pinned by fixed local patterns
		for reg := 0; reg < c.numPregs; reg++ {
			live.Clear(reg)
		}
	}

	return bb.LiveIn.OrChanged(live)
}

// liveRanges runs backward dataflow to a fixpoint, accumulating each
// register's liveness as a union of closed intervals.
func (c *class) liveRanges() []rangeList {
	ranges := make([]rangeList, c.numRegs)

	var worklist []*x64.BB

	for bb := c.fn.Entry; bb != nil; bb = bb.Next {
		bb.LiveIn = set.MakeBitmap(c.numRegs)
		worklist = append(worklist, bb)
	}

	for len(worklist) > 0 {
		bb := worklist[len(worklist)-1] // reverse emission order converges faster
		worklist = worklist[:len(worklist)-1]

		if c.liveBB(bb, ranges) {
			worklist = append(worklist, bb.Pred...)
		}
	}

	return ranges
}

// ---- Graphs ----

func newGraph(n int) *graph {
	return &graph{adj: make([]set.Bitmap, n)}
}

func (g *graph) addEdge(a, b int) {
	g.adj[a].Set(b)
	g.adj[b].Set(a)
}

func (g *graph) hasEdge(a, b int) bool {
	return g.adj[a].IsSet(b)
}

func (g *graph) degree(n int) int {
	return g.adj[n].Size()
}

func (g *graph) removeNode(n int) {
	g.adj[n].Range(func(m int) bool {
		g.adj[m].Clear(n)
		return true
	})

	g.adj[n].Reset()
}

// mergeNode folds src into dst, transferring src's edges.
func (g *graph) mergeNode(dst, src int) {
	g.adj[src].Range(func(m int) bool {
		if m != dst {
			g.addEdge(dst, m)
		}

		return true
	})

	g.removeNode(src)
}

func (g *graph) copy() *graph {
	c := newGraph(len(g.adj))

	for i := range g.adj {
		c.adj[i] = g.adj[i].Copy()
	}

	return c
}

// interference: an edge links two registers whose live ranges overlap.
// Two physical registers are never linked; their exclusion is
// definitional.
func (c *class) interference(ranges []rangeList) *graph {
	g := newGraph(c.numRegs)

	for a := 0; a < c.numRegs; a++ {
		if len(ranges[a]) == 0 {
			continue
		}

		for b := a + 1; b < c.numRegs; b++ {
			if a < c.numPregs && b < c.numPregs {
				continue
			}

			if ranges[a].intersect(ranges[b]) {
				g.addEdge(a, b)
			}
		}
	}

	return g
}

func (c *class) regOf(opr *x64.Operand) (int, bool) {
	if c.gpr && opr.Kind == x64.OprGPR || !c.gpr && opr.Kind == x64.OprXMM {
		return opr.Reg, true
	}

	return 0, false
}

// coalescing: an edge links the two sides of a register-to-register move
// when at least one is virtual and their ranges do not otherwise
// conflict.
func (c *class) coalescing(ranges []rangeList) *graph {
	g := newGraph(c.numRegs)

	for bb := c.fn.Entry; bb != nil; bb = bb.Next {
		for ins := bb.Head; ins != nil; ins = ins.Next {
			if !ins.Op.IsMov() || ins.R == nil {
				continue
			}

			l, ok := c.regOf(ins.L)
			if !ok {
				continue
			}

			r, ok := c.regOf(ins.R)
			if !ok {
				continue
			}

			if l == r || l < c.numPregs && r < c.numPregs {
				continue
			}

			if !ranges[l].intersect(ranges[r]) {
				g.addEdge(l, r)
			}
		}
	}

	return g
}

// ---- Coloring ----

type colorer struct {
	c *class

	ig *graph // working interference graph, nodes removed as they color
	cg *graph // working coalescing graph

	sel *graph // select-time interference, merges applied but no removals

	stack     []int
	coalesced []int // reg -> merge target; 0 = kept
	colors    []int // vreg -> assigned preg
	gone      []bool
}

func (c *class) alloc() {
	if c.numRegs == c.numPregs {
		return // nothing virtual to color
	}

	ranges := c.liveRanges()

	if c.tr.If("dump_live") {
		for reg := 0; reg < c.numRegs; reg++ {
			if len(ranges[reg]) == 0 {
				continue
			}

			c.tr.Printw("live range", "fn", c.fn.Label, "gpr", c.gpr, "reg", reg, "range", ranges[reg].String())
		}
	}

	ig := c.interference(ranges)
	cg := c.coalescing(ranges)

	if c.tr.If("dump_graph") {
		for reg := c.numPregs; reg < c.numRegs; reg++ {
			c.tr.Printw("interference", "fn", c.fn.Label, "gpr", c.gpr, "reg", reg, "degree", ig.degree(reg))
		}
	}

	co := &colorer{
		c:         c,
		ig:        ig.copy(),
		cg:        cg.copy(),
		sel:       ig.copy(),
		coalesced: make([]int, c.numRegs),
		colors:    make([]int, c.numRegs),
		gone:      make([]bool, c.numRegs),
	}

	// registers with no live range never appear in any instruction of
	// this class; drop them from consideration
	for reg := c.numPregs; reg < c.numRegs; reg++ {
		if len(ranges[reg]) == 0 {
			co.gone[reg] = true
		}
	}

	co.color()
	co.selectColors()

	if c.tr.If("dump_color") {
		for reg := c.numPregs; reg < c.numRegs; reg++ {
			if co.gone[reg] && co.coalesced[reg] == 0 && co.colors[reg] == 0 {
				continue
			}

			c.tr.Printw("color", "fn", c.fn.Label, "gpr", c.gpr, "reg", reg,
				"coalesced", co.coalesced[reg], "color", co.colors[reg])
		}
	}

	c.rewrite(co)
}

func (co *colorer) alive(reg int) bool {
	return reg >= co.c.numPregs && !co.gone[reg]
}

// simplify removes trivially colorable move-unrelated nodes until none
// remain, reporting whether anything happened.
func (co *colorer) simplify() bool {
	progress := false

	for {
		found := false

		for reg := co.c.numPregs; reg < co.c.numRegs; reg++ {
			if !co.alive(reg) || co.ig.degree(reg) >= co.c.numPregs || co.cg.degree(reg) > 0 {
				continue
			}

			co.stack = append(co.stack, reg)
			co.ig.removeNode(reg)
			co.cg.removeNode(reg)
			co.gone[reg] = true

			found, progress = true, true
		}

		if !found {
			return progress
		}
	}
}

// briggs accepts a merge when the combined node has fewer significant
// degree neighbors than there are physical registers.
func (co *colorer) briggs(a, b int) bool {
	significant := 0

	neighbors := co.ig.adj[a].Copy()
	neighbors.Or(co.ig.adj[b])
	neighbors.Clear(a)
	neighbors.Clear(b)

	neighbors.Range(func(m int) bool {
		if co.ig.degree(m) >= co.c.numPregs {
			significant++
		}

		return true
	})

	return significant < co.c.numPregs
}

func (co *colorer) coalesce() bool {
	for a := 0; a < co.c.numRegs; a++ {
		ok := true

		co.cg.adj[a].Range(func(b int) bool {
			if b < a || co.ig.hasEdge(a, b) || !co.briggs(a, b) {
				return true
			}

			// fold the virtual side into the physical one
			dst, src := a, b
			if src < co.c.numPregs {
				dst, src = src, dst
			}

			co.coalesced[src] = dst
			co.ig.mergeNode(dst, src)
			co.cg.mergeNode(dst, src)
			co.sel.mergeNode(dst, src)
			co.gone[src] = true

			ok = false // adjacency changed under us, restart

			return false
		})

		if !ok {
			return true
		}
	}

	return false
}

// freeze abandons coalescing for one low-degree move-related node so
// simplify can take it.
func (co *colorer) freeze() bool {
	for reg := co.c.numPregs; reg < co.c.numRegs; reg++ {
		if !co.alive(reg) || co.ig.degree(reg) >= co.c.numPregs || co.cg.degree(reg) == 0 {
			continue
		}

		co.cg.removeNode(reg)

		return true
	}

	return false
}

// spill pushes a significant-degree node optimistically; select may
// still find it a register.
func (co *colorer) spill() bool {
	for reg := co.c.numPregs; reg < co.c.numRegs; reg++ {
		if !co.alive(reg) {
			continue
		}

		co.stack = append(co.stack, reg)
		co.ig.removeNode(reg)
		co.cg.removeNode(reg)
		co.gone[reg] = true

		return true
	}

	return false
}

func (co *colorer) color() {
	for {
		if co.simplify() {
			continue
		}
		if co.coalesce() {
			continue
		}
		if co.freeze() {
			continue
		}
		if !co.spill() {
			return
		}
	}
}

// resolve follows the coalescing chain, then the color map.
func (co *colorer) resolve(reg int) int {
	for co.coalesced[reg] != 0 {
		reg = co.coalesced[reg]
	}

	if reg < co.c.numPregs {
		return reg
	}

	return co.colors[reg]
}

// selectColors pops the stack in reverse, assigning each node the lowest
// physical register none of its neighbors resolved to.
func (co *colorer) selectColors() {
	for i := len(co.stack) - 1; i >= 0; i-- {
		reg := co.stack[i]

		taken := set.MakeBitmap(co.c.numPregs)

		co.sel.adj[reg].Range(func(m int) bool {
			if p := co.resolve(m); p != 0 {
				taken.Set(p)
			}

			return true
		})

		assigned := 0

		for p := 1; p < co.c.numPregs; p++ {
			if !taken.IsSet(p) {
				assigned = p
				break
			}
		}

		if assigned == 0 {
			panic(bail{err: errors.New("unimplemented: register spilling in %v", co.c.fn.Label)})
		}

		co.colors[reg] = assigned
	}
}

// ---- Rewrite ----

func (c *class) rewriteReg(co *colorer, reg int) int {
	if reg < c.numPregs {
		return reg
	}

	p := co.resolve(reg)
	if p == 0 || p >= c.numPregs {
		panic(errors.New("virtual register %v survived allocation in %v", reg, c.fn.Label))
	}

	return p
}

func (c *class) rewriteOpr(co *colorer, opr *x64.Operand) {
	if opr == nil {
		return
	}

	switch {
	case c.gpr && opr.Kind == x64.OprGPR:
		opr.Reg = c.rewriteReg(co, opr.Reg)
	case c.gpr && opr.Kind == x64.OprMem:
		if opr.Base != 0 {
			opr.Base = c.rewriteReg(co, opr.Base)
		}
		if opr.Index != 0 {
			opr.Index = c.rewriteReg(co, opr.Index)
		}
	case !c.gpr && opr.Kind == x64.OprXMM:
		opr.Reg = c.rewriteReg(co, opr.Reg)
	}
}

func (c *class) rewrite(co *colorer) {
	for bb := c.fn.Entry; bb != nil; bb = bb.Next {
		for ins := bb.Head; ins != nil; ins = ins.Next {
			c.rewriteOpr(co, ins.L)
			c.rewriteOpr(co, ins.R)
		}
	}

	if c.gpr {
		c.fn.NumGPRs = x64.NumGPRs
	} else {
		c.fn.NumXMMs = x64.NumXMMs
	}
}

// deleteRedundantMoves drops moves whose operands collapsed to the same
// register. Widening moves are exempt: the extension is a side effect
// worth keeping even in place.
func deleteRedundantMoves(fn *x64.Fn) {
	for bb := fn.Entry; bb != nil; bb = bb.Next {
		var next *x64.Ins

		for ins := bb.Head; ins != nil; ins = next {
			next = ins.Next

			if !ins.Op.IsMov() || ins.Op.IsExtMov() || ins.R == nil {
				continue
			}

			if ins.L.Kind != ins.R.Kind {
				continue
			}

			if (ins.L.Kind == x64.OprGPR || ins.L.Kind == x64.OprXMM) && ins.L.Reg == ins.R.Reg {
				ins.Remove()
			}
		}
	}
}
