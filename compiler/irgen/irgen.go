// Package irgen lowers the typed AST to IR.
//
// Locals become stack slots accessed through explicit loads and stores.
// Short-circuit conditions are kept lazy as conditional branches carrying
// two chains of unresolved jump targets, collapsed back into values only
// when one is actually needed.
package irgen

import (
	"context"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/cc64lang/cc64/compiler/ast"
	"github.com/cc64lang/cc64/compiler/ir"
)

const globalPrefix = "_G."

const (
	sFile = 1 << iota
	sBlock
	sLoop
	sSwitch
)

type (
	gen struct {
		tr tlog.Span

		globals []*ir.Global
		names   map[string]*ir.Global

		fn *ir.Fn

		labels map[string]*ir.BB
		gotos  []gotoRef
	}

	gotoRef struct {
		name string
		slot **ir.BB
		pos  ast.Pos
	}

	scope struct {
		outer *scope
		kind  int
		g     *gen

		vars map[string]*ir.Ins // OpAlloc instruction per local

		breaks    []ir.BrChain // sLoop, sSwitch
		continues []ir.BrChain // sLoop
		cases     []*ir.BB     // sSwitch
	}

	bail struct {
		err error
	}
)

// Compile lowers a whole translation unit, returning its globals in
// definition order. Compilation is all-or-nothing, the first fatal
// condition aborts the unit.
func Compile(ctx context.Context, prog []*ast.Node) (globals []*ir.Global, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "irgen", "decls", len(prog))
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

	g := &gen{
		tr:    tr,
		names: map[string]*ir.Global{},
	}

	file := &scope{kind: sFile, g: g}

	for _, n := range prog {
		g.topLevel(file, n)
	}

	return g.globals, nil
}

func errf(pos ast.Pos, format string, args ...interface{}) {
	panic(bail{err: errors.New("%v: "+format, append([]interface{}{pos}, args...)...)})
}

func unimpf(pos ast.Pos, format string, args ...interface{}) {
	panic(bail{err: errors.New("%v: unimplemented: "+format, append([]interface{}{pos}, args...)...)})
}

// ---- Scopes ----

func (s *scope) enter(kind int) *scope {
	return &scope{
		outer: s,
		kind:  kind,
		g:     s.g,
		vars:  map[string]*ir.Ins{},
	}
}

func (s *scope) find(kind int) *scope {
	for s != nil && s.kind&kind == 0 {
		s = s.outer
	}

	return s
}

func (s *scope) defLocal(name string, alloc *ir.Ins) {
	if alloc.Op != ir.OpAlloc {
		panic(alloc.Op)
	}

	s.vars[name] = alloc
}

func (s *scope) findLocal(name string) *ir.Ins {
	for ; s.outer != nil; s = s.outer {
		if ins, ok := s.vars[name]; ok {
			return ins
		}
	}

	return nil
}

// ---- Emission ----

func (s *scope) emit(op ir.Op, t *ir.Type) *ir.Ins {
	return s.g.fn.Last.Append(ir.NewIns(op, t))
}

// emitBB starts a fresh block, reusing the current one when it is still
// empty.
func (s *scope) emitBB() *ir.BB {
	if s.g.fn.Last.Last == nil {
		return s.g.fn.Last
	}

	return s.g.fn.AppendBB(ir.NewBB())
}

func (s *scope) emitImm(v uint64, t *ir.Type) *ir.Ins {
	ins := s.emit(ir.OpImm, t)
	ins.Imm = v

	return ins
}

// ---- Types ----

func irType(t *ast.Type) *ir.Type {
	switch t.Kind {
	case ast.Void:
		return nil
	case ast.Char:
		return irIntType(ir.I8, t)
	case ast.Short:
		return irIntType(ir.I16, t)
	case ast.Int, ast.Enum:
		return irIntType(ir.I32, t)
	case ast.Long, ast.LLong:
		return irIntType(ir.I64, t)
	case ast.Float:
		return ir.NewType(ir.F32)
	case ast.Double, ast.LDouble:
		return ir.NewType(ir.F64)
	case ast.Ptr, ast.Fn:
		return ir.NewType(ir.Ptr)
	case ast.Arr:
		if t.IsVLA() {
			panic(t)
		}

		arr := ir.NewArr(irType(t.Elem), t.ArrLen())
		arr.Size = t.Size

		return arr
	case ast.Struct:
		obj := ir.NewType(ir.Struct)
		obj.Size = t.Size
		obj.Align = t.Align

		for _, f := range t.Fields {
			obj.Fields = append(obj.Fields, ir.TypeField{Type: irType(f.Type), Offset: f.Offset})
		}

		return obj
	case ast.Union:
		// A union lowers to its widest field.
		var max *ir.Type

		for _, f := range t.Fields {
			v := irType(f.Type)
			if max == nil || v.Size > max.Size {
				max = v
			}
		}

		return max
	default:
		panic(t.Kind)
	}
}

func irIntType(k ir.TypeKind, t *ast.Type) *ir.Type {
	r := ir.NewType(k)
	r.Unsigned = t.Unsigned

	return r
}

func irLinkage(l ast.Linkage) ir.Linkage {
	switch l {
	case ast.LStatic:
		return ir.LStatic
	case ast.LExtern:
		return ir.LExtern
	default:
		return ir.LNone
	}
}

// ---- Globals ----

func (g *gen) defGlobal(name, label string) *ir.Global {
	if name != "" {
		if old, ok := g.names[name]; ok {
			return old
		}
	}

	gl := &ir.Global{Label: label}
	g.globals = append(g.globals, gl)

	if name != "" {
		g.names[name] = gl
	}

	return gl
}

func (g *gen) defConstGlobal(n *ast.Node) *ir.Global {
	label := globalPrefix + itoa(len(g.globals))
	gl := g.foldConst(n)
	gl.Label = label
	g.globals = append(g.globals, gl)

	return gl
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}

	var b [20]byte
	i := len(b)

	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}

	return string(b[i:])
}

// foldConst turns a constant-folded initializer tree into a Global value.
// The front end guarantees the tree only contains constants by the time it
// reaches us.
func (g *gen) foldConst(n *ast.Node) *ir.Global {
	switch n.Kind {
	case ast.Imm:
		return &ir.Global{Kind: ir.KImm, Type: irType(n.Type), Imm: n.Imm}
	case ast.Fp:
		return &ir.Global{Kind: ir.KFp, Type: irType(n.Type), Fp: n.Fp}
	case ast.Str:
		return &ir.Global{
			Kind: ir.KStr,
			Type: ir.NewArr(ir.NewType(ir.I8), len(n.Str)+1),
			Str:  n.Str,
		}
	case ast.KPtr:
		target := g.names[n.Global.Name]
		if target == nil {
			errf(n.Pos, "use of undeclared global %v", n.Global.Name)
		}

		return &ir.Global{Kind: ir.KPtr, Type: ir.NewType(ir.Ptr), Ptr: target, Off: n.Off}
	case ast.Init:
		return g.foldCompositeConst(n)
	default:
		errf(n.Pos, "global initializer is not constant")
		panic("unreachable")
	}
}

func (g *gen) foldCompositeConst(n *ast.Node) *ir.Global {
	t := irType(n.Type)
	gl := &ir.Global{Kind: ir.KComposite, Type: t}

	for i, e := range n.Elems {
		if e == nil { // zero-filled by the encoder
			continue
		}

		off := 0

		switch n.Type.Kind {
		case ast.Arr:
			off = i * n.Type.Elem.Size
		case ast.Struct, ast.Union:
			off = n.Type.Fields[i].Offset
		default:
			panic(n.Type.Kind)
		}

		gl.Elems = append(gl.Elems, ir.GlobalElem{Off: off, G: g.foldConst(e)})
	}

	return gl
}

// ---- Branch chains ----

var astCmp = map[ast.Kind][2]ir.Op{
	ast.Eq:  {ir.OpEq, ir.OpEq},
	ast.NEq: {ir.OpNEq, ir.OpNEq},
	ast.Lt:  {ir.OpLt, ir.OpULt},
	ast.Le:  {ir.OpLe, ir.OpULe},
	ast.Gt:  {ir.OpGt, ir.OpUGt},
	ast.Ge:  {ir.OpGe, ir.OpUGe},
}

// cmpOp picks the signed or unsigned comparison form from the operand
// type. Pointers and floats compare unsigned, floats because ucomiss sets
// the carry-style flags.
func cmpOp(k ast.Kind, operand *ast.Type) ir.Op {
	ops := astCmp[k]

	if operand.Unsigned || operand.Kind == ast.Ptr || operand.Kind == ast.Arr || operand.IsFp() {
		return ops[1]
	}

	return ops[0]
}

func patchChain(chain []ir.BrChain, target *ir.BB) {
	for _, c := range chain {
		*c.Slot = target
	}
}

// discharge collapses a lazy condition back into a value. Single
// comparisons take the fast path: no new block, just the comparison,
// inverted in place when its false target is still the natural one.
// Everything else materializes a merge block with 1/0 constants and a phi;
// the final branch contributes its comparison value directly so the exact
// boolean is preserved.
func (s *scope) discharge(br *ir.Ins) *ir.Ins {
	if br.Op != ir.OpCondBr {
		return br
	}

	if len(br.TrueChain) == 1 && len(br.FalseChain) == 1 {
		cond := br.Cond

		// chains swapped an odd number of times mean the value is negated
		if br.FalseChain[0].Slot != &br.False {
			cond.Op = ir.InvertOp[cond.Op]
		}

		br.Remove()

		return cond
	}

	bb := s.emitBB()
	ktrue := s.emitImm(1, ir.NewType(ir.I32))
	kfalse := s.emitImm(0, ir.NewType(ir.I32))
	phi := s.emit(ir.OpPhi, ir.NewType(ir.I32))

	for _, c := range br.TrueChain {
		if c.Ins != br { // the last condition is added separately
			phi.AddPhi(c.Ins.BB, ktrue)
		}
	}

	for _, c := range br.FalseChain {
		if c.Ins != br {
			phi.AddPhi(c.Ins.BB, kfalse)
		}
	}

	swapped := false

	for _, c := range br.TrueChain {
		if c.Ins == br && c.Slot == &br.False {
			swapped = true
		}
	}

	patchChain(br.TrueChain, bb)
	patchChain(br.FalseChain, bb)

	if swapped {
		br.Cond.Op = ir.InvertOp[br.Cond.Op]
	}

	phi.AddPhi(br.BB, br.Cond)

	br.Op = ir.OpBr // the last condition falls through unconditionally
	br.Br = bb

	return phi
}

func (s *scope) toCond(cond *ir.Ins) *ir.Ins {
	if cond.Op == ir.OpCondBr {
		return cond
	}

	cond = s.discharge(cond)

	if !cond.Op.IsCmp() {
		var zero *ir.Ins
		if cond.Type != nil && cond.Type.IsFp() {
			zero = s.emit(ir.OpFp, cond.Type)
		} else {
			zero = s.emitImm(0, cond.Type)
		}

		cmp := s.emit(ir.OpNEq, ir.NewType(ir.I32))
		cmp.L = cond
		cmp.R = zero
		cond = cmp
	}

	br := s.emit(ir.OpCondBr, nil)
	br.Cond = cond
	br.TrueChain = append(br.TrueChain, ir.BrChain{Slot: &br.True, Ins: br})
	br.FalseChain = append(br.FalseChain, ir.BrChain{Slot: &br.False, Ins: br})

	return br
}

// ---- Expressions ----

func (s *scope) emitConv(src *ir.Ins, dt *ir.Type, unsigned bool) *ir.Ins {
	st := src.Type

	var op ir.Op

	switch {
	case st.IsInt() && dt.IsFp():
		op = ir.OpI2Fp
	case st.IsFp() && dt.IsInt():
		op = ir.OpFp2I
	case st.IsNum() && dt.IsNum():
		switch {
		case dt.Size < st.Size:
			op = ir.OpTrunc
		case unsigned:
			op = ir.OpZExt
		default:
			op = ir.OpSExt
		}
	case st.IsInt() && (dt.Kind == ir.Ptr || dt.Kind == ir.Arr):
		op = ir.OpI2Ptr
	case (st.Kind == ir.Ptr || st.Kind == ir.Arr) && dt.IsInt():
		op = ir.OpPtr2I
	case st.Kind == ir.Arr && dt.Kind == ir.Ptr:
		zero := s.emitImm(0, ir.NewType(ir.I64))
		idx := s.emit(ir.OpIdx, dt)
		idx.L = src
		idx.R = zero

		return idx
	case st.Kind == ir.Ptr && dt.Kind == ir.Arr:
		op = ir.OpBitcast
	case (st.Kind == ir.Ptr || st.Kind == ir.Arr) && (dt.Kind == ir.Ptr || dt.Kind == ir.Arr):
		return src
	default:
		panic(st.Kind)
	}

	conv := s.emit(op, dt)
	conv.L = src

	return conv
}

// emitLoad produces the value of the object of type t behind the pointer
// src. Aggregates are never loaded, their value is their address; a
// non-VLA array decays to a pointer to its first element.
func (s *scope) emitLoad(src *ir.Ins, t *ast.Type) *ir.Ins {
	if src.Type.Kind != ir.Ptr {
		panic(src.Type.Kind)
	}

	switch {
	case t.IsVLA():
		unimpf(ast.Pos{}, "variable length arrays")
		panic("unreachable")
	case t.Kind == ast.Struct || t.Kind == ast.Union || t.Kind == ast.Fn:
		return src
	case t.Kind == ast.Arr:
		zero := s.emitImm(0, ir.NewType(ir.I64))
		arr := s.emit(ir.OpIdx, irType(t))
		arr.L = src
		arr.R = zero

		return arr
	default:
		load := s.emit(ir.OpLoad, irType(t))
		load.L = src

		return load
	}
}

func (s *scope) emitStore(dst, src *ir.Ins, t *ast.Type) {
	if dst.Type.Kind != ir.Ptr {
		panic(dst.Type.Kind)
	}

	if t.Kind == ast.Struct || t.Kind == ast.Union { // aggregates copy byte-wise
		size := s.emitImm(uint64(src.Type.Size), ir.NewType(ir.I64))
		cp := s.emit(ir.OpCopy, nil)
		cp.L = dst
		cp.R = src
		cp.Len = size

		return
	}

	st := s.emit(ir.OpStore, nil)
	st.L = dst
	st.R = src
}

func (s *scope) operand(n *ast.Node) *ir.Ins {
	switch n.Kind {
	case ast.Imm:
		return s.emitImm(n.Imm, irType(n.Type))
	case ast.Fp:
		ins := s.emit(ir.OpFp, irType(n.Type))
		ins.Fp = n.Fp

		return ins
	case ast.Str:
		ins := s.emit(ir.OpGlobal, ir.NewType(ir.Ptr))
		ins.Global = s.g.defConstGlobal(n)

		return ins
	case ast.Init:
		return s.initLocal(n)
	case ast.Local:
		alloc := s.findLocal(n.Name)
		if alloc == nil {
			errf(n.Pos, "use of undeclared variable %v", n.Name)
		}

		return s.emitLoad(alloc, n.Type)
	case ast.Global:
		g := s.g.names[n.Name]
		if g == nil {
			errf(n.Pos, "use of undeclared global %v", n.Name)
		}

		ins := s.emit(ir.OpGlobal, ir.NewType(ir.Ptr))
		ins.Global = g

		return s.emitLoad(ins, n.Type)
	case ast.KPtr:
		return s.kptr(n)
	default:
		panic(n.Kind)
	}
}

func (s *scope) kptr(n *ast.Node) *ir.Ins {
	g := s.g.names[n.Global.Name]
	if g == nil {
		errf(n.Pos, "use of undeclared global %v", n.Global.Name)
	}

	ins := s.emit(ir.OpGlobal, ir.NewType(ir.Ptr))
	ins.Global = g

	if n.Off == 0 {
		return ins
	}

	off := n.Off
	op := ir.OpAdd

	if off < 0 {
		off = -off
		op = ir.OpSub
	}

	offset := s.emitImm(uint64(off), ir.NewType(ir.I64))
	arith := s.emit(op, ir.NewType(ir.Ptr))
	arith.L = ins
	arith.R = offset

	return arith
}

func (s *scope) binop(n *ast.Node, op ir.Op) *ir.Ins {
	l := s.discharge(s.expr(n.L))
	r := s.discharge(s.expr(n.R))

	ins := s.emit(op, irType(n.Type))
	ins.L = l
	ins.R = r

	return ins
}

func (s *scope) ptrSub(n *ast.Node) *ir.Ins { // <ptr> - <ptr>
	l := s.discharge(s.expr(n.L))
	r := s.discharge(s.expr(n.R))

	t := irType(n.Type)
	l = s.emitConv(l, t, false)
	r = s.emitConv(r, t, false)

	sub := s.emit(ir.OpSub, t)
	sub.L = l
	sub.R = r

	size := s.emitImm(uint64(n.L.Type.Ptr.Size), t)
	div := s.emit(ir.OpUDiv, t)
	div.L = sub
	div.R = size

	return div
}

func (s *scope) ptrArith(n *ast.Node) *ir.Ins { // <ptr> +/- <int>
	l := s.discharge(s.expr(n.L))
	r := s.discharge(s.expr(n.R))

	ptr, offset := l, r
	elem := n.L.Type

	if n.L.Type.Kind != ast.Ptr && n.L.Type.Kind != ast.Arr {
		ptr, offset = r, l
		elem = n.R.Type
	}

	if elem.Kind == ast.Ptr {
		elem = elem.Ptr
	} else {
		elem = elem.Elem
	}

	if elem.IsVLA() {
		unimpf(n.Pos, "variable length arrays")
	}

	if n.Kind == ast.Sub || n.Kind == ast.ASub { // negate the offset
		zero := s.emitImm(0, offset.Type)
		sub := s.emit(ir.OpSub, offset.Type)
		sub.L = zero
		sub.R = offset
		offset = sub
	}

	scale := s.emitImm(uint64(elem.Size), offset.Type)
	mul := s.emit(ir.OpMul, offset.Type)
	mul.L = offset
	mul.R = scale

	idx := s.emit(ir.OpIdx, ir.NewType(ir.Ptr))
	idx.L = ptr
	idx.R = mul

	return idx
}

func (s *scope) assign(n *ast.Node) *ir.Ins {
	r := s.discharge(s.expr(n.R))
	l := s.expr(n.L)

	dst := l

	if l.Op == ir.OpLoad { // base types; aggregates are already addresses
		dst = l.L
		l.Remove()
	}

	s.emitStore(dst, r, n.R.Type)

	return r // assignment evaluates to its right operand
}

func (s *scope) arithAssign(n *ast.Node, op ir.Op) *ir.Ins {
	binop := s.binop(n, op)

	lvalue := binop.L
	if lvalue.Op != ir.OpLoad {
		lvalue = lvalue.L // a conversion in the way
	}

	if lvalue.Op != ir.OpLoad {
		panic(lvalue.Op)
	}

	target := n.L.Type
	if n.L.Kind == ast.Conv {
		target = n.L.L.Type
	}

	// may need a truncation, e.g. 'char a = 3; char *b = &a; *b += 1'
	irTarget := irType(target)
	result := binop

	if binop.Type.Kind != irTarget.Kind {
		result = s.emitConv(binop, irTarget, target.Unsigned)
	}

	s.emitStore(lvalue.L, result, n.Type)

	return binop
}

func (s *scope) logAnd(n *ast.Node) *ir.Ins {
	l := s.toCond(s.expr(n.L))

	rbb := s.emitBB()
	patchChain(l.TrueChain, rbb)

	r := s.toCond(s.expr(n.R))
	r.FalseChain = append(r.FalseChain, l.FalseChain...)

	return r
}

func (s *scope) logOr(n *ast.Node) *ir.Ins {
	l := s.toCond(s.expr(n.L))

	rbb := s.emitBB()
	patchChain(l.FalseChain, rbb)

	r := s.toCond(s.expr(n.R))
	r.TrueChain = append(r.TrueChain, l.TrueChain...)

	return r
}

func (s *scope) logNot(n *ast.Node) *ir.Ins {
	l := s.toCond(s.expr(n.L))
	if l.Op != ir.OpCondBr {
		panic(l.Op)
	}

	l.TrueChain, l.FalseChain = l.FalseChain, l.TrueChain

	return l
}

func (s *scope) ternary(n *ast.Node) *ir.Ins {
	cond := s.toCond(s.expr(n.Cond))

	trueBB := s.emitBB()
	patchChain(cond.TrueChain, trueBB)
	trueVal := s.discharge(s.expr(n.Then))
	trueBr := s.emit(ir.OpBr, nil)

	falseBB := s.emitBB()
	patchChain(cond.FalseChain, falseBB)
	falseVal := s.discharge(s.expr(n.Els))
	falseBr := s.emit(ir.OpBr, nil)

	after := s.emitBB()
	trueBr.Br = after
	falseBr.Br = after

	phi := s.emit(ir.OpPhi, irType(n.Type))
	phi.AddPhi(trueBr.BB, trueVal)
	phi.AddPhi(falseBr.BB, falseVal)

	return phi
}

func (s *scope) neg(n *ast.Node) *ir.Ins {
	l := s.discharge(s.expr(n.L))

	zero := s.emitImm(0, irType(n.Type))
	sub := s.emit(ir.OpSub, irType(n.Type))
	sub.L = zero
	sub.R = l

	return sub
}

func (s *scope) bitNot(n *ast.Node) *ir.Ins {
	l := s.discharge(s.expr(n.L))

	ones := s.emitImm(^uint64(0), irType(n.Type))
	xor := s.emit(ir.OpBitXor, irType(n.Type))
	xor.L = l
	xor.R = ones

	return xor
}

func (s *scope) incDec(n *ast.Node) *ir.Ins {
	isSub := n.Kind == ast.PreDec || n.Kind == ast.PostDec

	t := n.Type
	if t.Kind == ast.Ptr {
		llong := ast.NewType(ast.LLong)
		llong.Unsigned = true
		t = llong
	}

	opk := ast.Add
	if isSub {
		opk = ast.Sub
	}

	one := &ast.Node{Kind: ast.Imm, Type: t, Imm: 1, Pos: n.Pos}
	op := &ast.Node{Kind: opk, Type: n.Type, L: n.L, R: one, Pos: n.Pos}

	result := s.expr(op)

	lvalue := result.L
	if lvalue.Op != ir.OpLoad {
		panic(lvalue.Op)
	}

	s.emitStore(lvalue.L, result, n.Type)

	if n.Kind == ast.PreInc || n.Kind == ast.PreDec {
		return result
	}

	return lvalue // postfix evaluates to the old value
}

func (s *scope) deref(n *ast.Node) *ir.Ins {
	op := s.discharge(s.expr(n.L))

	return s.emitLoad(op, n.Type)
}

func (s *scope) addr(n *ast.Node) *ir.Ins {
	l := s.expr(n.L)

	if l.Op == ir.OpLoad { // base types
		l.Remove()
		return l.L
	}

	return l // aggregates and functions are already addresses
}

func (s *scope) conv(n *ast.Node) *ir.Ins {
	l := s.discharge(s.expr(n.L))

	return s.emitConv(l, irType(n.Type), n.L.Type.Unsigned)
}

func (s *scope) arrayAccess(n *ast.Node) *ir.Ins {
	ptr := s.ptrArith(n)

	return s.emitLoad(ptr, n.Type)
}

func (s *scope) fieldAccess(n *ast.Node) *ir.Ins {
	obj := n.Obj.Type
	if obj.Kind != ast.Struct && obj.Kind != ast.Union {
		panic(obj.Kind)
	}

	f := obj.Fields[n.FieldIdx]

	if obj.Kind == ast.Union { // all fields share the object's address
		ptr := s.discharge(s.expr(n.Obj))

		return s.emitLoad(ptr, f.Type)
	}

	ptr := s.discharge(s.expr(n.Obj))

	zero := s.emitImm(0, ir.NewType(ir.I64))
	base := s.emit(ir.OpIdx, irType(obj)) // the struct itself
	base.L = ptr
	base.R = zero

	offset := s.emitImm(uint64(f.Offset), ir.NewType(ir.I64))
	idx := s.emit(ir.OpIdx, ir.NewType(ir.Ptr)) // pointer to the field
	idx.L = base
	idx.R = offset

	return s.emitLoad(idx, f.Type)
}

func (s *scope) call(n *ast.Node) *ir.Ins {
	fnT := n.Fn.Type
	if fnT.Kind == ast.Ptr {
		fnT = fnT.Ptr
	}

	if fnT.Kind != ast.Fn {
		panic(fnT.Kind)
	}

	fn := s.discharge(s.expr(n.Fn))

	args := make([]*ir.Ins, len(n.Args))
	for i, arg := range n.Args {
		args[i] = s.discharge(s.expr(arg))
	}

	call := s.emit(ir.OpCall, irType(n.Type))
	call.L = fn

	for i, arg := range n.Args {
		carg := s.emit(ir.OpCArg, irType(arg.Type))
		carg.L = args[i]
	}

	return call
}

func (s *scope) expr(n *ast.Node) *ir.Ins {
	switch n.Kind {
	case ast.Add:
		if n.L.Type.Kind == ast.Ptr || n.R.Type.Kind == ast.Ptr {
			return s.ptrArith(n)
		}

		return s.binop(n, ir.OpAdd)
	case ast.Sub:
		if n.L.Type.Kind == ast.Ptr && n.R.Type.Kind == ast.Ptr {
			return s.ptrSub(n)
		} else if n.L.Type.Kind == ast.Ptr || n.R.Type.Kind == ast.Ptr {
			return s.ptrArith(n)
		}

		return s.binop(n, ir.OpSub)
	case ast.Mul:
		return s.binop(n, ir.OpMul)
	case ast.Div:
		return s.binop(n, divOp(n.Type))
	case ast.Mod:
		return s.binop(n, modOp(n.Type))
	case ast.BitAnd:
		return s.binop(n, ir.OpBitAnd)
	case ast.BitOr:
		return s.binop(n, ir.OpBitOr)
	case ast.BitXor:
		return s.binop(n, ir.OpBitXor)
	case ast.Shl:
		return s.binop(n, ir.OpShl)
	case ast.Shr:
		return s.binop(n, shrOp(n.Type))
	case ast.Eq, ast.NEq, ast.Lt, ast.Le, ast.Gt, ast.Ge:
		return s.binop(n, cmpOp(n.Kind, n.L.Type))
	case ast.LogAnd:
		return s.logAnd(n)
	case ast.LogOr:
		return s.logOr(n)
	case ast.Assign:
		return s.assign(n)
	case ast.AAdd:
		return s.arithAssign(n, ir.OpAdd)
	case ast.ASub:
		return s.arithAssign(n, ir.OpSub)
	case ast.AMul:
		return s.arithAssign(n, ir.OpMul)
	case ast.ADiv:
		return s.arithAssign(n, divOp(n.Type))
	case ast.AMod:
		return s.arithAssign(n, modOp(n.Type))
	case ast.ABitAnd:
		return s.arithAssign(n, ir.OpBitAnd)
	case ast.ABitOr:
		return s.arithAssign(n, ir.OpBitOr)
	case ast.ABitXor:
		return s.arithAssign(n, ir.OpBitXor)
	case ast.AShl:
		return s.arithAssign(n, ir.OpShl)
	case ast.AShr:
		return s.arithAssign(n, shrOp(n.Type))
	case ast.Comma:
		s.discharge(s.expr(n.L)) // discard the left operand
		return s.expr(n.R)
	case ast.Ternary:
		return s.ternary(n)
	case ast.Neg:
		return s.neg(n)
	case ast.BitNot:
		return s.bitNot(n)
	case ast.LogNot:
		return s.logNot(n)
	case ast.PreInc, ast.PreDec, ast.PostInc, ast.PostDec:
		return s.incDec(n)
	case ast.Deref:
		return s.deref(n)
	case ast.Addr:
		return s.addr(n)
	case ast.Conv:
		return s.conv(n)
	case ast.Idx:
		return s.arrayAccess(n)
	case ast.Call:
		return s.call(n)
	case ast.Member:
		return s.fieldAccess(n)
	default:
		return s.operand(n)
	}
}

func divOp(t *ast.Type) ir.Op {
	switch {
	case t.IsFp():
		return ir.OpFDiv
	case t.Unsigned:
		return ir.OpUDiv
	default:
		return ir.OpSDiv
	}
}

func modOp(t *ast.Type) ir.Op {
	if t.Unsigned {
		return ir.OpUMod
	}

	return ir.OpSMod
}

func shrOp(t *ast.Type) ir.Op {
	if t.Unsigned {
		return ir.OpShr
	}

	return ir.OpSar
}

// ---- Initializers ----

func isConstInit(n *ast.Node) bool {
	for _, e := range n.Elems {
		if e == nil {
			continue
		}

		switch e.Kind {
		case ast.Imm, ast.Fp, ast.Str, ast.KPtr:
		case ast.Init:
			if !isConstInit(e) {
				return false
			}
		default:
			return false
		}
	}

	return true
}

// initLocal lowers a braced initializer: constant ones become an anonymous
// data global copied into the slot, the rest are stored element-wise.
func (s *scope) initLocal(n *ast.Node) *ir.Ins {
	if n.Kind != ast.Init {
		panic(n.Kind)
	}

	if isConstInit(n) {
		return s.constInit(n)
	}

	alloc := s.emit(ir.OpAlloc, ir.NewType(ir.Ptr))
	alloc.AllocType = irType(n.Type)

	zero := s.emitImm(0, ir.NewType(ir.I64))
	base := s.emit(ir.OpIdx, alloc.AllocType)
	base.L = alloc
	base.R = zero

	s.initElem(n, n.Type, base)

	return alloc
}

func (s *scope) constInit(n *ast.Node) *ir.Ins {
	g := s.g.defConstGlobal(n)

	src := s.emit(ir.OpGlobal, ir.NewType(ir.Ptr))
	src.Global = g

	dst := s.emit(ir.OpAlloc, ir.NewType(ir.Ptr))
	dst.AllocType = irType(n.Type)

	size := s.emitImm(uint64(dst.AllocType.Size), ir.NewType(ir.I64))

	cp := s.emit(ir.OpCopy, nil)
	cp.L = dst
	cp.R = src
	cp.Len = size

	return dst
}

func (s *scope) initElem(n *ast.Node, t *ast.Type, elem *ir.Ins) {
	if n == nil {
		if t.Kind == ast.Arr || t.Kind == ast.Struct || t.Kind == ast.Union {
			size := s.emitImm(uint64(t.Size), ir.NewType(ir.I64))
			z := s.emit(ir.OpZero, nil)
			z.L = elem
			z.R = size

			return
		}

		zero := s.emitImm(0, irType(t))
		st := s.emit(ir.OpStore, nil)
		st.L = elem
		st.R = zero

		return
	}

	switch t.Kind {
	case ast.Arr:
		s.arrayInit(n, elem)
	case ast.Struct, ast.Union:
		s.structInit(n, elem)
	default:
		v := s.discharge(s.expr(n))
		st := s.emit(ir.OpStore, nil)
		st.L = elem
		st.R = v
	}
}

func (s *scope) arrayInit(n *ast.Node, elem *ir.Ins) {
	for i, v := range n.Elems {
		offset := s.emitImm(uint64(i*n.Type.Elem.Size), ir.NewType(ir.I64))
		next := s.emit(ir.OpIdx, ir.NewType(ir.Ptr))
		next.L = elem
		next.R = offset

		s.initElem(v, n.Type.Elem, next)
	}
}

func (s *scope) structInit(n *ast.Node, obj *ir.Ins) {
	for i, v := range n.Elems {
		f := n.Type.Fields[i]

		offset := s.emitImm(uint64(f.Offset), ir.NewType(ir.I64))
		idx := s.emit(ir.OpIdx, ir.NewType(ir.Ptr))
		idx.L = obj
		idx.R = offset

		s.initElem(v, f.Type, idx)
	}
}

// ---- Statements ----

func (s *scope) decl(n *ast.Node) {
	if n.Var.Type.Kind == ast.Fn {
		return // not an object, no stack space
	}

	if n.Var.Kind != ast.Local {
		panic(n.Var.Kind)
	}

	if n.Var.Type.IsVLA() {
		unimpf(n.Var.Pos, "variable length arrays")
	}

	var alloc *ir.Ins

	if n.Val != nil && n.Val.Kind == ast.Init {
		alloc = s.initLocal(n.Val)
	} else {
		alloc = s.emit(ir.OpAlloc, ir.NewType(ir.Ptr))
		alloc.AllocType = irType(n.Var.Type)
	}

	s.defLocal(n.Var.Name, alloc)

	if n.Val != nil && n.Val.Kind != ast.Init {
		v := s.discharge(s.expr(n.Val))
		s.emitStore(alloc, v, n.Val.Type)
	}
}

func (s *scope) ifStmt(n *ast.Node) {
	var brs []ir.BrChain

	for n != nil && n.Cond != nil { // if and else-if arms
		cond := s.toCond(s.expr(n.Cond))

		body := s.emitBB()
		patchChain(cond.TrueChain, body)
		s.block(n.Body)

		endBr := s.emit(ir.OpBr, nil)
		brs = append(brs, ir.BrChain{Slot: &endBr.Br, Ins: endBr})

		after := s.emitBB()
		patchChain(cond.FalseChain, after)

		n = n.Els
	}

	if n != nil { // plain else
		s.block(n.Body)

		endBr := s.emit(ir.OpBr, nil)
		brs = append(brs, ir.BrChain{Slot: &endBr.Br, Ins: endBr})

		s.emitBB()
	}

	patchChain(brs, s.g.fn.Last)
}

func (s *scope) whileStmt(n *ast.Node) {
	beforeBr := s.emit(ir.OpBr, nil)
	condBB := s.emitBB()
	beforeBr.Br = condBB

	cond := s.toCond(s.expr(n.Cond))

	loop := s.enter(sLoop)
	bodyBB := s.emitBB()
	patchChain(cond.TrueChain, bodyBB)
	loop.block(n.Body)

	endBr := s.emit(ir.OpBr, nil)
	endBr.Br = condBB

	afterBB := s.emitBB()
	patchChain(cond.FalseChain, afterBB)
	patchChain(loop.breaks, afterBB)
	patchChain(loop.continues, condBB)
}

func (s *scope) doWhileStmt(n *ast.Node) {
	beforeBr := s.emit(ir.OpBr, nil)

	loop := s.enter(sLoop)
	bodyBB := s.emitBB()
	beforeBr.Br = bodyBB
	loop.block(n.Body)

	bodyBr := s.emit(ir.OpBr, nil)
	condBB := s.emitBB()
	bodyBr.Br = condBB

	cond := s.toCond(s.expr(n.Cond))
	patchChain(cond.TrueChain, bodyBB)

	afterBB := s.emitBB()
	patchChain(cond.FalseChain, afterBB)
	patchChain(loop.breaks, afterBB)
	patchChain(loop.continues, condBB)
}

func (s *scope) forStmt(n *ast.Node) {
	inner := s.enter(sBlock) // the init declaration scopes to the loop

	if n.Init != nil {
		inner.stmt(n.Init)
	}

	beforeBr := inner.emit(ir.OpBr, nil)

	var startBB *ir.BB
	var cond *ir.Ins

	if n.Cond != nil {
		startBB = inner.emitBB()
		beforeBr.Br = startBB
		cond = inner.toCond(inner.expr(n.Cond))
	}

	loop := inner.enter(sLoop)
	body := loop.emitBB()

	if cond != nil {
		patchChain(cond.TrueChain, body)
	} else {
		startBB = body
		beforeBr.Br = body
	}

	loop.block(n.Body)
	endBr := loop.emit(ir.OpBr, nil)

	continueBB := startBB

	if n.Inc != nil {
		incBB := inner.emitBB()
		endBr.Br = incBB
		inner.discharge(inner.expr(n.Inc))

		incBr := inner.emit(ir.OpBr, nil)
		incBr.Br = startBB
		continueBB = incBB
	} else {
		endBr.Br = startBB
	}

	after := inner.emitBB()

	if cond != nil {
		patchChain(cond.FalseChain, after)
	}

	patchChain(loop.breaks, after)
	patchChain(loop.continues, continueBB)
}

func (s *scope) switchStmt(n *ast.Node) {
	cond := s.discharge(s.expr(n.Cond))

	var brs []**ir.BB // one slot per case, nil marks the default
	var falseBr **ir.BB

	for _, c := range n.Cases {
		if c.Kind != ast.Case {
			brs = append(brs, nil)
			continue
		}

		val := s.discharge(s.expr(c.Cond))
		cmp := s.emit(ir.OpEq, ir.NewType(ir.I32))
		cmp.L = cond
		cmp.R = val

		br := s.emit(ir.OpCondBr, nil)
		br.Cond = cmp
		brs = append(brs, &br.True)
		falseBr = &br.False

		next := s.emitBB()
		*falseBr = next
	}

	swtch := s.enter(sSwitch)
	swtch.block(n.Body)

	endBr := s.emit(ir.OpBr, nil)
	after := s.emitBB()
	endBr.Br = after
	patchChain(swtch.breaks, after)

	if falseBr != nil {
		*falseBr = after // in case there is no default
	}

	if len(brs) != len(swtch.cases) {
		panic(len(brs))
	}

	for i, br := range brs {
		if br != nil { // case
			*br = swtch.cases[i]
		} else if falseBr != nil { // default
			*falseBr = swtch.cases[i]
		}
	}
}

func (s *scope) caseStmt(n *ast.Node) {
	swtch := s.find(sSwitch)
	if swtch == nil {
		errf(n.Pos, "case outside switch")
	}

	endBr := s.emit(ir.OpBr, nil)
	bb := s.emitBB()
	endBr.Br = bb

	if n.Stmt != nil {
		s.stmt(n.Stmt)
	}

	swtch.cases = append(swtch.cases, bb)
}

func (s *scope) breakStmt(n *ast.Node) {
	target := s.find(sSwitch | sLoop)
	if target == nil {
		errf(n.Pos, "break outside loop or switch")
	}

	br := s.emit(ir.OpBr, nil)
	target.breaks = append(target.breaks, ir.BrChain{Slot: &br.Br, Ins: br})
}

func (s *scope) continueStmt(n *ast.Node) {
	loop := s.find(sLoop)
	if loop == nil {
		errf(n.Pos, "continue outside loop")
	}

	br := s.emit(ir.OpBr, nil)
	loop.continues = append(loop.continues, ir.BrChain{Slot: &br.Br, Ins: br})
}

func (s *scope) gotoStmt(n *ast.Node) {
	br := s.emit(ir.OpBr, nil)
	s.g.gotos = append(s.g.gotos, gotoRef{name: n.Name, slot: &br.Br, pos: n.Pos})
}

func (s *scope) labelStmt(n *ast.Node) {
	if _, ok := s.g.labels[n.Name]; ok {
		errf(n.Pos, "duplicate label %v", n.Name)
	}

	endBr := s.emit(ir.OpBr, nil)
	bb := s.emitBB()
	endBr.Br = bb

	s.g.labels[n.Name] = bb

	if n.Stmt != nil {
		s.stmt(n.Stmt)
	}
}

func (s *scope) retStmt(n *ast.Node) {
	var v *ir.Ins
	if n.Ret != nil {
		v = s.discharge(s.expr(n.Ret))
	}

	ret := s.emit(ir.OpRet, nil)
	ret.L = v
}

func (s *scope) stmt(n *ast.Node) {
	switch n.Kind {
	case ast.Typedef:
	case ast.Decl:
		s.decl(n)
	case ast.If:
		s.ifStmt(n)
	case ast.While:
		s.whileStmt(n)
	case ast.DoWhile:
		s.doWhileStmt(n)
	case ast.For:
		s.forStmt(n)
	case ast.Switch:
		s.switchStmt(n)
	case ast.Case, ast.Default:
		s.caseStmt(n)
	case ast.Break:
		s.breakStmt(n)
	case ast.Continue:
		s.continueStmt(n)
	case ast.Goto:
		s.gotoStmt(n)
	case ast.Label:
		s.labelStmt(n)
	case ast.Return:
		s.retStmt(n)
	default:
		s.discharge(s.expr(n))
	}
}

func (s *scope) block(stmts []*ast.Node) {
	inner := s.enter(sBlock)

	for _, n := range stmts {
		inner.stmt(n)
	}
}

// ---- Top level ----

func (g *gen) fnArgs(s *scope, n *ast.Node) {
	if n.Type.Vararg {
		unimpf(n.Pos, "vararg function definitions")
	}

	fargs := make([]*ir.Ins, len(n.ParamNames))

	for i, t := range n.Type.Params {
		ins := s.emit(ir.OpFArg, irType(t))
		ins.ArgNum = i
		fargs[i] = ins
	}

	for i, name := range n.ParamNames {
		t := n.Type.Params[i]

		alloc := s.emit(ir.OpAlloc, ir.NewType(ir.Ptr))
		alloc.AllocType = irType(t)

		s.emitStore(alloc, fargs[i], t)
		s.defLocal(name, alloc)
	}
}

func (g *gen) fnDef(file *scope, n *ast.Node) {
	gl := g.defGlobal(n.Name, "_"+n.Name)
	if gl.Kind != ir.KNone {
		errf(n.Pos, "redefinition of %v", n.Name)
	}

	fn := ir.NewFn()
	fn.Linkage = irLinkage(n.Type.Linkage)

	gl.Kind = ir.KFn
	gl.Type = irType(n.Type)
	gl.Linkage = fn.Linkage
	gl.Fn = fn

	g.fn = fn
	g.labels = map[string]*ir.BB{}
	g.gotos = nil

	body := file.enter(sBlock)
	g.fnArgs(body, n)

	for _, stmt := range n.Body {
		body.stmt(stmt)
	}

	if fn.Last.Last == nil || fn.Last.Last.Op != ir.OpRet {
		body.emit(ir.OpRet, nil) // implicit return
	}

	for _, ref := range g.gotos {
		bb := g.labels[ref.name]
		if bb == nil {
			errf(ref.pos, "use of undeclared label %v", ref.name)
		}

		*ref.slot = bb
	}

	g.fn = nil

	if g.tr.If("dump_ir") {
		var b strings.Builder
		fn.Fprint(&b)
		g.tr.Printw("function ir", "label", gl.Label, "listing", b.String())
	}
}

func (g *gen) globalDecl(n *ast.Node) {
	name := n.Var.Name

	gl := g.defGlobal(name, "_"+name)

	if n.Val == nil {
		if gl.Type == nil {
			gl.Type = irType(n.Var.Type)
			gl.Linkage = irLinkage(n.Var.Type.Linkage)
		}

		return // declaration only, stays a placeholder until defined
	}

	if gl.Kind != ir.KNone {
		errf(n.Pos, "redefinition of %v", name)
	}

	v := g.foldConst(n.Val)

	gl.Kind = v.Kind
	gl.Type = irType(n.Var.Type)
	gl.Linkage = irLinkage(n.Var.Type.Linkage)
	gl.Imm = v.Imm
	gl.Fp = v.Fp
	gl.Str = v.Str
	gl.Ptr = v.Ptr
	gl.Off = v.Off
	gl.Elems = v.Elems
}

func (g *gen) topLevel(file *scope, n *ast.Node) {
	switch n.Kind {
	case ast.Decl:
		g.globalDecl(n)
	case ast.FnDef:
		g.fnDef(file, n)
	case ast.Typedef:
	default:
		panic(n.Kind)
	}
}
