package front

import (
	"github.com/cc64lang/cc64/compiler/ast"
)

var intT = ast.NewType(ast.Int)

// ---- Conversions ----

func sameType(a, b *ast.Type) bool {
	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case ast.Ptr:
		return sameType(a.Ptr, b.Ptr)
	case ast.Arr:
		return sameType(a.Elem, b.Elem)
	default:
		return a.Unsigned == b.Unsigned
	}
}

// convTo converts n to type t, folding constants in place and wrapping
// everything else in an explicit conversion node.
func (p *parser) convTo(n *ast.Node, t *ast.Type) *ast.Node {
	if sameType(n.Type, t) {
		return n
	}

	switch {
	case n.Kind == ast.Imm && t.IsInt() || n.Kind == ast.Imm && t.Kind == ast.Ptr:
		return &ast.Node{Kind: ast.Imm, Type: t, Imm: n.Imm, Pos: n.Pos}
	case n.Kind == ast.Imm && t.IsFp():
		fp := float64(int64(n.Imm))
		if n.Type.Unsigned {
			fp = float64(n.Imm)
		}

		return &ast.Node{Kind: ast.Fp, Type: t, Fp: fp, Pos: n.Pos}
	case n.Kind == ast.Fp && t.IsFp():
		return &ast.Node{Kind: ast.Fp, Type: t, Fp: n.Fp, Pos: n.Pos}
	case n.Kind == ast.Fp && t.IsInt():
		return &ast.Node{Kind: ast.Imm, Type: t, Imm: uint64(int64(n.Fp)), Pos: n.Pos}
	default:
		return &ast.Node{Kind: ast.Conv, Type: t, L: n, Pos: n.Pos}
	}
}

// promote applies integer promotion: anything smaller than int widens.
func (p *parser) promote(n *ast.Node) *ast.Node {
	if n.Type.IsInt() && n.Type.Size < intT.Size {
		return p.convTo(n, intT)
	}

	return n
}

// decay turns an array value into a pointer to its first element.
func (p *parser) decay(n *ast.Node) *ast.Node {
	if n.Type.Kind != ast.Arr {
		return n
	}

	return &ast.Node{Kind: ast.Conv, Type: ast.PtrTo(n.Type.Elem), L: n, Pos: n.Pos}
}

// commonType implements the usual arithmetic conversions.
func commonType(a, b *ast.Type) *ast.Type {
	if a.IsFp() || b.IsFp() {
		k := a.Kind
		if !a.IsFp() || b.IsFp() && b.Kind > k {
			k = b.Kind
		}

		return ast.NewType(k)
	}

	ak, bk := a.Kind, b.Kind
	if ak < ast.Int {
		ak = ast.Int
	}
	if bk < ast.Int {
		bk = ast.Int
	}

	k := ak
	if bk > k {
		k = bk
	}

	t := ast.NewType(k)
	t.Unsigned = a.Unsigned && a.Size >= t.Size || b.Unsigned && b.Size >= t.Size

	return t
}

// ---- Expression grammar ----

func (p *parser) expr() *ast.Node {
	n := p.assignExpr()

	for p.at(",") {
		pos := p.tok.pos
		p.next()

		r := p.assignExpr()
		n = &ast.Node{Kind: ast.Comma, Type: r.Type, L: n, R: r, Pos: pos}
	}

	return n
}

var assignOps = map[string]ast.Kind{
	"=": ast.Assign, "+=": ast.AAdd, "-=": ast.ASub, "*=": ast.AMul,
	"/=": ast.ADiv, "%=": ast.AMod, "&=": ast.ABitAnd, "|=": ast.ABitOr,
	"^=": ast.ABitXor, "<<=": ast.AShl, ">>=": ast.AShr,
}

func isLvalue(n *ast.Node) bool {
	switch n.Kind {
	case ast.Local, ast.Global, ast.Deref, ast.Idx, ast.Member:
		return true
	default:
		return false
	}
}

func (p *parser) assignExpr() *ast.Node {
	n := p.condExpr()

	if p.tok.kind != tPunct {
		return n
	}

	kind, ok := assignOps[p.tok.text]
	if !ok {
		return n
	}

	pos := p.tok.pos
	p.next()

	if !isLvalue(n) {
		errf(pos, "assignment to a non-lvalue")
	}

	r := p.assignExpr()

	if kind == ast.Assign || n.Type.Kind != ast.Ptr {
		r = p.convTo(p.decay(r), n.Type)
	} else {
		r = p.convTo(p.promote(r), ast.NewType(ast.Long)) // p += n
	}

	return &ast.Node{Kind: kind, Type: n.Type, L: n, R: r, Pos: pos}
}

func (p *parser) condExpr() *ast.Node {
	n := p.binary(0)

	if !p.at("?") {
		return n
	}

	pos := p.tok.pos
	p.next()

	then := p.expr()
	p.expect(":")
	els := p.condExpr()

	t := then.Type

	if then.Type.IsNum() && els.Type.IsNum() {
		t = commonType(then.Type, els.Type)
		then = p.convTo(then, t)
		els = p.convTo(els, t)
	}

	return &ast.Node{Kind: ast.Ternary, Type: t, Cond: n, Then: then, Els: els, Pos: pos}
}

// precedence levels, loosest first
var binOps = []map[string]ast.Kind{
	{"||": ast.LogOr},
	{"&&": ast.LogAnd},
	{"|": ast.BitOr},
	{"^": ast.BitXor},
	{"&": ast.BitAnd},
	{"==": ast.Eq, "!=": ast.NEq},
	{"<": ast.Lt, "<=": ast.Le, ">": ast.Gt, ">=": ast.Ge},
	{"<<": ast.Shl, ">>": ast.Shr},
	{"+": ast.Add, "-": ast.Sub},
	{"*": ast.Mul, "/": ast.Div, "%": ast.Mod},
}

func (p *parser) binary(level int) *ast.Node {
	if level == len(binOps) {
		return p.unary()
	}

	n := p.binary(level + 1)

	for p.tok.kind == tPunct {
		kind, ok := binOps[level][p.tok.text]
		if !ok {
			return n
		}

		pos := p.tok.pos
		p.next()

		n = p.mkBinary(kind, n, p.binary(level+1), pos)
	}

	return n
}

func (p *parser) mkBinary(kind ast.Kind, l, r *ast.Node, pos ast.Pos) *ast.Node {
	n := &ast.Node{Kind: kind, L: l, R: r, Pos: pos}

	switch kind {
	case ast.LogAnd, ast.LogOr:
		n.Type = intT
	case ast.Eq, ast.NEq, ast.Lt, ast.Le, ast.Gt, ast.Ge:
		if l.Type.IsNum() && r.Type.IsNum() {
			t := commonType(l.Type, r.Type)
			n.L = p.convTo(l, t)
			n.R = p.convTo(r, t)
		}

		n.Type = intT
	case ast.Shl, ast.Shr:
		n.L = p.promote(l)
		n.R = p.promote(r)
		n.Type = n.L.Type
	case ast.Add, ast.Sub:
		if l.Type.Kind == ast.Ptr || l.Type.Kind == ast.Arr ||
			r.Type.Kind == ast.Ptr || r.Type.Kind == ast.Arr {
			return p.ptrBinary(n, kind, pos)
		}

		fallthrough
	default: // arithmetic on numbers
		if !l.Type.IsNum() || !r.Type.IsNum() {
			errf(pos, "invalid operands to a binary operation")
		}

		t := commonType(l.Type, r.Type)
		n.L = p.convTo(l, t)
		n.R = p.convTo(r, t)
		n.Type = t
	}

	return n
}

// ptrBinary types pointer addition and subtraction. The offset widens to
// long; the element size scaling happens during IR generation.
func (p *parser) ptrBinary(n *ast.Node, kind ast.Kind, pos ast.Pos) *ast.Node {
	l, r := n.L, n.R

	lp := l.Type.Kind == ast.Ptr || l.Type.Kind == ast.Arr
	rp := r.Type.Kind == ast.Ptr || r.Type.Kind == ast.Arr

	longT := ast.NewType(ast.Long)

	switch {
	case lp && rp:
		if kind != ast.Sub {
			errf(pos, "invalid pointer operands")
		}

		n.Type = longT // pointer difference
	case lp:
		n.R = p.convTo(p.promote(r), longT)

		n.Type = l.Type
		if l.Type.Kind == ast.Arr {
			n.Type = ast.PtrTo(l.Type.Elem)
		}
	default:
		if kind == ast.Sub {
			errf(pos, "cannot subtract a pointer from an integer")
		}

		n.L = p.convTo(p.promote(l), longT)

		n.Type = r.Type
		if r.Type.Kind == ast.Arr {
			n.Type = ast.PtrTo(r.Type.Elem)
		}
	}

	return n
}

func (p *parser) unary() *ast.Node {
	pos := p.tok.pos

	switch {
	case p.eat("-"):
		l := p.promote(p.unary())

		// fold constants so globals can be initialized with negatives
		switch l.Kind {
		case ast.Imm:
			return &ast.Node{Kind: ast.Imm, Type: l.Type, Imm: uint64(-int64(l.Imm)), Pos: pos}
		case ast.Fp:
			return &ast.Node{Kind: ast.Fp, Type: l.Type, Fp: -l.Fp, Pos: pos}
		}

		return &ast.Node{Kind: ast.Neg, Type: l.Type, L: l, Pos: pos}
	case p.eat("+"):
		return p.promote(p.unary())
	case p.eat("~"):
		l := p.promote(p.unary())
		return &ast.Node{Kind: ast.BitNot, Type: l.Type, L: l, Pos: pos}
	case p.eat("!"):
		return &ast.Node{Kind: ast.LogNot, Type: intT, L: p.unary(), Pos: pos}
	case p.eat("*"):
		l := p.decay(p.unary())
		if l.Type.Kind != ast.Ptr {
			errf(pos, "dereference of a non-pointer")
		}

		return &ast.Node{Kind: ast.Deref, Type: l.Type.Ptr, L: l, Pos: pos}
	case p.eat("&"):
		l := p.unary()
		if !isLvalue(l) && l.Type.Kind != ast.Fn {
			errf(pos, "taking the address of a non-lvalue")
		}

		return &ast.Node{Kind: ast.Addr, Type: ast.PtrTo(l.Type), L: l, Pos: pos}
	case p.eat("++"):
		l := p.unary()
		return &ast.Node{Kind: ast.PreInc, Type: l.Type, L: l, Pos: pos}
	case p.eat("--"):
		l := p.unary()
		return &ast.Node{Kind: ast.PreDec, Type: l.Type, L: l, Pos: pos}
	case p.atWord("sizeof"):
		p.next()
		return p.sizeofExpr(pos)
	case p.at("(") && p.peekIsType():
		p.next()
		base, _ := p.declspec()

		t := base
		for p.eat("*") {
			t = ast.PtrTo(t)
		}

		p.expect(")")

		return p.convTo(p.decay(p.unary()), t)
	default:
		return p.postfix()
	}
}

func (p *parser) peekIsType() bool {
	return p.peek().kind == tIdent && typeWords[p.peek().text]
}

func (p *parser) sizeofExpr(pos ast.Pos) *ast.Node {
	var t *ast.Type

	if p.at("(") && p.peekIsType() {
		p.next()

		base, _ := p.declspec()
		t = base

		for p.eat("*") {
			t = ast.PtrTo(t)
		}

		p.expect(")")
	} else {
		t = p.unary().Type
	}

	size := ast.NewType(ast.LLong)
	size.Unsigned = true

	return &ast.Node{Kind: ast.Imm, Type: size, Imm: uint64(t.Size), Pos: pos}
}

func (p *parser) postfix() *ast.Node {
	n := p.primary()

	for {
		pos := p.tok.pos

		switch {
		case p.eat("["):
			idx := p.expr()
			p.expect("]")

			base := n

			elem := base.Type.Elem
			if base.Type.Kind == ast.Ptr {
				elem = base.Type.Ptr
			} else if base.Type.Kind != ast.Arr {
				errf(pos, "indexing a non-array")
			}

			n = &ast.Node{
				Kind: ast.Idx, Type: elem,
				L: base, R: p.convTo(p.promote(idx), ast.NewType(ast.Long)),
				Pos: pos,
			}
		case p.eat("("):
			n = p.callExpr(n, pos)
		case p.eat("++"):
			n = &ast.Node{Kind: ast.PostInc, Type: n.Type, L: n, Pos: pos}
		case p.eat("--"):
			n = &ast.Node{Kind: ast.PostDec, Type: n.Type, L: n, Pos: pos}
		default:
			return n
		}
	}
}

func (p *parser) callExpr(fn *ast.Node, pos ast.Pos) *ast.Node {
	fnT := fn.Type
	if fnT.Kind == ast.Ptr {
		fnT = fnT.Ptr
	}

	if fnT.Kind != ast.Fn {
		errf(pos, "calling a non-function")
	}

	var args []*ast.Node

	for !p.at(")") {
		if len(args) > 0 {
			p.expect(",")
		}

		args = append(args, p.decay(p.assignExpr()))
	}

	p.expect(")")

	if len(args) != len(fnT.Params) {
		errf(pos, "expected %v arguments, got %v", len(fnT.Params), len(args))
	}

	for i, arg := range args {
		args[i] = p.convTo(arg, fnT.Params[i])
	}

	return &ast.Node{Kind: ast.Call, Type: fnT.Ret, Fn: fn, Args: args, Pos: pos}
}

func (p *parser) primary() *ast.Node {
	pos := p.tok.pos

	switch {
	case p.tok.kind == tNum && p.tok.isFp:
		t := ast.NewType(ast.Double)
		if p.tok.isFloat {
			t = ast.NewType(ast.Float)
		}

		n := &ast.Node{Kind: ast.Fp, Type: t, Fp: p.tok.fp, Pos: pos}
		p.next()

		return n
	case p.tok.kind == tNum:
		t := ast.NewType(ast.Int)
		if p.tok.long || p.tok.imm > 1<<31-1 {
			t = ast.NewType(ast.Long)
		}
		t.Unsigned = p.tok.unsigned

		n := &ast.Node{Kind: ast.Imm, Type: t, Imm: p.tok.imm, Pos: pos}
		p.next()

		return n
	case p.tok.kind == tStr:
		charT := ast.NewType(ast.Char)

		n := &ast.Node{
			Kind: ast.Str, Type: ast.ArrOf(charT, len(p.tok.text)+1),
			Str: p.tok.text, Pos: pos,
		}
		p.next()

		return n
	case p.tok.kind == tIdent && !typeWords[p.tok.text]:
		name := p.ident()
		return p.lookup(pos, name)
	case p.eat("("):
		n := p.expr()
		p.expect(")")

		return n
	default:
		errf(pos, "expected an expression, found %q", p.tok.text)
		panic("unreachable")
	}
}
