// Package front is a minimal C front end: a hand-rolled lexer and a
// recursive descent parser producing the typed AST the backend consumes.
//
// The supported subset is the one the backend implements: the integer and
// floating base types, pointers, one-dimensional arrays, functions, the
// full operator set, and all statements. Usual arithmetic conversions and
// array decay are applied here as explicit conversion nodes.
package front

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/cc64lang/cc64/compiler/ast"
)

type (
	parser struct {
		lex *lexer

		tok    token
		peeked token
		have   bool

		globals map[string]*ast.Type
		scopes  []map[string]*ast.Type

		ret *ast.Type // return type of the function being parsed

		prog []*ast.Node
	}

	bail struct {
		err error
	}
)

// Parse turns one translation unit into a list of top level declarations.
func Parse(ctx context.Context, file string, src []byte) (prog []*ast.Node, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "parse", "file", file)
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

	p := &parser{
		lex:     newLexer(file, src),
		globals: map[string]*ast.Type{},
	}

	p.next()

	for p.tok.kind != tEOF {
		p.top()
	}

	return p.prog, nil
}

func errf(pos ast.Pos, format string, args ...interface{}) {
	args = append([]interface{}{pos}, args...)
	panic(bail{err: errors.New("%v: "+format, args...)})
}

// ---- Token plumbing ----

func (p *parser) next() {
	if p.have {
		p.tok, p.have = p.peeked, false
		return
	}

	p.tok = p.lex.next()
}

func (p *parser) peek() token {
	if !p.have {
		p.peeked, p.have = p.lex.next(), true
	}

	return p.peeked
}

func (p *parser) at(punct string) bool {
	return p.tok.kind == tPunct && p.tok.text == punct
}

func (p *parser) atWord(word string) bool {
	return p.tok.kind == tIdent && p.tok.text == word
}

func (p *parser) eat(punct string) bool {
	if !p.at(punct) {
		return false
	}

	p.next()

	return true
}

func (p *parser) expect(punct string) {
	if !p.eat(punct) {
		errf(p.tok.pos, "expected %q, found %q", punct, p.tok.text)
	}
}

func (p *parser) eatWord(word string) bool {
	if !p.atWord(word) {
		return false
	}

	p.next()

	return true
}

func (p *parser) ident() string {
	if p.tok.kind != tIdent {
		errf(p.tok.pos, "expected an identifier, found %q", p.tok.text)
	}

	name := p.tok.text
	p.next()

	return name
}

// ---- Scopes ----

func (p *parser) push() {
	p.scopes = append(p.scopes, map[string]*ast.Type{})
}

func (p *parser) pop() {
	p.scopes = p.scopes[:len(p.scopes)-1]
}

func (p *parser) declare(pos ast.Pos, name string, t *ast.Type) {
	if len(p.scopes) == 0 {
		// redeclarations at file scope are legal; definition clashes are
		// the IR builder's to report
		p.globals[name] = t

		return
	}

	top := p.scopes[len(p.scopes)-1]
	if _, ok := top[name]; ok {
		errf(pos, "redeclaration of %v", name)
	}

	top[name] = t
}

// lookup resolves a name to a variable reference node.
func (p *parser) lookup(pos ast.Pos, name string) *ast.Node {
	for i := len(p.scopes) - 1; i >= 0; i-- {
		if t, ok := p.scopes[i][name]; ok {
			return &ast.Node{Kind: ast.Local, Type: t, Name: name, Pos: pos}
		}
	}

	if t, ok := p.globals[name]; ok {
		return &ast.Node{Kind: ast.Global, Type: t, Name: name, Pos: pos}
	}

	errf(pos, "use of undeclared identifier %v", name)
	panic("unreachable")
}

// ---- Types ----

var typeWords = map[string]bool{
	"void": true, "char": true, "short": true, "int": true, "long": true,
	"float": true, "double": true, "signed": true, "unsigned": true,
	"static": true, "extern": true, "const": true,
}

func (p *parser) atType() bool {
	return p.tok.kind == tIdent && typeWords[p.tok.text]
}

// declspec parses storage class and base type specifiers.
func (p *parser) declspec() (*ast.Type, ast.Linkage) {
	pos := p.tok.pos
	linkage := ast.LNone

	unsigned, signed := false, false
	kind := ast.TypeKind(0)
	longs := 0

loop:
	for p.tok.kind == tIdent {
		switch p.tok.text {
		case "static":
			linkage = ast.LStatic
		case "extern":
			linkage = ast.LExtern
		case "const":
			// constness does not change code generation here
		case "unsigned":
			unsigned = true
		case "signed":
			signed = true
		case "long":
			longs++
		case "void":
			kind = ast.Void
		case "char":
			kind = ast.Char
		case "short":
			kind = ast.Short
		case "int":
			kind = ast.Int
		case "float":
			kind = ast.Float
		case "double":
			kind = ast.Double
		default:
			break loop
		}

		p.next()
	}

	switch {
	case longs >= 2:
		kind = ast.LLong
	case longs == 1:
		if kind == ast.Double {
			kind = ast.LDouble
		} else {
			kind = ast.Long
		}
	case kind == 0 && (unsigned || signed):
		kind = ast.Int
	case kind == 0:
		errf(pos, "expected a type")
	}

	t := ast.NewType(kind)
	t.Unsigned = unsigned

	return t, linkage
}

// declarator parses pointers, the name, and an array or function suffix.
func (p *parser) declarator(base *ast.Type) (t *ast.Type, name string, params []string) {
	t = base

	for p.eat("*") {
		t = ast.PtrTo(t)
	}

	name = p.ident()

	switch {
	case p.eat("["):
		if p.tok.kind != tNum || p.tok.isFp {
			errf(p.tok.pos, "expected a constant array length")
		}

		n := int(p.tok.imm)
		p.next()
		p.expect("]")

		t = ast.ArrOf(t, n)
	case p.eat("("):
		fn := ast.NewType(ast.Fn)
		fn.Ret = t

		if p.atWord("void") && p.peek().kind == tPunct && p.peek().text == ")" {
			p.next()
		}

		for !p.at(")") {
			if len(fn.Params) > 0 {
				p.expect(",")
			}

			pbase, _ := p.declspec()
			pt, pname, _ := p.declarator(pbase)

			if pt.Kind == ast.Arr { // parameters decay
				pt = ast.PtrTo(pt.Elem)
			}

			fn.Params = append(fn.Params, pt)
			params = append(params, pname)
		}

		p.expect(")")

		t = fn
	}

	return t, name, params
}

// ---- Declarations ----

func (p *parser) top() {
	base, linkage := p.declspec()

	if p.eat(";") {
		return
	}

	if linkage == ast.LNone {
		linkage = ast.LExtern // external linkage is the C default
	}

	t, name, params := p.declarator(base)
	t.Linkage = linkage

	pos := p.tok.pos

	if t.Kind == ast.Fn && p.at("{") {
		p.declare(pos, name, t)
		p.ret = t.Ret

		p.push()
		for i, pname := range params {
			p.declare(pos, pname, t.Params[i])
		}

		body := p.blockBody()
		p.pop()

		p.prog = append(p.prog, &ast.Node{
			Kind: ast.FnDef, Type: t, Name: name, ParamNames: params, Body: body, Pos: pos,
		})

		return
	}

	p.declare(pos, name, t)

	var val *ast.Node
	if p.eat("=") {
		val = p.initializer(t)
	}

	p.expect(";")

	p.prog = append(p.prog, &ast.Node{
		Kind: ast.Decl,
		Var:  &ast.Node{Kind: ast.Global, Type: t, Name: name, Pos: pos},
		Val:  val,
		Pos:  pos,
	})
}

// initializer parses either a brace list or a single expression.
func (p *parser) initializer(t *ast.Type) *ast.Node {
	pos := p.tok.pos

	if !p.at("{") {
		val := p.assignExpr()

		if t.Kind != ast.Arr {
			val = p.convTo(val, t)
		}

		return val
	}

	if t.Kind != ast.Arr {
		errf(pos, "brace initializer for a scalar")
	}

	p.expect("{")

	init := &ast.Node{Kind: ast.Init, Type: t, Pos: pos}

	for !p.at("}") {
		if len(init.Elems) > 0 {
			p.expect(",")

			if p.at("}") { // trailing comma
				break
			}
		}

		init.Elems = append(init.Elems, p.convTo(p.assignExpr(), t.Elem))
	}

	p.expect("}")

	if t.Len != nil && len(init.Elems) > t.ArrLen() {
		errf(pos, "too many initializers for an array of %v", t.ArrLen())
	}

	return init
}

func (p *parser) localDecl() *ast.Node {
	base, _ := p.declspec()
	t, name, _ := p.declarator(base)

	pos := p.tok.pos

	if t.Kind == ast.Fn {
		errf(pos, "function declaration in a block")
	}

	p.declare(pos, name, t)

	decl := &ast.Node{
		Kind: ast.Decl,
		Var:  &ast.Node{Kind: ast.Local, Type: t, Name: name, Pos: pos},
		Pos:  pos,
	}

	if p.eat("=") {
		decl.Val = p.initializer(t)
	}

	p.expect(";")

	return decl
}

// ---- Statements ----

func (p *parser) blockBody() []*ast.Node {
	p.expect("{")

	var list []*ast.Node

	for !p.at("}") {
		if p.at("{") {
			p.push()
			list = append(list, p.blockBody()...)
			p.pop()

			continue
		}

		list = append(list, p.stmt())
	}

	p.expect("}")

	return list
}

// body parses either a braced block or a single statement.
func (p *parser) body() []*ast.Node {
	if p.at("{") {
		p.push()
		defer p.pop()

		return p.blockBody()
	}

	return []*ast.Node{p.stmt()}
}

func (p *parser) stmt() *ast.Node {
	pos := p.tok.pos

	switch {
	case p.atType():
		return p.localDecl()
	case p.atWord("if"):
		return p.ifStmt()
	case p.atWord("while"):
		p.next()
		p.expect("(")
		cond := p.expr()
		p.expect(")")

		return &ast.Node{Kind: ast.While, Cond: cond, Body: p.body(), Pos: pos}
	case p.atWord("do"):
		p.next()
		body := p.body()

		if !p.eatWord("while") {
			errf(p.tok.pos, "expected while after a do body")
		}

		p.expect("(")
		cond := p.expr()
		p.expect(")")
		p.expect(";")

		return &ast.Node{Kind: ast.DoWhile, Cond: cond, Body: body, Pos: pos}
	case p.atWord("for"):
		return p.forStmt()
	case p.atWord("switch"):
		return p.switchStmt()
	case p.atWord("break"):
		p.next()
		p.expect(";")

		return &ast.Node{Kind: ast.Break, Pos: pos}
	case p.atWord("continue"):
		p.next()
		p.expect(";")

		return &ast.Node{Kind: ast.Continue, Pos: pos}
	case p.atWord("goto"):
		p.next()
		name := p.ident()
		p.expect(";")

		return &ast.Node{Kind: ast.Goto, Name: name, Pos: pos}
	case p.atWord("return"):
		p.next()

		ret := &ast.Node{Kind: ast.Return, Pos: pos}

		if !p.at(";") {
			ret.Ret = p.convTo(p.decay(p.expr()), p.ret)
		}

		p.expect(";")

		return ret
	case p.tok.kind == tIdent && !typeWords[p.tok.text] && p.peek().kind == tPunct && p.peek().text == ":":
		name := p.ident()
		p.next() // colon

		return &ast.Node{Kind: ast.Label, Name: name, Stmt: p.stmt(), Pos: pos}
	case p.eat(";"):
		return &ast.Node{Kind: ast.Imm, Type: ast.NewType(ast.Int), Pos: pos} // empty statement
	default:
		e := p.expr()
		p.expect(";")

		return e
	}
}

func (p *parser) ifStmt() *ast.Node {
	pos := p.tok.pos

	p.next()
	p.expect("(")
	cond := p.expr()
	p.expect(")")

	n := &ast.Node{Kind: ast.If, Cond: cond, Body: p.body(), Pos: pos}

	if !p.eatWord("else") {
		return n
	}

	if p.atWord("if") {
		n.Els = p.ifStmt()
	} else {
		n.Els = &ast.Node{Kind: ast.If, Body: p.body(), Pos: pos}
	}

	return n
}

func (p *parser) forStmt() *ast.Node {
	pos := p.tok.pos

	p.next()
	p.expect("(")

	n := &ast.Node{Kind: ast.For, Pos: pos}

	p.push()
	defer p.pop()

	switch {
	case p.eat(";"):
	case p.atType():
		n.Init = p.localDecl() // eats the semicolon
	default:
		n.Init = p.expr()
		p.expect(";")
	}

	if !p.at(";") {
		n.Cond = p.expr()
	}
	p.expect(";")

	if !p.at(")") {
		n.Inc = p.expr()
	}
	p.expect(")")

	n.Body = p.body()

	return n
}

func (p *parser) switchStmt() *ast.Node {
	pos := p.tok.pos

	p.next()
	p.expect("(")
	cond := p.expr()
	p.expect(")")

	n := &ast.Node{Kind: ast.Switch, Cond: cond, Pos: pos}

	p.push()
	defer p.pop()

	p.expect("{")

	for !p.at("}") {
		switch {
		case p.eatWord("case"):
			c := &ast.Node{Kind: ast.Case, Pos: p.tok.pos}
			c.Cond = p.condExpr()
			p.expect(":")

			if !p.atWord("case") && !p.atWord("default") && !p.at("}") {
				c.Stmt = p.stmt()
			}

			n.Body = append(n.Body, c)
			n.Cases = append(n.Cases, c)
		case p.eatWord("default"):
			c := &ast.Node{Kind: ast.Default, Pos: p.tok.pos}
			p.expect(":")

			if !p.atWord("case") && !p.atWord("default") && !p.at("}") {
				c.Stmt = p.stmt()
			}

			n.Body = append(n.Body, c)
			n.Cases = append(n.Cases, c)
		default:
			n.Body = append(n.Body, p.stmt())
		}
	}

	p.expect("}")

	return n
}
