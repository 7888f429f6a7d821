package isel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cc64lang/cc64/compiler/ast"
	"github.com/cc64lang/cc64/compiler/irgen"
	"github.com/cc64lang/cc64/compiler/isel"
	"github.com/cc64lang/cc64/compiler/x64"
)

var intT = ast.NewType(ast.Int)

func nimm(v int64) *ast.Node {
	return &ast.Node{Kind: ast.Imm, Type: intT, Imm: uint64(v)}
}

func nlocal(name string) *ast.Node {
	return &ast.Node{Kind: ast.Local, Type: intT, Name: name}
}

func nbin(k ast.Kind, l, r *ast.Node) *ast.Node {
	return &ast.Node{Kind: k, Type: intT, L: l, R: r}
}

func nret(v *ast.Node) *ast.Node {
	return &ast.Node{Kind: ast.Return, Ret: v}
}

func nfn(name string, params []string, body ...*ast.Node) *ast.Node {
	t := ast.NewType(ast.Fn)
	t.Ret = intT
	t.Linkage = ast.LExtern

	for range params {
		t.Params = append(t.Params, intT)
	}

	return &ast.Node{Kind: ast.FnDef, Type: t, Name: name, ParamNames: params, Body: body}
}

func selectFn(t *testing.T, fn *ast.Node) *x64.Fn {
	ctx := context.Background()

	globals, err := irgen.Compile(ctx, []*ast.Node{fn})
	require.NoError(t, err)

	fns, err := isel.Select(ctx, globals)
	require.NoError(t, err)
	require.Len(t, fns, 1)

	return fns[0]
}

func forEach(fn *x64.Fn, f func(*x64.Ins)) {
	for bb := fn.Entry; bb != nil; bb = bb.Next {
		for ins := bb.Head; ins != nil; ins = ins.Next {
			f(ins)
		}
	}
}

func countOp(fn *x64.Fn, op x64.Op) (n int) {
	forEach(fn, func(ins *x64.Ins) {
		if ins.Op == op {
			n++
		}
	})

	return n
}

func TestLeafFrameElided(t *testing.T) {
	// int f() { return 42; }
	fn := selectFn(t, nfn("f", nil, nret(nimm(42))))

	// no stack slots, so the frame sub/add pair must be gone
	forEach(fn, func(ins *x64.Ins) {
		if (ins.Op == x64.Sub || ins.Op == x64.Add) && ins.L.Kind == x64.OprGPR {
			assert.NotEqual(t, x64.RSP, ins.L.Reg)
		}
	})

	assert.Equal(t, 1, countOp(fn, x64.Push))
	assert.Equal(t, 1, countOp(fn, x64.Pop))
	assert.Equal(t, 1, countOp(fn, x64.Ret))

	found := false
	forEach(fn, func(ins *x64.Ins) {
		if ins.Op == x64.Mov && ins.L.Kind == x64.OprGPR && ins.L.Reg == x64.RAX &&
			ins.R.Kind == x64.OprImm && ins.R.Imm == 42 {
			found = true
		}
	})
	assert.True(t, found, "return value should move straight into eax")
}

func TestFrameAlignedTo16(t *testing.T) {
	// int f() { int x = 1; return x; }
	fn := selectFn(t, nfn("f", nil,
		&ast.Node{Kind: ast.Decl, Var: nlocal("x"), Val: nimm(1)},
		nret(nlocal("x")),
	))

	subs, adds := 0, 0

	forEach(fn, func(ins *x64.Ins) {
		if ins.L == nil || ins.L.Kind != x64.OprGPR || ins.L.Reg != x64.RSP {
			return
		}

		switch ins.Op {
		case x64.Sub:
			subs++
			assert.Equal(t, uint64(16), ins.R.Imm)
		case x64.Add:
			adds++
			assert.Equal(t, uint64(16), ins.R.Imm)
		}
	})

	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, adds)
}

func TestStoreToFrameSlot(t *testing.T) {
	fn := selectFn(t, nfn("f", nil,
		&ast.Node{Kind: ast.Decl, Var: nlocal("x"), Val: nimm(7)},
		nret(nlocal("x")),
	))

	found := false
	forEach(fn, func(ins *x64.Ins) {
		if ins.Op == x64.Mov && ins.L.Kind == x64.OprMem && ins.L.Base == x64.RBP &&
			ins.R.Kind == x64.OprImm && ins.R.Imm == 7 {
			assert.Negative(t, ins.L.Disp, "locals live below the frame pointer")
			found = true
		}
	})
	assert.True(t, found, "initializer should store an immediate into [rbp-disp]")
}

func TestCondBrFallthroughFusion(t *testing.T) {
	// int f(int a, int b) { if (a > b) return 1; return 2; }
	fn := selectFn(t, nfn("f", []string{"a", "b"},
		&ast.Node{
			Kind: ast.If,
			Cond: nbin(ast.Gt, nlocal("a"), nlocal("b")),
			Body: []*ast.Node{nret(nimm(1))},
		},
		nret(nimm(2)),
	))

	// the true block is next in layout, so a single inverted conditional
	// jump suffices and no unconditional jump is emitted
	assert.Equal(t, 1, countOp(fn, x64.Jle))
	assert.Equal(t, 0, countOp(fn, x64.Jg))
	assert.Equal(t, 0, countOp(fn, x64.Jmp))
	assert.Equal(t, 1, countOp(fn, x64.Cmp))
}

func TestConditionNeverMaterialized(t *testing.T) {
	// int g(int x) { if (x) return 1; return 0; }
	fn := selectFn(t, nfn("g", []string{"x"},
		&ast.Node{
			Kind: ast.If,
			Cond: nlocal("x"),
			Body: []*ast.Node{nret(nimm(1))},
		},
		nret(nimm(0)),
	))

	// the branch consumes flags directly; no setcc in sight
	for op := x64.Sete; op <= x64.Setae; op++ {
		assert.Equal(t, 0, countOp(fn, op), "%v", op)
	}
}

func TestPhiBecomesMovesInPredecessors(t *testing.T) {
	// int f(int a, int b) { return a > b ? a : b; }
	fn := selectFn(t, nfn("f", []string{"a", "b"},
		nret(&ast.Node{
			Kind: ast.Ternary, Type: intT,
			Cond: nbin(ast.Gt, nlocal("a"), nlocal("b")),
			Then: nlocal("a"),
			Els:  nlocal("b"),
		}),
	))

	// the merged value is written in both arms, into the same virtual
	// register, in two different blocks
	blocks := map[int]map[*x64.BB]bool{}

	forEach(fn, func(ins *x64.Ins) {
		if ins.Op != x64.Mov || ins.L.Kind != x64.OprGPR || ins.L.Reg < x64.NumGPRs {
			return
		}

		if blocks[ins.L.Reg] == nil {
			blocks[ins.L.Reg] = map[*x64.BB]bool{}
		}

		blocks[ins.L.Reg][ins.BB] = true
	})

	merged := 0
	for _, bbs := range blocks {
		if len(bbs) == 2 {
			merged++
		}
	}

	assert.Equal(t, 1, merged, "exactly one register is defined in both arms")
}

func TestDivAndModResultRegisters(t *testing.T) {
	div := selectFn(t, nfn("div", []string{"a", "b"},
		nret(nbin(ast.Div, nlocal("a"), nlocal("b")))))

	assert.Equal(t, 1, countOp(div, x64.Cdq))
	assert.Equal(t, 1, countOp(div, x64.Idiv))

	found := false
	forEach(div, func(ins *x64.Ins) {
		if ins.Op == x64.Mov && ins.R != nil && ins.R.Kind == x64.OprGPR &&
			ins.R.Reg == x64.RAX && ins.Prev != nil && ins.Prev.Op == x64.Idiv {
			found = true
		}
	})
	assert.True(t, found, "quotient comes from rax")

	mod := selectFn(t, nfn("mod", []string{"a", "b"},
		nret(nbin(ast.Mod, nlocal("a"), nlocal("b")))))

	found = false
	forEach(mod, func(ins *x64.Ins) {
		if ins.Op == x64.Mov && ins.R != nil && ins.R.Kind == x64.OprGPR &&
			ins.R.Reg == x64.RDX && ins.Prev != nil && ins.Prev.Op == x64.Idiv {
			found = true
		}
	})
	assert.True(t, found, "remainder comes from rdx")
}

func TestUnsignedDivZeroesRDX(t *testing.T) {
	uintT := ast.NewType(ast.Int)
	uintT.Unsigned = true

	ulocal := func(name string) *ast.Node {
		return &ast.Node{Kind: ast.Local, Type: uintT, Name: name}
	}

	fn := nfn("f", nil,
		&ast.Node{Kind: ast.Decl, Var: ulocal("a"), Val: nimm(10)},
		&ast.Node{Kind: ast.Decl, Var: ulocal("b"), Val: nimm(3)},
		nret(&ast.Node{Kind: ast.Div, Type: uintT, L: ulocal("a"), R: ulocal("b")}),
	)

	sel := selectFn(t, fn)

	assert.Equal(t, 0, countOp(sel, x64.Cdq), "unsigned division must not sign extend")
	assert.Equal(t, 1, countOp(sel, x64.Div))
	assert.Equal(t, 0, countOp(sel, x64.Idiv))

	found := false
	forEach(sel, func(ins *x64.Ins) {
		if ins.Op == x64.Xor && ins.L.Kind == x64.OprGPR && ins.L.Reg == x64.RDX &&
			ins.R.Kind == x64.OprGPR && ins.R.Reg == x64.RDX {
			found = true
		}
	})
	assert.True(t, found, "rdx is zeroed before div")
}

func TestLocalArrayIndexing(t *testing.T) {
	// int f(void) { int a[3]; a[1] = 5; return a[1]; }
	arrT := ast.ArrOf(intT, 3)

	arr := &ast.Node{Kind: ast.Local, Type: arrT, Name: "a"}
	elem := func() *ast.Node {
		return &ast.Node{Kind: ast.Idx, Type: intT, L: arr, R: nimm(1)}
	}

	fn := selectFn(t, nfn("f", nil,
		&ast.Node{Kind: ast.Decl, Var: arr},
		&ast.Node{Kind: ast.Assign, Type: intT, L: elem(), R: nimm(5)},
		nret(elem()),
	))

	// the array decays to its address in a full width register, the
	// element store goes through the computed pointer
	found := false
	forEach(fn, func(ins *x64.Ins) {
		if ins.Op == x64.Mov && ins.L.Kind == x64.OprMem &&
			ins.R.Kind == x64.OprImm && ins.R.Imm == 5 {
			found = true
		}
	})
	assert.True(t, found, "element store writes through the computed address")

	assert.Greater(t, fn.NumGPRs, x64.NumGPRs)
}

func TestStructFieldAccess(t *testing.T) {
	// struct { int x; int y; } s; s.y = 7; return s.y;
	structT := ast.NewType(ast.Struct)
	structT.Size = 8
	structT.Align = 4
	structT.Fields = []ast.Field{
		{Type: intT, Name: "x", Offset: 0},
		{Type: intT, Name: "y", Offset: 4},
	}

	obj := &ast.Node{Kind: ast.Local, Type: structT, Name: "s"}
	field := func() *ast.Node {
		return &ast.Node{Kind: ast.Member, Type: intT, Obj: obj, FieldIdx: 1}
	}

	fn := selectFn(t, nfn("f", nil,
		&ast.Node{Kind: ast.Decl, Var: obj},
		&ast.Node{Kind: ast.Assign, Type: intT, L: field(), R: nimm(7)},
		nret(field()),
	))

	offset := false
	store := false

	forEach(fn, func(ins *x64.Ins) {
		if ins.Op == x64.Add && ins.L.Kind == x64.OprGPR && ins.L.Reg >= x64.NumGPRs &&
			ins.R.Kind == x64.OprImm && ins.R.Imm == 4 {
			offset = true
		}

		if ins.Op == x64.Mov && ins.L.Kind == x64.OprMem &&
			ins.R.Kind == x64.OprImm && ins.R.Imm == 7 {
			store = true
		}
	})

	assert.True(t, offset, "field address is the object base plus 4")
	assert.True(t, store, "field store writes through the field pointer")
}

func TestSubIntReturnExtension(t *testing.T) {
	build := func(unsigned bool) *x64.Fn {
		charT := ast.NewType(ast.Char)
		charT.Unsigned = unsigned

		fnT := ast.NewType(ast.Fn)
		fnT.Ret = charT
		fnT.Linkage = ast.LExtern
		fnT.Params = []*ast.Type{charT}

		c := &ast.Node{Kind: ast.Local, Type: charT, Name: "c"}

		return selectFn(t, &ast.Node{
			Kind: ast.FnDef, Type: fnT, Name: "f",
			ParamNames: []string{"c"},
			Body:       []*ast.Node{nret(c)},
		})
	}

	u := build(true)
	assert.Equal(t, 1, countOp(u, x64.Movzx), "unsigned char widens with movzx")
	assert.Equal(t, 0, countOp(u, x64.Movsx))

	s := build(false)
	assert.Equal(t, 1, countOp(s, x64.Movsx), "signed char widens with movsx")
	assert.Equal(t, 0, countOp(s, x64.Movzx))
}

func TestArgumentRegisters(t *testing.T) {
	// int f(int a, int b, int c) { return c; }
	fn := selectFn(t, nfn("f", []string{"a", "b", "c"}, nret(nlocal("c"))))

	want := []int{x64.RDI, x64.RSI, x64.RDX}
	got := []int{}

	forEach(fn, func(ins *x64.Ins) {
		if ins.Op == x64.Mov && ins.R != nil && ins.R.Kind == x64.OprGPR &&
			ins.L.Kind == x64.OprGPR && ins.L.Reg >= x64.NumGPRs {
			for _, r := range want {
				if ins.R.Reg == r {
					got = append(got, r)
				}
			}
		}
	})

	assert.Equal(t, want, got, "arguments land from rdi, rsi, rdx in order")
}

func TestTooManyArgs(t *testing.T) {
	fn := nfn("f", []string{"a", "b", "c", "d", "e", "f", "g"}, nret(nimm(0)))

	ctx := context.Background()

	globals, err := irgen.Compile(ctx, []*ast.Node{fn})
	require.NoError(t, err)

	_, err = isel.Select(ctx, globals)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unimplemented")
}

func TestVirtualRegistersAllocated(t *testing.T) {
	fn := selectFn(t, nfn("f", []string{"a", "b"},
		nret(nbin(ast.Add, nbin(ast.Mul, nlocal("a"), nlocal("a")), nlocal("b")))))

	assert.Greater(t, fn.NumGPRs, x64.NumGPRs, "selection runs on virtual registers")
	assert.Equal(t, x64.NumXMMs, fn.NumXMMs, "no float code, no xmm vregs")
}
