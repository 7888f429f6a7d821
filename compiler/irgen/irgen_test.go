package irgen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cc64lang/cc64/compiler/ast"
	"github.com/cc64lang/cc64/compiler/ir"
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

func compileFn(t *testing.T, fn *ast.Node) *ir.Fn {
	globals, err := Compile(context.Background(), []*ast.Node{fn})
	require.NoError(t, err)
	require.Len(t, globals, 1)
	require.Equal(t, ir.KFn, globals[0].Kind)

	return globals[0].Fn
}

func countOp(fn *ir.Fn, op ir.Op) (n int) {
	for bb := fn.Entry; bb != nil; bb = bb.Next {
		for ins := bb.Head; ins != nil; ins = ins.Next {
			if ins.Op == op {
				n++
			}
		}
	}

	return n
}

func countBlocks(fn *ir.Fn) (n int) {
	for bb := fn.Entry; bb != nil; bb = bb.Next {
		n++
	}

	return n
}

// evalFn interprets integer IR directly, enough to check lowering of
// arithmetic, branching and phi nodes against source semantics.
func evalFn(t *testing.T, fn *ir.Fn, args ...int64) int64 {
	vals := map[*ir.Ins]int64{}
	mem := map[*ir.Ins]int64{}

	bb := fn.Entry

	var prev *ir.BB

	for steps := 0; ; steps++ {
		require.Less(t, steps, 10000, "interpreter ran away")

		jumped := false

		for ins := bb.Head; ins != nil && !jumped; ins = ins.Next {
			switch ins.Op {
			case ir.OpImm:
				vals[ins] = int64(ins.Imm)
			case ir.OpFArg:
				vals[ins] = args[ins.ArgNum]
			case ir.OpAlloc:
				// the instruction itself stands for the slot address
			case ir.OpStore:
				mem[ins.L] = vals[ins.R]
			case ir.OpLoad:
				vals[ins] = mem[ins.L]
			case ir.OpAdd:
				vals[ins] = vals[ins.L] + vals[ins.R]
			case ir.OpSub:
				vals[ins] = vals[ins.L] - vals[ins.R]
			case ir.OpMul:
				vals[ins] = vals[ins.L] * vals[ins.R]
			case ir.OpEq:
				vals[ins] = b2i(vals[ins.L] == vals[ins.R])
			case ir.OpNEq:
				vals[ins] = b2i(vals[ins.L] != vals[ins.R])
			case ir.OpLt:
				vals[ins] = b2i(vals[ins.L] < vals[ins.R])
			case ir.OpLe:
				vals[ins] = b2i(vals[ins.L] <= vals[ins.R])
			case ir.OpGt:
				vals[ins] = b2i(vals[ins.L] > vals[ins.R])
			case ir.OpGe:
				vals[ins] = b2i(vals[ins.L] >= vals[ins.R])
			case ir.OpPhi:
				found := false
				for i, p := range ins.Preds {
					if p == prev {
						vals[ins] = vals[ins.Defs[i]]
						found = true
					}
				}
				require.True(t, found, "phi has no edge for the arriving block")
			case ir.OpBr:
				prev, bb = bb, ins.Br
				jumped = true
			case ir.OpCondBr:
				prev = bb
				if vals[ins.Cond] != 0 {
					bb = ins.True
				} else {
					bb = ins.False
				}
				jumped = true
			case ir.OpRet:
				if ins.L == nil {
					return 0
				}
				return vals[ins.L]
			default:
				t.Fatalf("unexpected op %v", ins.Op)
			}
		}

		if !jumped {
			prev, bb = bb, bb.Next
			require.NotNil(t, bb, "fell off the function")
		}
	}
}

func b2i(b bool) int64 {
	if b {
		return 1
	}

	return 0
}

func TestTernaryLowersToSinglePhi(t *testing.T) {
	// int f(int a, int b) { return a > b ? a : b; }
	fn := compileFn(t, nfn("f", []string{"a", "b"},
		nret(&ast.Node{
			Kind: ast.Ternary, Type: intT,
			Cond: nbin(ast.Gt, nlocal("a"), nlocal("b")),
			Then: nlocal("a"),
			Els:  nlocal("b"),
		}),
	))

	assert.Equal(t, 1, countOp(fn, ir.OpPhi))

	for bb := fn.Entry; bb != nil; bb = bb.Next {
		for ins := bb.Head; ins != nil; ins = ins.Next {
			if ins.Op == ir.OpPhi {
				assert.Len(t, ins.Preds, 2)
				assert.Len(t, ins.Defs, 2)
			}
		}
	}

	assert.Equal(t, int64(7), evalFn(t, fn, 7, 3))
	assert.Equal(t, int64(9), evalFn(t, fn, 2, 9))
	assert.Equal(t, int64(4), evalFn(t, fn, 4, 4))
}

func TestDischargeFastPath(t *testing.T) {
	// int f(int a, int b) { return !(a > b); }
	// A single negated comparison must stay a comparison: no phi, no
	// materialized constants, no extra block beyond the entry.
	fn := compileFn(t, nfn("f", []string{"a", "b"},
		nret(&ast.Node{Kind: ast.LogNot, Type: intT, L: nbin(ast.Gt, nlocal("a"), nlocal("b"))}),
	))

	assert.Equal(t, 0, countOp(fn, ir.OpPhi))
	assert.Equal(t, 0, countOp(fn, ir.OpCondBr))
	assert.Equal(t, 1, countBlocks(fn))
	assert.Equal(t, 1, countOp(fn, ir.OpLe), "expected the inverted comparison")

	assert.Equal(t, int64(0), evalFn(t, fn, 7, 3))
	assert.Equal(t, int64(1), evalFn(t, fn, 2, 9))
	assert.Equal(t, int64(1), evalFn(t, fn, 4, 4))
}

func TestLogNotValue(t *testing.T) {
	// int f(int a) { return !a; }
	fn := compileFn(t, nfn("f", []string{"a"},
		nret(&ast.Node{Kind: ast.LogNot, Type: intT, L: nlocal("a")}),
	))

	assert.Equal(t, int64(1), evalFn(t, fn, 0))
	assert.Equal(t, int64(0), evalFn(t, fn, 5))
	assert.Equal(t, int64(0), evalFn(t, fn, -5))
}

func TestBranchChainSoundness(t *testing.T) {
	// int f(int a, int b, int c) { return (a > 0 && b > 0) || c == 0; }
	fn := compileFn(t, nfn("f", []string{"a", "b", "c"},
		nret(nbin(ast.LogOr,
			nbin(ast.LogAnd,
				nbin(ast.Gt, nlocal("a"), nimm(0)),
				nbin(ast.Gt, nlocal("b"), nimm(0))),
			nbin(ast.Eq, nlocal("c"), nimm(0)))),
	))

	for _, a := range []int64{-1, 1} {
		for _, b := range []int64{-1, 1} {
			for _, c := range []int64{0, 1} {
				want := b2i((a > 0 && b > 0) || c == 0)
				assert.Equal(t, want, evalFn(t, fn, a, b, c), "a=%v b=%v c=%v", a, b, c)
			}
		}
	}
}

func TestNegatedShortCircuit(t *testing.T) {
	// int f(int a, int b) { return !(a > 0 && b > 0); }
	fn := compileFn(t, nfn("f", []string{"a", "b"},
		nret(&ast.Node{
			Kind: ast.LogNot, Type: intT,
			L: nbin(ast.LogAnd,
				nbin(ast.Gt, nlocal("a"), nimm(0)),
				nbin(ast.Gt, nlocal("b"), nimm(0))),
		}),
	))

	for _, a := range []int64{-1, 1} {
		for _, b := range []int64{-1, 1} {
			want := b2i(!(a > 0 && b > 0))
			assert.Equal(t, want, evalFn(t, fn, a, b), "a=%v b=%v", a, b)
		}
	}
}

func TestIfWithoutValueHasNoPhi(t *testing.T) {
	// int g(int x) { if (x) return 1; return 0; }
	fn := compileFn(t, nfn("g", []string{"x"},
		&ast.Node{
			Kind: ast.If,
			Cond: nlocal("x"),
			Body: []*ast.Node{nret(nimm(1))},
		},
		nret(nimm(0)),
	))

	assert.Equal(t, 0, countOp(fn, ir.OpPhi))

	assert.Equal(t, int64(1), evalFn(t, fn, 5))
	assert.Equal(t, int64(0), evalFn(t, fn, 0))
}

func TestWhileLoop(t *testing.T) {
	// int sum(int n) { int s; int i; s = 0; i = 0;
	//                  while (i < n) { s = s + i; i = i + 1; } return s; }
	fn := compileFn(t, nfn("sum", []string{"n"},
		&ast.Node{Kind: ast.Decl, Var: nlocal("s"), Val: nimm(0)},
		&ast.Node{Kind: ast.Decl, Var: nlocal("i"), Val: nimm(0)},
		&ast.Node{
			Kind: ast.While,
			Cond: nbin(ast.Lt, nlocal("i"), nlocal("n")),
			Body: []*ast.Node{
				nbin(ast.Assign, nlocal("s"), nbin(ast.Add, nlocal("s"), nlocal("i"))),
				nbin(ast.Assign, nlocal("i"), nbin(ast.Add, nlocal("i"), nimm(1))),
			},
		},
		nret(nlocal("s")),
	))

	assert.Equal(t, int64(10), evalFn(t, fn, 5))
	assert.Equal(t, int64(0), evalFn(t, fn, 0))
	assert.Equal(t, int64(0), evalFn(t, fn, -3))
}

func TestSwitchLowersToCompareChain(t *testing.T) {
	// int f(int x) { switch (x) { case 1: return 10;
	//                             case 2: return 20;
	//                             default: return 30; } }
	cases := []*ast.Node{
		{Kind: ast.Case, Cond: nimm(1), Stmt: nret(nimm(10))},
		{Kind: ast.Case, Cond: nimm(2), Stmt: nret(nimm(20))},
		{Kind: ast.Default, Stmt: nret(nimm(30))},
	}

	fn := compileFn(t, nfn("f", []string{"x"},
		&ast.Node{Kind: ast.Switch, Cond: nlocal("x"), Body: cases, Cases: cases},
	))

	assert.Equal(t, 2, countOp(fn, ir.OpCondBr), "one compare-and-branch per case")

	assert.Equal(t, int64(10), evalFn(t, fn, 1))
	assert.Equal(t, int64(20), evalFn(t, fn, 2))
	assert.Equal(t, int64(30), evalFn(t, fn, 7))
}

func TestGotoForwardAndBackward(t *testing.T) {
	// int f(int x) { if (x) goto out; return 1; out: return 2; }
	fn := compileFn(t, nfn("f", []string{"x"},
		&ast.Node{
			Kind: ast.If,
			Cond: nlocal("x"),
			Body: []*ast.Node{{Kind: ast.Goto, Name: "out"}},
		},
		nret(nimm(1)),
		&ast.Node{Kind: ast.Label, Name: "out", Stmt: nret(nimm(2))},
	))

	assert.Equal(t, int64(2), evalFn(t, fn, 1))
	assert.Equal(t, int64(1), evalFn(t, fn, 0))
}

func TestUndeclaredLabel(t *testing.T) {
	_, err := Compile(context.Background(), []*ast.Node{
		nfn("f", nil, &ast.Node{Kind: ast.Goto, Name: "nowhere"}, nret(nimm(0))),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestRedefinition(t *testing.T) {
	_, err := Compile(context.Background(), []*ast.Node{
		nfn("f", nil, nret(nimm(0))),
		nfn("f", nil, nret(nimm(1))),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redefinition")
}

func TestImplicitReturn(t *testing.T) {
	fn := compileFn(t, nfn("f", nil))

	require.NotNil(t, fn.Last.Last)
	assert.Equal(t, ir.OpRet, fn.Last.Last.Op)

	assert.Equal(t, int64(0), evalFn(t, fn))
}

func TestConstGlobalFolding(t *testing.T) {
	arr := ast.ArrOf(intT, 3)

	decl := &ast.Node{
		Kind: ast.Decl,
		Var:  &ast.Node{Kind: ast.Global, Type: arr, Name: "tab"},
		Val: &ast.Node{
			Kind: ast.Init, Type: arr,
			Elems: []*ast.Node{nimm(1), nil, nimm(3)},
		},
	}

	globals, err := Compile(context.Background(), []*ast.Node{decl})
	require.NoError(t, err)
	require.Len(t, globals, 1)

	g := globals[0]
	assert.Equal(t, "_tab", g.Label)
	assert.Equal(t, ir.KComposite, g.Kind)
	require.Len(t, g.Elems, 2, "zero-filled element is omitted")
	assert.Equal(t, 0, g.Elems[0].Off)
	assert.Equal(t, uint64(1), g.Elems[0].G.Imm)
	assert.Equal(t, 8, g.Elems[1].Off)
	assert.Equal(t, uint64(3), g.Elems[1].G.Imm)
}
