package front_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cc64lang/cc64/compiler/ast"
	"github.com/cc64lang/cc64/compiler/front"
	"github.com/cc64lang/cc64/compiler/irgen"
)

func parse(t *testing.T, src string) []*ast.Node {
	t.Helper()

	prog, err := front.Parse(context.Background(), "test.c", []byte(src))
	require.NoError(t, err)

	return prog
}

func parseFn(t *testing.T, src string) *ast.Node {
	t.Helper()

	prog := parse(t, src)
	require.Len(t, prog, 1)
	require.Equal(t, ast.FnDef, prog[0].Kind)

	return prog[0]
}

func TestFunctionDefinition(t *testing.T) {
	fn := parseFn(t, "int add(int a, int b) { return a + b; }")

	assert.Equal(t, "add", fn.Name)
	assert.Equal(t, []string{"a", "b"}, fn.ParamNames)
	assert.Equal(t, ast.LExtern, fn.Type.Linkage)
	assert.Equal(t, ast.Int, fn.Type.Ret.Kind)

	require.Len(t, fn.Body, 1)
	ret := fn.Body[0]
	require.Equal(t, ast.Return, ret.Kind)

	sum := ret.Ret
	require.Equal(t, ast.Add, sum.Kind)
	assert.Equal(t, ast.Int, sum.Type.Kind)
	assert.Equal(t, ast.Local, sum.L.Kind)
	assert.Equal(t, ast.Local, sum.R.Kind)
}

func TestUsualArithmeticConversions(t *testing.T) {
	fn := parseFn(t, "long f(int a, long b) { return a + b; }")

	sum := fn.Body[0].Ret
	require.Equal(t, ast.Add, sum.Kind)
	assert.Equal(t, ast.Long, sum.Type.Kind)

	require.Equal(t, ast.Conv, sum.L.Kind, "the narrower operand widens explicitly")
	assert.Equal(t, ast.Long, sum.L.Type.Kind)
	assert.Equal(t, ast.Local, sum.R.Kind, "the wider operand stays bare")
}

func TestUnsignedWinsAtSameSize(t *testing.T) {
	fn := parseFn(t, "unsigned f(unsigned a, int b) { return a + b; }")

	sum := fn.Body[0].Ret
	assert.Equal(t, ast.Int, sum.Type.Kind)
	assert.True(t, sum.Type.Unsigned)
}

func TestPointerArithmeticNotScaled(t *testing.T) {
	// scaling by the element size is the IR builder's job; the parser only
	// widens the offset
	fn := parseFn(t, "int f(int *p) { return *(p + 1); }")

	deref := fn.Body[0].Ret
	require.Equal(t, ast.Deref, deref.Kind)

	add := deref.L
	require.Equal(t, ast.Add, add.Kind)
	assert.Equal(t, ast.Ptr, add.Type.Kind)

	require.Equal(t, ast.Imm, add.R.Kind)
	assert.Equal(t, ast.Long, add.R.Type.Kind)
	assert.EqualValues(t, 1, add.R.Imm, "offset is in elements, not bytes")
}

func TestReturnConverts(t *testing.T) {
	fn := parseFn(t, "long f(int a) { return a; }")

	ret := fn.Body[0].Ret
	require.Equal(t, ast.Conv, ret.Kind)
	assert.Equal(t, ast.Long, ret.Type.Kind)
}

func TestLiteralTyping(t *testing.T) {
	for _, tc := range []struct {
		src  string
		kind ast.TypeKind
		uns  bool
	}{
		{"42", ast.Int, false},
		{"42u", ast.Int, true},
		{"42l", ast.Long, false},
		{"4000000000", ast.Long, false},
		{"'a'", ast.Int, false},
	} {
		// an expression statement keeps the literal out of any converting
		// context
		fn := parseFn(t, "int f(void) { "+tc.src+"; return 0; }")

		lit := fn.Body[0]
		require.Equal(t, ast.Imm, lit.Kind, "%v", tc.src)
		assert.Equal(t, tc.kind, lit.Type.Kind, "%v", tc.src)
		assert.Equal(t, tc.uns, lit.Type.Unsigned, "%v", tc.src)
	}
}

func TestFloatLiterals(t *testing.T) {
	fn := parseFn(t, "double f(void) { return 1.5; }")
	ret := fn.Body[0].Ret
	require.Equal(t, ast.Fp, ret.Kind)
	assert.Equal(t, ast.Double, ret.Type.Kind)
	assert.Equal(t, 1.5, ret.Fp)

	fn = parseFn(t, "float f(void) { return 2.5f; }")
	ret = fn.Body[0].Ret
	require.Equal(t, ast.Fp, ret.Kind)
	assert.Equal(t, ast.Float, ret.Type.Kind)
}

func TestNegativeConstantFolds(t *testing.T) {
	prog := parse(t, "int x = -5;")

	require.Len(t, prog, 1)
	require.Equal(t, ast.Decl, prog[0].Kind)

	val := prog[0].Val
	require.Equal(t, ast.Imm, val.Kind, "globals need constant initializers")
	assert.EqualValues(t, -5, int64(val.Imm))
}

func TestSizeof(t *testing.T) {
	fn := parseFn(t, "long f(void) { int a[3]; return sizeof(long) + sizeof a; }")

	sum := fn.Body[1].Ret
	for sum.Kind == ast.Conv {
		sum = sum.L
	}

	require.Equal(t, ast.Add, sum.Kind)
	assert.EqualValues(t, 8, sum.L.Imm)
	assert.EqualValues(t, 12, sum.R.Imm)
}

func TestStringLiteral(t *testing.T) {
	prog := parse(t, `char *s = "hi\n";`)

	val := prog[0].Val
	require.Equal(t, ast.Conv, val.Kind, "array decays to the pointer")

	str := val.L
	require.Equal(t, ast.Str, str.Kind)
	assert.Equal(t, "hi\n", str.Str)
	assert.Equal(t, ast.Arr, str.Type.Kind)
	assert.Equal(t, 4, str.Type.ArrLen(), "terminator included")
}

func TestElseChain(t *testing.T) {
	fn := parseFn(t, `
int f(int x) {
	if (x > 2)
		return 2;
	else if (x > 1)
		return 1;
	else
		return 0;
}`)

	n := fn.Body[0]
	require.Equal(t, ast.If, n.Kind)
	require.NotNil(t, n.Cond)

	n = n.Els
	require.Equal(t, ast.If, n.Kind)
	require.NotNil(t, n.Cond)

	n = n.Els
	require.Equal(t, ast.If, n.Kind)
	assert.Nil(t, n.Cond, "plain else")
}

func TestSwitchCases(t *testing.T) {
	fn := parseFn(t, `
int f(int x) {
	switch (x) {
	case 1:
	case 2:
		return 10;
	default:
		return 0;
	}
	return -1;
}`)

	sw := fn.Body[0]
	require.Equal(t, ast.Switch, sw.Kind)
	require.Len(t, sw.Cases, 3)

	assert.Equal(t, ast.Case, sw.Cases[0].Kind)
	assert.Nil(t, sw.Cases[0].Stmt, "fallthrough case has no statement")
	assert.NotNil(t, sw.Cases[1].Stmt)
	assert.Equal(t, ast.Default, sw.Cases[2].Kind)
}

func TestScoping(t *testing.T) {
	fn := parseFn(t, `
int f(void) {
	int x = 1;
	{
		int y = 2;
		x = y;
	}
	return x;
}`)
	_ = fn

	_, err := front.Parse(context.Background(), "test.c",
		[]byte("int f(void) { int x; int x; return 0; }"))
	assert.ErrorContains(t, err, "redeclaration of x")
}

func TestErrors(t *testing.T) {
	for _, tc := range []struct {
		src string
		msg string
	}{
		{"int f(void) { return y; }", "undeclared identifier y"},
		{"int f(void) { 1 = 2; }", "non-lvalue"},
		{"int f(int x) { return *x; }", "non-pointer"},
		{"int f(void) { return f(1); }", "expected 0 arguments"},
		{"int f(void) { return 1 +; }", "expected an expression"},
	} {
		_, err := front.Parse(context.Background(), "test.c", []byte(tc.src))
		require.Error(t, err, "%v", tc.src)
		assert.ErrorContains(t, err, tc.msg)
		assert.ErrorContains(t, err, "test.c:1:", "errors carry the position")
	}
}

func TestDirectivesSkipped(t *testing.T) {
	fn := parseFn(t, "#include <stdio.h>\n\nint f(void) { return 0; }\n")
	assert.Equal(t, "f", fn.Name)
}

func TestEndToEnd(t *testing.T) {
	prog := parse(t, `
static int count = 0;

int fib(int n) {
	if (n < 2)
		return n;
	count = count + 1;
	return fib(n - 1) + fib(n - 2);
}`)

	globals, err := irgen.Compile(context.Background(), prog)
	require.NoError(t, err)
	assert.Len(t, globals, 2)
}
