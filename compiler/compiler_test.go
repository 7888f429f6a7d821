package compiler_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cc64lang/cc64/compiler"
)

func compile(t *testing.T, src string) string {
	t.Helper()

	obj, err := compiler.Compile(context.Background(), "test.c", []byte(src))
	require.NoError(t, err)

	return string(obj)
}

func TestCompileFunction(t *testing.T) {
	out := compile(t, `
int add(int a, int b) {
	return a + b;
}`)

	assert.Contains(t, out, "section .text")
	assert.Contains(t, out, "global _add")
	assert.Contains(t, out, "_add:")
	assert.Contains(t, out, "\tret")
}

func TestCompileLoop(t *testing.T) {
	out := compile(t, `
int sum(int n) {
	int s = 0;
	for (int i = 0; i < n; i++)
		s += i;
	return s;
}`)

	// a loop needs a backward branch and a comparison
	assert.Contains(t, out, "cmp")
	assert.Contains(t, out, "._BB")
	assert.Contains(t, out, "jmp")
}

func TestCompileGlobalsAndCalls(t *testing.T) {
	out := compile(t, `
int putchar(int c);

static int calls = 0;

int twice(int c) {
	calls += 1;
	putchar(c);
	putchar(c);
	return calls;
}`)

	assert.Contains(t, out, "extern _putchar")
	assert.Contains(t, out, "call _putchar")
	assert.Contains(t, out, "section .data")
	assert.Contains(t, out, "_calls: dd 0")
	assert.NotContains(t, out, "global _calls")
}

func TestCompileLocalArray(t *testing.T) {
	out := compile(t, `
int middle(void) {
	int a[3];
	a[1] = 5;
	return a[1];
}`)

	assert.Contains(t, out, "_middle:")
	// 12 bytes of array rounded up to a 16 byte frame
	assert.Contains(t, out, "sub rsp, 16")
	assert.Contains(t, out, ", 5")
	assert.NotContains(t, out, "%")
}

func TestCompileFloat(t *testing.T) {
	out := compile(t, `
double scale(double x) {
	return x * 2.5;
}`)

	assert.Contains(t, out, "mulsd")
	assert.Contains(t, out, "._D0: dq")
}

func TestCompileErrorHasPosition(t *testing.T) {
	_, err := compiler.Compile(context.Background(), "broken.c", []byte("int f(void) { return oops; }"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.c:1:")
}

func TestNoVirtualRegistersInOutput(t *testing.T) {
	out := compile(t, `
long collatz(long n) {
	long steps = 0;
	while (n != 1) {
		if (n % 2)
			n = 3 * n + 1;
		else
			n = n / 2;
		steps++;
	}
	return steps;
}`)

	// virtual registers render as %<n>; none may survive allocation
	assert.NotContains(t, out, "%")

	for _, line := range strings.Split(out, "\n") {
		assert.False(t, strings.HasPrefix(strings.TrimSpace(line), "op("), "unencodable op: %v", line)
	}
}
