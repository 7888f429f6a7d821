package encode_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cc64lang/cc64/compiler/encode"
	"github.com/cc64lang/cc64/compiler/ir"
	"github.com/cc64lang/cc64/compiler/x64"
)

func program(t *testing.T, globals []*ir.Global, fns []*x64.Fn) string {
	t.Helper()

	var b strings.Builder
	require.NoError(t, encode.Program(&b, globals, fns))

	return b.String()
}

func simpleFn(label string, linkage ir.Linkage) *x64.Fn {
	fn := x64.NewFn()
	fn.Label = label
	fn.Linkage = int(linkage)

	fn.Entry.Append(x64.NewIns2(x64.Mov, x64.OprNewGPR(x64.RAX, x64.R64), x64.OprNewImm(42)))
	fn.Entry.Append(x64.NewIns0(x64.Ret))

	return fn
}

func TestFunctionText(t *testing.T) {
	out := program(t, nil, []*x64.Fn{simpleFn("answer", ir.LExtern)})

	assert.Contains(t, out, "section .text\n")
	assert.Contains(t, out, "global answer\n")
	assert.Contains(t, out, "answer:\n")
	assert.Contains(t, out, "._BB0:\n")
	assert.Contains(t, out, "\tmov rax, 42\n")
	assert.Contains(t, out, "\tret\n")
}

func TestStaticFunctionNotGlobal(t *testing.T) {
	out := program(t, nil, []*x64.Fn{simpleFn("helper", ir.LStatic)})

	assert.NotContains(t, out, "global helper")
	assert.Contains(t, out, "helper:\n")
}

func TestMemoryOperand(t *testing.T) {
	fn := x64.NewFn()
	fn.Label = "f"

	mem := &x64.Operand{
		Kind: x64.OprMem, Bytes: 4,
		Base: x64.RBP, BaseSize: x64.R64,
		Disp: -8,
	}
	fn.Entry.Append(x64.NewIns2(x64.Mov, mem, x64.OprNewImm(7)))

	idx := &x64.Operand{
		Kind: x64.OprMem, Bytes: 8,
		Base: x64.RAX, BaseSize: x64.R64,
		Index: x64.RCX, IndexSize: x64.R64, Scale: 8,
		Disp: 16,
	}
	fn.Entry.Append(x64.NewIns2(x64.Mov, x64.OprNewGPR(x64.RDX, x64.R64), idx))
	fn.Entry.Append(x64.NewIns0(x64.Ret))

	out := program(t, nil, []*x64.Fn{fn})

	assert.Contains(t, out, "\tmov dword [rbp - 8], 7\n")
	assert.Contains(t, out, "\tmov rdx, qword [rax + rcx*8 + 16]\n")
}

func TestFloatConstantPool(t *testing.T) {
	fn := simpleFn("f", ir.LExtern)
	fn.F32s = []float32{1.5}
	fn.F64s = []float64{2.5}

	out := program(t, nil, []*x64.Fn{fn})

	assert.Contains(t, out, "f._F0: dd 0x3fc00000 ; float 1.5\n")
	assert.Contains(t, out, "f._D0: dq 0x4004000000000000 ; double 2.5\n")
}

func TestDataGlobals(t *testing.T) {
	intT := ir.NewType(ir.I32)

	x := &ir.Global{Label: "x", Kind: ir.KImm, Linkage: ir.LExtern, Type: intT, Imm: uint64(0xfffffffffffffffe)}
	y := &ir.Global{Label: "y", Kind: ir.KImm, Linkage: ir.LStatic, Type: ir.NewType(ir.I64), Imm: 9}
	s := &ir.Global{Label: "s", Kind: ir.KStr, Linkage: ir.LStatic, Type: ir.NewArr(ir.NewType(ir.I8), 3), Str: "hi"}
	p := &ir.Global{Label: "p", Kind: ir.KPtr, Linkage: ir.LStatic, Type: ir.NewType(ir.Ptr), Ptr: x, Off: 4}

	out := program(t, []*ir.Global{x, y, s, p}, nil)

	assert.Contains(t, out, "section .data\n")
	assert.Contains(t, out, "global x\n")
	assert.NotContains(t, out, "global y")
	assert.Contains(t, out, "x: dd -2\n")
	assert.Contains(t, out, "y: dq 9\n")
	assert.Contains(t, out, "s: db 104, 105, 0\n")
	assert.Contains(t, out, "p: dq x + 4\n")
}

func TestExternDeclarations(t *testing.T) {
	puts := &ir.Global{Label: "puts", Kind: ir.KNone, Type: ir.NewType(ir.Ptr)}

	out := program(t, []*ir.Global{puts}, []*x64.Fn{simpleFn("main", ir.LExtern)})

	assert.Contains(t, out, "extern puts\n")
	assert.Less(t, strings.Index(out, "extern puts"), strings.Index(out, "section .text"),
		"externs go before the sections")
	assert.NotContains(t, out, "puts:", "no definition is emitted for an extern")
}

func TestCompositeData(t *testing.T) {
	i32 := ir.NewType(ir.I32)

	arr := &ir.Global{
		Label: "a", Kind: ir.KComposite, Linkage: ir.LStatic,
		Type: ir.NewArr(i32, 4),
		Elems: []ir.GlobalElem{
			{Off: 0, G: &ir.Global{Kind: ir.KImm, Type: i32, Imm: 1}},
			{Off: 8, G: &ir.Global{Kind: ir.KImm, Type: i32, Imm: 3}},
		},
	}

	out := program(t, []*ir.Global{arr}, nil)

	assert.Contains(t, out, "a: dd 1 times 4 db 0 dd 3 times 4 db 0\n")
}
