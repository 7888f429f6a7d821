// Package encode renders compiled functions and data globals as NASM
// assembly text.
package encode

import (
	"fmt"
	"io"
	"math"

	"tlog.app/go/errors"

	"github.com/cc64lang/cc64/compiler/ir"
	"github.com/cc64lang/cc64/compiler/x64"
)

type encoder struct {
	w  io.Writer
	fn *x64.Fn

	err error
}

var memPrefix = map[int]string{1: "byte", 2: "word", 4: "dword", 8: "qword"}

var dataDirective = map[int]string{1: "db", 2: "dw", 4: "dd", 8: "dq"}

// Program writes a full NASM module: a text section with every function
// followed by a data section with every non-function global.
func Program(w io.Writer, globals []*ir.Global, fns []*x64.Fn) error {
	e := &encoder{w: w}

	// declarations without a definition resolve at link time
	for _, g := range globals {
		if g.Kind == ir.KNone {
			e.printf("extern %s\n", g.Label)
		}
	}

	if len(fns) != 0 {
		e.printf("section .text\n")
	}

	for _, fn := range fns {
		e.fn = fn
		e.encodeFn(fn)
	}

	data := false

	for _, g := range globals {
		if g.Kind == ir.KFn || g.Kind == ir.KNone {
			continue
		}

		if !data {
			e.printf("\nsection .data\n")
			data = true
		}

		e.encodeData(g)
	}

	return e.err
}

func (e *encoder) printf(format string, args ...interface{}) {
	if e.err != nil {
		return
	}

	_, err := fmt.Fprintf(e.w, format, args...)
	if err != nil {
		e.err = errors.Wrap(err, "write")
	}
}

func (e *encoder) encodeFn(fn *x64.Fn) {
	fn.Number()

	e.printf("\n")

	if fn.Linkage == int(ir.LExtern) {
		e.printf("global %s\n", fn.Label)
	}

	e.printf("%s:\n", fn.Label)

	for i, f := range fn.F32s {
		e.printf("%s._F%d: dd 0x%08x ; float %g\n", fn.Label, i, math.Float32bits(f), f)
	}

	for i, f := range fn.F64s {
		e.printf("%s._D%d: dq 0x%016x ; double %g\n", fn.Label, i, math.Float64bits(f), f)
	}

	for bb := fn.Entry; bb != nil; bb = bb.Next {
		e.encodeBB(bb)
	}
}

func (e *encoder) encodeBB(bb *x64.BB) {
	e.printf("._BB%d:\n", bb.Idx)

	for ins := bb.Head; ins != nil; ins = ins.Next {
		e.encodeIns(ins)
	}
}

func (e *encoder) encodeIns(ins *x64.Ins) {
	switch {
	case ins.L == nil:
		e.printf("\t%s\n", ins.Op)
	case ins.R == nil:
		e.printf("\t%s %s\n", ins.Op, e.operand(ins.L))
	default:
		e.printf("\t%s %s, %s\n", ins.Op, e.operand(ins.L), e.operand(ins.R))
	}
}

func (e *encoder) operand(o *x64.Operand) string {
	switch o.Kind {
	case x64.OprImm:
		return fmt.Sprintf("%d", int64(o.Imm))
	case x64.OprF32:
		return fmt.Sprintf("[rel %s._F%d]", e.fn.Label, o.FpIdx)
	case x64.OprF64:
		return fmt.Sprintf("[rel %s._D%d]", e.fn.Label, o.FpIdx)
	case x64.OprGPR:
		return x64.GPRName(o.Reg, o.Size)
	case x64.OprXMM:
		return x64.XMMName(o.Reg)
	case x64.OprMem:
		return e.mem(o)
	case x64.OprBB:
		return fmt.Sprintf("._BB%d", o.BB.Idx)
	case x64.OprLabel:
		return o.Label
	case x64.OprDeref:
		return fmt.Sprintf("[rel %s]", o.Label)
	default:
		panic(o.Kind)
	}
}

func (e *encoder) mem(o *x64.Operand) string {
	s := memPrefix[o.Bytes] + " ["

	if o.Base != x64.RNone {
		s += x64.GPRName(o.Base, o.BaseSize)
	}

	if o.Index != x64.RNone {
		s += fmt.Sprintf(" + %s*%d", x64.GPRName(o.Index, o.IndexSize), o.Scale)
	}

	if o.Disp > 0 {
		s += fmt.Sprintf(" + %d", o.Disp)
	} else if o.Disp < 0 {
		s += fmt.Sprintf(" - %d", -o.Disp)
	}

	return s + "]"
}

func (e *encoder) encodeData(g *ir.Global) {
	if g.Linkage == ir.LExtern {
		e.printf("global %s\n", g.Label)
	}

	e.printf("%s:", g.Label)
	e.data(g, g.Type.Size)
	e.printf("\n")
}

func (e *encoder) data(g *ir.Global, size int) {
	switch g.Kind {
	case ir.KImm:
		e.printf(" %s %d", dataDirective[size], int64(g.Imm))
	case ir.KFp:
		if size == 4 {
			e.printf(" dd 0x%08x", math.Float32bits(float32(g.Fp)))
		} else {
			e.printf(" dq 0x%016x", math.Float64bits(g.Fp))
		}
	case ir.KStr:
		e.printf(" db")
		for i := 0; i < len(g.Str); i++ {
			if i > 0 {
				e.printf(",")
			}
			e.printf(" %d", g.Str[i])
		}
		e.printf(", 0")
	case ir.KPtr:
		if g.Off != 0 {
			e.printf(" dq %s + %d", g.Ptr.Label, g.Off)
		} else {
			e.printf(" dq %s", g.Ptr.Label)
		}
	case ir.KComposite:
		off := 0
		for _, el := range g.Elems {
			if el.Off > off {
				e.printf(" times %d db 0", el.Off-off)
			}
			e.data(el.G, el.G.Type.Size)
			off = el.Off + el.G.Type.Size
		}
		if size > off {
			e.printf(" times %d db 0", size-off)
		}
	default:
		panic(g.Kind)
	}
}
