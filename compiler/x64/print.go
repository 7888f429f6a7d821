package x64

import (
	"fmt"
	"io"
)

// Number assigns printing indices to blocks.
func (fn *Fn) Number() {
	b := 0

	for bb := fn.Entry; bb != nil; bb = bb.Next {
		bb.Idx = b
		b++
	}
}

// Fprint writes a readable listing of fn with virtual registers still
// visible. Meant for debug dumps, the encoder produces the real output.
func (fn *Fn) Fprint(w io.Writer) {
	fn.Number()

	fmt.Fprintf(w, "%s:\n", fn.Label)

	for bb := fn.Entry; bb != nil; bb = bb.Next {
		fmt.Fprintf(w, ".%d:\n", bb.Idx)

		for ins := bb.Head; ins != nil; ins = ins.Next {
			switch {
			case ins.L == nil:
				fmt.Fprintf(w, "\t%4d  %s\n", ins.N, ins.Op)
			case ins.R == nil:
				fmt.Fprintf(w, "\t%4d  %s %s\n", ins.N, ins.Op, ins.L)
			default:
				fmt.Fprintf(w, "\t%4d  %s %s, %s\n", ins.N, ins.Op, ins.L, ins.R)
			}
		}
	}
}

func (o *Operand) String() string {
	switch o.Kind {
	case OprImm:
		return fmt.Sprintf("%d", int64(o.Imm))
	case OprF32:
		return fmt.Sprintf("f32[%d]", o.FpIdx)
	case OprF64:
		return fmt.Sprintf("f64[%d]", o.FpIdx)
	case OprGPR:
		return GPRName(o.Reg, o.Size)
	case OprXMM:
		return XMMName(o.Reg)
	case OprMem:
		s := fmt.Sprintf("%s [%s", memSize(o.Bytes), GPRName(o.Base, o.BaseSize))
		if o.Index != RNone {
			s += fmt.Sprintf(" + %s*%d", GPRName(o.Index, o.IndexSize), o.Scale)
		}
		if o.Disp > 0 {
			s += fmt.Sprintf(" + %d", o.Disp)
		} else if o.Disp < 0 {
			s += fmt.Sprintf(" - %d", -o.Disp)
		}
		return s + "]"
	case OprBB:
		return fmt.Sprintf(".%d", o.BB.Idx)
	case OprLabel:
		return o.Label
	case OprDeref:
		return fmt.Sprintf("[rel %s]", o.Label)
	default:
		return fmt.Sprintf("opr(%d)", o.Kind)
	}
}

func memSize(bytes int) string {
	switch bytes {
	case 1:
		return "byte"
	case 2:
		return "word"
	case 4:
		return "dword"
	case 8:
		return "qword"
	default:
		return fmt.Sprintf("size%d", bytes)
	}
}
