package ir

import (
	"fmt"
	"io"
)

var opNames = [NOps]string{
	OpImm: "imm", OpFp: "fp", OpGlobal: "global",
	OpFArg: "farg", OpAlloc: "alloc", OpLoad: "load", OpStore: "store", OpIdx: "idx",
	OpAdd: "add", OpSub: "sub", OpMul: "mul",
	OpFDiv: "fdiv", OpSDiv: "sdiv", OpUDiv: "udiv", OpSMod: "smod", OpUMod: "umod",
	OpBitAnd: "and", OpBitOr: "or", OpBitXor: "xor",
	OpShl: "shl", OpShr: "shr", OpSar: "sar",
	OpEq: "eq", OpNEq: "neq", OpLt: "lt", OpLe: "le", OpGt: "gt", OpGe: "ge",
	OpULt: "ult", OpULe: "ule", OpUGt: "ugt", OpUGe: "uge",
	OpTrunc: "trunc", OpSExt: "sext", OpZExt: "zext", OpFp2I: "fp2i", OpI2Fp: "i2fp",
	OpPtr2I: "ptr2i", OpI2Ptr: "i2ptr", OpBitcast: "bitcast",
	OpPhi: "phi", OpBr: "br", OpCondBr: "condbr",
	OpCall: "call", OpCArg: "carg", OpRet: "ret",
	OpZero: "zero", OpCopy: "copy",
}

func (op Op) String() string {
	if op < 0 || op >= NOps || opNames[op] == "" {
		return fmt.Sprintf("op(%d)", int(op))
	}

	return opNames[op]
}

// Number assigns printing indices to blocks and instructions.
func (fn *Fn) Number() {
	b, i := 0, 0

	for bb := fn.Entry; bb != nil; bb = bb.Next {
		bb.Idx = b
		b++

		for ins := bb.Head; ins != nil; ins = ins.Next {
			ins.Idx = i
			i++
		}
	}
}

func ref(ins *Ins) string {
	if ins == nil {
		return "_"
	}

	return fmt.Sprintf("%%%d", ins.Idx)
}

func bbref(bb *BB) string {
	if bb == nil {
		return "?"
	}

	return fmt.Sprintf(".%d", bb.Idx)
}

// Fprint writes a readable listing of fn.
func (fn *Fn) Fprint(w io.Writer) {
	fn.Number()

	for bb := fn.Entry; bb != nil; bb = bb.Next {
		fmt.Fprintf(w, "%s:\n", bbref(bb))

		for ins := bb.Head; ins != nil; ins = ins.Next {
			fmt.Fprintf(w, "\t%%%d = %s %s %s\n", ins.Idx, ins.Type, ins.Op, ins.operands())
		}
	}
}

func (ins *Ins) operands() string {
	switch ins.Op {
	case OpImm:
		return fmt.Sprintf("%d", ins.Imm)
	case OpFp:
		return fmt.Sprintf("%g", ins.Fp)
	case OpGlobal:
		return ins.Global.Label
	case OpFArg:
		return fmt.Sprintf("%d", ins.ArgNum)
	case OpAlloc:
		return ins.AllocType.String()
	case OpLoad, OpCall, OpCArg, OpRet:
		return ref(ins.L)
	case OpTrunc, OpSExt, OpZExt, OpFp2I, OpI2Fp, OpPtr2I, OpI2Ptr, OpBitcast:
		return ref(ins.L)
	case OpPhi:
		s := ""
		for i, pred := range ins.Preds {
			if i > 0 {
				s += ", "
			}
			s += fmt.Sprintf("[%s %s]", bbref(pred), ref(ins.Defs[i]))
		}
		return s
	case OpBr:
		return bbref(ins.Br)
	case OpCondBr:
		return fmt.Sprintf("%s %s %s", ref(ins.Cond), bbref(ins.True), bbref(ins.False))
	case OpCopy:
		return fmt.Sprintf("%s %s %s", ref(ins.L), ref(ins.R), ref(ins.Len))
	default:
		return fmt.Sprintf("%s %s", ref(ins.L), ref(ins.R))
	}
}
