// Package ir defines the SSA-adjacent intermediate representation sitting
// between the typed AST and x86-64 machine code. Locals live in stack slots
// accessed through explicit loads and stores; phi nodes only merge
// expression results at control flow joins.
package ir

type (
	Op      int
	Linkage int

	// BrChain records one not-yet-resolved jump target of a short-circuit
	// condition. Slot points at the branch-target field to patch, Ins is the
	// branch instruction the slot belongs to.
	BrChain struct {
		Slot **BB
		Ins  *Ins
	}

	// Ins is one IR instruction. It is a node of the doubly-linked
	// instruction list of exactly one BB. Operand references never imply
	// ownership.
	Ins struct {
		Prev, Next *Ins
		BB         *BB

		Op   Op
		Type *Type // result type; nil for void-typed ops

		Imm uint64  // Imm
		Fp  float64 // Fp

		Global *Global // Global

		ArgNum int // FArg

		AllocType *Type // Alloc: type the stack slot holds
		StackSlot int   // Alloc: filled by the instruction selector

		// L, R reuse: Load ptr = L; Store dst = L, src = R; Idx base = L,
		// offset = R; conversions src = L; Call target = L; CArg arg = L;
		// Ret val = L (may be nil); Zero ptr = L, size = R.
		L, R *Ins
		Len  *Ins // Copy byte count (Copy dst = L, src = R)

		Preds []*BB  // Phi
		Defs  []*Ins // Phi; one per predecessor

		Br *BB // Br target

		Cond                  *Ins      // CondBr
		True, False           *BB       // CondBr targets
		TrueChain, FalseChain []BrChain // CondBr pending jump lists

		Vreg  int // assigned lazily by the instruction selector; 0 = none
		FpIdx int // Fp: per-function constant pool index

		Idx int // printing
	}

	// BB owns its instruction list and is a node of the function's block
	// list. Emission order is layout order.
	BB struct {
		Prev, Next *BB
		Head, Last *Ins

		Idx int // printing
	}

	Fn struct {
		Entry, Last *BB
		Linkage     Linkage
	}

	GlobalElem struct {
		Off int
		G   *Global
	}

	// Global is a top-level function or data object. Exactly one of the
	// value fields below is meaningful, discriminated by Kind; KNone is a
	// forward declaration placeholder.
	Global struct {
		Label   string
		Type    *Type
		Kind    GlobalKind
		Linkage Linkage

		Imm   uint64       // KImm
		Fp    float64      // KFp
		Str   string       // KStr
		Ptr   *Global      // KPtr
		Off   int64        // KPtr
		Elems []GlobalElem // KComposite, ordered by Off

		Fn *Fn // KFn
	}

	GlobalKind int
)

const (
	KNone GlobalKind = iota
	KImm
	KFp
	KStr
	KPtr
	KComposite
	KFn
)

const (
	LNone Linkage = iota
	LStatic
	LExtern
)

const (
	// Constants and globals
	OpImm Op = iota
	OpFp
	OpGlobal

	// Memory access
	OpFArg  // n'th argument; only at the start of the entry BB
	OpAlloc // stack slot reservation
	OpLoad
	OpStore
	OpIdx // pointer + byte offset

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	OpFDiv
	OpSDiv
	OpUDiv
	OpSMod
	OpUMod
	OpBitAnd
	OpBitOr
	OpBitXor
	OpShl
	OpShr
	OpSar

	// Comparisons; order is relied on by IsCmp and the inversion table
	OpEq
	OpNEq
	OpLt
	OpLe
	OpGt
	OpGe
	OpULt
	OpULe
	OpUGt
	OpUGe

	// Conversions
	OpTrunc
	OpSExt
	OpZExt
	OpFp2I
	OpI2Fp
	OpPtr2I
	OpI2Ptr
	OpBitcast

	// Control flow
	OpPhi
	OpBr
	OpCondBr
	OpCall
	OpCArg // immediately after OpCall
	OpRet

	// Intrinsics
	OpZero
	OpCopy

	NOps
)

// InvertOp maps a comparison to its negation.
var InvertOp = [NOps]Op{
	OpEq: OpNEq, OpNEq: OpEq,
	OpLt: OpGe, OpLe: OpGt, OpGt: OpLe, OpGe: OpLt,
	OpULt: OpUGe, OpULe: OpUGt, OpUGt: OpULe, OpUGe: OpULt,
}

func (op Op) IsCmp() bool {
	return op >= OpEq && op <= OpUGe
}

func (op Op) IsTerminator() bool {
	return op == OpBr || op == OpCondBr || op == OpRet
}

func NewIns(op Op, t *Type) *Ins {
	return &Ins{Op: op, Type: t}
}

func NewBB() *BB {
	return &BB{}
}

func NewFn() *Fn {
	bb := NewBB()
	return &Fn{Entry: bb, Last: bb}
}

// Append links ins at the tail of bb.
func (bb *BB) Append(ins *Ins) *Ins {
	ins.BB = bb
	ins.Prev = bb.Last
	ins.Next = nil

	if bb.Last != nil {
		bb.Last.Next = ins
	} else {
		bb.Head = ins
	}

	bb.Last = ins

	return ins
}

// Remove unlinks ins from its block. The instruction keeps its operand
// references so callers may still read them.
func (ins *Ins) Remove() {
	if ins.Prev != nil {
		ins.Prev.Next = ins.Next
	} else {
		ins.BB.Head = ins.Next
	}

	if ins.Next != nil {
		ins.Next.Prev = ins.Prev
	}

	if ins.BB.Last == ins {
		ins.BB.Last = ins.Prev
	}
}

// AppendBB links bb after the function's last block and makes it current.
func (fn *Fn) AppendBB(bb *BB) *BB {
	bb.Prev = fn.Last

	if fn.Last != nil {
		fn.Last.Next = bb
	} else {
		fn.Entry = bb
	}

	fn.Last = bb

	return bb
}

// AddPhi appends one (predecessor, definition) pair to a phi node.
func (ins *Ins) AddPhi(pred *BB, def *Ins) {
	if ins.Op != OpPhi {
		panic(ins.Op)
	}

	ins.Preds = append(ins.Preds, pred)
	ins.Defs = append(ins.Defs, def)
}
