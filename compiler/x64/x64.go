// Package x64 is the machine-code representation produced by instruction
// selection and consumed by register allocation and the encoder:
// instructions over virtual and physical x86-64 registers.
package x64

import (
	"github.com/cc64lang/cc64/compiler/set"
)

type (
	Op      int
	OprKind int

	// Operand is a closed variant over the operand shapes an instruction
	// may carry. Register identity is a plain index: 1..NumGPRs-1 (or
	// 1..NumXMMs-1) is physical, anything >= NumGPRs (NumXMMs) is virtual.
	// Allocation code depends on this numeric-range distinction.
	Operand struct {
		Kind OprKind

		Imm uint64 // Imm

		FpIdx int // F32, F64: per-function constant pool index

		Reg  int // GPR, XMM
		Size int // GPR: R8L..R64

		// Mem: [base + index*scale + disp], accessing Bytes bytes
		Bytes     int
		Base      int
		BaseSize  int
		Index     int
		IndexSize int
		Scale     int
		Disp      int64

		Label string // Label, Deref

		BB *BB // block label
	}

	Ins struct {
		Prev, Next *Ins
		BB         *BB

		Op   Op
		L, R *Operand

		N int // dense per-function index for the register allocator
	}

	BB struct {
		Prev, Next *BB
		Head, Last *Ins

		Pred, Succ []*BB      // populated by CFG analysis
		LiveIn     set.Bitmap // one bit per register of the current class

		Idx int // printing
	}

	Fn struct {
		Label   string
		Linkage int

		Entry, Last *BB

		F32s []float32 // per-function float constant pools
		F64s []float64

		// next free vreg counters after selection; seeded just above the
		// physical range so virtual vs physical is one comparison
		NumGPRs int
		NumXMMs int
	}
)

const (
	// General purpose registers. NumGPRs separates physical from virtual.
	RNone = iota
	RAX
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	NumGPRs
)

const (
	// SSE registers
	XMM0 = iota + 1
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
	NumXMMs
)

const (
	// Register size classes
	R0  = iota // register not used
	R8L        // lowest 8 bits (al)
	R8H        // high 8 bits of lowest 16 (ah)
	R16        // lowest 16 bits (ax)
	R32        // lowest 32 bits (eax)
	R64        // full 64 bits (rax)
)

const (
	OprImm   OprKind = iota + 1
	OprF32           // per-function float pool reference
	OprF64
	OprGPR
	OprXMM
	OprMem
	OprBB    // label of a basic block
	OprLabel // raw label
	OprDeref // value at a label: [label]
)

const (
	// Memory access
	Mov Op = iota
	Movsx
	Movzx
	Movss
	Movsd
	Lea

	// Arithmetic
	Add
	Sub
	Imul
	Cwd
	Cdq
	Cqo
	Idiv
	Div
	And
	Or
	Xor
	Shl
	Shr
	Sar

	// Floating point arithmetic
	Addss
	Addsd
	Subss
	Subsd
	Mulss
	Mulsd
	Divss
	Divsd

	// Comparisons
	Cmp
	Sete
	Setne
	Setl
	Setle
	Setg
	Setge
	Setb
	Setbe
	Seta
	Setae

	// Floating point comparisons
	Ucomiss
	Ucomisd

	// Floating point conversions
	Cvtss2sd
	Cvtsd2ss
	Cvtsi2ss
	Cvtsi2sd
	Cvttss2si
	Cvttsd2si

	// Stack manipulation
	Push
	Pop

	// Control flow; Je..Jae must stay contiguous
	Jmp
	Je
	Jne
	Jl
	Jle
	Jg
	Jge
	Jb
	Jbe
	Ja
	Jae
	CallOp
	Ret
	Syscall

	Movsxd

	// String intrinsics
	RepStosb
	RepMovsb

	NOps
)

func (op Op) IsCondJmp() bool { return op >= Je && op <= Jae }

// IsMov reports whether op is a plain register-to-register move candidate
// for coalescing and redundant-move deletion.
func (op Op) IsMov() bool {
	return op == Mov || op == Movss || op == Movsd
}

// IsExtMov reports whether op widens its source; such moves are kept even
// when source and destination registers coincide.
func (op Op) IsExtMov() bool { return op == Movsx || op == Movzx || op == Movsxd }

// DefsLeft marks instructions that define (overwrite) their left operand.
var DefsLeft = [NOps]bool{
	Mov: true, Movsx: true, Movzx: true, Movss: true, Movsd: true, Lea: true,
	Add: true, Sub: true, Imul: true, And: true, Or: true, Xor: true,
	Shl: true, Shr: true, Sar: true,
	Addss: true, Addsd: true, Subss: true, Subsd: true,
	Mulss: true, Mulsd: true, Divss: true, Divsd: true,
	Sete: true, Setne: true, Setl: true, Setle: true, Setg: true, Setge: true,
	Setb: true, Setbe: true, Seta: true, Setae: true,
	Cvtss2sd: true, Cvtsd2ss: true, Cvtsi2ss: true, Cvtsi2sd: true,
	Cvttss2si: true, Cvttsd2si: true,
	Pop: true, Movsxd: true,
}

// Clobbers lists GPRs trashed by fixed side effects of an instruction
// beyond its explicit operands.
var Clobbers = [NOps][]int{
	Cwd:    {RDX},
	Cdq:    {RDX},
	Cqo:    {RDX},
	Idiv:   {RAX, RDX},
	Div:    {RAX, RDX},
	CallOp:   {RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11},
	RepStosb: {RAX, RCX, RDI},
	RepMovsb: {RCX, RSI, RDI},
}

func NewIns0(op Op) *Ins {
	return &Ins{Op: op}
}

func NewIns1(op Op, l *Operand) *Ins {
	return &Ins{Op: op, L: l}
}

func NewIns2(op Op, l, r *Operand) *Ins {
	return &Ins{Op: op, L: l, R: r}
}

func NewBB() *BB {
	return &BB{}
}

func NewFn() *Fn {
	bb := NewBB()

	return &Fn{
		Entry: bb, Last: bb,
		NumGPRs: NumGPRs,
		NumXMMs: NumXMMs,
	}
}

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

// InsertBefore links ins just before pos within the same block.
func (bb *BB) InsertBefore(pos, ins *Ins) *Ins {
	ins.BB = bb
	ins.Next = pos
	ins.Prev = pos.Prev

	if pos.Prev != nil {
		pos.Prev.Next = ins
	} else {
		bb.Head = ins
	}

	pos.Prev = ins

	return ins
}

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

// Operand constructors

func OprNewImm(imm uint64) *Operand {
	return &Operand{Kind: OprImm, Imm: imm}
}

func OprNewGPR(reg, size int) *Operand {
	return &Operand{Kind: OprGPR, Reg: reg, Size: size}
}

func OprNewXMM(reg int) *Operand {
	return &Operand{Kind: OprXMM, Reg: reg}
}

func OprNewDeref(label string) *Operand {
	return &Operand{Kind: OprDeref, Label: label}
}

func OprNewLabel(label string) *Operand {
	return &Operand{Kind: OprLabel, Label: label}
}

func OprNewBB(bb *BB) *Operand {
	return &Operand{Kind: OprBB, BB: bb}
}
