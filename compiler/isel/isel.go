// Package isel translates IR to x86-64 instructions over virtual
// registers.
//
// Every value is either discharged into a fresh virtual register, folded
// into an immediate operand, or folded into a memory operand of the
// consuming instruction. Register class follows the IR type: floats go to
// SSE registers, everything else to general purpose ones.
package isel

import (
	"context"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/cc64lang/cc64/compiler/ir"
	"github.com/cc64lang/cc64/compiler/x64"
)

// stack must be 16-byte aligned before calls
const stackAlign = 16

var intArgRegs = [...]int{x64.RDI, x64.RSI, x64.RDX, x64.RCX, x64.R8, x64.R9}

type (
	assembler struct {
		tr tlog.Span

		fn  *x64.Fn
		cur *x64.BB

		bbs map[*ir.BB]*x64.BB

		nextStack  int
		patchStack []*x64.Ins

		// comparisons consumed by phi nodes must be materialized in their
		// own block, found by a pre-pass
		needValue map[*ir.Ins]bool

		intArgs, fpArgs int
	}

	bail struct {
		err error
	}
)

var intOp = [ir.NOps]x64.Op{
	ir.OpAdd: x64.Add, ir.OpSub: x64.Sub, ir.OpMul: x64.Imul,
	ir.OpBitAnd: x64.And, ir.OpBitOr: x64.Or, ir.OpBitXor: x64.Xor,
}

var f32Op = [ir.NOps]x64.Op{
	ir.OpAdd: x64.Addss, ir.OpSub: x64.Subss, ir.OpMul: x64.Mulss, ir.OpFDiv: x64.Divss,
}

var f64Op = [ir.NOps]x64.Op{
	ir.OpAdd: x64.Addsd, ir.OpSub: x64.Subsd, ir.OpMul: x64.Mulsd, ir.OpFDiv: x64.Divsd,
}

var jccOp = [ir.NOps]x64.Op{
	ir.OpEq: x64.Je, ir.OpNEq: x64.Jne,
	ir.OpLt: x64.Jl, ir.OpLe: x64.Jle, ir.OpGt: x64.Jg, ir.OpGe: x64.Jge,
	ir.OpULt: x64.Jb, ir.OpULe: x64.Jbe, ir.OpUGt: x64.Ja, ir.OpUGe: x64.Jae,
}

var setccOp = [ir.NOps]x64.Op{
	ir.OpEq: x64.Sete, ir.OpNEq: x64.Setne,
	ir.OpLt: x64.Setl, ir.OpLe: x64.Setle, ir.OpGt: x64.Setg, ir.OpGe: x64.Setge,
	ir.OpULt: x64.Setb, ir.OpULe: x64.Setbe, ir.OpUGt: x64.Seta, ir.OpUGe: x64.Setae,
}

// Select translates every function among globals, in order.
func Select(ctx context.Context, globals []*ir.Global) (fns []*x64.Fn, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "isel")
	defer tr.Finish("err", &err)

	defer func() {
		p := recover()
		if p == nil {
			return
		}

		b, ok := p.(bail)
		if !ok {
			panic(p)
		}

		err = b.err
	}()

	for _, g := range globals {
		if g.Kind != ir.KFn {
			continue
		}

		fn := selectFn(tr, g)
		fns = append(fns, fn)

		if tr.If("dump_asm") {
			var b strings.Builder
			fn.Fprint(&b)
			tr.Printw("selected code", "label", fn.Label, "listing", b.String())
		}
	}

	return fns, nil
}

func unimpf(format string, args ...interface{}) {
	panic(bail{err: errors.New("unimplemented: "+format, args...)})
}

func selectFn(tr tlog.Span, g *ir.Global) *x64.Fn {
	fn := x64.NewFn()
	fn.Label = g.Label
	fn.Linkage = int(g.Fn.Linkage)

	a := &assembler{
		tr:        tr,
		fn:        fn,
		cur:       fn.Entry,
		bbs:       map[*ir.BB]*x64.BB{},
		needValue: map[*ir.Ins]bool{},
	}

	for bb := g.Fn.Entry; bb != nil; bb = bb.Next {
		a.bbs[bb] = fn.AppendBB(x64.NewBB())

		for ins := bb.Head; ins != nil; ins = ins.Next {
			if ins.Op != ir.OpPhi {
				continue
			}

			for _, def := range ins.Defs {
				// immediates and float constants fold into the move itself;
				// everything else must live in a register at the merge
				if def.Op != ir.OpImm && def.Op != ir.OpFp {
					a.needValue[def] = true
				}
			}
		}
	}

	a.preamble()

	for bb := g.Fn.Entry; bb != nil; bb = bb.Next {
		a.cur = a.bbs[bb]

		for ins := bb.Head; ins != nil; ins = ins.Next {
			a.selectIns(ins)
		}
	}

	a.phiMoves(g.Fn)
	a.patchStackSizes()

	return fn
}

// ---- Operands ----

func sizeClass(bytes int) int {
	switch bytes {
	case 1:
		return x64.R8L
	case 2:
		return x64.R16
	case 4:
		return x64.R32
	case 8:
		return x64.R64
	default:
		panic(bytes)
	}
}

func oprGPRType(reg int, t *ir.Type) *x64.Operand {
	// aggregate values are carried as addresses
	if t.Kind == ir.Arr || t.Kind == ir.Struct {
		return x64.OprNewGPR(reg, x64.R64)
	}

	return x64.OprNewGPR(reg, sizeClass(t.Size))
}

func oprFp(t *ir.Type, idx int) *x64.Operand {
	k := x64.OprF64
	if t.Kind == ir.F32 {
		k = x64.OprF32
	}

	return &x64.Operand{Kind: k, FpIdx: idx}
}

func movFor(t *ir.Type) x64.Op {
	switch t.Kind {
	case ir.F32:
		return x64.Movss
	case ir.F64:
		return x64.Movsd
	default:
		return x64.Mov
	}
}

func (a *assembler) emit(ins *x64.Ins) *x64.Ins {
	return a.cur.Append(ins)
}

func (a *assembler) nextVreg(t *ir.Type) *x64.Operand {
	if t.IsFp() {
		reg := a.fn.NumXMMs
		a.fn.NumXMMs++

		return x64.OprNewXMM(reg)
	}

	reg := a.fn.NumGPRs
	a.fn.NumGPRs++

	return oprGPRType(reg, t)
}

func memFromAlloc(alloc *ir.Ins, toLoad *ir.Type) *x64.Operand {
	if alloc.Op != ir.OpAlloc {
		panic(alloc.Op)
	}

	mem := &x64.Operand{ // [rbp - <stack slot>]
		Kind:     x64.OprMem,
		Base:     x64.RBP,
		BaseSize: x64.R64,
		Scale:    1,
		Disp:     -int64(alloc.StackSlot),
	}

	if toLoad != nil {
		mem.Bytes = toLoad.Size
	}

	return mem
}

func memFromGlobal(global *ir.Ins, toLoad *ir.Type) *x64.Operand {
	mem := x64.OprNewDeref(global.Global.Label)
	if toLoad != nil {
		mem.Bytes = toLoad.Size
	}

	return mem
}

func (a *assembler) memFromPtr(ptr *ir.Ins, toLoad *ir.Type) *x64.Operand {
	l := a.discharge(ptr)
	if l.Kind != x64.OprGPR || l.Size != x64.R64 {
		panic(l.Kind)
	}

	mem := &x64.Operand{ // [<reg>]
		Kind:     x64.OprMem,
		Base:     l.Reg,
		BaseSize: x64.R64,
		Scale:    1,
	}

	if toLoad != nil {
		mem.Bytes = toLoad.Size
	}

	return mem
}

// loadPtr resolves a pointer value into one of three memory operand
// shapes by its IR origin: frame-pointer displacement for stack slots,
// RIP-relative dereference for globals, register-indirect for anything
// computed. Re-derived at every use on purpose.
func (a *assembler) loadPtr(ptr *ir.Ins, toLoad *ir.Type) *x64.Operand {
	if ptr.Type.Kind != ir.Ptr {
		panic(ptr.Type.Kind)
	}

	switch ptr.Op {
	case ir.OpAlloc:
		return memFromAlloc(ptr, toLoad)
	case ir.OpGlobal:
		return memFromGlobal(ptr, toLoad)
	default:
		return a.memFromPtr(ptr, toLoad)
	}
}

func (a *assembler) regOpr(ins *ir.Ins) *x64.Operand {
	if ins.Type.IsFp() {
		return x64.OprNewXMM(ins.Vreg)
	}

	return oprGPRType(ins.Vreg, ins.Type)
}

// discharge materializes the result of an instruction into a virtual
// register.
func (a *assembler) discharge(ins *ir.Ins) *x64.Operand {
	if ins.Vreg > 0 {
		return a.regOpr(ins)
	}

	if ins.Op.IsCmp() {
		return a.dischargeCmp(ins)
	}

	mov := movFor(ins.Type)
	opr := a.nextVreg(ins.Type)
	ins.Vreg = opr.Reg

	switch ins.Op {
	case ir.OpImm:
		a.emit(x64.NewIns2(mov, opr, x64.OprNewImm(ins.Imm)))
	case ir.OpFp:
		a.emit(x64.NewIns2(mov, opr, oprFp(ins.Type, ins.FpIdx)))
	case ir.OpGlobal:
		a.emit(x64.NewIns2(x64.Lea, opr, x64.OprNewDeref(ins.Global.Label)))
	case ir.OpLoad:
		a.emit(x64.NewIns2(mov, opr, a.loadPtr(ins.L, ins.Type)))
	case ir.OpAlloc:
		a.emit(x64.NewIns2(x64.Lea, opr, memFromAlloc(ins, nil)))
	case ir.OpPhi:
		// filled by moves at the tail of each predecessor
	default:
		panic(ins.Op)
	}

	return opr
}

// dischargeCmp materializes a comparison as a flags-setting compare, a
// setcc of the low byte and a zero extension.
func (a *assembler) dischargeCmp(ins *ir.Ins) *x64.Operand {
	a.emitCmp(ins)

	opr := a.nextVreg(ins.Type)
	ins.Vreg = opr.Reg

	a.emit(x64.NewIns1(setccOp[ins.Op], x64.OprNewGPR(opr.Reg, x64.R8L)))
	a.emit(x64.NewIns2(x64.Movzx, x64.OprNewGPR(opr.Reg, x64.R32), x64.OprNewGPR(opr.Reg, x64.R8L)))

	return opr
}

func (a *assembler) emitCmp(ins *ir.Ins) {
	l := a.discharge(ins.L)

	if ins.L.Type.IsFp() {
		r := a.inlineMem(ins.R)

		op := x64.Ucomisd
		if ins.L.Type.Kind == ir.F32 {
			op = x64.Ucomiss
		}

		a.emit(x64.NewIns2(op, l, r))

		return
	}

	r := a.inlineImmMem(ins.R)
	a.emit(x64.NewIns2(x64.Cmp, l, r))
}

func (a *assembler) inlineImm(ins *ir.Ins) *x64.Operand {
	if ins.Op == ir.OpImm {
		return x64.OprNewImm(ins.Imm)
	}

	return a.discharge(ins)
}

func (a *assembler) inlineMem(ins *ir.Ins) *x64.Operand {
	switch {
	case ins.Op == ir.OpLoad && ins.Vreg == 0:
		return a.loadPtr(ins.L, ins.Type)
	case ins.Op == ir.OpFp && ins.Vreg == 0:
		return oprFp(ins.Type, ins.FpIdx)
	default:
		return a.discharge(ins)
	}
}

func (a *assembler) inlineImmMem(ins *ir.Ins) *x64.Operand {
	if ins.Op == ir.OpImm {
		return a.inlineImm(ins)
	}

	return a.inlineMem(ins)
}

// ---- Instruction selection ----

func (a *assembler) selectIns(ins *ir.Ins) {
	switch ins.Op {
	case ir.OpImm:
		// always inlined at the use site
	case ir.OpGlobal:
		if a.needValue[ins] {
			a.discharge(ins)
		}
	case ir.OpFp:
		a.selectFp(ins)
	case ir.OpFArg:
		a.selectFArg(ins)
	case ir.OpAlloc:
		a.selectAlloc(ins)

		if a.needValue[ins] {
			a.discharge(ins)
		}
	case ir.OpLoad:
		// loads fold into memory operands lazily unless a phi needs them
		if a.needValue[ins] {
			a.discharge(ins)
		}
	case ir.OpStore:
		a.selectStore(ins)
	case ir.OpIdx:
		a.selectIdx(ins)
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpFDiv,
		ir.OpBitAnd, ir.OpBitOr, ir.OpBitXor:
		a.selectArith(ins)
	case ir.OpSDiv, ir.OpUDiv, ir.OpSMod, ir.OpUMod:
		a.selectDivMod(ins)
	case ir.OpShl, ir.OpShr, ir.OpSar:
		a.selectShift(ins)
	case ir.OpEq, ir.OpNEq, ir.OpLt, ir.OpLe, ir.OpGt, ir.OpGe,
		ir.OpULt, ir.OpULe, ir.OpUGt, ir.OpUGe:
		if a.needValue[ins] {
			a.discharge(ins)
		}
		// otherwise handled by the consuming branch or use site
	case ir.OpTrunc, ir.OpSExt, ir.OpZExt, ir.OpFp2I, ir.OpI2Fp,
		ir.OpPtr2I, ir.OpI2Ptr, ir.OpBitcast:
		a.selectConv(ins)
	case ir.OpPhi:
		if ins.Vreg == 0 {
			ins.Vreg = a.nextVreg(ins.Type).Reg
		}
	case ir.OpBr:
		a.selectBr(ins)
	case ir.OpCondBr:
		a.selectCondBr(ins)
	case ir.OpCall:
		a.selectCall(ins)
	case ir.OpCArg:
		// consumed by the call
	case ir.OpRet:
		a.selectRet(ins)
	case ir.OpZero:
		a.selectZero(ins)
	case ir.OpCopy:
		a.selectCopy(ins)
	default:
		panic(ins.Op)
	}
}

func (a *assembler) selectFp(ins *ir.Ins) {
	if ins.Type.Kind == ir.F32 {
		ins.FpIdx = len(a.fn.F32s)
		a.fn.F32s = append(a.fn.F32s, float32(ins.Fp))
	} else {
		ins.FpIdx = len(a.fn.F64s)
		a.fn.F64s = append(a.fn.F64s, ins.Fp)
	}
}

func (a *assembler) selectFArg(ins *ir.Ins) {
	dst := a.nextVreg(ins.Type)
	ins.Vreg = dst.Reg

	if ins.Type.IsFp() {
		if a.fpArgs >= 8 {
			unimpf("more than 8 floating point arguments")
		}

		a.emit(x64.NewIns2(movFor(ins.Type), dst, x64.OprNewXMM(x64.XMM0+a.fpArgs)))
		a.fpArgs++

		return
	}

	if a.intArgs >= len(intArgRegs) {
		unimpf("more than %v integer arguments", len(intArgRegs))
	}

	a.emit(x64.NewIns2(x64.Mov, dst, oprGPRType(intArgRegs[a.intArgs], ins.Type)))
	a.intArgs++
}

func alignTo(val, align int) int {
	if align <= 0 || val%align == 0 {
		return val
	}

	return val + align - val%align
}

func (a *assembler) selectAlloc(ins *ir.Ins) {
	a.nextStack = alignTo(a.nextStack, ins.AllocType.Align) + ins.AllocType.Size
	ins.StackSlot = a.nextStack
}

func (a *assembler) selectStore(ins *ir.Ins) {
	l := a.loadPtr(ins.L, ins.R.Type)
	r := a.inlineImm(ins.R)

	a.emit(x64.NewIns2(movFor(ins.R.Type), l, r))
}

func (a *assembler) selectIdx(ins *ir.Ins) {
	base := a.discharge(ins.L)
	offset := a.inlineImm(ins.R)

	dst := a.nextVreg(ins.Type)
	ins.Vreg = dst.Reg

	a.emit(x64.NewIns2(x64.Mov, dst, base))
	a.emit(x64.NewIns2(x64.Add, dst, offset))
}

func (a *assembler) selectArith(ins *ir.Ins) {
	l := a.discharge(ins.L) // left operand always in a register
	r := a.inlineImmMem(ins.R)

	dst := a.nextVreg(ins.Type)
	ins.Vreg = dst.Reg
	a.emit(x64.NewIns2(movFor(ins.Type), dst, l))

	var op x64.Op

	switch ins.Type.Kind {
	case ir.F32:
		op = f32Op[ins.Op]
	case ir.F64:
		op = f64Op[ins.Op]
	default:
		op = intOp[ins.Op]
	}

	if op == 0 {
		panic(ins.Op)
	}

	a.emit(x64.NewIns2(op, dst, r))
}

func (a *assembler) selectDivMod(ins *ir.Ins) {
	dividend := a.discharge(ins.L)
	divisor := a.inlineMem(ins.R) // idiv takes no immediates

	a.emit(x64.NewIns2(x64.Mov, x64.OprNewGPR(x64.RAX, dividend.Size), dividend))

	signed := ins.Op == ir.OpSDiv || ins.Op == ir.OpSMod

	if signed {
		// sign extend rax into rdx:rax
		var ext x64.Op
		switch ins.Type.Size {
		case 4:
			ext = x64.Cdq
		case 8:
			ext = x64.Cqo
		default:
			ext = x64.Cwd
		}

		a.emit(x64.NewIns0(ext))
	} else {
		a.emit(x64.NewIns2(x64.Xor, x64.OprNewGPR(x64.RDX, x64.R32), x64.OprNewGPR(x64.RDX, x64.R32)))
	}

	if signed {
		a.emit(x64.NewIns1(x64.Idiv, divisor))
	} else {
		a.emit(x64.NewIns1(x64.Div, divisor))
	}

	dst := a.nextVreg(ins.Type)
	ins.Vreg = dst.Reg

	result := x64.RAX // quotient
	if ins.Op == ir.OpSMod || ins.Op == ir.OpUMod {
		result = x64.RDX // remainder
	}

	a.emit(x64.NewIns2(x64.Mov, dst, oprGPRType(result, ins.Type)))
}

var shiftOp = [ir.NOps]x64.Op{
	ir.OpShl: x64.Shl, ir.OpShr: x64.Shr, ir.OpSar: x64.Sar,
}

func (a *assembler) selectShift(ins *ir.Ins) {
	l := a.discharge(ins.L)

	dst := a.nextVreg(ins.Type)
	ins.Vreg = dst.Reg
	a.emit(x64.NewIns2(x64.Mov, dst, l))

	op := shiftOp[ins.Op]

	if ins.R.Op == ir.OpImm {
		a.emit(x64.NewIns2(op, dst, x64.OprNewImm(ins.R.Imm)))
		return
	}

	r := a.discharge(ins.R)
	a.emit(x64.NewIns2(x64.Mov, x64.OprNewGPR(x64.RCX, r.Size), r))
	a.emit(x64.NewIns2(op, dst, x64.OprNewGPR(x64.RCX, x64.R8L))) // shift by cl
}

func (a *assembler) selectConv(ins *ir.Ins) {
	if ins.Type.IsFp() || ins.L.Type.IsFp() {
		a.selectFpConv(ins)
		return
	}

	src := a.discharge(ins.L)

	dst := a.nextVreg(ins.Type)
	ins.Vreg = dst.Reg

	switch {
	case ins.Op == ir.OpSExt || ins.Op == ir.OpI2Ptr && ins.L.Type.Size < 8:
		switch {
		case ins.L.Type.Size == 4 && ins.Type.Size == 8:
			a.emit(x64.NewIns2(x64.Movsxd, dst, src))
		case ins.L.Type.Size < ins.Type.Size:
			a.emit(x64.NewIns2(x64.Movsx, dst, src))
		default:
			a.emit(x64.NewIns2(x64.Mov, dst, src))
		}
	case ins.Op == ir.OpZExt:
		if ins.L.Type.Size == 4 {
			// 32-bit moves implicitly zero the upper half
			a.emit(x64.NewIns2(x64.Mov, x64.OprNewGPR(dst.Reg, x64.R32), src))
		} else {
			a.emit(x64.NewIns2(x64.Movzx, dst, src))
		}
	default: // trunc, ptr2i, bitcast and same-size moves
		a.emit(x64.NewIns2(x64.Mov, dst, x64.OprNewGPR(src.Reg, dst.Size)))
	}
}

func (a *assembler) selectFpConv(ins *ir.Ins) {
	switch ins.Op {
	case ir.OpI2Fp:
		src := a.discharge(ins.L)

		if src.Size < x64.R32 { // widen the source first
			a.emit(x64.NewIns2(x64.Movsx, x64.OprNewGPR(src.Reg, x64.R32), src))
			src = x64.OprNewGPR(src.Reg, x64.R32)
		}

		dst := a.nextVreg(ins.Type)
		ins.Vreg = dst.Reg

		op := x64.Cvtsi2sd
		if ins.Type.Kind == ir.F32 {
			op = x64.Cvtsi2ss
		}

		a.emit(x64.NewIns2(op, dst, src))
	case ir.OpFp2I:
		src := a.inlineMem(ins.L)

		dst := a.nextVreg(ins.Type)
		ins.Vreg = dst.Reg

		op := x64.Cvttsd2si
		if ins.L.Type.Kind == ir.F32 {
			op = x64.Cvttss2si
		}

		wide := dst
		if dst.Size < x64.R32 {
			wide = x64.OprNewGPR(dst.Reg, x64.R32)
		}

		a.emit(x64.NewIns2(op, wide, src))
	case ir.OpTrunc: // f64 -> f32
		src := a.inlineMem(ins.L)

		dst := a.nextVreg(ins.Type)
		ins.Vreg = dst.Reg

		a.emit(x64.NewIns2(x64.Cvtsd2ss, dst, src))
	case ir.OpSExt, ir.OpZExt: // f32 -> f64
		src := a.inlineMem(ins.L)

		dst := a.nextVreg(ins.Type)
		ins.Vreg = dst.Reg

		a.emit(x64.NewIns2(x64.Cvtss2sd, dst, src))
	default:
		panic(ins.Op)
	}
}

func (a *assembler) selectBr(ins *ir.Ins) {
	if ins.BB.Next == ins.Br {
		return // fallthrough
	}

	a.emit(x64.NewIns1(x64.Jmp, x64.OprNewBB(a.bbs[ins.Br])))
}

var invertJcc = map[x64.Op]x64.Op{
	x64.Je: x64.Jne, x64.Jne: x64.Je,
	x64.Jl: x64.Jge, x64.Jle: x64.Jg, x64.Jg: x64.Jle, x64.Jge: x64.Jl,
	x64.Jb: x64.Jae, x64.Jbe: x64.Ja, x64.Ja: x64.Jbe, x64.Jae: x64.Jb,
}

func (a *assembler) selectCondBr(ins *ir.Ins) {
	cond := ins.Cond

	var jop x64.Op

	if cond.Op.IsCmp() && cond.Vreg == 0 {
		a.emitCmp(cond)
		jop = jccOp[cond.Op]
	} else {
		v := a.discharge(cond)
		a.emit(x64.NewIns2(x64.Cmp, v, x64.OprNewImm(0)))
		jop = x64.Jne
	}

	next := ins.BB.Next

	switch {
	case ins.True == next:
		// jump over the body on the inverted condition
		a.emit(x64.NewIns1(invertJcc[jop], x64.OprNewBB(a.bbs[ins.False])))
	case ins.False == next:
		a.emit(x64.NewIns1(jop, x64.OprNewBB(a.bbs[ins.True])))
	default:
		a.emit(x64.NewIns1(jop, x64.OprNewBB(a.bbs[ins.True])))
		a.emit(x64.NewIns1(x64.Jmp, x64.OprNewBB(a.bbs[ins.False])))
	}
}

func (a *assembler) selectCall(ins *ir.Ins) {
	var cargs []*ir.Ins
	for n := ins.Next; n != nil && n.Op == ir.OpCArg; n = n.Next {
		cargs = append(cargs, n)
	}

	// materialize argument values first, then fill the fixed registers in
	// one run so nothing is defined between the argument moves and the call
	vals := make([]*x64.Operand, len(cargs))

	for i, c := range cargs {
		if c.Type.Kind == ir.Struct || c.Type.Kind == ir.Arr {
			unimpf("aggregate call arguments")
		}

		vals[i] = a.inlineImm(c.L)
	}

	ints, fps := 0, 0

	for i, c := range cargs {
		if c.Type.IsFp() {
			if fps >= 8 {
				unimpf("more than 8 floating point arguments")
			}

			a.emit(x64.NewIns2(movFor(c.Type), x64.OprNewXMM(x64.XMM0+fps), vals[i]))
			fps++

			continue
		}

		if ints >= len(intArgRegs) {
			unimpf("more than %v integer arguments", len(intArgRegs))
		}

		a.emit(x64.NewIns2(x64.Mov, oprGPRType(intArgRegs[ints], c.Type), vals[i]))
		ints++
	}

	if ins.L.Op == ir.OpGlobal {
		a.emit(x64.NewIns1(x64.CallOp, x64.OprNewLabel(ins.L.Global.Label)))
	} else {
		target := a.discharge(ins.L)
		a.emit(x64.NewIns1(x64.CallOp, target))
	}

	if ins.Type == nil || ins.Type.Kind == ir.Void {
		return
	}

	if ins.Type.Kind == ir.Struct || ins.Type.Kind == ir.Arr {
		unimpf("aggregate return values")
	}

	dst := a.nextVreg(ins.Type)
	ins.Vreg = dst.Reg

	if ins.Type.IsFp() {
		a.emit(x64.NewIns2(movFor(ins.Type), dst, x64.OprNewXMM(x64.XMM0)))
	} else {
		a.emit(x64.NewIns2(x64.Mov, dst, oprGPRType(x64.RAX, ins.Type)))
	}
}

func (a *assembler) selectRet(ins *ir.Ins) {
	if ins.L != nil {
		val := a.inlineImmMem(ins.L)

		if ins.L.Type.IsFp() {
			a.emit(x64.NewIns2(movFor(ins.L.Type), x64.OprNewXMM(x64.XMM0), val))
		} else {
			// widen returns smaller than an int into eax
			size := x64.R32
			if ins.L.Type.Size == 8 {
				size = x64.R64
			}

			dst := x64.OprNewGPR(x64.RAX, size)

			if ins.L.Type.Size < 4 && val.Kind != x64.OprImm {
				ext := x64.Movsx
				if ins.L.Type.Unsigned {
					ext = x64.Movzx
				}

				a.emit(x64.NewIns2(ext, dst, val))
			} else {
				a.emit(x64.NewIns2(x64.Mov, dst, val))
			}
		}
	}

	a.postamble()
	a.emit(x64.NewIns0(x64.Ret))
}

func (a *assembler) selectZero(ins *ir.Ins) {
	dst := a.loadPtr(ins.L, nil)

	a.emit(x64.NewIns2(x64.Lea, x64.OprNewGPR(x64.RDI, x64.R64), dst))
	a.emit(x64.NewIns2(x64.Xor, x64.OprNewGPR(x64.RAX, x64.R32), x64.OprNewGPR(x64.RAX, x64.R32)))
	a.emit(x64.NewIns2(x64.Mov, x64.OprNewGPR(x64.RCX, x64.R64), a.inlineImm(ins.R)))
	a.emit(x64.NewIns0(x64.RepStosb))
}

func (a *assembler) selectCopy(ins *ir.Ins) {
	dst := a.loadPtr(ins.L, nil)
	src := a.loadPtr(ins.R, nil)

	a.emit(x64.NewIns2(x64.Lea, x64.OprNewGPR(x64.RDI, x64.R64), dst))
	a.emit(x64.NewIns2(x64.Lea, x64.OprNewGPR(x64.RSI, x64.R64), src))
	a.emit(x64.NewIns2(x64.Mov, x64.OprNewGPR(x64.RCX, x64.R64), a.inlineImm(ins.Len)))
	a.emit(x64.NewIns0(x64.RepMovsb))
}

// ---- Phi resolution ----

// phiMoves fills each phi's register at the tail of every predecessor,
// just before its trailing jumps. Plain moves do not touch flags so a
// pending compare-and-branch stays intact.
func (a *assembler) phiMoves(fn *ir.Fn) {
	for bb := fn.Entry; bb != nil; bb = bb.Next {
		for ins := bb.Head; ins != nil; ins = ins.Next {
			if ins.Op != ir.OpPhi || ins.Vreg == 0 {
				continue
			}

			dst := a.regOpr(ins)

			for i, pred := range ins.Preds {
				def := ins.Defs[i]

				var src *x64.Operand

				switch {
				case def.Vreg > 0:
					src = a.regOpr(def)
				case def.Op == ir.OpImm:
					src = x64.OprNewImm(def.Imm)
				case def.Op == ir.OpFp:
					src = oprFp(def.Type, def.FpIdx)
				default:
					panic(def.Op)
				}

				insertBeforeJumps(a.bbs[pred], x64.NewIns2(movFor(ins.Type), dst, src))
			}
		}
	}
}

func insertBeforeJumps(bb *x64.BB, ins *x64.Ins) {
	pos := bb.Last
	for pos != nil && (pos.Op == x64.Jmp || pos.Op.IsCondJmp()) {
		pos = pos.Prev
	}

	switch {
	case pos == nil && bb.Head == nil:
		bb.Append(ins)
	case pos == nil:
		bb.InsertBefore(bb.Head, ins)
	case pos.Next == nil:
		bb.Append(ins)
	default:
		bb.InsertBefore(pos.Next, ins)
	}
}

// ---- Frame ----

func (a *assembler) preamble() {
	a.emit(x64.NewIns1(x64.Push, x64.OprNewGPR(x64.RBP, x64.R64)))
	a.emit(x64.NewIns2(x64.Mov, x64.OprNewGPR(x64.RBP, x64.R64), x64.OprNewGPR(x64.RSP, x64.R64)))

	patch := a.emit(x64.NewIns2(x64.Sub, x64.OprNewGPR(x64.RSP, x64.R64), x64.OprNewImm(0)))
	a.patchStack = append(a.patchStack, patch)
}

func (a *assembler) postamble() {
	patch := a.emit(x64.NewIns2(x64.Add, x64.OprNewGPR(x64.RSP, x64.R64), x64.OprNewImm(0)))
	a.emit(x64.NewIns1(x64.Pop, x64.OprNewGPR(x64.RBP, x64.R64)))

	a.patchStack = append(a.patchStack, patch)
}

func (a *assembler) patchStackSizes() {
	a.nextStack = alignTo(a.nextStack, stackAlign)

	for _, ins := range a.patchStack {
		if a.nextStack == 0 {
			ins.Remove()
			continue
		}

		if ins.R.Kind != x64.OprImm {
			panic(ins.R.Kind)
		}

		ins.R.Imm = uint64(a.nextStack)
	}
}
