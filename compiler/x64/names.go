package x64

import "fmt"

var opcodeNames = [NOps]string{
	Mov: "mov", Movsx: "movsx", Movzx: "movzx", Movss: "movss", Movsd: "movsd", Lea: "lea",
	Add: "add", Sub: "sub", Imul: "imul", Cwd: "cwd", Cdq: "cdq", Cqo: "cqo",
	Idiv: "idiv", Div: "div",
	And: "and", Or: "or", Xor: "xor", Shl: "shl", Shr: "shr", Sar: "sar",
	Addss: "addss", Addsd: "addsd", Subss: "subss", Subsd: "subsd",
	Mulss: "mulss", Mulsd: "mulsd", Divss: "divss", Divsd: "divsd",
	Cmp: "cmp", Sete: "sete", Setne: "setne", Setl: "setl", Setle: "setle",
	Setg: "setg", Setge: "setge", Setb: "setb", Setbe: "setbe", Seta: "seta", Setae: "setae",
	Ucomiss: "ucomiss", Ucomisd: "ucomisd",
	Cvtss2sd: "cvtss2sd", Cvtsd2ss: "cvtsd2ss", Cvtsi2ss: "cvtsi2ss",
	Cvtsi2sd: "cvtsi2sd", Cvttss2si: "cvttss2si", Cvttsd2si: "cvttsd2si",
	Push: "push", Pop: "pop",
	Jmp: "jmp", Je: "je", Jne: "jne", Jl: "jl", Jle: "jle", Jg: "jg", Jge: "jge",
	Jb: "jb", Jbe: "jbe", Ja: "ja", Jae: "jae",
	CallOp: "call", Ret: "ret", Syscall: "syscall",
	Movsxd: "movsxd", RepStosb: "rep stosb", RepMovsb: "rep movsb",
}

func (op Op) String() string {
	if op < 0 || op >= NOps || opcodeNames[op] == "" {
		return fmt.Sprintf("op(%d)", int(op))
	}

	return opcodeNames[op]
}

var gprNames = [NumGPRs][R64 + 1]string{
	RAX: {"", "al", "ah", "ax", "eax", "rax"},
	RCX: {"", "cl", "ch", "cx", "ecx", "rcx"},
	RDX: {"", "dl", "dh", "dx", "edx", "rdx"},
	RBX: {"", "bl", "bh", "bx", "ebx", "rbx"},
	RSP: {"", "spl", "", "sp", "esp", "rsp"},
	RBP: {"", "bpl", "", "bp", "ebp", "rbp"},
	RSI: {"", "sil", "", "si", "esi", "rsi"},
	RDI: {"", "dil", "", "di", "edi", "rdi"},
	R8:  {"", "r8b", "", "r8w", "r8d", "r8"},
	R9:  {"", "r9b", "", "r9w", "r9d", "r9"},
	R10: {"", "r10b", "", "r10w", "r10d", "r10"},
	R11: {"", "r11b", "", "r11w", "r11d", "r11"},
	R12: {"", "r12b", "", "r12w", "r12d", "r12"},
	R13: {"", "r13b", "", "r13w", "r13d", "r13"},
	R14: {"", "r14b", "", "r14w", "r14d", "r14"},
	R15: {"", "r15b", "", "r15w", "r15d", "r15"},
}

var sizeSuffix = [R64 + 1]string{R8L: "l", R8H: "h", R16: "w", R32: "d", R64: "q"}

// GPRName renders a general purpose register; virtual registers print as
// %<n><size suffix>.
func GPRName(reg, size int) string {
	if reg < NumGPRs {
		return gprNames[reg][size]
	}

	return fmt.Sprintf("%%%d%s", reg-NumGPRs, sizeSuffix[size])
}

// XMMName renders an SSE register; virtual registers print as %<n>f.
func XMMName(reg int) string {
	if reg < NumXMMs {
		return fmt.Sprintf("xmm%d", reg-XMM0)
	}

	return fmt.Sprintf("%%%df", reg-NumXMMs)
}
