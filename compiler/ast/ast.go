// Package ast is the typed abstract syntax tree handed to the IR builder.
//
// Every expression node carries its resolved type and every declaration's
// storage class and linkage have already been validated by the front end.
// Usual arithmetic conversions and array/function decay are explicit Conv
// nodes by the time a tree reaches the backend.
package ast

import "fmt"

type (
	TypeKind int
	Kind     int
	Linkage  int

	Pos struct {
		File string
		Line int
		Col  int
	}

	Field struct {
		Type   *Type
		Name   string
		Offset int
	}

	Type struct {
		Kind    TypeKind
		Linkage Linkage
		Size    int
		Align   int

		Unsigned bool // Char..LLong

		Ptr *Type // Ptr

		Elem *Type // Arr
		Len  *Node // Arr; non-Imm len means VLA

		Ret    *Type   // Fn
		Params []*Type // Fn
		Vararg bool    // Fn

		Fields []Field // Struct, Union
	}

	Node struct {
		Kind Kind
		Type *Type
		Pos  Pos

		Imm   uint64  // Imm
		Fp    float64 // Fp
		Str   string  // Str
		Elems []*Node // Init; nil element means zero-fill

		Name string // Local, Global, FnDef, Goto, Label

		Global *Node // KPtr; a Global node
		Off    int64 // KPtr

		L, R *Node // unary (L) and binary operations

		Fn   *Node   // Call
		Args []*Node // Call

		Obj      *Node // Field
		FieldIdx int   // Field

		Var *Node // Decl
		Val *Node // Decl; may be nil

		Cond  *Node   // If, While, DoWhile, For, Switch, Ternary, Case (value)
		Then  *Node   // Ternary
		Els   *Node   // If (chained If node, Cond==nil for plain else), Ternary
		Body  []*Node // FnDef, If, While, DoWhile, For, Switch
		Stmt  *Node   // Case, Default, Label: the labelled statement
		Init  *Node   // For
		Inc   *Node   // For
		Cases []*Node // Switch: Case/Default nodes in source order

		ParamNames []string // FnDef

		Ret *Node // Return; may be nil
	}
)

const (
	Void TypeKind = iota + 1
	Char
	Short
	Int
	Long
	LLong
	Float
	Double
	LDouble
	Ptr
	Arr
	Fn
	Struct
	Union
	Enum
)

const (
	LNone Linkage = iota
	LStatic
	LExtern
)

const (
	// Constants and variables
	Imm Kind = iota + 1
	Fp
	Str
	Init
	Local
	Global
	KPtr

	// Arithmetic
	Add
	Sub
	Mul
	Div
	Mod
	BitAnd
	BitOr
	BitXor
	Shl
	Shr

	// Comparisons
	Eq
	NEq
	Lt
	Le
	Gt
	Ge
	LogAnd
	LogOr

	// Assignment
	Assign
	AAdd
	ASub
	AMul
	ADiv
	AMod
	ABitAnd
	ABitOr
	ABitXor
	AShl
	AShr

	// Other operations
	Comma
	Ternary

	// Unary operations
	Neg
	BitNot
	LogNot
	PreInc
	PreDec
	PostInc
	PostDec
	Deref
	Addr
	Conv

	// Postfix operations
	Idx
	Call
	Member

	// Statements
	FnDef
	Typedef
	Decl
	If
	While
	DoWhile
	For
	Switch
	Case
	Default
	Break
	Continue
	Goto
	Label
	Return
)

// sizes fixed by the target: LP64, 8-byte pointers
var typeSizes = [...]int{
	Void: 0, Char: 1, Short: 2, Int: 4, Long: 8, LLong: 8,
	Float: 4, Double: 8, LDouble: 8, Ptr: 8, Fn: 8,
}

func NewType(k TypeKind) *Type {
	t := &Type{Kind: k}

	if int(k) < len(typeSizes) {
		t.Size = typeSizes[k]
		t.Align = t.Size
	}

	return t
}

func PtrTo(t *Type) *Type {
	p := NewType(Ptr)
	p.Ptr = t

	return p
}

func ArrOf(elem *Type, n int) *Type {
	t := NewType(Arr)
	t.Elem = elem
	t.Len = &Node{Kind: Imm, Type: NewType(LLong), Imm: uint64(n)}
	t.Size = elem.Size * n
	t.Align = 8

	return t
}

func (t *Type) IsInt() bool  { return t.Kind >= Char && t.Kind <= LLong }
func (t *Type) IsFp() bool   { return t.Kind >= Float && t.Kind <= LDouble }
func (t *Type) IsNum() bool  { return t.Kind >= Char && t.Kind <= LDouble }
func (t *Type) IsVLA() bool  { return t.Kind == Arr && t.Len != nil && t.Len.Kind != Imm }
func (t *Type) ArrLen() int  { return int(t.Len.Imm) }

func (p Pos) String() string {
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}
