package ir

type (
	TypeKind int

	TypeField struct {
		Type   *Type
		Offset int
	}

	// Type is an IR value type. Types are immutable once constructed and
	// shared by reference between instructions.
	Type struct {
		Kind  TypeKind
		Size  int
		Align int

		Unsigned bool // I8..I64

		Elem *Type // Arr
		Len  int   // Arr

		Fields []TypeField // Struct
	}
)

const (
	Void TypeKind = iota
	I8
	I16
	I32
	I64
	F32
	F64
	Ptr
	Arr
	Struct
)

func NewType(k TypeKind) *Type {
	t := &Type{Kind: k}

	switch k {
	case I8:
		t.Size, t.Align = 1, 1
	case I16:
		t.Size, t.Align = 2, 2
	case I32, F32:
		t.Size, t.Align = 4, 4
	case I64, F64, Ptr:
		t.Size, t.Align = 8, 8
	case Arr:
		t.Align = 8
	}

	return t
}

func NewArr(elem *Type, n int) *Type {
	t := NewType(Arr)
	t.Elem = elem
	t.Len = n
	t.Size = elem.Size * n

	return t
}

func (t *Type) IsInt() bool { return t.Kind >= I8 && t.Kind <= I64 }
func (t *Type) IsFp() bool  { return t.Kind == F32 || t.Kind == F64 }
func (t *Type) IsNum() bool { return t.Kind >= I8 && t.Kind <= F64 }

func (k TypeKind) String() string {
	switch k {
	case Void:
		return "void"
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case Ptr:
		return "ptr"
	case Arr:
		return "arr"
	case Struct:
		return "struct"
	default:
		return "?"
	}
}

func (t *Type) String() string {
	if t == nil {
		return "void"
	}

	return t.Kind.String()
}
