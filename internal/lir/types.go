package lir

// Type is the value type carried by variables, immediates and memory
// operands.
type Type uint8

const (
	TypeVoid Type = iota
	TypeBool
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypePtr
	TypeString
)

var typeNames = [...]string{
	TypeVoid:    "void",
	TypeBool:    "bool",
	TypeInt8:    "i8",
	TypeInt16:   "i16",
	TypeInt32:   "i32",
	TypeInt64:   "i64",
	TypeUint8:   "u8",
	TypeUint16:  "u16",
	TypeUint32:  "u32",
	TypeUint64:  "u64",
	TypeFloat32: "f32",
	TypeFloat64: "f64",
	TypePtr:     "ptr",
	TypeString:  "str",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "type?"
}

// ParseType maps a type name as printed by String back to its Type.
func ParseType(s string) (Type, bool) {
	for t, name := range typeNames {
		if name == s {
			return Type(t), true
		}
	}
	return TypeVoid, false
}

// Size reports the storage size in bytes.
func (t Type) Size() int {
	switch t {
	case TypeBool, TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64, TypePtr, TypeString:
		return 8
	}
	return 0
}

func (t Type) IsFloat() bool { return t == TypeFloat32 || t == TypeFloat64 }

// IsInteger reports whether values of t live in general purpose registers.
func (t Type) IsInteger() bool { return t != TypeVoid && !t.IsFloat() }

func (t Type) IsSigned() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return true
	}
	return false
}

// IntType returns the signed integer type of the given byte width.
func IntType(width int) Type {
	switch width {
	case 1:
		return TypeInt8
	case 2:
		return TypeInt16
	case 4:
		return TypeInt32
	}
	return TypeInt64
}

// FloatType returns the float type of the given byte width.
func FloatType(width int) Type {
	if width == 4 {
		return TypeFloat32
	}
	return TypeFloat64
}
