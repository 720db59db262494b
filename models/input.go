package models

// InputKind
//
//	The kind of value a client provided for one program input field.
type InputKind string

const (
	InputKindText      InputKind = "text"
	InputKindNumber    InputKind = "number"
	InputKindMultiline InputKind = "multiline"
)

func (k InputKind) String() string {
	switch k {
	case InputKindText:
		return "Text"
	case InputKindNumber:
		return "Number"
	case InputKindMultiline:
		return "Multiline"
	default:
		return "Unknown"
	}
}

// Valid reports whether the kind is one of the known input kinds
func (k InputKind) Valid() bool {
	switch k {
	case InputKindText, InputKindNumber, InputKindMultiline:
		return true
	}
	return false
}
