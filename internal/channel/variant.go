// Package channel implements the Channel entity: an opaque handle on one
// conversational context, identified by path and described by typed metadata.
package channel

import "fmt"

// VariantKind is the normalised type of a filter or property value.
// All client-declared filter values are widened into one of these four
// kinds regardless of their original wire type.
type VariantKind int

const (
	KindString VariantKind = iota
	KindObjectPath
	KindBool
	KindInt64
	KindUint64
)

func (k VariantKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindObjectPath:
		return "object-path"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	default:
		return "unknown"
	}
}

// Variant is a normalised property/filter value. Exactly one of the typed
// fields is meaningful, selected by Kind.
type Variant struct {
	Kind VariantKind
	S    string
	B    bool
	I    int64
	U    uint64
}

func String(s string) Variant       { return Variant{Kind: KindString, S: s} }
func ObjectPath(p string) Variant   { return Variant{Kind: KindObjectPath, S: p} }
func Bool(b bool) Variant           { return Variant{Kind: KindBool, B: b} }
func Int64(i int64) Variant         { return Variant{Kind: KindInt64, I: i} }
func Uint64(u uint64) Variant       { return Variant{Kind: KindUint64, U: u} }

// Equal reports whether two variants are semantically equal: strings exact,
// object-paths exact, booleans logical, integers numeric (sign/width-
// insensitive after widening). A type mismatch is never equal.
func (v Variant) Equal(other Variant) bool {
	switch v.Kind {
	case KindString:
		return other.Kind == KindString && v.S == other.S
	case KindObjectPath:
		return other.Kind == KindObjectPath && v.S == other.S
	case KindBool:
		return other.Kind == KindBool && v.B == other.B
	case KindInt64:
		switch other.Kind {
		case KindInt64:
			return v.I == other.I
		case KindUint64:
			return v.I >= 0 && uint64(v.I) == other.U
		}
		return false
	case KindUint64:
		switch other.Kind {
		case KindUint64:
			return v.U == other.U
		case KindInt64:
			return other.I >= 0 && v.U == uint64(other.I)
		}
		return false
	default:
		return false
	}
}

func (v Variant) String() string {
	switch v.Kind {
	case KindString, KindObjectPath:
		return v.S
	case KindBool:
		return fmt.Sprintf("%t", v.B)
	case KindInt64:
		return fmt.Sprintf("%d", v.I)
	case KindUint64:
		return fmt.Sprintf("%d", v.U)
	default:
		return "<invalid>"
	}
}

// PropertyMap is a channel's or a filter's set of named, normalised values.
type PropertyMap map[string]Variant
