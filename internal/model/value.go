// Package model defines the attribute value types shared by the configuration,
// wire-encoding, and key-state packages: the primitive and container types a
// space's schema may use, and the Go representation of one attribute value.
package model

import "fmt"

// Kind identifies the runtime type carried by a Value.
type Kind uint8

const (
	KindString Kind = iota
	KindInt64
	KindFloat64
	KindList
	KindSet
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MapEntry is one (key, value) pair of a map-typed attribute. Maps encode and
// sort by Key (see internal/wire's container encoding).
type MapEntry struct {
	Key   Value
	Value Value
}

// Value is the tagged union of every attribute value this data model supports:
// the three primitives (string, int64, float64) and the three containers
// (list, set, map) thereof. Only one field matching Kind is meaningful at a
// time; the zero Value is the empty string.
type Value struct {
	Kind Kind

	Str   string
	Int   int64
	Float float64
	List  []Value
	Set   []Value
	Map   []MapEntry
}

// String constructs a string-typed Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Int64 constructs an int64-typed Value.
func Int64(i int64) Value { return Value{Kind: KindInt64, Int: i} }

// Float64 constructs a float64-typed Value.
func Float64(f float64) Value { return Value{Kind: KindFloat64, Float: f} }

// ListOf constructs a list-typed Value, preserving insertion order.
func ListOf(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

// SetOf constructs a set-typed Value. Callers are expected to have already
// deduplicated; encoding additionally sorts (see internal/wire).
func SetOf(vs ...Value) Value { return Value{Kind: KindSet, Set: vs} }

// MapOf constructs a map-typed Value from already-paired entries.
func MapOf(entries ...MapEntry) Value { return Value{Kind: KindMap, Map: entries} }

// Equal reports whether two values are structurally identical: same kind, and
// recursively identical contents. Used by CAS-predicate evaluation and by
// tests asserting committed state.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindInt64:
		return v.Int == o.Int
	case KindFloat64:
		return v.Float == o.Float
	case KindList, KindSet:
		a, b := v.List, o.List
		if v.Kind == KindSet {
			a, b = v.Set, o.Set
		}
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for i := range v.Map {
			if !v.Map[i].Key.Equal(o.Map[i].Key) || !v.Map[i].Value.Equal(o.Map[i].Value) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Attribute describes one column of a space's schema: its name and its type.
// ElemOf and ValueOf are only meaningful when Type is a container kind: for
// lists and sets ElemOf is the element type; for maps ElemOf is the key type
// and ValueOf the value type.
type Attribute struct {
	Name string
	Type Kind
	// ElemOf is the element type for KindList/KindSet, or the key type for
	// KindMap. Unused for primitive attributes.
	ElemOf Kind
	// ValueOf is the value type for KindMap attributes. Unused otherwise.
	ValueOf Kind
}
