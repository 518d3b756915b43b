package graph

import (
	"fmt"
	"math"
	"slices"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindBools
	KindInts
	KindFloats
	KindStrings
)

var kindNames = [...]string{
	KindNone:    "none",
	KindBool:    "bool",
	KindInt:     "int",
	KindFloat:   "float",
	KindString:  "string",
	KindBytes:   "bytes",
	KindBools:   "bools",
	KindInts:    "ints",
	KindFloats:  "floats",
	KindStrings: "strings",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsSequence reports whether the kind holds a sequence of scalars.
func (k Kind) IsSequence() bool { return k >= KindBools && k <= KindStrings }

// Value is an attribute value: a scalar or a sequence of one scalar kind.
// The zero Value has KindNone.
type Value struct {
	kind Kind
	num  uint64
	str  string
	raw  []byte

	bools   []bool
	ints    []int64
	floats  []float64
	strings []string
}

func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

func Int(v int64) Value     { return Value{kind: KindInt, num: uint64(v)} }
func Float(v float64) Value { return Value{kind: KindFloat, num: math.Float64bits(v)} }
func String(v string) Value { return Value{kind: KindString, str: v} }
func Bytes(v []byte) Value  { return Value{kind: KindBytes, raw: slices.Clone(v)} }

func Bools(v ...bool) Value     { return Value{kind: KindBools, bools: slices.Clone(v)} }
func Ints(v ...int64) Value     { return Value{kind: KindInts, ints: slices.Clone(v)} }
func Floats(v ...float64) Value { return Value{kind: KindFloats, floats: slices.Clone(v)} }
func Strings(v ...string) Value { return Value{kind: KindStrings, strings: slices.Clone(v)} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Bool() (bool, bool)      { return v.num == 1, v.kind == KindBool }
func (v Value) Int() (int64, bool)      { return int64(v.num), v.kind == KindInt }
func (v Value) Float() (float64, bool)  { return math.Float64frombits(v.num), v.kind == KindFloat }
func (v Value) Str() (string, bool)     { return v.str, v.kind == KindString }
func (v Value) Raw() ([]byte, bool)     { return v.raw, v.kind == KindBytes }
func (v Value) BoolSeq() ([]bool, bool) { return v.bools, v.kind == KindBools }
func (v Value) IntSeq() ([]int64, bool) { return v.ints, v.kind == KindInts }
func (v Value) FloatSeq() ([]float64, bool) {
	return v.floats, v.kind == KindFloats
}
func (v Value) StringSeq() ([]string, bool) { return v.strings, v.kind == KindStrings }

// Interface returns the value as a plain Go value, or nil for KindNone.
// Sequences are returned as fresh slices.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.num == 1
	case KindInt:
		return int64(v.num)
	case KindFloat:
		return math.Float64frombits(v.num)
	case KindString:
		return v.str
	case KindBytes:
		return slices.Clone(v.raw)
	case KindBools:
		return slices.Clone(v.bools)
	case KindInts:
		return slices.Clone(v.ints)
	case KindFloats:
		return slices.Clone(v.floats)
	case KindStrings:
		return slices.Clone(v.strings)
	}
	return nil
}

// Equal compares kind and contents. Floats compare by bit pattern so NaN
// values round-trip as equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool, KindInt, KindFloat:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindBytes:
		return slices.Equal(v.raw, o.raw)
	case KindBools:
		return slices.Equal(v.bools, o.bools)
	case KindInts:
		return slices.Equal(v.ints, o.ints)
	case KindFloats:
		return slices.EqualFunc(v.floats, o.floats, func(a, b float64) bool {
			return math.Float64bits(a) == math.Float64bits(b)
		})
	case KindStrings:
		return slices.Equal(v.strings, o.strings)
	}
	return true
}

func (v Value) clone() Value {
	v.raw = slices.Clone(v.raw)
	v.bools = slices.Clone(v.bools)
	v.ints = slices.Clone(v.ints)
	v.floats = slices.Clone(v.floats)
	v.strings = slices.Clone(v.strings)
	return v
}

func (v Value) String() string {
	if v.kind == KindNone {
		return "<none>"
	}
	return fmt.Sprintf("%v", v.Interface())
}
