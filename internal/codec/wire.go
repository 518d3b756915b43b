package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// field is one decoded protobuf-wire field.
type field struct {
	num protowire.Number
	typ protowire.Type
	u64 uint64
	raw []byte
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) int64() int64     { return protowire.DecodeZigZag(f.u64) }
func (f field) float64() float64 { return math.Float64frombits(f.u64) }
func (f field) float32() float32 { return math.Float32frombits(uint32(f.u64)) }

// forEach walks the fields of b in order. Unknown fields are handed to fn
// like any other; fn ignores the numbers it does not know.
func forEach(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u64 = uint64(v)
		case protowire.Fixed64Type:
			f.u64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// encoder appends fields, skipping zero values so equal messages always
// produce equal bytes.
type encoder struct {
	b []byte
}

func (e *encoder) uvarint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) svarint(num protowire.Number, v int64) {
	e.uvarint(num, protowire.EncodeZigZag(v))
}

func (e *encoder) boolean(num protowire.Number, v bool) {
	if v {
		e.uvarint(num, 1)
	}
}

func (e *encoder) double(num protowire.Number, v float64) {
	bits := math.Float64bits(v)
	if bits == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, bits)
}

func (e *encoder) float(num protowire.Number, v float32) {
	bits := math.Float32bits(v)
	if bits == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed32Type)
	e.b = protowire.AppendFixed32(e.b, bits)
}

func (e *encoder) str(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

// repeatedStr writes every element, empty strings included.
func (e *encoder) repeatedStr(num protowire.Number, vs []string) {
	for _, v := range vs {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, v)
	}
}

// message writes a nested message produced by fn. Present-but-empty
// messages are still written so optional sub-messages survive round trips.
func (e *encoder) message(num protowire.Number, fn func(*encoder)) {
	var sub encoder
	fn(&sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}
