package codec

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/drblury/frameflow/internal/graph"
	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
)

// Top-level payload fields.
const (
	fieldVersion     protowire.Number = 1
	fieldMeta        protowire.Number = 2
	fieldFrame       protowire.Number = 3
	fieldEndOfStream protowire.Number = 4
	fieldUserData    protowire.Number = 5
)

// Codec encodes and decodes envelopes. Label ids are translated through its
// label table; envelopes carry the label names they use.
type Codec struct {
	labels *graph.Labels
}

// New returns a codec over labels, or over a fresh table when labels is nil.
func New(labels *graph.Labels) *Codec {
	if labels == nil {
		labels = graph.NewLabels()
	}
	return &Codec{labels: labels}
}

func (c *Codec) Labels() *graph.Labels { return c.labels }

// Encode serializes m into a single envelope. Encoding is deterministic:
// attributes are written in key order and zero values are omitted.
func (c *Codec) Encode(m Message) ([]byte, error) {
	version := m.Version
	if version == 0 {
		version = CurrentVersion
	}
	if version < MinVersion || version > CurrentVersion {
		return nil, &ferrors.SchemaError{Version: version}
	}
	if m.variants() != 1 {
		return nil, errors.New("codec: message must carry exactly one of frame, end of stream or user data")
	}

	e := &encoder{b: make([]byte, 0, 256)}
	e.uvarint(fieldVersion, uint64(version))
	e.message(fieldMeta, func(e *encoder) { encodeMeta(e, m.Meta, version) })

	switch {
	case m.Frame != nil:
		if err := graph.ValidateObjects(m.Frame.ID, m.Frame.Objects); err != nil {
			return nil, fmt.Errorf("codec: %w", err)
		}
		e.message(fieldFrame, func(e *encoder) { c.encodeFrame(e, m.Frame) })
	case m.EndOfStream != nil:
		e.message(fieldEndOfStream, func(e *encoder) { e.str(1, m.EndOfStream.SourceID) })
	case m.UserData != nil:
		e.message(fieldUserData, func(e *encoder) {
			e.str(1, m.UserData.SourceID)
			encodeAttributes(e, 2, m.UserData.Attributes)
		})
	}

	env := appendHeader(make([]byte, 0, HeaderLen+len(e.b)), 0, len(e.b))
	return append(env, e.b...), nil
}

func encodeMeta(e *encoder, m Meta, version uint32) {
	e.uvarint(1, m.Seq)
	e.str(2, m.StreamID)
	e.uvarint(3, m.FencingToken)
	e.repeatedStr(4, m.Routing)
	if version >= 2 {
		e.str(5, m.TraceParent)
	}
}

func (c *Codec) encodeFrame(e *encoder, f *graph.FrameData) {
	e.str(1, string(f.ID))
	e.str(2, f.SourceID)
	if !f.Timestamp.IsZero() {
		e.svarint(3, f.Timestamp.UnixNano())
	}
	if f.Video != (graph.Video{}) {
		e.message(4, func(e *encoder) { encodeVideo(e, f.Video) })
	}
	if f.Content.Kind != graph.ContentNone {
		e.message(5, func(e *encoder) {
			e.uvarint(1, uint64(f.Content.Kind))
			e.str(2, f.Content.Method)
			e.str(3, f.Content.Location)
			e.bytes(4, f.Content.Data)
		})
	}
	for _, t := range f.Transformations {
		e.message(6, func(e *encoder) {
			e.uvarint(1, uint64(t.Kind))
			e.svarint(2, t.Width)
			e.svarint(3, t.Height)
			e.svarint(4, t.Left)
			e.svarint(5, t.Top)
			e.svarint(6, t.Right)
			e.svarint(7, t.Bottom)
		})
	}
	encodeAttributes(e, 7, f.Attributes)

	// label dictionary in first-use order; index 0 stands for the empty name
	dict := make(map[graph.LabelID]uint64)
	var names []string
	ref := func(id graph.LabelID) uint64 {
		if id == 0 {
			return 0
		}
		if i, ok := dict[id]; ok {
			return i
		}
		names = append(names, c.labels.Name(id))
		dict[id] = uint64(len(names))
		return dict[id]
	}
	refs := make([][2]uint64, len(f.Objects))
	for i, o := range f.Objects {
		refs[i] = [2]uint64{ref(o.Creator), ref(o.Label)}
	}
	e.repeatedStr(8, names)

	for i, o := range f.Objects {
		e.message(9, func(e *encoder) {
			e.svarint(1, o.ID)
			e.uvarint(2, refs[i][0])
			e.uvarint(3, refs[i][1])
			e.float(4, o.Confidence)
			e.svarint(5, o.TrackID)
			e.svarint(6, o.ParentID)
			if o.Box != (graph.BBox{}) {
				e.message(7, func(e *encoder) { encodeBox(e, o.Box) })
			}
			if o.TrackBox != nil {
				e.message(8, func(e *encoder) { encodeBox(e, *o.TrackBox) })
			}
			encodeAttributes(e, 9, o.Attributes)
		})
	}
}

func encodeVideo(e *encoder, v graph.Video) {
	e.str(1, v.Framerate)
	e.svarint(2, v.Width)
	e.svarint(3, v.Height)
	e.str(4, v.Codec)
	if v.Keyframe != nil {
		e.b = protowire.AppendTag(e.b, 5, protowire.VarintType)
		e.b = protowire.AppendVarint(e.b, protowire.EncodeBool(*v.Keyframe))
	}
	e.svarint(6, v.PTS)
	if v.DTS != nil {
		e.b = protowire.AppendTag(e.b, 7, protowire.VarintType)
		e.b = protowire.AppendVarint(e.b, protowire.EncodeZigZag(*v.DTS))
	}
	if v.Duration != nil {
		e.b = protowire.AppendTag(e.b, 8, protowire.VarintType)
		e.b = protowire.AppendVarint(e.b, protowire.EncodeZigZag(*v.Duration))
	}
	e.svarint(9, int64(v.TimeBase[0]))
	e.svarint(10, int64(v.TimeBase[1]))
}

func encodeBox(e *encoder, b graph.BBox) {
	e.double(1, b.XC)
	e.double(2, b.YC)
	e.double(3, b.Width)
	e.double(4, b.Height)
	e.double(5, b.Angle)
}

func encodeAttributes(e *encoder, num protowire.Number, attrs graph.Attributes) {
	for _, k := range attrs.Keys() {
		attr, _ := attrs.Get(k.Namespace, k.Name)
		e.message(num, func(e *encoder) {
			e.str(1, k.Namespace)
			e.str(2, k.Name)
			e.str(3, attr.Hint)
			e.boolean(4, attr.Hidden)
			e.message(5, func(e *encoder) { encodeValue(e, attr.Value) })
		})
	}
}

// Value fields: 1 kind, 2 varint scalar, 3 double, 4 string, 5 bytes,
// 6 packed sequence, 7 repeated string.
func encodeValue(e *encoder, v graph.Value) {
	e.uvarint(1, uint64(v.Kind()))
	switch v.Kind() {
	case graph.KindBool:
		b, _ := v.Bool()
		e.boolean(2, b)
	case graph.KindInt:
		n, _ := v.Int()
		e.svarint(2, n)
	case graph.KindFloat:
		f, _ := v.Float()
		e.double(3, f)
	case graph.KindString:
		s, _ := v.Str()
		e.str(4, s)
	case graph.KindBytes:
		raw, _ := v.Raw()
		e.bytes(5, raw)
	case graph.KindBools:
		seq, _ := v.BoolSeq()
		var packed []byte
		for _, b := range seq {
			packed = protowire.AppendVarint(packed, protowire.EncodeBool(b))
		}
		e.bytes(6, packed)
	case graph.KindInts:
		seq, _ := v.IntSeq()
		var packed []byte
		for _, n := range seq {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(n))
		}
		e.bytes(6, packed)
	case graph.KindFloats:
		seq, _ := v.FloatSeq()
		var packed []byte
		for _, f := range seq {
			packed = protowire.AppendFixed64(packed, math.Float64bits(f))
		}
		e.bytes(6, packed)
	case graph.KindStrings:
		seq, _ := v.StringSeq()
		e.repeatedStr(7, seq)
	}
}
