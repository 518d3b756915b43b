package codec

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/drblury/frameflow/internal/graph"
	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
)

// Decode validates the header and decodes one complete envelope. It fails
// with ErrCorruptEnvelope for a bad marker, length or payload and with a
// *SchemaError for an unsupported version. It never panics on bad input.
func (c *Codec) Decode(env []byte) (Message, error) {
	flags, payload, err := readHeader(env)
	if err != nil {
		return Message{}, err
	}
	if flags&flagContinued != 0 {
		return Message{}, corrupt("continuation part must be assembled before decoding")
	}

	var (
		version              uint64
		seenVersion          bool
		meta, frame, eos, ud []byte
		variants             int
	)
	err = forEach(payload, func(f field) error {
		switch f.num {
		case fieldVersion:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			version, seenVersion = f.u64, true
		case fieldMeta:
			meta = f.raw
			return f.expect(protowire.BytesType)
		case fieldFrame:
			frame = f.raw
			variants++
			return f.expect(protowire.BytesType)
		case fieldEndOfStream:
			eos = f.raw
			variants++
			return f.expect(protowire.BytesType)
		case fieldUserData:
			ud = f.raw
			variants++
			return f.expect(protowire.BytesType)
		}
		return nil
	})
	if err != nil {
		return Message{}, corrupt("payload: %v", err)
	}
	if !seenVersion || version < uint64(MinVersion) || version > uint64(CurrentVersion) {
		return Message{}, &ferrors.SchemaError{Version: uint32(min(version, math.MaxUint32))}
	}
	if variants != 1 {
		return Message{}, corrupt("payload carries %d message variants", variants)
	}

	m := Message{Version: uint32(version)}
	if m.Meta, err = decodeMeta(meta, m.Version); err != nil {
		return Message{}, corrupt("meta: %v", err)
	}
	var kind string
	switch {
	case frame != nil:
		kind = "frame"
		m.Frame, err = c.decodeFrame(frame)
	case eos != nil:
		kind = "end_of_stream"
		m.EndOfStream = &EndOfStream{}
		err = forEach(eos, func(f field) error {
			if f.num == 1 {
				m.EndOfStream.SourceID = string(f.raw)
				return f.expect(protowire.BytesType)
			}
			return nil
		})
	case ud != nil:
		kind = "user_data"
		m.UserData = &UserData{}
		err = forEach(ud, func(f field) error {
			switch f.num {
			case 1:
				m.UserData.SourceID = string(f.raw)
				return f.expect(protowire.BytesType)
			case 2:
				return decodeAttribute(f, &m.UserData.Attributes)
			}
			return nil
		})
	}
	if err != nil {
		return Message{}, corrupt("%s: %v", kind, err)
	}
	return m, nil
}

func decodeMeta(b []byte, version uint32) (Meta, error) {
	var m Meta
	err := forEach(b, func(f field) error {
		switch f.num {
		case 1:
			m.Seq = f.u64
			return f.expect(protowire.VarintType)
		case 2:
			m.StreamID = string(f.raw)
			return f.expect(protowire.BytesType)
		case 3:
			m.FencingToken = f.u64
			return f.expect(protowire.VarintType)
		case 4:
			m.Routing = append(m.Routing, string(f.raw))
			return f.expect(protowire.BytesType)
		case 5:
			if version >= 2 {
				m.TraceParent = string(f.raw)
			}
			return f.expect(protowire.BytesType)
		}
		return nil
	})
	return m, err
}

func (c *Codec) decodeFrame(b []byte) (*graph.FrameData, error) {
	d := &graph.FrameData{}
	var names []string
	var objects [][]byte

	err := forEach(b, func(f field) error {
		switch f.num {
		case 1:
			d.ID = graph.FrameID(f.raw)
			return f.expect(protowire.BytesType)
		case 2:
			d.SourceID = string(f.raw)
			return f.expect(protowire.BytesType)
		case 3:
			d.Timestamp = time.Unix(0, f.int64()).UTC()
			return f.expect(protowire.VarintType)
		case 4:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			return decodeVideo(f.raw, &d.Video)
		case 5:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			return decodeContent(f.raw, &d.Content)
		case 6:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			var t graph.Transformation
			err := forEach(f.raw, func(f field) error {
				if err := f.expect(protowire.VarintType); err != nil {
					return err
				}
				switch f.num {
				case 1:
					t.Kind = graph.TransformKind(f.u64)
				case 2:
					t.Width = f.int64()
				case 3:
					t.Height = f.int64()
				case 4:
					t.Left = f.int64()
				case 5:
					t.Top = f.int64()
				case 6:
					t.Right = f.int64()
				case 7:
					t.Bottom = f.int64()
				}
				return nil
			})
			d.Transformations = append(d.Transformations, t)
			return err
		case 7:
			return decodeAttribute(f, &d.Attributes)
		case 8:
			names = append(names, string(f.raw))
			return f.expect(protowire.BytesType)
		case 9:
			objects = append(objects, f.raw)
			return f.expect(protowire.BytesType)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Objects carry dictionary indexes until the frame validates, so a
	// rejected envelope leaves the shared label table untouched.
	resolve := func(idx uint64) (graph.LabelID, error) {
		if idx > uint64(len(names)) {
			return 0, fmt.Errorf("label index %d outside dictionary of %d", idx, len(names))
		}
		return graph.LabelID(idx), nil
	}

	d.Objects = make([]graph.VideoObject, 0, len(objects))
	for _, raw := range objects {
		o := graph.VideoObject{Frame: d.ID}
		err := forEach(raw, func(f field) error {
			var err error
			switch f.num {
			case 1:
				o.ID = f.int64()
			case 2:
				o.Creator, err = resolve(f.u64)
			case 3:
				o.Label, err = resolve(f.u64)
			case 4:
				o.Confidence = f.float32()
				return f.expect(protowire.Fixed32Type)
			case 5:
				o.TrackID = f.int64()
			case 6:
				o.ParentID = f.int64()
			case 7:
				return decodeBoxField(f, &o.Box)
			case 8:
				var tb graph.BBox
				if err := decodeBoxField(f, &tb); err != nil {
					return err
				}
				o.TrackBox = &tb
				return nil
			case 9:
				return decodeAttribute(f, &o.Attributes)
			default:
				return nil
			}
			if err != nil {
				return err
			}
			return f.expect(protowire.VarintType)
		})
		if err != nil {
			return nil, err
		}
		d.Objects = append(d.Objects, o)
	}
	if err := graph.ValidateObjects(d.ID, d.Objects); err != nil {
		return nil, err
	}

	local := make(map[graph.LabelID]graph.LabelID, len(names)+1)
	intern := func(idx graph.LabelID) graph.LabelID {
		if idx == 0 {
			return 0
		}
		id, ok := local[idx]
		if !ok {
			id = c.labels.Intern(names[idx-1])
			local[idx] = id
		}
		return id
	}
	for i := range d.Objects {
		d.Objects[i].Creator = intern(d.Objects[i].Creator)
		d.Objects[i].Label = intern(d.Objects[i].Label)
	}
	return d, nil
}

func decodeVideo(b []byte, v *graph.Video) error {
	return forEach(b, func(f field) error {
		switch f.num {
		case 1:
			v.Framerate = string(f.raw)
			return f.expect(protowire.BytesType)
		case 4:
			v.Codec = string(f.raw)
			return f.expect(protowire.BytesType)
		}
		if err := f.expect(protowire.VarintType); err != nil {
			return err
		}
		switch f.num {
		case 2:
			v.Width = f.int64()
		case 3:
			v.Height = f.int64()
		case 5:
			k := protowire.DecodeBool(f.u64)
			v.Keyframe = &k
		case 6:
			v.PTS = f.int64()
		case 7:
			dts := f.int64()
			v.DTS = &dts
		case 8:
			dur := f.int64()
			v.Duration = &dur
		case 9:
			v.TimeBase[0] = int32(f.int64())
		case 10:
			v.TimeBase[1] = int32(f.int64())
		}
		return nil
	})
}

func decodeContent(b []byte, c *graph.Content) error {
	return forEach(b, func(f field) error {
		switch f.num {
		case 1:
			c.Kind = graph.ContentKind(f.u64)
			return f.expect(protowire.VarintType)
		case 2:
			c.Method = string(f.raw)
		case 3:
			c.Location = string(f.raw)
		case 4:
			c.Data = append([]byte(nil), f.raw...)
		default:
			return nil
		}
		return f.expect(protowire.BytesType)
	})
}

func decodeBoxField(f field, box *graph.BBox) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	return forEach(f.raw, func(f field) error {
		if err := f.expect(protowire.Fixed64Type); err != nil {
			return err
		}
		switch f.num {
		case 1:
			box.XC = f.float64()
		case 2:
			box.YC = f.float64()
		case 3:
			box.Width = f.float64()
		case 4:
			box.Height = f.float64()
		case 5:
			box.Angle = f.float64()
		}
		return nil
	})
}

func decodeAttribute(f field, attrs *graph.Attributes) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	var (
		ns, name string
		attr     graph.Attribute
	)
	err := forEach(f.raw, func(f field) error {
		switch f.num {
		case 1:
			ns = string(f.raw)
		case 2:
			name = string(f.raw)
		case 3:
			attr.Hint = string(f.raw)
		case 4:
			attr.Hidden = f.u64 != 0
			return f.expect(protowire.VarintType)
		case 5:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			v, err := decodeValue(f.raw)
			attr.Value = v
			return err
		default:
			return nil
		}
		return f.expect(protowire.BytesType)
	})
	if err != nil {
		return err
	}
	attrs.Set(ns, name, attr)
	return nil
}

func decodeValue(b []byte) (graph.Value, error) {
	var (
		kind   graph.Kind
		scalar uint64
		str    string
		raw    []byte
		packed []byte
		strs   []string
	)
	err := forEach(b, func(f field) error {
		switch f.num {
		case 1:
			kind = graph.Kind(f.u64)
			return f.expect(protowire.VarintType)
		case 2:
			scalar = f.u64
			return f.expect(protowire.VarintType)
		case 3:
			scalar = f.u64
			return f.expect(protowire.Fixed64Type)
		case 4:
			str = string(f.raw)
		case 5:
			raw = f.raw
		case 6:
			packed = f.raw
		case 7:
			strs = append(strs, string(f.raw))
		default:
			return nil
		}
		return f.expect(protowire.BytesType)
	})
	if err != nil {
		return graph.Value{}, err
	}

	switch kind {
	case graph.KindNone:
		return graph.Value{}, nil
	case graph.KindBool:
		return graph.Bool(scalar != 0), nil
	case graph.KindInt:
		return graph.Int(protowire.DecodeZigZag(scalar)), nil
	case graph.KindFloat:
		return graph.Float(math.Float64frombits(scalar)), nil
	case graph.KindString:
		return graph.String(str), nil
	case graph.KindBytes:
		return graph.Bytes(raw), nil
	case graph.KindStrings:
		return graph.Strings(strs...), nil
	case graph.KindBools, graph.KindInts:
		var bools []bool
		var ints []int64
		for len(packed) > 0 {
			v, n := protowire.ConsumeVarint(packed)
			if n < 0 {
				return graph.Value{}, protowire.ParseError(n)
			}
			packed = packed[n:]
			bools = append(bools, protowire.DecodeBool(v))
			ints = append(ints, protowire.DecodeZigZag(v))
		}
		if kind == graph.KindBools {
			return graph.Bools(bools...), nil
		}
		return graph.Ints(ints...), nil
	case graph.KindFloats:
		var floats []float64
		for len(packed) > 0 {
			v, n := protowire.ConsumeFixed64(packed)
			if n < 0 {
				return graph.Value{}, protowire.ParseError(n)
			}
			packed = packed[n:]
			floats = append(floats, math.Float64frombits(v))
		}
		return graph.Floats(floats...), nil
	}
	return graph.Value{}, fmt.Errorf("unknown value kind %d", kind)
}
