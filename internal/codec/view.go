package codec

import (
	"time"

	"github.com/drblury/frameflow/internal/graph"
)

// View is a JSON-friendly rendering of a Message with label ids resolved to
// names. It is meant for inspection, not for round trips.
type View struct {
	Version      uint32         `json:"version"`
	Kind         string         `json:"kind"`
	Seq          uint64         `json:"seq,omitempty"`
	StreamID     string         `json:"stream_id,omitempty"`
	FencingToken uint64         `json:"fencing_token,omitempty"`
	Routing      []string       `json:"routing,omitempty"`
	TraceParent  string         `json:"traceparent,omitempty"`
	SourceID     string         `json:"source_id,omitempty"`
	Frame        *FrameView     `json:"frame,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

type FrameView struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Framerate  string         `json:"framerate,omitempty"`
	Width      int64          `json:"width,omitempty"`
	Height     int64          `json:"height,omitempty"`
	Codec      string         `json:"codec,omitempty"`
	Content    string         `json:"content"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Objects    []ObjectView   `json:"objects"`
}

type ObjectView struct {
	ID         int64          `json:"id"`
	Creator    string         `json:"creator,omitempty"`
	Label      string         `json:"label,omitempty"`
	Confidence float32        `json:"confidence"`
	TrackID    int64          `json:"track_id,omitempty"`
	ParentID   int64          `json:"parent_id,omitempty"`
	Box        graph.BBox     `json:"box"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

var contentNames = map[graph.ContentKind]string{
	graph.ContentNone:     "none",
	graph.ContentExternal: "external",
	graph.ContentInternal: "internal",
}

// View renders m using the codec's label table.
func (c *Codec) View(m Message) View {
	v := View{
		Version:      m.Version,
		Kind:         m.Kind(),
		Seq:          m.Meta.Seq,
		StreamID:     m.Meta.StreamID,
		FencingToken: m.Meta.FencingToken,
		Routing:      m.Meta.Routing,
		TraceParent:  m.Meta.TraceParent,
		SourceID:     m.SourceID(),
	}
	switch {
	case m.Frame != nil:
		f := m.Frame
		fv := &FrameView{
			ID:         string(f.ID),
			Timestamp:  f.Timestamp,
			Framerate:  f.Video.Framerate,
			Width:      f.Video.Width,
			Height:     f.Video.Height,
			Codec:      f.Video.Codec,
			Content:    contentNames[f.Content.Kind],
			Attributes: nonEmpty(f.Attributes.Map()),
			Objects:    make([]ObjectView, len(f.Objects)),
		}
		for i, o := range f.Objects {
			fv.Objects[i] = ObjectView{
				ID:         o.ID,
				Creator:    c.labels.Name(o.Creator),
				Label:      c.labels.Name(o.Label),
				Confidence: o.Confidence,
				TrackID:    o.TrackID,
				ParentID:   o.ParentID,
				Box:        o.Box,
				Attributes: nonEmpty(o.Attributes.Map()),
			}
		}
		v.Frame = fv
	case m.UserData != nil:
		v.Attributes = nonEmpty(m.UserData.Attributes.Map())
	}
	return v
}

func nonEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
