// Package graph holds frames, their objects and the store that owns them.
// Objects reference parents inside the same frame only, and the store keeps
// that graph acyclic on every mutation.
package graph

import (
	"time"
)

// Object ids are positive; zero in ParentID or TrackID means absent.
const (
	NoParent int64 = 0
	NoTrack  int64 = 0
)

// VideoObject is a detected or tracked entity inside one frame.
type VideoObject struct {
	// ID is unique within the frame. Zero asks AddObject to assign one.
	ID         int64
	Creator    LabelID
	Label      LabelID
	Confidence float32
	TrackID    int64
	// ParentID references another object of the same frame.
	ParentID int64
	Box      BBox
	// TrackBox is the box reported by the tracker, if any.
	TrackBox   *BBox
	Attributes Attributes

	// Frame is set on objects read from a store and names their frame.
	Frame FrameID
}

func (o VideoObject) HasParent() bool { return o.ParentID != NoParent }
func (o VideoObject) HasTrack() bool  { return o.TrackID != NoTrack }

// Clone deep-copies attributes and the tracker box.
func (o VideoObject) Clone() VideoObject {
	o.Attributes = o.Attributes.Clone()
	if o.TrackBox != nil {
		b := *o.TrackBox
		o.TrackBox = &b
	}
	return o
}

// Predicate selects objects. A nil Predicate selects every object.
type Predicate func(*VideoObject) bool

// All selects every object.
var All Predicate = nil

func ByLabel(id LabelID) Predicate {
	return func(o *VideoObject) bool { return o.Label == id }
}

func ByCreator(id LabelID) Predicate {
	return func(o *VideoObject) bool { return o.Creator == id }
}

func ByTrack(id int64) Predicate {
	return func(o *VideoObject) bool { return o.TrackID == id }
}

func Not(p Predicate) Predicate {
	if p == nil {
		return func(*VideoObject) bool { return false }
	}
	return func(o *VideoObject) bool { return !p(o) }
}

func And(ps ...Predicate) Predicate {
	return func(o *VideoObject) bool {
		for _, p := range ps {
			if p != nil && !p(o) {
				return false
			}
		}
		return true
	}
}

func (p Predicate) match(o *VideoObject) bool { return p == nil || p(o) }

// Content describes where the frame's media lives.
type Content struct {
	Kind ContentKind
	// Method and Location describe external content, e.g. "s3" and a URL.
	Method   string
	Location string
	// Data holds internal content.
	Data []byte
}

type ContentKind uint8

const (
	ContentNone ContentKind = iota
	ContentExternal
	ContentInternal
)

// Transformation records a geometric change applied to the frame.
type Transformation struct {
	Kind TransformKind
	// Width and Height for InitialSize and Scale.
	Width, Height int64
	// Padding for Padding.
	Left, Top, Right, Bottom int64
}

type TransformKind uint8

const (
	TransformInitialSize TransformKind = iota + 1
	TransformScale
	TransformPadding
)

// Video describes stream properties carried with each frame.
type Video struct {
	Framerate string
	Width     int64
	Height    int64
	Codec     string
	Keyframe  *bool
	PTS       int64
	DTS       *int64
	Duration  *int64
	TimeBase  [2]int32
}

// FrameData is a detached copy of a frame. It is what the codec encodes and
// what Store.Import validates and restores.
type FrameData struct {
	ID              FrameID
	SourceID        string
	Timestamp       time.Time
	Video           Video
	Content         Content
	Transformations []Transformation
	Attributes      Attributes
	Objects         []VideoObject
}
