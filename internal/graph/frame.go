package graph

import (
	"iter"
	"slices"
	"sync"
	"time"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
)

// FrameID identifies a frame across the pipeline.
type FrameID string

// IngressStage owns frames that were just created or imported.
const IngressStage = "ingress"

// Frame is one unit of pipeline metadata. Every exported method takes the
// frame's own lock; no lock is shared with other frames.
type Frame struct {
	mu sync.Mutex

	id        FrameID
	sourceID  string
	timestamp time.Time

	video           Video
	content         Content
	transformations []Transformation
	attributes      Attributes

	objects []VideoObject
	index   map[int64]int
	nextID  int64

	stage   string
	batch   string
	removed bool

	modified map[int64]struct{}
	snapshot *FrameData
}

func newFrame(id FrameID, sourceID string, ts time.Time) *Frame {
	return &Frame{
		id:        id,
		sourceID:  sourceID,
		timestamp: ts,
		index:     make(map[int64]int),
		nextID:    1,
		stage:     IngressStage,
		modified:  make(map[int64]struct{}),
	}
}

func (f *Frame) ID() FrameID { return f.id }

func (f *Frame) SourceID() string { return f.sourceID }

func (f *Frame) Timestamp() time.Time { return f.timestamp }

func (f *Frame) Stage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stage
}

// Update runs fn with the frame locked. fn must not call other Frame methods.
func (f *Frame) Update(fn func(*Video, *Content, *[]Transformation, *Attributes)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed {
		return ferrors.ErrNotFound
	}
	fn(&f.video, &f.content, &f.transformations, &f.attributes)
	return nil
}

func (f *Frame) SetAttribute(ns, name string, attr Attribute) error {
	return f.Update(func(_ *Video, _ *Content, _ *[]Transformation, a *Attributes) {
		a.Set(ns, name, attr)
	})
}

func (f *Frame) Attribute(ns, name string) (Attribute, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attr, ok := f.attributes.Get(ns, name)
	if ok {
		attr.Value = attr.Value.clone()
	}
	return attr, ok
}

// Attributes returns a copy of the frame attributes.
func (f *Frame) Attributes() Attributes {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attributes.Clone()
}

func (f *Frame) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// Object returns a copy of object id.
func (f *Frame) Object(id int64) (VideoObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.index[id]
	if !ok {
		return VideoObject{}, false
	}
	return f.objects[i].Clone(), true
}

// Objects yields copies of the objects matching p in insertion order. Each
// range takes a fresh snapshot, so the sequence can be iterated again.
func (f *Frame) Objects(p Predicate) iter.Seq[VideoObject] {
	return func(yield func(VideoObject) bool) {
		f.mu.Lock()
		snap := make([]VideoObject, len(f.objects))
		for i := range f.objects {
			snap[i] = f.objects[i].Clone()
		}
		f.mu.Unlock()

		for i := range snap {
			if !p.match(&snap[i]) {
				continue
			}
			if !yield(snap[i]) {
				return
			}
		}
	}
}

// addObject validates and appends obj. The graph is untouched on error.
func (f *Frame) addObject(obj VideoObject) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.removed {
		return 0, ferrors.ErrNotFound
	}
	if obj.Frame != "" && obj.Frame != f.id && obj.HasParent() {
		return 0, f.violation(obj.ID, ferrors.ViolationCrossFrame)
	}
	if obj.ID < 0 {
		return 0, f.violation(obj.ID, ferrors.ViolationInvalidID)
	}
	if obj.ID == 0 {
		obj.ID = f.nextID
	}
	if _, dup := f.index[obj.ID]; dup {
		return 0, f.violation(obj.ID, ferrors.ViolationDuplicateID)
	}
	if obj.HasParent() {
		if obj.ParentID == obj.ID {
			return 0, f.violation(obj.ID, ferrors.ViolationCycle)
		}
		if _, ok := f.index[obj.ParentID]; !ok {
			return 0, f.violation(obj.ID, ferrors.ViolationMissingParent)
		}
	}

	obj = obj.Clone()
	obj.Frame = f.id
	obj.Box = obj.Box.Normalized()
	f.index[obj.ID] = len(f.objects)
	f.objects = append(f.objects, obj)
	f.nextID = max(f.nextID, obj.ID+1)
	f.modified[obj.ID] = struct{}{}
	return obj.ID, nil
}

// UpdateObject applies fn to a copy of object id and commits it only if the
// result keeps the graph valid. The id cannot be changed.
func (f *Frame) UpdateObject(id int64, fn func(*VideoObject)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.removed {
		return ferrors.ErrNotFound
	}
	i, ok := f.index[id]
	if !ok {
		return ferrors.ErrNotFound
	}
	next := f.objects[i].Clone()
	fn(&next)
	next.ID = id
	next.Frame = f.id
	next.Box = next.Box.Normalized()

	if next.HasParent() {
		if _, ok := f.index[next.ParentID]; !ok {
			return f.violation(id, ferrors.ViolationMissingParent)
		}
		if f.reaches(next.ParentID, id) {
			return f.violation(id, ferrors.ViolationCycle)
		}
	}
	f.objects[i] = next
	f.modified[id] = struct{}{}
	return nil
}

// reaches reports whether walking parents from start arrives at target.
func (f *Frame) reaches(start, target int64) bool {
	seen := make(map[int64]struct{})
	for cur := start; cur != NoParent; {
		if cur == target {
			return true
		}
		if _, ok := seen[cur]; ok {
			return true
		}
		seen[cur] = struct{}{}
		i, ok := f.index[cur]
		if !ok {
			return false
		}
		cur = f.objects[i].ParentID
	}
	return false
}

// DeleteObjects removes matching objects and returns them. Children of a
// removed object are detached from it.
func (f *Frame) DeleteObjects(p Predicate) ([]VideoObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.removed {
		return nil, ferrors.ErrNotFound
	}
	var removed []VideoObject
	gone := make(map[int64]struct{})
	kept := f.objects[:0:0]
	for _, o := range f.objects {
		if p.match(&o) {
			removed = append(removed, o)
			gone[o.ID] = struct{}{}
			continue
		}
		kept = append(kept, o)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	for i := range kept {
		if _, ok := gone[kept[i].ParentID]; ok {
			kept[i].ParentID = NoParent
			f.modified[kept[i].ID] = struct{}{}
		}
	}
	f.objects = kept
	f.reindex()
	return removed, nil
}

// Children returns the direct children of id.
func (f *Frame) Children(id int64) []VideoObject {
	return slices.Collect(f.Objects(func(o *VideoObject) bool { return o.ParentID == id }))
}

// Modified returns the ids added or changed since the last ClearModified,
// sorted ascending.
func (f *Frame) Modified() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.modified))
	for id := range f.modified {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (f *Frame) ClearModified() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.modified)
}

// Snapshot saves the current objects and attributes for Restore.
func (f *Frame) Snapshot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.exportLocked()
	f.snapshot = &d
}

// Restore rolls objects and attributes back to the last Snapshot. It reports
// false when no snapshot exists.
func (f *Frame) Restore() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot == nil || f.removed {
		return false
	}
	f.attributes = f.snapshot.Attributes.Clone()
	f.objects = make([]VideoObject, len(f.snapshot.Objects))
	for i, o := range f.snapshot.Objects {
		f.objects[i] = o.Clone()
	}
	f.reindex()
	clear(f.modified)
	return true
}

// Export returns a detached copy of the frame.
func (f *Frame) Export() FrameData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exportLocked()
}

func (f *Frame) exportLocked() FrameData {
	d := FrameData{
		ID:              f.id,
		SourceID:        f.sourceID,
		Timestamp:       f.timestamp,
		Video:           f.video,
		Content:         f.content,
		Transformations: slices.Clone(f.transformations),
		Attributes:      f.attributes.Clone(),
		Objects:         make([]VideoObject, len(f.objects)),
	}
	d.Content.Data = slices.Clone(f.content.Data)
	for i, o := range f.objects {
		d.Objects[i] = o.Clone()
	}
	return d
}

func (f *Frame) reindex() {
	clear(f.index)
	for i, o := range f.objects {
		f.index[o.ID] = i
	}
}

func (f *Frame) violation(objectID int64, v ferrors.GraphViolation) error {
	return &ferrors.GraphError{FrameID: string(f.id), ObjectID: objectID, Violation: v}
}

// ValidateObjects checks a complete object list: unique positive ids, parents
// inside the list and no parent cycles.
func ValidateObjects(frameID FrameID, objs []VideoObject) error {
	parents := make(map[int64]int64, len(objs))
	for _, o := range objs {
		if o.ID <= 0 {
			return &ferrors.GraphError{FrameID: string(frameID), ObjectID: o.ID, Violation: ferrors.ViolationInvalidID}
		}
		if _, dup := parents[o.ID]; dup {
			return &ferrors.GraphError{FrameID: string(frameID), ObjectID: o.ID, Violation: ferrors.ViolationDuplicateID}
		}
		parents[o.ID] = o.ParentID
	}
	for _, o := range objs {
		if !o.HasParent() {
			continue
		}
		if _, ok := parents[o.ParentID]; !ok {
			return &ferrors.GraphError{FrameID: string(frameID), ObjectID: o.ID, Violation: ferrors.ViolationMissingParent}
		}
	}
	// colour walk: 1 in progress, 2 done
	state := make(map[int64]uint8, len(objs))
	for _, o := range objs {
		var path []int64
		cur := o.ID
		for cur != NoParent && state[cur] == 0 {
			state[cur] = 1
			path = append(path, cur)
			cur = parents[cur]
		}
		if cur != NoParent && state[cur] == 1 {
			return &ferrors.GraphError{FrameID: string(frameID), ObjectID: cur, Violation: ferrors.ViolationCycle}
		}
		for _, id := range path {
			state[id] = 2
		}
	}
	return nil
}
