package graph

import (
	"slices"
	"sync"
)

// Handle is an opaque reference to an object vector handed across the FFI
// boundary. The low 32 bits index the table, the high 32 bits carry the slot
// generation so released handles are detected instead of dereferenced.
type Handle uint64

// InvalidObjectID is the id reported by GetInferenceMeta for a stale handle
// or an out-of-range index.
const InvalidObjectID int64 = -1

// InferenceMeta is the flat per-object record read by embedding hosts.
// Absent parent and track ids are reported as -1.
type InferenceMeta struct {
	ID         int64
	CreatorID  int64
	LabelID    int64
	Confidence float32
	TrackID    int64
	ParentID   int64
	BoxXC      float64
	BoxYC      float64
	BoxWidth   float64
	BoxHeight  float64
	BoxAngle   float64
}

var invalidMeta = InferenceMeta{
	ID:        InvalidObjectID,
	CreatorID: -1,
	LabelID:   -1,
	TrackID:   -1,
	ParentID:  -1,
}

type handleSlot struct {
	gen  uint32
	live bool
	objs []InferenceMeta
}

// HandleTable is an arena of object vectors with liveness checks.
type HandleTable struct {
	mu    sync.RWMutex
	slots []handleSlot
	free  []uint32
}

func NewHandleTable() *HandleTable { return &HandleTable{} }

// Publish stores a snapshot of objs and returns its handle.
func (t *HandleTable) Publish(objs []VideoObject) Handle {
	metas := make([]InferenceMeta, len(objs))
	for i, o := range objs {
		metas[i] = toInferenceMeta(o)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, handleSlot{})
	}
	slot := &t.slots[idx]
	slot.gen++
	slot.live = true
	slot.objs = metas
	return Handle(uint64(slot.gen)<<32 | uint64(idx))
}

// PublishFrame publishes the objects of f matching p.
func (t *HandleTable) PublishFrame(f *Frame, p Predicate) Handle {
	return t.Publish(slices.Collect(f.Objects(p)))
}

// Release invalidates h. Releasing a stale handle is a no-op.
func (t *HandleTable) Release(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, idx := t.slotLocked(h)
	if slot == nil {
		return false
	}
	slot.live = false
	slot.objs = nil
	t.free = append(t.free, idx)
	return true
}

// ObjectVectorLen returns the number of objects behind h, or -1 when h is
// not live.
func (t *HandleTable) ObjectVectorLen(h Handle) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slot, _ := t.slotLocked(h)
	if slot == nil {
		return -1
	}
	return len(slot.objs)
}

// GetInferenceMeta returns object index of h. A stale handle or an index
// outside [0, ObjectVectorLen) yields a record whose ID is InvalidObjectID.
func (t *HandleTable) GetInferenceMeta(h Handle, index int) InferenceMeta {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slot, _ := t.slotLocked(h)
	if slot == nil || index < 0 || index >= len(slot.objs) {
		return invalidMeta
	}
	return slot.objs[index]
}

func (t *HandleTable) slotLocked(h Handle) (*handleSlot, uint32) {
	idx := uint32(h)
	gen := uint32(h >> 32)
	if int(idx) >= len(t.slots) {
		return nil, 0
	}
	slot := &t.slots[idx]
	if !slot.live || slot.gen != gen {
		return nil, 0
	}
	return slot, idx
}

func toInferenceMeta(o VideoObject) InferenceMeta {
	m := InferenceMeta{
		ID:         o.ID,
		CreatorID:  int64(o.Creator),
		LabelID:    int64(o.Label),
		Confidence: o.Confidence,
		TrackID:    -1,
		ParentID:   -1,
		BoxXC:      o.Box.XC,
		BoxYC:      o.Box.YC,
		BoxWidth:   o.Box.Width,
		BoxHeight:  o.Box.Height,
		BoxAngle:   o.Box.Angle,
	}
	if o.HasTrack() {
		m.TrackID = o.TrackID
	}
	if o.HasParent() {
		m.ParentID = o.ParentID
	}
	return m
}
