package graph

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
)

func newTestStore(opts ...StoreOption) *Store {
	var n int
	var mu sync.Mutex
	gen := func() FrameID {
		mu.Lock()
		defer mu.Unlock()
		n++
		return FrameID(fmt.Sprintf("f%03d", n))
	}
	return NewStore(append([]StoreOption{WithFrameIDs(gen)}, opts...)...)
}

func objectIDs(objs []VideoObject) []int64 {
	out := make([]int64, len(objs))
	for i, o := range objs {
		out[i] = o.ID
	}
	return out
}

func TestObjectsInInsertionOrder(t *testing.T) {
	s := newTestStore()
	f := s.CreateFrame("cam-1", time.Unix(10, 0))

	o1, err := s.AddObject(f, VideoObject{Confidence: 0.9})
	require.NoError(t, err)
	o2, err := s.AddObject(f, VideoObject{ParentID: o1, Confidence: 0.5})
	require.NoError(t, err)

	seq, err := s.Objects(f, All)
	require.NoError(t, err)
	got := slices.Collect(seq)
	assert.Equal(t, []int64{o1, o2}, objectIDs(got))
	assert.Equal(t, o1, got[1].ParentID)
	assert.Equal(t, f, got[0].Frame)

	// restartable
	assert.Equal(t, []int64{o1, o2}, objectIDs(slices.Collect(seq)))
}

func TestAddObjectRejectsInvalidGraph(t *testing.T) {
	s := newTestStore()
	other := s.CreateFrame("cam-2", time.Now())
	otherObj, err := s.AddObject(other, VideoObject{})
	require.NoError(t, err)

	tests := []struct {
		name      string
		obj       func(f FrameID, root int64) VideoObject
		violation ferrors.GraphViolation
	}{
		{"missing parent", func(FrameID, int64) VideoObject { return VideoObject{ParentID: 99} }, ferrors.ViolationMissingParent},
		{"duplicate id", func(_ FrameID, root int64) VideoObject { return VideoObject{ID: root} }, ferrors.ViolationDuplicateID},
		{"self parent", func(FrameID, int64) VideoObject { return VideoObject{ID: 7, ParentID: 7} }, ferrors.ViolationCycle},
		{"negative id", func(FrameID, int64) VideoObject { return VideoObject{ID: -3} }, ferrors.ViolationInvalidID},
		{"cross frame parent", func(FrameID, int64) VideoObject {
			return VideoObject{ID: 50, ParentID: otherObj, Frame: other}
		}, ferrors.ViolationCrossFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := s.CreateFrame("cam-1", time.Now())
			root, err := s.AddObject(f, VideoObject{})
			require.NoError(t, err)

			_, err = s.AddObject(f, tt.obj(f, root))
			require.ErrorIs(t, err, ferrors.ErrInvalidGraph)
			var ge *ferrors.GraphError
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, tt.violation, ge.Violation)

			seq, _ := s.Objects(f, All)
			assert.Equal(t, []int64{root}, objectIDs(slices.Collect(seq)), "graph must be unchanged")
		})
	}
}

func TestUpdateObjectRejectsCycle(t *testing.T) {
	s := newTestStore()
	id := s.CreateFrame("cam-1", time.Now())
	a, _ := s.AddObject(id, VideoObject{})
	b, _ := s.AddObject(id, VideoObject{ParentID: a})
	c, _ := s.AddObject(id, VideoObject{ParentID: b})

	f, err := s.Frame(id)
	require.NoError(t, err)

	err = f.UpdateObject(a, func(o *VideoObject) { o.ParentID = c })
	require.ErrorIs(t, err, ferrors.ErrInvalidGraph)
	obj, _ := f.Object(a)
	assert.False(t, obj.HasParent())

	require.NoError(t, f.UpdateObject(c, func(o *VideoObject) { o.ParentID = a; o.Confidence = 0.3 }))
	obj, _ = f.Object(c)
	assert.Equal(t, a, obj.ParentID)
	assert.InDelta(t, 0.3, obj.Confidence, 1e-6)

	assert.ErrorIs(t, f.UpdateObject(42, func(*VideoObject) {}), ferrors.ErrNotFound)
}

func TestRemoveFrameTwice(t *testing.T) {
	s := newTestStore()
	id := s.CreateFrame("cam-1", time.Now())
	f, _ := s.Frame(id)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.RemoveFrame(id))
	assert.ErrorIs(t, s.RemoveFrame(id), ferrors.ErrNotFound)
	assert.Equal(t, 0, s.Len())

	_, err := s.AddObject(id, VideoObject{})
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
	_, err = f.addObject(VideoObject{})
	assert.ErrorIs(t, err, ferrors.ErrNotFound, "stale pointer must not mutate")
}

func TestObjectAddedHook(t *testing.T) {
	var got []int
	s := newTestStore(WithObjectAdded(func(_ FrameID, n int) { got = append(got, n) }))
	id := s.CreateFrame("cam-1", time.Now())
	_, _ = s.AddObject(id, VideoObject{})
	_, _ = s.AddObject(id, VideoObject{ParentID: 404})
	_, _ = s.AddObject(id, VideoObject{})
	assert.Equal(t, []int{1, 2}, got)
}

func TestConcurrentMutationKeepsGraphValid(t *testing.T) {
	s := NewStore()
	frames := make([]FrameID, 8)
	for i := range frames {
		frames[i] = s.CreateFrame("cam", time.Now())
	}

	var wg sync.WaitGroup
	for w := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := frames[w%len(frames)]
			var last int64
			for i := range 50 {
				obj := VideoObject{ParentID: last}
				if i%5 == 0 {
					obj.ParentID = NoParent
				}
				id, err := s.AddObject(f, obj)
				if err == nil {
					last = id
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range frames {
		f, _ := s.Frame(id)
		d := f.Export()
		assert.Len(t, d.Objects, 100)
		assert.NoError(t, ValidateObjects(id, d.Objects))
	}
}

func TestStageMoves(t *testing.T) {
	s := newTestStore()
	a := s.CreateFrame("cam-1", time.Now())
	b := s.CreateFrame("cam-1", time.Now())

	require.NoError(t, s.MoveAsIs(IngressStage, "detect", a, b))
	fa, _ := s.Frame(a)
	assert.Equal(t, "detect", fa.Stage())

	err := s.MoveAsIs(IngressStage, "track", a)
	assert.ErrorIs(t, err, ferrors.ErrStageConflict)

	batch, err := s.MoveAndPack("detect", "infer", b, a)
	require.NoError(t, err)
	assert.Equal(t, "infer", fa.Stage())

	assert.ErrorIs(t, s.MoveAsIs("infer", "track", a), ferrors.ErrStageConflict, "packed frames move as a batch")

	_, err = s.MoveAndUnpack("detect", "track", batch)
	assert.ErrorIs(t, err, ferrors.ErrStageConflict)

	got, err := s.MoveAndUnpack("infer", "track", batch)
	require.NoError(t, err)
	assert.Equal(t, []FrameID{b, a}, got)
	assert.Equal(t, "track", fa.Stage())

	_, err = s.MoveAndUnpack("track", "sink", batch)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestUnpackSkipsRemovedFrames(t *testing.T) {
	tests := []struct {
		name   string
		remove []int
		want   []int
	}{
		{name: "one removed", remove: []int{1}, want: []int{0, 2}},
		{name: "all removed", remove: []int{0, 1, 2}, want: []int{}},
		{name: "none removed", want: []int{0, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore()
			frames := []FrameID{
				s.CreateFrame("cam-1", time.Now()),
				s.CreateFrame("cam-1", time.Now()),
				s.CreateFrame("cam-1", time.Now()),
			}
			batch, err := s.MoveAndPack(IngressStage, "infer", frames...)
			require.NoError(t, err)
			for _, i := range tt.remove {
				require.NoError(t, s.RemoveFrame(frames[i]))
			}

			got, err := s.MoveAndUnpack("infer", "track", batch)
			require.NoError(t, err)
			want := make([]FrameID, 0, len(tt.want))
			for _, i := range tt.want {
				want = append(want, frames[i])
			}
			assert.Equal(t, want, got)
			for _, id := range got {
				f, err := s.Frame(id)
				require.NoError(t, err)
				assert.Equal(t, "track", f.Stage())
			}
		})
	}
}

func TestFrameAttributesIsACopy(t *testing.T) {
	s := newTestStore()
	f, err := s.Frame(s.CreateFrame("cam-1", time.Now()))
	require.NoError(t, err)
	require.NoError(t, f.SetAttribute("site", "zone", Attribute{Value: String("north")}))

	attrs := f.Attributes()
	assert.Equal(t, map[string]any{"site.zone": "north"}, attrs.Map())
	attrs.SetValue("site", "zone", String("south"))

	got, ok := f.Attribute("site", "zone")
	require.True(t, ok)
	assert.Equal(t, "north", got.Value.String())
}

func TestMoveIsAllOrNothing(t *testing.T) {
	s := newTestStore()
	a := s.CreateFrame("cam-1", time.Now())
	b := s.CreateFrame("cam-1", time.Now())
	require.NoError(t, s.MoveAsIs(IngressStage, "detect", b))

	err := s.MoveAsIs(IngressStage, "track", a, b)
	require.ErrorIs(t, err, ferrors.ErrStageConflict)
	fa, _ := s.Frame(a)
	assert.Equal(t, IngressStage, fa.Stage())
}

func TestImportValidatesWholeGraph(t *testing.T) {
	s := newTestStore()

	_, err := s.Import(FrameData{ID: "x", Objects: []VideoObject{
		{ID: 1, ParentID: 2},
		{ID: 2, ParentID: 1},
	}}, "")
	require.ErrorIs(t, err, ferrors.ErrInvalidGraph)
	var ge *ferrors.GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, ferrors.ViolationCycle, ge.Violation)
	assert.Equal(t, 0, s.Len())

	f, err := s.Import(FrameData{ID: "y", SourceID: "cam-9", Objects: []VideoObject{
		{ID: 4, ParentID: 9, Box: BBox{Angle: -math.Pi}},
		{ID: 9},
	}}, "decode")
	require.NoError(t, err)
	assert.Equal(t, "decode", f.Stage())
	next, err := s.AddObject("y", VideoObject{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), next)
	o, _ := f.Object(4)
	assert.InDelta(t, math.Pi, o.Box.Angle, 1e-9)

	_, err = s.Import(FrameData{ID: "y"}, "")
	assert.ErrorIs(t, err, ferrors.ErrStageConflict)
}

func TestDeleteObjectsDetachesChildren(t *testing.T) {
	s := newTestStore()
	labels := NewLabels()
	car := labels.Intern("car")
	id := s.CreateFrame("cam-1", time.Now())
	a, _ := s.AddObject(id, VideoObject{Label: car})
	b, _ := s.AddObject(id, VideoObject{ParentID: a})
	f, _ := s.Frame(id)

	removed, err := f.DeleteObjects(ByLabel(car))
	require.NoError(t, err)
	assert.Equal(t, []int64{a}, objectIDs(removed))
	obj, ok := f.Object(b)
	require.True(t, ok)
	assert.False(t, obj.HasParent())
	assert.Equal(t, 1, f.Len())
}

func TestSnapshotRestore(t *testing.T) {
	s := newTestStore()
	id := s.CreateFrame("cam-1", time.Now())
	f, _ := s.Frame(id)
	_, _ = s.AddObject(id, VideoObject{})
	require.NoError(t, f.SetAttribute("det", "count", Attribute{Value: Int(1)}))

	assert.False(t, f.Restore())
	f.Snapshot()
	f.ClearModified()

	_, _ = s.AddObject(id, VideoObject{})
	require.NoError(t, f.SetAttribute("det", "count", Attribute{Value: Int(2)}))
	assert.Equal(t, []int64{2}, f.Modified())

	require.True(t, f.Restore())
	assert.Equal(t, 1, f.Len())
	attr, _ := f.Attribute("det", "count")
	v, _ := attr.Value.Int()
	assert.Equal(t, int64(1), v)
	assert.Empty(t, f.Modified())
}
