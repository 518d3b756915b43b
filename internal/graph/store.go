package graph

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/ids"
)

// BatchID identifies a group of frames packed by MoveAndPack.
type BatchID string

// Store is the arena of live frames. Frames are looked up without a global
// lock; each frame serializes its own mutations.
type Store struct {
	frames  sync.Map // FrameID -> *Frame
	batchMu sync.Mutex
	batches map[BatchID][]FrameID
	live    atomic.Int64

	newID         func() FrameID
	objectAdded   func(FrameID, int)
	batchSequence ids.Sequence
}

type StoreOption func(*Store)

// WithFrameIDs replaces the ULID generator.
func WithFrameIDs(fn func() FrameID) StoreOption {
	return func(s *Store) { s.newID = fn }
}

// WithObjectAdded registers a hook called after every successful object
// insertion with the frame id and its new object count.
func WithObjectAdded(fn func(FrameID, int)) StoreOption {
	return func(s *Store) { s.objectAdded = fn }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		batches: make(map[BatchID][]FrameID),
		newID:   func() FrameID { return FrameID(ids.NewFrameID()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateFrame registers a new empty frame owned by IngressStage.
func (s *Store) CreateFrame(streamID string, ts time.Time) FrameID {
	for {
		id := s.newID()
		if _, loaded := s.frames.LoadOrStore(id, newFrame(id, streamID, ts)); !loaded {
			s.live.Add(1)
			return id
		}
	}
}

// Import registers a frame decoded from elsewhere, owned by stage. The
// object list is validated as a whole before anything is stored.
func (s *Store) Import(d FrameData, stage string) (*Frame, error) {
	if d.ID == "" {
		d.ID = s.newID()
	}
	if err := ValidateObjects(d.ID, d.Objects); err != nil {
		return nil, err
	}

	f := newFrame(d.ID, d.SourceID, d.Timestamp)
	f.video = d.Video
	f.content = d.Content
	f.content.Data = slices.Clone(d.Content.Data)
	f.transformations = slices.Clone(d.Transformations)
	f.attributes = d.Attributes.Clone()
	f.objects = make([]VideoObject, len(d.Objects))
	for i, o := range d.Objects {
		o = o.Clone()
		o.Frame = d.ID
		o.Box = o.Box.Normalized()
		f.objects[i] = o
		f.nextID = max(f.nextID, o.ID+1)
	}
	f.reindex()
	if stage != "" {
		f.stage = stage
	}

	if _, loaded := s.frames.LoadOrStore(d.ID, f); loaded {
		return nil, fmt.Errorf("%w: frame %s is already live", ferrors.ErrStageConflict, d.ID)
	}
	s.live.Add(1)
	return f, nil
}

// Frame returns the live frame id.
func (s *Store) Frame(id FrameID) (*Frame, error) {
	v, ok := s.frames.Load(id)
	if !ok {
		return nil, fmt.Errorf("frame %s: %w", id, ferrors.ErrNotFound)
	}
	return v.(*Frame), nil
}

// AddObject inserts obj into frame id and returns its object id. Invalid
// parent references fail with a *GraphError and leave the frame unchanged.
func (s *Store) AddObject(id FrameID, obj VideoObject) (int64, error) {
	f, err := s.Frame(id)
	if err != nil {
		return 0, err
	}
	objectID, err := f.addObject(obj)
	if err != nil {
		return 0, err
	}
	if s.objectAdded != nil {
		s.objectAdded(id, f.Len())
	}
	return objectID, nil
}

// Objects returns a restartable sequence of the frame's objects matching p.
func (s *Store) Objects(id FrameID, p Predicate) (iter.Seq[VideoObject], error) {
	f, err := s.Frame(id)
	if err != nil {
		return nil, err
	}
	return f.Objects(p), nil
}

// RemoveFrame drops the frame and its batch membership. A second removal
// fails with ErrNotFound.
func (s *Store) RemoveFrame(id FrameID) error {
	v, ok := s.frames.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("frame %s: %w", id, ferrors.ErrNotFound)
	}
	f := v.(*Frame)
	f.mu.Lock()
	f.removed = true
	batch := BatchID(f.batch)
	f.batch = ""
	f.mu.Unlock()
	s.live.Add(-1)

	if batch != "" {
		s.batchMu.Lock()
		if members, ok := s.batches[batch]; ok {
			s.batches[batch] = slices.DeleteFunc(members, func(m FrameID) bool { return m == id })
		}
		s.batchMu.Unlock()
	}
	return nil
}

// Len returns the number of live frames.
func (s *Store) Len() int { return int(s.live.Load()) }

// Range calls fn for every live frame until fn returns false.
func (s *Store) Range(fn func(*Frame) bool) {
	s.frames.Range(func(_, v any) bool { return fn(v.(*Frame)) })
}

// MoveAsIs transfers ownership of frames from stage from to stage to. Either
// every frame moves or none does.
func (s *Store) MoveAsIs(from, to string, frameIDs ...FrameID) error {
	return s.withOwned(from, frameIDs, func(frames []*Frame) error {
		for _, f := range frames {
			if f.batch != "" {
				return fmt.Errorf("%w: frame %s is packed in batch %s", ferrors.ErrStageConflict, f.id, f.batch)
			}
		}
		for _, f := range frames {
			f.stage = to
		}
		return nil
	})
}

// MoveAndPack moves frames to stage to as one batch.
func (s *Store) MoveAndPack(from, to string, frameIDs ...FrameID) (BatchID, error) {
	if len(frameIDs) == 0 {
		return "", fmt.Errorf("%w: empty batch", ferrors.ErrNotFound)
	}
	batch := BatchID(fmt.Sprintf("batch-%d", s.batchSequence.Next()))
	err := s.withOwned(from, frameIDs, func(frames []*Frame) error {
		for _, f := range frames {
			if f.batch != "" {
				return fmt.Errorf("%w: frame %s is packed in batch %s", ferrors.ErrStageConflict, f.id, f.batch)
			}
		}
		for _, f := range frames {
			f.stage = to
			f.batch = string(batch)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.batchMu.Lock()
	s.batches[batch] = slices.Clone(frameIDs)
	s.batchMu.Unlock()
	return batch, nil
}

// MoveAndUnpack dissolves a batch owned by from and hands its frames to to,
// returning them in pack order. Frames removed since packing are skipped.
func (s *Store) MoveAndUnpack(from, to string, batch BatchID) ([]FrameID, error) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	frameIDs, ok := s.batches[batch]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batch, ferrors.ErrNotFound)
	}

	var moved []FrameID
	err := s.lockOwned(from, frameIDs, true, func(frames []*Frame) error {
		for _, f := range frames {
			if f.batch != string(batch) {
				return fmt.Errorf("%w: frame %s is not in batch %s", ferrors.ErrStageConflict, f.id, batch)
			}
		}
		for _, f := range frames {
			f.stage = to
			f.batch = ""
		}
		moved = make([]FrameID, 0, len(frames))
		for _, id := range frameIDs {
			if slices.ContainsFunc(frames, func(f *Frame) bool { return f.id == id }) {
				moved = append(moved, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	delete(s.batches, batch)
	return moved, nil
}

// withOwned locks every frame in id order, checks that stage from owns all
// of them and runs fn while the locks are held.
func (s *Store) withOwned(from string, frameIDs []FrameID, fn func([]*Frame) error) error {
	return s.lockOwned(from, frameIDs, false, fn)
}

// lockOwned is withOwned that, when skipRemoved is set, leaves out frames
// that are gone instead of failing with ErrNotFound.
func (s *Store) lockOwned(from string, frameIDs []FrameID, skipRemoved bool, fn func([]*Frame) error) error {
	sorted := slices.Clone(frameIDs)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	frames := make([]*Frame, 0, len(sorted))
	for _, id := range sorted {
		f, err := s.Frame(id)
		if err != nil {
			if skipRemoved {
				continue
			}
			return err
		}
		frames = append(frames, f)
	}
	for _, f := range frames {
		f.mu.Lock()
	}
	locked := frames
	defer func() {
		for _, f := range locked {
			f.mu.Unlock()
		}
	}()

	if skipRemoved {
		frames = slices.DeleteFunc(slices.Clone(frames), func(f *Frame) bool { return f.removed })
	}
	for _, f := range frames {
		if f.removed {
			return fmt.Errorf("frame %s: %w", f.id, ferrors.ErrNotFound)
		}
		if f.stage != from {
			return fmt.Errorf("%w: frame %s is owned by %q, not %q", ferrors.ErrStageConflict, f.id, f.stage, from)
		}
	}
	return fn(frames)
}
