package pipeline

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/frameflow/internal/expr"
	"github.com/drblury/frameflow/internal/graph"
	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/ids"
	"github.com/drblury/frameflow/internal/runtime/logging"
	"github.com/drblury/frameflow/transport"
)

// Engine is the stage-facing surface of a Runtime. All methods are safe
// for concurrent use.
type Engine struct {
	rt  *Runtime
	log logging.ServiceLogger

	mu      sync.Mutex
	outputs map[string]*transport.Socket
	inputs  []*Input
	server  *http.Server

	seq      ids.Sequence
	shutdown chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func New(rt *Runtime) (*Engine, error) {
	if rt == nil {
		return nil, ferrors.ErrConfigRequired
	}
	return &Engine{
		rt:       rt,
		log:      logging.Component(rt.Logger, "pipeline"),
		outputs:  make(map[string]*transport.Socket),
		shutdown: make(chan struct{}),
	}, nil
}

// Runtime returns the shared structures behind e.
func (e *Engine) Runtime() *Runtime { return e.rt }

// Done is closed once Shutdown has been called.
func (e *Engine) Done() <-chan struct{} { return e.shutdown }

func (e *Engine) closing() bool {
	select {
	case <-e.shutdown:
		return true
	default:
		return false
	}
}

func (e *Engine) CreateFrame(streamID string, ts time.Time) graph.FrameID {
	return e.rt.Store.CreateFrame(streamID, ts)
}

func (e *Engine) Frame(id graph.FrameID) (*graph.Frame, error) {
	return e.rt.Store.Frame(id)
}

// AddObject inserts obj into frame id. Invalid parent references fail with
// a *GraphError and leave the frame untouched.
func (e *Engine) AddObject(id graph.FrameID, obj graph.VideoObject) (int64, error) {
	return e.rt.Store.AddObject(id, obj)
}

func (e *Engine) Objects(id graph.FrameID, p graph.Predicate) (iter.Seq[graph.VideoObject], error) {
	return e.rt.Store.Objects(id, p)
}

// RemoveFrame drops frame id from the store and, when no send still needs
// it, from the cache.
func (e *Engine) RemoveFrame(id graph.FrameID) error {
	if err := e.rt.Store.RemoveFrame(id); err != nil {
		return err
	}
	e.rt.Cache.Remove(string(id))
	return nil
}

func (e *Engine) MoveAsIs(from, to string, frames ...graph.FrameID) error {
	_, span := e.rt.Tracer.Start(context.Background(), "frameflow.move")
	defer span.End()
	span.SetAttributes(attribute.String("stage.from", from), attribute.String("stage.to", to), attribute.Int("frames", len(frames)))
	return e.rt.Store.MoveAsIs(from, to, frames...)
}

func (e *Engine) MoveAndPack(from, to string, frames ...graph.FrameID) (graph.BatchID, error) {
	_, span := e.rt.Tracer.Start(context.Background(), "frameflow.pack")
	defer span.End()
	span.SetAttributes(attribute.String("stage.from", from), attribute.String("stage.to", to), attribute.Int("frames", len(frames)))
	return e.rt.Store.MoveAndPack(from, to, frames...)
}

func (e *Engine) MoveAndUnpack(from, to string, batch graph.BatchID) ([]graph.FrameID, error) {
	_, span := e.rt.Tracer.Start(context.Background(), "frameflow.unpack")
	defer span.End()
	span.SetAttributes(attribute.String("stage.from", from), attribute.String("stage.to", to), attribute.String("batch", string(batch)))
	return e.rt.Store.MoveAndUnpack(from, to, batch)
}

// Filter returns the objects of frame id for which src holds, in insertion
// order. Compile and evaluation errors count as a non-match unless
// Config.ExprErrorsFatal is set.
func (e *Engine) Filter(id graph.FrameID, src string) ([]graph.VideoObject, error) {
	f, err := e.rt.Store.Frame(id)
	if err != nil {
		return nil, err
	}
	prog, err := e.rt.Exprs.Compile(src)
	if err != nil {
		return nil, e.evalFailed(err)
	}

	fv := e.frameVars(f)
	var out []graph.VideoObject
	for obj := range f.Objects(graph.All) {
		ok, err := prog.Match(e.objectVars(obj, fv))
		if err != nil {
			if err := e.evalFailed(err); err != nil {
				return nil, err
			}
			continue
		}
		if ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

// MatchFrame evaluates src against the frame alone. Object variables hold
// their zero values.
func (e *Engine) MatchFrame(id graph.FrameID, src string) (bool, error) {
	f, err := e.rt.Store.Frame(id)
	if err != nil {
		return false, err
	}
	prog, err := e.rt.Exprs.Compile(src)
	if err != nil {
		return false, e.evalFailed(err)
	}
	ok, err := prog.Match(expr.Vars{Frame: e.frameVars(f)})
	if err != nil {
		return false, e.evalFailed(err)
	}
	return ok, nil
}

// evalFailed counts err and returns it only when evaluation errors are fatal.
func (e *Engine) evalFailed(err error) error {
	e.rt.Metrics.EvalError()
	if e.rt.Config.ExprErrorsFatal {
		return err
	}
	e.log.Debug("Predicate failed, treating as no match", logging.LogFields{"error": err.Error()})
	return nil
}

func (e *Engine) frameVars(f *graph.Frame) expr.FrameVars {
	return expr.FrameVars{
		ID:     string(f.ID()),
		Source: f.SourceID(),
		Stage:  f.Stage(),
		Attrs:  f.Attributes().Map(),
	}
}

func (e *Engine) objectVars(o graph.VideoObject, fv expr.FrameVars) expr.Vars {
	return expr.Vars{
		Attrs:      o.Attributes.Map(),
		Label:      e.rt.Labels.Name(o.Label),
		Creator:    e.rt.Labels.Name(o.Creator),
		Confidence: float64(o.Confidence),
		TrackID:    o.TrackID,
		ParentID:   o.ParentID,
		Box: expr.Box{
			XC:     o.Box.XC,
			YC:     o.Box.YC,
			Width:  o.Box.Width,
			Height: o.Box.Height,
			Angle:  o.Box.Angle,
		},
		Frame: fv,
	}
}

// PublishObjects exposes the objects of frame id matching p to native
// consumers and returns the handle to read them by.
func (e *Engine) PublishObjects(id graph.FrameID, p graph.Predicate) (graph.Handle, error) {
	f, err := e.rt.Store.Frame(id)
	if err != nil {
		return 0, err
	}
	return e.rt.Handles.PublishFrame(f, p), nil
}

// AcquireStream takes the lease of stream. Sends for the stream fail until
// it is held.
func (e *Engine) AcquireStream(ctx context.Context, stream string) (uint64, error) {
	if e.closing() {
		return 0, ferrors.ErrClosed
	}
	l, err := e.rt.Leases.Acquire(ctx, stream)
	if err != nil {
		return 0, err
	}
	return l.Token, nil
}

// ReleaseStream stops renewing stream's lease and hands it back.
func (e *Engine) ReleaseStream(ctx context.Context, stream string) error {
	err := e.rt.Leases.Release(ctx, stream)
	if errors.Is(err, ferrors.ErrLeaseLost) {
		return nil
	}
	return err
}
