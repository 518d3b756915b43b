package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/frameflow/internal/graph"
	"github.com/drblury/frameflow/internal/lease"
	"github.com/drblury/frameflow/internal/runtime/config"
	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/logging"
	"github.com/drblury/frameflow/transport"
	"github.com/drblury/frameflow/transport/memory"
)

// flakyLeases fails or loses renewals on demand.
type flakyLeases struct {
	lease.Service
	fail atomic.Bool
	lose atomic.Bool
}

func (f *flakyLeases) Renew(ctx context.Context, l lease.Lease, ttl time.Duration) (lease.Lease, error) {
	switch {
	case f.lose.Load():
		return lease.Lease{}, ferrors.ErrLeaseLost
	case f.fail.Load():
		return lease.Lease{}, errors.New("coordination service unreachable")
	}
	return f.Service.Renew(ctx, l, ttl)
}

func testConfig() config.Config {
	return config.Config{
		ReceiveTimeout:      50 * time.Millisecond,
		RequestTimeout:      200 * time.Millisecond,
		RetryBackoffBase:    10 * time.Millisecond,
		RetryBackoffMax:     50 * time.Millisecond,
		LeaseTTL:            150 * time.Millisecond,
		LeaseRenewInterval:  30 * time.Millisecond,
		LeaseRenewTimeout:   20 * time.Millisecond,
		LeaseAcquireTimeout: time.Second,
		ShutdownGracePeriod: 200 * time.Millisecond,
	}
}

func newRegistry() *transport.Registry {
	hub := memory.NewHub()
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(transport.SchemeInproc, hub.Build, transport.InprocCapabilities)
	return reg
}

func newEngine(t *testing.T, cfg config.Config, opts ...RuntimeOption) *Engine {
	t.Helper()
	rt, err := NewRuntime(cfg, logging.Discard(), opts...)
	require.NoError(t, err)
	e, err := New(rt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

// counterValue sums every series of the named counter.
func counterValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestNewRuntimeValidates(t *testing.T) {
	_, err := NewRuntime(testConfig(), nil)
	assert.ErrorIs(t, err, ferrors.ErrLoggerRequired)

	cfg := testConfig()
	cfg.LeaseLostPolicy = "forget"
	_, err = NewRuntime(cfg, logging.Discard())
	var verr ferrors.ConfigValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = New(nil)
	assert.ErrorIs(t, err, ferrors.ErrConfigRequired)
}

func TestFrameLifecycle(t *testing.T) {
	e := newEngine(t, testConfig())
	car := e.Runtime().Labels.Intern("car")

	id := e.CreateFrame("cam-1", time.Now())
	o1, err := e.AddObject(id, graph.VideoObject{Label: car, Box: graph.BBox{XC: 10, YC: 10, Width: 4, Height: 2}})
	require.NoError(t, err)
	o2, err := e.AddObject(id, graph.VideoObject{Label: car, ParentID: o1})
	require.NoError(t, err)

	seq, err := e.Objects(id, graph.All)
	require.NoError(t, err)
	var got []int64
	for o := range seq {
		got = append(got, o.ID)
	}
	assert.Equal(t, []int64{o1, o2}, got)

	_, err = e.AddObject(id, graph.VideoObject{Label: car, ParentID: 99})
	assert.ErrorIs(t, err, ferrors.ErrInvalidGraph)
	f, err := e.Frame(id)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Len())

	h, err := e.PublishObjects(id, graph.All)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Runtime().Handles.ObjectVectorLen(h))

	require.NoError(t, e.RemoveFrame(id))
	assert.ErrorIs(t, e.RemoveFrame(id), ferrors.ErrNotFound)
}

func TestStageMoves(t *testing.T) {
	e := newEngine(t, testConfig())
	a := e.CreateFrame("cam-1", time.Now())
	b := e.CreateFrame("cam-1", time.Now())

	require.NoError(t, e.MoveAsIs(graph.IngressStage, "detect", a, b))
	assert.ErrorIs(t, e.MoveAsIs(graph.IngressStage, "track", a), ferrors.ErrStageConflict)

	batch, err := e.MoveAndPack("detect", "batch", a, b)
	require.NoError(t, err)
	frames, err := e.MoveAndUnpack("batch", "track", batch)
	require.NoError(t, err)
	assert.ElementsMatch(t, []graph.FrameID{a, b}, frames)

	f, err := e.Frame(a)
	require.NoError(t, err)
	assert.Equal(t, "track", f.Stage())
}

func TestFilter(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newEngine(t, testConfig(), WithRegisterer(reg))
	labels := e.Runtime().Labels

	id := e.CreateFrame("cam-1", time.Now())
	f, err := e.Frame(id)
	require.NoError(t, err)
	require.NoError(t, f.SetAttribute("site", "zone", graph.Attribute{Value: graph.String("north")}))

	car := graph.VideoObject{Label: labels.Intern("car"), Creator: labels.Intern("yolo-v8"), Confidence: 0.9}
	car.Attributes.SetValue("tracker", "age", graph.Int(12))
	_, err = e.AddObject(id, car)
	require.NoError(t, err)
	_, err = e.AddObject(id, graph.VideoObject{Label: labels.Intern("person"), Confidence: 0.4})
	require.NoError(t, err)

	names := func(objs []graph.VideoObject) []string {
		var out []string
		for _, o := range objs {
			out = append(out, labels.Name(o.Label))
		}
		return out
	}

	tests := []struct {
		name string
		expr string
		want []string
	}{
		{"label", `label == "car"`, []string{"car"}},
		{"confidence", `confidence > 0.3`, []string{"car", "person"}},
		{"glob creator", `creator.glob("yolo*")`, []string{"car"}},
		{"frame attribute", `frame.attrs["site.zone"] == "north" && label == "person"`, []string{"person"}},
		{"short circuit on missing key", `label == "car" && attrs["tracker.age"] > 10`, []string{"car"}},
		{"missing key is no match", `attrs["tracker.age"] > 10`, []string{"car"}},
		{"compile error is no match", `label ==`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Filter(id, tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(got))
		})
	}
	assert.Equal(t, 2.0, counterValue(t, reg, "frameflow_expr_errors_total"))

	ok, err := e.MatchFrame(id, `frame.source == "cam-1"`)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.Filter("missing", `true`)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestFilterErrorsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.ExprErrorsFatal = true
	e := newEngine(t, cfg)

	id := e.CreateFrame("cam-1", time.Now())
	_, err := e.AddObject(id, graph.VideoObject{})
	require.NoError(t, err)

	_, err = e.Filter(id, `attrs["tracker.age"] > 10`)
	assert.ErrorIs(t, err, ferrors.ErrEval)
	_, err = e.Filter(id, `label ==`)
	assert.ErrorIs(t, err, ferrors.ErrEval)
	_, err = e.MatchFrame(id, `frame.attrs["missing"]`)
	assert.ErrorIs(t, err, ferrors.ErrEval)
}

func TestAcquireStream(t *testing.T) {
	svc := lease.NewMemoryService()
	a := newEngine(t, testConfig(), WithLeaseService(svc))
	b := newEngine(t, testConfig(), WithLeaseService(svc))
	ctx := context.Background()

	token, err := a.AcquireStream(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), token)

	_, err = b.AcquireStream(ctx, "cam-1")
	assert.ErrorIs(t, err, ferrors.ErrAlreadyHeld)

	require.NoError(t, a.ReleaseStream(ctx, "cam-1"))
	token, err = b.AcquireStream(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), token)
}

func TestShutdown(t *testing.T) {
	svc := lease.NewMemoryService()
	e := newEngine(t, testConfig(), WithLeaseService(svc), WithRegistry(newRegistry()))
	ctx := context.Background()

	require.NoError(t, e.AddOutput(ctx, "out", "pub+bind:inproc://frames"))
	_, err := e.AcquireStream(ctx, "cam-1")
	require.NoError(t, err)

	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, e.Shutdown(ctx))
	select {
	case <-e.Done():
	default:
		t.Fatal("Done is open after Shutdown")
	}

	_, err = e.Send(ctx, e.CreateFrame("cam-1", time.Now()))
	assert.ErrorIs(t, err, ferrors.ErrClosed)
	assert.ErrorIs(t, e.AddOutput(ctx, "again", "pub+bind:inproc://other"), ferrors.ErrClosed)
	_, err = e.AcquireStream(ctx, "cam-2")
	assert.ErrorIs(t, err, ferrors.ErrClosed)

	next := newEngine(t, testConfig(), WithLeaseService(svc))
	token, err := next.AcquireStream(ctx, "cam-1")
	require.NoError(t, err, "shutdown releases held leases")
	assert.Equal(t, uint64(2), token)
}

func TestTransportOptions(t *testing.T) {
	cfg := testConfig()
	cfg.InboundSourceID = "cam-1"
	cfg.MaxFrameSize = 4096
	e := newEngine(t, cfg)

	opts := e.transportOptions()
	src, exact := opts.Topic.Exact()
	assert.True(t, exact)
	assert.Equal(t, "cam-1", src)
	assert.Equal(t, 4096, opts.MaxFrameSize)
	assert.Equal(t, 200*time.Millisecond, opts.RequestTimeout)
	assert.NotNil(t, opts.Broker)
	assert.NotNil(t, opts.Decoder)
	assert.Equal(t, config.DefaultIPCPermissions, int(opts.IPCPermissions))

	cfg.InboundSourceID, cfg.InboundTopicPrefix = "", "site-a/"
	e = newEngine(t, cfg)
	opts = e.transportOptions()
	assert.True(t, opts.Topic.Match("site-a/cam-9"))
	assert.False(t, opts.Topic.Match("site-b/cam-9"))
}

func TestOutputsSorted(t *testing.T) {
	e := newEngine(t, testConfig(), WithRegistry(newRegistry()))
	ctx := context.Background()
	require.NoError(t, e.AddOutput(ctx, "b", "pub+bind:inproc://b"))
	require.NoError(t, e.AddOutput(ctx, "a", "pub+bind:inproc://a"))
	assert.True(t, slices.Equal([]string{"a", "b"}, e.Outputs()))

	assert.Error(t, e.AddOutput(ctx, "a", "pub+bind:inproc://c"))
	assert.ErrorIs(t, e.AddOutput(ctx, "c", "sub+bind:inproc://c"), ferrors.ErrUnsupportedPattern)
	_, err := e.Receive(ctx, "pub+bind:inproc://d")
	assert.ErrorIs(t, err, ferrors.ErrUnsupportedPattern)
}
