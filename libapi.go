package frameflow

import (
	"github.com/drblury/frameflow/internal/backpressure"
	"github.com/drblury/frameflow/internal/codec"
	"github.com/drblury/frameflow/internal/graph"
	"github.com/drblury/frameflow/internal/lease"
	"github.com/drblury/frameflow/internal/pipeline"
	configpkg "github.com/drblury/frameflow/internal/runtime/config"
	errspkg "github.com/drblury/frameflow/internal/runtime/errors"
	idspkg "github.com/drblury/frameflow/internal/runtime/ids"
	"github.com/drblury/frameflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/frameflow/internal/runtime/logging"
	"github.com/drblury/frameflow/transport"
	_ "github.com/drblury/frameflow/transport/brokers"
	_ "github.com/drblury/frameflow/transport/datagram"
	_ "github.com/drblury/frameflow/transport/memory"
	_ "github.com/drblury/frameflow/transport/zmq"
)

type (
	Config        = configpkg.Config
	Engine        = pipeline.Engine
	Runtime       = pipeline.Runtime
	RuntimeOption = pipeline.RuntimeOption
	Input         = pipeline.Input
	Inbound       = pipeline.Inbound
	SendOption    = pipeline.SendOption
	ReceiveOption = pipeline.ReceiveOption
	Ticket        = backpressure.Ticket

	Frame          = graph.Frame
	FrameID        = graph.FrameID
	FrameData      = graph.FrameData
	BatchID        = graph.BatchID
	VideoObject    = graph.VideoObject
	Video          = graph.Video
	Content        = graph.Content
	Transformation = graph.Transformation
	BBox           = graph.BBox
	Attribute      = graph.Attribute
	Attributes     = graph.Attributes
	Value          = graph.Value
	Labels         = graph.Labels
	LabelID        = graph.LabelID
	Predicate      = graph.Predicate
	Handle         = graph.Handle
	InferenceMeta  = graph.InferenceMeta

	Message     = codec.Message
	Meta        = codec.Meta
	EndOfStream = codec.EndOfStream
	UserData    = codec.UserData

	Endpoint          = transport.Endpoint
	TopicFilter       = transport.TopicFilter
	TransportRegistry = transport.Registry
	TransportResult   = transport.Result
	Capabilities      = transport.Capabilities

	Lease        = lease.Lease
	LeaseService = lease.Service
	LeaseState   = lease.State

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	GraphError            = errspkg.GraphError
	SchemaError           = errspkg.SchemaError
	TimeoutError          = errspkg.TimeoutError
	DeliveryError         = errspkg.DeliveryError
	EvalError             = errspkg.EvalError
)

var (
	NewRuntime     = pipeline.NewRuntime
	NewEngine      = pipeline.New
	ValidateConfig = configpkg.ValidateConfig

	WithRegistry     = pipeline.WithRegistry
	WithRegisterer   = pipeline.WithRegisterer
	WithTracer       = pipeline.WithTracer
	WithLeaseService = pipeline.WithLeaseService

	To          = pipeline.To
	Blocking    = pipeline.Blocking
	WithRouting = pipeline.WithRouting
	AsStage     = pipeline.AsStage
	WithTopic   = pipeline.WithTopic
	Detached    = pipeline.Detached

	NewBBox   = graph.NewBBox
	NewLTWH   = graph.NewLTWH
	ByLabel   = graph.ByLabel
	ByCreator = graph.ByCreator
	ByTrack   = graph.ByTrack
	Not       = graph.Not
	And       = graph.And

	BoolValue    = graph.Bool
	IntValue     = graph.Int
	FloatValue   = graph.Float
	StringValue  = graph.String
	BytesValue   = graph.Bytes
	BoolsValue   = graph.Bools
	IntsValue    = graph.Ints
	FloatsValue  = graph.Floats
	StringsValue = graph.Strings

	ParseEndpoint     = transport.ParseEndpoint
	SourceID          = transport.SourceID
	Prefix            = transport.Prefix
	AnyTopic          = transport.AnyTopic
	GetCapabilities   = transport.GetCapabilities
	RegisterTransport = transport.Register

	NewMemoryLeaseService = lease.NewMemoryService
	NewPebbleLeaseService = lease.NewPebbleService
	DialNATSLeaseService  = lease.DialNATS

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrInvalidGraph       = errspkg.ErrInvalidGraph
	ErrNotFound           = errspkg.ErrNotFound
	ErrStageConflict      = errspkg.ErrStageConflict
	ErrCorruptEnvelope    = errspkg.ErrCorruptEnvelope
	ErrUnsupportedSchema  = errspkg.ErrUnsupportedSchema
	ErrTimeout            = errspkg.ErrTimeout
	ErrBackpressure       = errspkg.ErrBackpressure
	ErrDeliveryFailed     = errspkg.ErrDeliveryFailed
	ErrCacheFull          = errspkg.ErrCacheFull
	ErrClosed             = errspkg.ErrClosed
	ErrAlreadyHeld        = errspkg.ErrAlreadyHeld
	ErrLeaseLost          = errspkg.ErrLeaseLost
	ErrEval               = errspkg.ErrEval
	ErrUnsupportedPattern = errspkg.ErrUnsupportedPattern

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	DiscardLogger        = loggingpkg.Discard

	NewFrameID = idspkg.NewFrameID
)

const (
	IngressStage  = graph.IngressStage
	DefaultOutput = pipeline.DefaultOutput

	LeaseLostPurge = configpkg.LeaseLostPurge
	LeaseLostDrain = configpkg.LeaseLostDrain

	LeaseBackendMemory = configpkg.LeaseBackendMemory
	LeaseBackendPebble = configpkg.LeaseBackendPebble
	LeaseBackendNATS   = configpkg.LeaseBackendNATS
)

// All matches every object.
var All = graph.All

// New builds a Runtime for cfg and the Engine on top of it.
func New(cfg Config, log ServiceLogger, opts ...RuntimeOption) (*Engine, error) {
	rt, err := pipeline.NewRuntime(cfg, log, opts...)
	if err != nil {
		return nil, err
	}
	return pipeline.New(rt)
}
