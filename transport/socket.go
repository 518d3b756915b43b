package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drblury/frameflow/internal/codec"
	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
)

// Drop reasons passed to Options.OnDrop.
const (
	DropMalformed         = "malformed"
	DropCorrupt           = "corrupt_envelope"
	DropUnsupportedSchema = "unsupported_schema"
	DropSuperseded        = "superseded_producer"
)

const maxAssembledSize = 256 << 20

var ackBody = []byte("OK")

// Delivery is one complete envelope read from a socket.
type Delivery struct {
	Topic     string
	RoutingID []byte
	Seq       uint64
	Envelope  []byte
	// Message is the decoded envelope when the socket has a Decoder.
	Message codec.Message
}

// Result describes a finished send.
type Result struct {
	Acked bool
	// SendRetries counts repeated driver sends.
	SendRetries int
	// ReceiveRetries counts unrelated acks discarded while waiting.
	ReceiveRetries int
	Elapsed        time.Duration
}

// DeliveryHandle tracks one send. Pub sends complete asynchronously once the
// queue worker hands the envelope to the driver; acknowledged sends return
// an already completed handle.
type DeliveryHandle struct {
	done   chan struct{}
	result Result
	err    error
}

func newDeliveryHandle() *DeliveryHandle {
	return &DeliveryHandle{done: make(chan struct{})}
}

func (h *DeliveryHandle) complete(res Result, err error) {
	h.result, h.err = res, err
	close(h.done)
}

// Done is closed once the send has finished.
func (h *DeliveryHandle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (h *DeliveryHandle) Result() (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return Result{}, fmt.Errorf("transport: delivery still in flight")
	}
}

// Wait blocks until the send finishes or ctx ends.
func (h *DeliveryHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type outgoing struct {
	topic  string
	seq    uint64
	parts  [][]byte
	start  time.Time
	handle *DeliveryHandle
}

// Socket is one side of a pattern. Writers (pub, dealer, req) support Send,
// readers (sub, router, rep) support Messages; the other direction fails
// with ErrUnsupportedPattern.
//
// Every transport message is three frames: topic, an 8-byte big-endian
// sequence number and one envelope part. Router and rep sockets answer each
// complete envelope with [topic][seq]["OK"].
type Socket struct {
	ep     Endpoint
	conn   Conn
	opts   Options
	logger watermill.LoggerAdapter

	seq atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup

	queue  chan *outgoing
	sendMu sync.Mutex

	recvMu sync.Mutex

	// assemblers holds partial multipart envelopes per producer and topic.
	// The least recently fed one is dropped once RoutingIDCacheSize are open.
	assemblers *lru.Cache[string, *codec.Assembler]
	routing    *RoutingIDFilter
}

// NewSocket wraps a driver Conn opened for ep.
func NewSocket(ep Endpoint, conn Conn, opts Options) *Socket {
	opts = opts.WithDefaults()
	s := &Socket{
		ep:     ep,
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.With(watermill.LogFields{"endpoint": ep.String()}),
		done:   make(chan struct{}),
	}
	if ep.Socket.IsWriter() {
		if ep.Socket == SocketPub {
			s.queue = make(chan *outgoing, opts.SendHighWatermark)
			s.wg.Add(1)
			go s.publishLoop()
		}
	} else {
		size := opts.RoutingIDCacheSize
		if size <= 0 {
			size = DefaultRoutingIDCacheSize
		}
		s.assemblers, _ = lru.New[string, *codec.Assembler](size)
		s.routing = NewRoutingIDFilter(opts.RoutingIDCacheSize)
	}
	return s
}

func (s *Socket) Kind() Kind         { return s.ep.Socket.Kind() }
func (s *Socket) Endpoint() Endpoint { return s.ep }
func (s *Socket) Type() SocketType   { return s.ep.Socket }
func (s *Socket) IsWriter() bool     { return s.ep.Socket.IsWriter() }
func (s *Socket) Options() Options   { return s.opts }

// Send writes env under topic, or under the endpoint source when topic is
// empty. Pub sends never block: once SendHighWatermark envelopes are queued
// the send fails with ErrBackpressure. Dealer and req sends wait for the
// peer's ack up to RequestTimeout and fail with a *TimeoutError otherwise.
func (s *Socket) Send(ctx context.Context, topic string, env []byte) (*DeliveryHandle, error) {
	if !s.ep.Socket.IsWriter() {
		return nil, fmt.Errorf("%w: %s cannot send", ferrors.ErrUnsupportedPattern, s.ep.Socket)
	}
	if topic == "" {
		topic = s.ep.Source
	}
	if topic == "" {
		return nil, fmt.Errorf("transport: send on %s needs a topic", s.ep)
	}
	parts, err := codec.Split(env, s.opts.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	out := &outgoing{
		topic:  topic,
		seq:    s.seq.Add(1),
		parts:  parts,
		start:  time.Now(),
		handle: newDeliveryHandle(),
	}

	if s.ep.Socket == SocketPub {
		return s.enqueue(out)
	}
	return s.request(ctx, out)
}

func (s *Socket) enqueue(out *outgoing) (*DeliveryHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ferrors.ErrClosed
	}
	select {
	case s.queue <- out:
		return out.handle, nil
	default:
		return nil, fmt.Errorf("%w: %d envelopes queued on %s", ferrors.ErrBackpressure, cap(s.queue), s.ep)
	}
}

func (s *Socket) publishLoop() {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	for {
		select {
		case out := <-s.queue:
			retries, err := s.sendParts(ctx, out)
			if err != nil {
				s.logger.Error("publish failed", err, watermill.LogFields{"topic": out.topic, "seq": out.seq})
			}
			out.handle.complete(Result{SendRetries: retries, Elapsed: time.Since(out.start)}, err)
		case <-s.done:
			for {
				select {
				case out := <-s.queue:
					out.handle.complete(Result{Elapsed: time.Since(out.start)}, ferrors.ErrClosed)
				default:
					return
				}
			}
		}
	}
}

func (s *Socket) request(ctx context.Context, out *outgoing) (*DeliveryHandle, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ferrors.ErrClosed
	}

	retries, err := s.sendParts(ctx, out)
	if err != nil {
		return nil, err
	}
	stale, err := s.awaitAck(ctx, out.topic, out.seq)
	if err != nil {
		return nil, err
	}
	out.handle.complete(Result{
		Acked:          true,
		SendRetries:    retries,
		ReceiveRetries: stale,
		Elapsed:        time.Since(out.start),
	}, nil)
	return out.handle, nil
}

// sendParts writes every part of out, repeating a failed driver send up to
// SendRetries times. It returns the number of repeats.
func (s *Socket) sendParts(ctx context.Context, out *outgoing) (int, error) {
	retries := 0
	seq := binary.BigEndian.AppendUint64(nil, out.seq)
	for _, part := range out.parts {
		pkt := Packet{Frames: [][]byte{[]byte(out.topic), seq, part}}
		for attempt := 0; ; attempt++ {
			err := s.sendOnce(ctx, pkt)
			if err == nil {
				break
			}
			if attempt >= s.opts.SendRetries || ctx.Err() != nil || errors.Is(err, ferrors.ErrClosed) {
				return retries, err
			}
			retries++
			s.logger.Debug("retrying send", watermill.LogFields{"topic": out.topic, "seq": out.seq, "attempt": attempt + 1})
		}
	}
	return retries, nil
}

func (s *Socket) sendOnce(ctx context.Context, pkt Packet) error {
	sctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()
	err := s.conn.Send(sctx, pkt)
	if err != nil && ctx.Err() == nil && sctx.Err() != nil {
		return &ferrors.TimeoutError{Op: "send", After: s.opts.SendTimeout}
	}
	return err
}

func (s *Socket) awaitAck(ctx context.Context, topic string, seq uint64) (int, error) {
	actx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	stale := 0
	for {
		p, err := s.conn.Recv(actx)
		if err != nil {
			if ctx.Err() == nil && actx.Err() != nil {
				s.reset(ctx)
				return stale, &ferrors.TimeoutError{Op: "request", After: s.opts.RequestTimeout}
			}
			return stale, err
		}
		if isAck(p, topic, seq) {
			return stale, nil
		}
		stale++
	}
}

func (s *Socket) reset(ctx context.Context) {
	r, ok := s.conn.(Resetter)
	if !ok {
		return
	}
	if err := r.Reset(ctx); err != nil {
		s.logger.Error("socket reset failed", err, nil)
	}
}

func isAck(p Packet, topic string, seq uint64) bool {
	return len(p.Frames) == 3 &&
		string(p.Frames[0]) == topic &&
		len(p.Frames[1]) == 8 && binary.BigEndian.Uint64(p.Frames[1]) == seq &&
		bytes.Equal(p.Frames[2], ackBody)
}

// Messages reads complete envelopes until ctx ends or the socket closes.
// Each wait is bounded by ReceiveTimeout; a lapse yields a *TimeoutError
// and reading continues. Envelopes outside the topic filter, from a
// superseded producer or failing to decode are dropped. The sequence can be
// ranged over again after a break.
func (s *Socket) Messages(ctx context.Context) iter.Seq2[*Delivery, error] {
	return func(yield func(*Delivery, error) bool) {
		if s.ep.Socket.IsWriter() {
			yield(nil, fmt.Errorf("%w: %s cannot receive", ferrors.ErrUnsupportedPattern, s.ep.Socket))
			return
		}
		for ctx.Err() == nil {
			rctx, cancel := context.WithTimeout(ctx, s.opts.ReceiveTimeout)
			p, err := s.conn.Recv(rctx)
			cancel()

			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ferrors.ErrClosed) {
					return
				}
				if rctx.Err() != nil {
					err = &ferrors.TimeoutError{Op: "receive", After: s.opts.ReceiveTimeout}
				}
				if !yield(nil, err) {
					return
				}
				continue
			}

			d := s.accept(ctx, p)
			if d == nil {
				continue
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

// accept reassembles, acknowledges, filters and decodes one packet. It
// returns nil when nothing is ready for the caller.
func (s *Socket) accept(ctx context.Context, p Packet) *Delivery {
	if len(p.Frames) != 3 || len(p.Frames[1]) != 8 {
		s.drop(DropMalformed, fmt.Errorf("%w: %d frames", ferrors.ErrCorruptEnvelope, len(p.Frames)))
		return nil
	}
	topic := string(p.Frames[0])
	seq := binary.BigEndian.Uint64(p.Frames[1])

	s.recvMu.Lock()
	key := string(p.RoutingID) + "\x00" + topic
	asm, ok := s.assemblers.Get(key)
	if !ok {
		asm = &codec.Assembler{MaxSize: maxAssembledSize}
	}
	env, complete, err := asm.Add(p.Frames[2])
	switch {
	case err != nil || complete:
		if ok {
			s.assemblers.Remove(key)
		}
	case !ok:
		s.assemblers.Add(key, asm)
	}
	s.recvMu.Unlock()

	if err != nil {
		s.drop(DropCorrupt, err)
		return nil
	}
	if !complete {
		return nil
	}

	if s.ep.Socket.Kind().Acknowledged() {
		ack := Packet{RoutingID: p.RoutingID, Frames: [][]byte{p.Frames[0], p.Frames[1], ackBody}}
		if err := s.sendOnce(ctx, ack); err != nil {
			s.logger.Error("ack failed", err, watermill.LogFields{"topic": topic, "seq": seq})
		}
	}

	if !s.opts.Topic.Match(topic) {
		return nil
	}
	if !s.routing.Allow(topic, p.RoutingID) {
		s.logger.Debug("dropping envelope from superseded producer", watermill.LogFields{"topic": topic, "seq": seq})
		if s.opts.OnDrop != nil {
			s.opts.OnDrop(DropSuperseded, nil)
		}
		return nil
	}

	d := &Delivery{Topic: topic, RoutingID: p.RoutingID, Seq: seq, Envelope: env}
	if s.opts.Decoder != nil {
		msg, err := s.opts.Decoder.Decode(env)
		if err != nil {
			reason := DropCorrupt
			if errors.Is(err, ferrors.ErrUnsupportedSchema) {
				reason = DropUnsupportedSchema
			}
			s.drop(reason, err)
			return nil
		}
		d.Message = msg
	}
	return d
}

func (s *Socket) drop(reason string, err error) {
	s.logger.Error("dropping envelope", err, watermill.LogFields{"reason": reason})
	if s.opts.OnDrop != nil {
		s.opts.OnDrop(reason, err)
	}
}

// Close stops the socket. Queued pub sends complete with ErrClosed.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return s.conn.Close()
}
