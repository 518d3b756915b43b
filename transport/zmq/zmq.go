// Package zmq provides the stream drivers tcp and ipc over ZeroMQ sockets.
//
// Pub and sub map to ZeroMQ PUB and SUB. Dealer and req both run on DEALER
// and router and rep on ROUTER: the socket layer already keeps requests in
// lock-step with their acknowledgments, and a DEALER can be torn down and
// redialed after a lost reply, which a strict REQ socket cannot.
package zmq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-zeromq/zmq4"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/ids"
	"github.com/drblury/frameflow/transport"
)

// DialRetry is the delay between connection attempts of connect endpoints.
var DialRetry = 250 * time.Millisecond

// InboxSize bounds the packets read ahead of Recv.
var InboxSize = 1024

// SocketFactory allows overriding the ZeroMQ socket creation for testing.
var SocketFactory = func(ctx context.Context, typ transport.SocketType, opts ...zmq4.Option) zmq4.Socket {
	switch typ {
	case transport.SocketPub:
		return zmq4.NewPub(ctx, opts...)
	case transport.SocketSub:
		return zmq4.NewSub(ctx, opts...)
	case transport.SocketRouter, transport.SocketRep:
		return zmq4.NewRouter(ctx, opts...)
	default:
		return zmq4.NewDealer(ctx, opts...)
	}
}

func init() {
	transport.RegisterWithCapabilities(transport.SchemeTCP, Build, Capabilities(transport.SchemeTCP))
	transport.RegisterWithCapabilities(transport.SchemeIPC, Build, Capabilities(transport.SchemeIPC))
}

// Capabilities returns the capabilities of scheme.
func Capabilities(scheme string) transport.Capabilities {
	caps := transport.StreamCapabilities
	caps.Name = scheme
	return caps
}

// Build opens a ZeroMQ socket for ep.
func Build(_ context.Context, ep transport.Endpoint, opts transport.Options) (transport.Conn, error) {
	c := &Conn{
		ep:      ep,
		opts:    opts,
		logger:  opts.Logger.With(watermill.LogFields{"endpoint": ep.String()}),
		sending: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	if err := c.open(); err != nil {
		return nil, err
	}
	return c, nil
}

type result struct {
	pkt transport.Packet
	err error
}

// Conn is a transport.Conn over one ZeroMQ socket. Incoming messages are
// read by a dedicated goroutine into a bounded inbox.
//
// At most one send is handed to the socket at a time. A send abandoned by
// its context keeps that slot until ZeroMQ accepts the message or the
// socket is reset or closed, so later sends wait instead of piling up.
type Conn struct {
	ep     transport.Endpoint
	opts   transport.Options
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	sock   zmq4.Socket
	inbox  chan result
	cancel context.CancelFunc

	sending chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// routed reports whether the first ZeroMQ frame carries the peer identity.
func (c *Conn) routed() bool {
	return c.ep.Socket == transport.SocketRouter || c.ep.Socket == transport.SocketRep
}

func (c *Conn) open() error {
	ctx, cancel := context.WithCancel(context.Background())

	opts := []zmq4.Option{
		zmq4.WithDialerRetry(DialRetry),
		zmq4.WithAutomaticReconnect(true),
	}
	if c.ep.Socket == transport.SocketDealer || c.ep.Socket == transport.SocketReq {
		// a fresh identity per socket lets routers tell a reset producer apart
		opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(ids.NewOwnerID())))
	}
	sock := SocketFactory(ctx, c.ep.Socket, opts...)

	if err := c.attach(sock); err != nil {
		cancel()
		_ = sock.Close()
		return err
	}

	inbox := make(chan result, InboxSize)
	c.mu.Lock()
	c.sock, c.inbox, c.cancel = sock, inbox, cancel
	c.mu.Unlock()

	if c.ep.Socket != transport.SocketPub {
		go c.read(ctx, sock, inbox)
	}
	return nil
}

func (c *Conn) attach(sock zmq4.Socket) error {
	if c.ep.Socket == transport.SocketSub {
		if err := sock.SetOption(zmq4.OptionSubscribe, c.opts.Topic.Subscription()); err != nil {
			return fmt.Errorf("zmq subscribe: %w", err)
		}
	}
	if !c.ep.Bind {
		if err := sock.Dial(c.ep.URL()); err != nil {
			return fmt.Errorf("zmq dial %s: %w", c.ep.URL(), err)
		}
		return nil
	}
	if err := sock.Listen(c.ep.URL()); err != nil {
		return fmt.Errorf("zmq listen %s: %w", c.ep.URL(), err)
	}
	if c.ep.Scheme == transport.SchemeIPC {
		if err := os.Chmod(c.ep.Address, c.opts.IPCPermissions); err != nil {
			return fmt.Errorf("zmq chmod %s: %w", c.ep.Address, err)
		}
	}
	return nil
}

func (c *Conn) read(ctx context.Context, sock zmq4.Socket, inbox chan<- result) {
	for {
		msg, err := sock.Recv()
		if ctx.Err() != nil {
			return
		}
		var r result
		switch {
		case err != nil:
			r.err = err
		case c.routed():
			if len(msg.Frames) == 0 {
				continue
			}
			r.pkt = transport.Packet{RoutingID: msg.Frames[0], Frames: msg.Frames[1:]}
		default:
			r.pkt = transport.Packet{Frames: msg.Frames}
		}

		select {
		case inbox <- r:
		case <-ctx.Done():
			return
		}
		if err != nil {
			c.logger.Error("zmq receive failed", err, nil)
			select {
			case <-time.After(DialRetry):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Conn) current() (zmq4.Socket, chan result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock, c.inbox
}

func (c *Conn) Send(ctx context.Context, p transport.Packet) error {
	select {
	case <-c.closed:
		return ferrors.ErrClosed
	default:
	}

	frames := p.Frames
	if c.routed() {
		if len(p.RoutingID) == 0 {
			return errors.New("zmq: router send needs a routing id")
		}
		frames = append([][]byte{p.RoutingID}, frames...)
	}

	select {
	case c.sending <- struct{}{}:
	case <-c.closed:
		return ferrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	sock, _ := c.current()
	errc := make(chan error, 1)
	go func() {
		err := sock.SendMulti(zmq4.NewMsgFrom(frames...))
		<-c.sending
		errc <- err
	}()

	select {
	case err := <-errc:
		return err
	case <-c.closed:
		return ferrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Recv(ctx context.Context) (transport.Packet, error) {
	if c.ep.Socket == transport.SocketPub {
		return transport.Packet{}, fmt.Errorf("%w: pub cannot receive", ferrors.ErrUnsupportedPattern)
	}
	_, inbox := c.current()
	select {
	case r := <-inbox:
		return r.pkt, r.err
	case <-c.closed:
		return transport.Packet{}, ferrors.ErrClosed
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	}
}

// Reset replaces the socket with a freshly dialed one. Replies still in
// flight to the old socket are lost with it.
func (c *Conn) Reset(_ context.Context) error {
	select {
	case <-c.closed:
		return ferrors.ErrClosed
	default:
	}
	c.mu.Lock()
	old, cancel := c.sock, c.cancel
	c.mu.Unlock()

	cancel()
	_ = old.Close()
	c.logger.Debug("zmq socket reset", nil)
	return c.open()
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cancel()
		err = c.sock.Close()
	})
	return err
}
