// Package datagram provides the udp and unixgram drivers. They carry
// publish/subscribe only: a sub socket binds and a pub socket connects to
// it. Every transport packet travels as one datagram holding its frames as
// length-delimited protobuf bytes fields.
package datagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"google.golang.org/protobuf/encoding/protowire"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/transport"
)

// InboxSize bounds the datagrams read ahead of Recv. When the inbox is
// full further datagrams are dropped, as the network would.
var InboxSize = 1024

const readBufferSize = 64 << 10

func init() {
	transport.RegisterWithCapabilities(transport.SchemeUDP, Build, Capabilities(transport.SchemeUDP))
	transport.RegisterWithCapabilities(transport.SchemeUnixgram, Build, Capabilities(transport.SchemeUnixgram))
}

// Capabilities returns the capabilities of scheme.
func Capabilities(scheme string) transport.Capabilities {
	caps := transport.DatagramCapabilities
	caps.Name = scheme
	return caps
}

// Build opens a datagram socket for ep.
func Build(_ context.Context, ep transport.Endpoint, opts transport.Options) (transport.Conn, error) {
	network := "udp"
	if ep.Scheme == transport.SchemeUnixgram {
		network = "unixgram"
	}

	switch {
	case ep.Socket == transport.SocketPub && !ep.Bind:
		conn, err := net.Dial(network, ep.Address)
		if err != nil {
			return nil, fmt.Errorf("datagram dial %s: %w", ep.URL(), err)
		}
		return &Conn{ep: ep, conn: conn, closed: make(chan struct{})}, nil

	case ep.Socket == transport.SocketSub && ep.Bind:
		if network == "unixgram" {
			_ = os.Remove(ep.Address)
		}
		pc, err := net.ListenPacket(network, ep.Address)
		if err != nil {
			return nil, fmt.Errorf("datagram listen %s: %w", ep.URL(), err)
		}
		if network == "unixgram" {
			if err := os.Chmod(ep.Address, opts.IPCPermissions); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("datagram chmod %s: %w", ep.Address, err)
			}
		}
		c := &Conn{
			ep:     ep,
			packet: pc,
			logger: opts.Logger,
			inbox:  make(chan transport.Packet, InboxSize),
			closed: make(chan struct{}),
		}
		go c.read()
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s needs sub+bind and pub+connect, got %s", ferrors.ErrUnsupportedPattern, ep.Scheme, ep)
}

// Conn is either the sending or the receiving half of a datagram link.
type Conn struct {
	ep     transport.Endpoint
	conn   net.Conn
	packet net.PacketConn
	logger watermill.LoggerAdapter
	inbox  chan transport.Packet

	closeOnce sync.Once
	closed    chan struct{}
}

// Marshal packs frames into one datagram.
func Marshal(frames [][]byte) []byte {
	n := 0
	for _, f := range frames {
		n += protowire.SizeBytes(len(f))
	}
	b := make([]byte, 0, n)
	for _, f := range frames {
		b = protowire.AppendBytes(b, f)
	}
	return b
}

// Unmarshal splits a datagram back into frames.
func Unmarshal(b []byte) ([][]byte, error) {
	var frames [][]byte
	for len(b) > 0 {
		f, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: datagram frame: %v", ferrors.ErrCorruptEnvelope, protowire.ParseError(n))
		}
		frames = append(frames, f)
		b = b[n:]
	}
	return frames, nil
}

func (c *Conn) read() {
	buf := make([]byte, readBufferSize)
	for {
		n, _, err := c.packet.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Error("datagram read failed", err, watermill.LogFields{"endpoint": c.ep.String()})
			continue
		}
		frames, err := Unmarshal(append([]byte(nil), buf[:n]...))
		if err != nil {
			c.logger.Error("dropping datagram", err, watermill.LogFields{"endpoint": c.ep.String()})
			continue
		}
		select {
		case c.inbox <- transport.Packet{Frames: frames}:
		default:
			c.logger.Debug("datagram inbox full", watermill.LogFields{"endpoint": c.ep.String()})
		}
	}
}

func (c *Conn) Send(ctx context.Context, p transport.Packet) error {
	if c.conn == nil {
		return fmt.Errorf("%w: %s cannot send", ferrors.ErrUnsupportedPattern, c.ep.Socket)
	}
	select {
	case <-c.closed:
		return ferrors.ErrClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(Marshal(p.Frames))
	return err
}

func (c *Conn) Recv(ctx context.Context) (transport.Packet, error) {
	if c.inbox == nil {
		return transport.Packet{}, fmt.Errorf("%w: %s cannot receive", ferrors.ErrUnsupportedPattern, c.ep.Socket)
	}
	select {
	case p := <-c.inbox:
		return p, nil
	case <-c.closed:
		return transport.Packet{}, ferrors.ErrClosed
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			err = c.conn.Close()
		}
		if c.packet != nil {
			err = c.packet.Close()
			if c.ep.Scheme == transport.SchemeUnixgram {
				_ = os.Remove(c.ep.Address)
			}
		}
	})
	return err
}
