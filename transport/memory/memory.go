// Package memory provides the inproc driver: sockets in one process linked
// through a Hub of named addresses.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/transport"
)

// InboxSize bounds the packets buffered per socket. Pub sends to a full
// inbox are dropped; addressed sends wait.
var InboxSize = 1024

// DefaultHub backs the inproc scheme in the default registry.
var DefaultHub = NewHub()

func init() {
	Register(DefaultHub)
}

// Register adds the inproc driver backed by hub to the default registry.
func Register(hub *Hub) {
	transport.RegisterWithCapabilities(transport.SchemeInproc, hub.Build, transport.InprocCapabilities)
}

// Hub links bound and connected sockets by address.
type Hub struct {
	mu      sync.Mutex
	bound   map[string]*node
	waiting map[string][]*node
	nextID  atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		bound:   make(map[string]*node),
		waiting: make(map[string][]*node),
	}
}

// Build is the transport.Builder for inproc endpoints.
func (h *Hub) Build(_ context.Context, ep transport.Endpoint, _ transport.Options) (transport.Conn, error) {
	n := &node{
		hub:    h,
		addr:   ep.Address,
		bind:   ep.Bind,
		socket: ep.Socket,
		id:     []byte("inproc-" + strconv.FormatUint(h.nextID.Add(1), 10)),
		inbox:  make(chan transport.Packet, InboxSize),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ep.Bind {
		if _, taken := h.bound[ep.Address]; taken {
			return nil, fmt.Errorf("inproc: address %q already bound", ep.Address)
		}
		h.bound[ep.Address] = n
		for _, c := range h.waiting[ep.Address] {
			link(n, c)
		}
		delete(h.waiting, ep.Address)
		return n, nil
	}
	if b, ok := h.bound[ep.Address]; ok {
		link(b, n)
	} else {
		h.waiting[ep.Address] = append(h.waiting[ep.Address], n)
	}
	return n, nil
}

func (h *Hub) detach(n *node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n.bind {
		if h.bound[n.addr] == n {
			delete(h.bound, n.addr)
		}
	} else {
		h.waiting[n.addr] = slices.DeleteFunc(h.waiting[n.addr], func(c *node) bool { return c == n })
		if len(h.waiting[n.addr]) == 0 {
			delete(h.waiting, n.addr)
		}
	}
	for _, p := range n.peerList() {
		p.unlink(n)
	}
}

// counterpart pairs each socket type with the one it talks to.
var counterpart = map[transport.SocketType]transport.SocketType{
	transport.SocketPub:    transport.SocketSub,
	transport.SocketSub:    transport.SocketPub,
	transport.SocketDealer: transport.SocketRouter,
	transport.SocketRouter: transport.SocketDealer,
	transport.SocketReq:    transport.SocketRep,
	transport.SocketRep:    transport.SocketReq,
}

func link(a, b *node) {
	if counterpart[a.socket] != b.socket {
		return
	}
	a.addPeer(b)
	b.addPeer(a)
}

type node struct {
	hub    *Hub
	addr   string
	bind   bool
	socket transport.SocketType
	id     []byte
	inbox  chan transport.Packet

	mu    sync.RWMutex
	peers []*node
	next  int

	closeOnce sync.Once
	closed    chan struct{}
}

func (n *node) addPeer(p *node) {
	n.mu.Lock()
	n.peers = append(n.peers, p)
	n.mu.Unlock()
}

func (n *node) unlink(p *node) {
	n.mu.Lock()
	n.peers = slices.DeleteFunc(n.peers, func(c *node) bool { return c == p })
	n.mu.Unlock()
}

func (n *node) peerList() []*node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.peers)
}

func (n *node) Send(ctx context.Context, p transport.Packet) error {
	select {
	case <-n.closed:
		return ferrors.ErrClosed
	default:
	}

	switch n.socket {
	case transport.SocketPub:
		for _, peer := range n.peerList() {
			select {
			case peer.inbox <- transport.Packet{Frames: p.Frames}:
			default:
			}
		}
		return nil
	case transport.SocketDealer, transport.SocketReq:
		peer := n.pick()
		if peer == nil {
			return fmt.Errorf("inproc: no peer connected to %q", n.addr)
		}
		return peer.deliver(ctx, transport.Packet{RoutingID: n.id, Frames: p.Frames})
	case transport.SocketRouter, transport.SocketRep:
		for _, peer := range n.peerList() {
			if string(peer.id) == string(p.RoutingID) {
				return peer.deliver(ctx, transport.Packet{Frames: p.Frames})
			}
		}
		return fmt.Errorf("inproc: no peer with routing id %q", p.RoutingID)
	}
	return fmt.Errorf("%w: %s cannot send", ferrors.ErrUnsupportedPattern, n.socket)
}

// pick returns peers round-robin.
func (n *node) pick() *node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.peers) == 0 {
		return nil
	}
	p := n.peers[n.next%len(n.peers)]
	n.next++
	return p
}

func (n *node) deliver(ctx context.Context, p transport.Packet) error {
	select {
	case n.inbox <- p:
		return nil
	case <-n.closed:
		return fmt.Errorf("inproc: peer closed: %w", ferrors.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *node) Recv(ctx context.Context) (transport.Packet, error) {
	select {
	case p := <-n.inbox:
		return p, nil
	case <-n.closed:
		return transport.Packet{}, ferrors.ErrClosed
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	}
}

func (n *node) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.hub.detach(n)
	})
	return nil
}
