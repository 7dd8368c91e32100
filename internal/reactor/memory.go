package reactor

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// ErrAddressInUse is returned by MemoryNetwork when an endpoint is already bound.
var ErrAddressInUse = errors.New("address already in use")

// SentDatagram is a datagram observed by MemoryNetwork.
type SentDatagram struct {
	From netip.AddrPort
	To   netip.AddrPort
	Data []byte
}

// MemoryNetwork is an in-process datagram network. Datagrams sent to a bound endpoint
// are delivered to it; everything sent is also recorded.
type MemoryNetwork struct {
	mu        sync.Mutex
	conns     map[netip.AddrPort]*memoryConn
	sent      []SentDatagram
	sendError map[netip.AddrPort]error
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		conns:     make(map[netip.AddrPort]*memoryConn),
		sendError: make(map[netip.AddrPort]error),
	}
}

// Binder returns a Binder bound to this network.
func (n *MemoryNetwork) Binder() Binder {
	return func(endpoint netip.AddrPort, wake func()) (Conn, error) {
		return n.bind(endpoint, wake)
	}
}

// Bind binds an endpoint outside of a reactor, e.g. to play a remote agent.
func (n *MemoryNetwork) Bind(endpoint netip.AddrPort) (Conn, error) {
	return n.bind(endpoint, nil)
}

func (n *MemoryNetwork) bind(endpoint netip.AddrPort, wake func()) (*memoryConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.conns[endpoint]; ok {
		return nil, fmt.Errorf("bind %s: %w", endpoint, ErrAddressInUse)
	}
	c := &memoryConn{network: n, endpoint: endpoint, wake: wake}
	n.conns[endpoint] = c
	return c, nil
}

// Inject delivers data to the endpoint bound at to, as if sent from from.
func (n *MemoryNetwork) Inject(from, to netip.AddrPort, data []byte) error {
	n.mu.Lock()
	c, ok := n.conns[to]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("no socket bound at %s", to)
	}
	c.deliver(Datagram{Source: from, Data: data})
	return nil
}

// FailSends makes every send from endpoint fail with err. A nil err clears the failure.
func (n *MemoryNetwork) FailSends(endpoint netip.AddrPort, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.sendError, endpoint)
		return
	}
	n.sendError[endpoint] = err
}

// Sent returns and clears the datagrams sent so far.
func (n *MemoryNetwork) Sent() []SentDatagram {
	n.mu.Lock()
	defer n.mu.Unlock()
	res := n.sent
	n.sent = nil
	return res
}

// IsBound reports whether endpoint has an open socket.
func (n *MemoryNetwork) IsBound(endpoint netip.AddrPort) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.conns[endpoint]
	return ok
}

func (n *MemoryNetwork) send(from, to netip.AddrPort, data []byte) error {
	n.mu.Lock()
	if err, ok := n.sendError[from]; ok {
		n.mu.Unlock()
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	n.sent = append(n.sent, SentDatagram{From: from, To: to, Data: buf})
	dst, ok := n.conns[to]
	n.mu.Unlock()

	if ok {
		dst.deliver(Datagram{Source: from, Data: buf})
	}
	return nil
}

type memoryConn struct {
	network  *MemoryNetwork
	endpoint netip.AddrPort
	wake     func()

	mu      sync.Mutex
	inbound []Datagram
	closed  bool
}

func (c *memoryConn) deliver(d Datagram) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.inbound = append(c.inbound, d)
	c.mu.Unlock()
	if c.wake != nil {
		c.wake()
	}
}

func (c *memoryConn) Receive() (Datagram, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) == 0 {
		return Datagram{}, false
	}
	d := c.inbound[0]
	c.inbound = c.inbound[1:]
	return d, true
}

func (c *memoryConn) Send(dst netip.AddrPort, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrSocketClosed
	}
	return c.network.send(c.endpoint, dst, data)
}

func (c *memoryConn) LocalAddr() netip.AddrPort {
	return c.endpoint
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.inbound = nil
	c.mu.Unlock()

	c.network.mu.Lock()
	if c.network.conns[c.endpoint] == c {
		delete(c.network.conns, c.endpoint)
	}
	c.network.mu.Unlock()
	return nil
}
