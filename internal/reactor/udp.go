package reactor

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// maxDatagramSize is the largest UDP payload.
const maxDatagramSize = 65535

// Read errors other than close are retried with a doubling pause between these bounds.
const (
	minReadBackoff = 5 * time.Millisecond
	maxReadBackoff = time.Second
)

// readBackoff is the pause schedule of a reader hitting repeated errors.
type readBackoff struct {
	delay time.Duration
}

func (b *readBackoff) next() time.Duration {
	if b.delay == 0 {
		b.delay = minReadBackoff
	} else {
		b.delay = min(b.delay*2, maxReadBackoff)
	}
	return b.delay
}

func (b *readBackoff) reset() {
	b.delay = 0
}

// Datagram is one received or queued UDP payload.
type Datagram struct {
	Source netip.AddrPort
	Data   []byte
}

// Conn is a bound UDP endpoint. Receive never blocks; it reports false when nothing is pending.
type Conn interface {
	Receive() (Datagram, bool)
	Send(dst netip.AddrPort, data []byte) error
	LocalAddr() netip.AddrPort
	Close() error
}

// Binder binds an endpoint. wake is called whenever a datagram becomes available.
type Binder func(endpoint netip.AddrPort, wake func()) (Conn, error)

// udpConn feeds datagrams from a reader goroutine into a bounded channel that the
// reactor drains once per tick.
type udpConn struct {
	conn    *net.UDPConn
	inbound chan Datagram
	wake    func()
	dropped atomic.Uint64
	errors  atomic.Uint64
	closeMu sync.Once
	done    chan struct{}
}

// BindUDP is the production Binder.
func BindUDP(queueSize int) Binder {
	return func(endpoint netip.AddrPort, wake func()) (Conn, error) {
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(endpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to bind to UDP socket %s: %w", endpoint, err)
		}

		c := &udpConn{
			conn:    conn,
			inbound: make(chan Datagram, queueSize),
			wake:    wake,
			done:    make(chan struct{}),
		}
		go c.readLoop()
		return c, nil
	}
}

func (c *udpConn) readLoop() {
	buffer := make([]byte, maxDatagramSize)
	var backoff readBackoff
	for {
		n, addr, err := c.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.errors.Add(1)
			timer := time.NewTimer(backoff.next())
			select {
			case <-c.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		backoff.reset()

		// Create a copy of the data for the reactor
		data := make([]byte, n)
		copy(data, buffer[:n])

		src := netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		select {
		case c.inbound <- Datagram{Source: src, Data: data}:
		default:
			// Queue is full, drop the datagram
			c.dropped.Add(1)
		}
		if c.wake != nil {
			c.wake()
		}
	}
}

func (c *udpConn) Receive() (Datagram, bool) {
	select {
	case d := <-c.inbound:
		return d, true
	default:
		return Datagram{}, false
	}
}

func (c *udpConn) Send(dst netip.AddrPort, data []byte) error {
	_, err := c.conn.WriteToUDPAddrPort(data, dst)
	return err
}

func (c *udpConn) LocalAddr() netip.AddrPort {
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (c *udpConn) Close() error {
	var err error
	c.closeMu.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ReadErrors returns how many reads failed for a reason other than close.
func (c *udpConn) ReadErrors() uint64 {
	return c.errors.Load()
}

// Dropped returns how many datagrams were discarded because the queue was full.
func (c *udpConn) Dropped() uint64 {
	return c.dropped.Load()
}
