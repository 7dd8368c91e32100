package reactor

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/snmproxy/internal/codec"
	"github.com/geekxflood/snmproxy/internal/metrics"
	"github.com/geekxflood/snmproxy/internal/types"
)

// ErrSocketClosed is returned by sends on a socket invalidated by an earlier send failure.
var ErrSocketClosed = errors.New("socket closed")

// Handler is an owner registered on a socket. HandleMessage reports whether it claimed
// the message.
type Handler interface {
	HandleMessage(source netip.AddrPort, msg types.Value) bool
}

// Socket is one bound endpoint shared by every client and server registered on it.
type Socket struct {
	endpoint netip.AddrPort
	conn     Conn
	outbound []Datagram
	clients  []Handler
	servers  []Handler
	closed   bool
	rebindAt time.Time
	stats    types.SocketStats
	now      types.Clock
	logger   logging.Logger
	metrics  metrics.Recorder
}

// Endpoint returns the address the socket was bound for.
func (s *Socket) Endpoint() netip.AddrPort {
	return s.endpoint
}

// LocalAddr returns the address actually bound, which differs from Endpoint for port 0.
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr()
}

// Closed reports whether the socket was invalidated.
func (s *Socket) Closed() bool {
	return s.closed
}

// Send encodes msg and queues it for dst. The datagram leaves on the next flush.
func (s *Socket) Send(dst netip.AddrPort, msg types.Value) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", dst, err)
	}
	return s.SendRaw(dst, data)
}

// SendRaw queues an already encoded datagram.
func (s *Socket) SendRaw(dst netip.AddrPort, data []byte) error {
	if s.closed {
		return fmt.Errorf("send to %s on %s: %w", dst, s.endpoint, ErrSocketClosed)
	}
	s.outbound = append(s.outbound, Datagram{Source: dst, Data: data})
	return nil
}

// Stats returns a copy of the socket counters.
func (s *Socket) Stats() types.SocketStats {
	st := s.stats
	st.Endpoint = s.endpoint.String()
	st.QueueLength = len(s.outbound)
	st.Closed = s.closed
	if d, ok := s.conn.(interface{ Dropped() uint64 }); ok {
		st.DatagramsDropped += d.Dropped()
	}
	if e, ok := s.conn.(interface{ ReadErrors() uint64 }); ok {
		st.ReadErrors = e.ReadErrors()
	}
	return st
}

func (s *Socket) addClient(h Handler) {
	for _, c := range s.clients {
		if c == h {
			return
		}
	}
	s.clients = append(s.clients, h)
}

func (s *Socket) addServer(h Handler) {
	for _, c := range s.servers {
		if c == h {
			return
		}
	}
	s.servers = append(s.servers, h)
}

func (s *Socket) hasOwners() bool {
	return len(s.clients) > 0 || len(s.servers) > 0
}

// drain reads at most limit pending datagrams.
func (s *Socket) drain(limit int) []Datagram {
	if s.closed {
		return nil
	}
	var res []Datagram
	for len(res) < limit {
		d, ok := s.conn.Receive()
		if !ok {
			break
		}
		res = append(res, d)
	}
	return res
}

// dispatch offers a decoded message to clients, then servers, until one claims it.
func (s *Socket) dispatch(d Datagram, msg types.Value) bool {
	for _, h := range s.clients {
		if h.HandleMessage(d.Source, msg) {
			return true
		}
	}
	for _, h := range s.servers {
		if h.HandleMessage(d.Source, msg) {
			return true
		}
	}
	return false
}

// flush writes the outbound queue. A send failure closes the socket and discards the rest.
func (s *Socket) flush() {
	if s.closed {
		s.outbound = nil
		return
	}

	queue := s.outbound
	s.outbound = nil
	for i, d := range queue {
		if err := s.conn.Send(d.Source, d.Data); err != nil {
			s.stats.SendErrors++
			s.logger.Error("Send failed, closing socket",
				"endpoint", s.endpoint.String(),
				"destination", d.Source.String(),
				"discarded", len(queue)-i,
				"error", err.Error())
			s.close()
			return
		}
		s.stats.DatagramsSent++
		s.stats.LastActivity = s.now()
		s.metrics.DatagramSent(s.endpoint.String(), len(d.Data))
	}
}

func (s *Socket) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.outbound = nil
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Error closing socket", "endpoint", s.endpoint.String(), "error", err.Error())
	}
	s.metrics.SocketClosed(s.endpoint.String())
}
