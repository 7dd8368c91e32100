// Package reactor multiplexes bound UDP endpoints across the clients and servers that
// share them. All state is owned by the goroutine calling Poll or Run.
package reactor

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/snmproxy/internal/codec"
	"github.com/geekxflood/snmproxy/internal/metrics"
	"github.com/geekxflood/snmproxy/internal/types"
)

// Poller is housekeeping run once per tick after inbound dispatch.
type Poller interface {
	Poll()
}

// Config holds reactor settings.
type Config struct {
	Validation *ValidationConfig
	QueueSize  int
	MaxPerTick int
	Binder     Binder
	Clock      types.Clock
}

// DefaultConfig returns the reactor defaults with the production UDP binder.
func DefaultConfig() *Config {
	return &Config{
		Validation: DefaultValidationConfig(),
		QueueSize:  1024,
		MaxPerTick: 256,
		Clock:      types.SystemClock,
	}
}

// LoadConfig reads the reactor section.
func LoadConfig(cfg config.Provider) (*Config, error) {
	c := DefaultConfig()
	if cfg == nil {
		return c, nil
	}

	if size, err := cfg.GetInt("reactor.max_packet_size", c.Validation.MaxPacketSize); err == nil {
		c.Validation.MaxPacketSize = size
	}
	if allowed, err := cfg.GetStringSlice("reactor.allowed_sources"); err == nil {
		c.Validation.AllowedSources = allowed
	}
	if blocked, err := cfg.GetStringSlice("reactor.blocked_sources"); err == nil {
		c.Validation.BlockedSources = blocked
	}
	if size, err := cfg.GetInt("reactor.queue_size", c.QueueSize); err == nil {
		c.QueueSize = size
	}
	if n, err := cfg.GetInt("reactor.max_per_tick", c.MaxPerTick); err == nil {
		c.MaxPerTick = n
	}

	if c.QueueSize <= 0 {
		return nil, fmt.Errorf("reactor.queue_size must be positive, got %d", c.QueueSize)
	}
	if c.MaxPerTick <= 0 {
		return nil, fmt.Errorf("reactor.max_per_tick must be positive, got %d", c.MaxPerTick)
	}
	return c, nil
}

// Reactor owns every bound socket. It is not safe for concurrent use.
// rebindInterval spaces attempts to reopen a closed socket.
const rebindInterval = time.Second

type Reactor struct {
	sockets    map[netip.AddrPort]*Socket
	order      []*Socket
	pollers    []Poller
	bind       Binder
	validator  *PacketValidator
	maxPerTick int
	now        types.Clock
	logger     logging.Logger
	metrics    metrics.Recorder
	wake       chan struct{}
}

// New creates a reactor. rec may be nil.
func New(cfg *Config, logger logging.Logger, rec metrics.Recorder) (*Reactor, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	validator, err := NewPacketValidator(cfg.Validation)
	if err != nil {
		return nil, fmt.Errorf("invalid datagram validation settings: %w", err)
	}

	r := &Reactor{
		sockets:    make(map[netip.AddrPort]*Socket),
		pollers:    []Poller{},
		bind:       cfg.Binder,
		validator:  validator,
		maxPerTick: cfg.MaxPerTick,
		now:        cfg.Clock,
		logger:     logger.With("component", "reactor"),
		metrics:    rec,
		wake:       make(chan struct{}, 1),
	}
	if r.bind == nil {
		r.bind = BindUDP(cfg.QueueSize)
	}
	if r.now == nil {
		r.now = types.SystemClock
	}
	if r.maxPerTick <= 0 {
		r.maxPerTick = DefaultConfig().MaxPerTick
	}
	return r, nil
}

// EnsureClientSocket binds endpoint, or reuses the socket already bound there, and
// registers h as a client.
func (r *Reactor) EnsureClientSocket(endpoint netip.AddrPort, h Handler) (*Socket, error) {
	s, err := r.ensureSocket(endpoint)
	if err != nil {
		return nil, err
	}
	s.addClient(h)
	return s, nil
}

// EnsureServerSocket binds endpoint, or reuses the socket already bound there, and
// registers h as a server.
func (r *Reactor) EnsureServerSocket(endpoint netip.AddrPort, h Handler) (*Socket, error) {
	s, err := r.ensureSocket(endpoint)
	if err != nil {
		return nil, err
	}
	s.addServer(h)
	return s, nil
}

// ensureSocket binds endpoint. A socket closed by a send failure is replaced in place and
// its clients and servers move to the new socket.
func (r *Reactor) ensureSocket(endpoint netip.AddrPort) (*Socket, error) {
	old, exists := r.sockets[endpoint]
	if exists && !old.closed {
		return old, nil
	}

	conn, err := r.bind(endpoint, r.Wake)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		endpoint: endpoint,
		conn:     conn,
		now:      r.now,
		logger:   r.logger,
		metrics:  r.metrics,
	}
	r.sockets[endpoint] = s

	if !exists {
		r.order = append(r.order, s)
		r.logger.Info("Socket bound", "endpoint", endpoint.String(), "local_addr", conn.LocalAddr().String())
		return s, nil
	}

	s.clients = old.clients
	s.servers = old.servers
	s.stats = old.stats
	for i, o := range r.order {
		if o == old {
			r.order[i] = s
			break
		}
	}
	r.metrics.SocketRebound(endpoint.String())
	r.logger.Info("Socket rebound",
		"endpoint", endpoint.String(),
		"clients", len(s.clients),
		"servers", len(s.servers))
	return s, nil
}

// rebindClosed reopens closed sockets that still have owners, at most once per
// rebindInterval each, so a server nobody sends through does not stay deaf.
func (r *Reactor) rebindClosed() {
	now := r.now()
	var due []*Socket
	for _, s := range r.order {
		if s.closed && s.hasOwners() && !now.Before(s.rebindAt) {
			due = append(due, s)
		}
	}
	for _, s := range due {
		s.rebindAt = now.Add(rebindInterval)
		if _, err := r.ensureSocket(s.endpoint); err != nil {
			r.logger.Warn("Failed to rebind socket", "endpoint", s.endpoint.String(), "error", err.Error())
		}
	}
}

// Register adds a poller. Pollers run in registration order.
func (r *Reactor) Register(p Poller) {
	r.pollers = append(r.pollers, p)
}

// Wake requests an early tick. It is safe to call from any goroutine.
func (r *Reactor) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Poll runs one tick: drain and dispatch every socket, run pollers, flush outbound queues.
func (r *Reactor) Poll() {
	r.rebindClosed()

	for _, s := range r.order {
		for _, d := range s.drain(r.maxPerTick) {
			r.handleDatagram(s, d)
		}
	}

	for _, p := range r.pollers {
		p.Poll()
	}

	for _, s := range r.order {
		s.flush()
	}
}

func (r *Reactor) handleDatagram(s *Socket, d Datagram) {
	endpoint := s.endpoint.String()
	s.stats.DatagramsReceived++
	s.stats.LastActivity = r.now()
	r.metrics.DatagramReceived(endpoint, len(d.Data))

	if err := r.validator.ValidatePacket(d.Source, d.Data); err != nil {
		s.stats.ValidationErrors++
		r.metrics.DatagramDropped(endpoint, metrics.ReasonValidation)
		r.logger.Warn("Datagram rejected", "endpoint", endpoint, "source", d.Source.String(), "error", err.Error())
		return
	}

	msg, err := codec.DecodeMessage(d.Data)
	if err != nil {
		s.stats.ParseErrors++
		r.metrics.DatagramDropped(endpoint, metrics.ReasonDecode)
		r.logger.Warn("Malformed datagram dropped", "endpoint", endpoint, "source", d.Source.String(), "error", err.Error())
		return
	}

	if !s.dispatch(d, msg) {
		s.stats.DatagramsDropped++
		r.metrics.DatagramDropped(endpoint, metrics.ReasonUnhandled)
		r.logger.Debug("Unhandled datagram dropped",
			"endpoint", endpoint,
			"source", d.Source.String(),
			"pdu", msg.PDU().Type.String())
		return
	}
	s.stats.DatagramsHandled++
}

// Run ticks every interval and whenever a datagram arrives, until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Poll()
		case <-r.wake:
			r.Poll()
		}
	}
}

// Stats returns per-socket counters in bind order.
func (r *Reactor) Stats() []types.SocketStats {
	res := make([]types.SocketStats, 0, len(r.order))
	for _, s := range r.order {
		res = append(res, s.Stats())
	}
	return res
}

// Close closes every socket.
func (r *Reactor) Close() {
	for _, s := range r.order {
		if s.closed {
			continue
		}
		s.closed = true
		if err := s.conn.Close(); err != nil {
			r.logger.Debug("Error closing socket", "endpoint", s.endpoint.String(), "error", err.Error())
		}
	}
}
