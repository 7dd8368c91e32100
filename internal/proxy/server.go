// Package proxy answers SNMP requests from cached subtrees or forwards them upstream.
package proxy

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/snmproxy/internal/cache"
	"github.com/geekxflood/snmproxy/internal/client"
	"github.com/geekxflood/snmproxy/internal/metrics"
	"github.com/geekxflood/snmproxy/internal/reactor"
	"github.com/geekxflood/snmproxy/internal/types"
)

// Upstream is the outbound side of a proxy. *client.Client implements it.
type Upstream interface {
	DoRequest(pdu types.Value, cb client.ResponseFunc) error
	DoGetBulk(base types.OID, cb client.WalkFunc) error
}

// StatsSink persists counter snapshots next to the flat stats file.
type StatsSink interface {
	SaveTrafficStats(proxy string, at time.Time, stats []types.TrafficStat) error
}

// request kinds used in counter keys and metric labels
const (
	kindGet     = "get"
	kindGetNext = "get-next"
	kindGetBulk = "get-bulk"
	kindSet     = "set"
)

// Server is one configured proxy. It must only be used from the reactor goroutine.
type Server struct {
	config      *ProxyConfig
	communities map[string]struct{}
	reactor     *reactor.Reactor
	socket      *reactor.Socket
	upstream    Upstream
	caches      []*cache.Entry
	stats       *Stats
	sink        StatsSink
	nextStats   time.Time
	now         types.Clock
	logger      logging.Logger
	metrics     metrics.Recorder
}

// NewServer builds the cache entries of cfg and binds the server socket.
func NewServer(r *reactor.Reactor, cfg *ProxyConfig, upstream Upstream, clock types.Clock, logger logging.Logger, rec metrics.Recorder) (*Server, error) {
	if r == nil {
		return nil, fmt.Errorf("reactor cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("proxy configuration cannot be nil")
	}
	if upstream == nil {
		return nil, fmt.Errorf("upstream cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if clock == nil {
		clock = types.SystemClock
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	s := &Server{
		config:      cfg,
		communities: make(map[string]struct{}, len(cfg.Communities)),
		reactor:     r,
		upstream:    upstream,
		now:         clock,
		logger:      logger.With("component", "proxy", "proxy", cfg.Name),
		metrics:     rec,
	}
	for _, c := range cfg.Communities {
		s.communities[c] = struct{}{}
	}

	for _, cc := range cfg.Cache {
		entry, err := cache.New(cc.Base, cc.UpdateInterval, upstream, clock, logger, rec)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", cfg.Name, err)
		}
		s.caches = append(s.caches, entry)
	}

	if cfg.Statistics.Enabled() {
		s.stats = NewStats(clock)
		s.nextStats = clock().Add(cfg.Statistics.WriteInterval)
	}

	if _, err := s.ensureSocket(); err != nil {
		return nil, err
	}

	s.logger.Info("Proxy server started",
		"socket", cfg.Socket.String(),
		"target", cfg.Target.Target.String(),
		"cache_entries", len(s.caches),
		"statistics", cfg.Statistics.Enabled())
	return s, nil
}

// Name returns the proxy block name.
func (s *Server) Name() string {
	return s.config.Name
}

// Caches returns the cache entries in configuration order.
func (s *Server) Caches() []*cache.Entry {
	return s.caches
}

// Stats returns the traffic counters, or nil when statistics are disabled.
func (s *Server) Stats() *Stats {
	return s.stats
}

// SetStatsSink adds a sink written on every statistics interval.
func (s *Server) SetStatsSink(sink StatsSink) {
	s.sink = sink
}

// HandleMessage claims requests carrying an accepted community.
func (s *Server) HandleMessage(source netip.AddrPort, msg types.Value) bool {
	if _, ok := s.communities[msg.Community()]; !ok {
		return false
	}
	pdu := msg.PDU()
	if len(pdu.Items) != 4 {
		return false
	}

	switch pdu.Type {
	case types.PDUGetRequest:
		s.processLookup(source, msg, kindGet)
	case types.PDUGetNextRequest:
		s.processLookup(source, msg, kindGetNext)
	case types.PDUGetBulkRequest:
		s.processLookup(source, msg, kindGetBulk)
	case types.PDUSetRequest:
		s.processSet(source, msg)
	default:
		return false
	}
	return true
}

// Poll runs cache refresh schedules and the statistics writer.
func (s *Server) Poll() {
	for _, e := range s.caches {
		e.Poll()
	}

	if s.stats == nil {
		return
	}
	now := s.now()
	if now.Before(s.nextStats) {
		return
	}
	s.nextStats = now.Add(s.config.Statistics.WriteInterval)
	s.SaveStats()
}

// SaveStats writes the counters to the configured file and sink.
func (s *Server) SaveStats() {
	if s.stats == nil {
		return
	}
	if s.config.Statistics.File != "" {
		if err := s.stats.WriteFile(s.config.Statistics.File); err != nil {
			s.logger.Warn("Failed to write statistics", "file", s.config.Statistics.File, "error", err.Error())
		}
	}
	if s.sink != nil {
		if err := s.sink.SaveTrafficStats(s.config.Name, s.now(), s.stats.Snapshot()); err != nil {
			s.logger.Warn("Failed to store statistics", "error", err.Error())
		}
	}
}

func (s *Server) processSet(source netip.AddrPort, msg types.Value) {
	s.tick(kindSet, types.MessageVarBindings(msg))
	s.metrics.RequestHandled(s.config.Name, kindSet, metrics.PathPassthrough)
	s.proxyRequest(source, msg)
}

// processLookup serves a single-binding GET-family request from a matching cache entry
// and forwards everything else unchanged.
func (s *Server) processLookup(source netip.AddrPort, msg types.Value, kind string) {
	bindings := types.MessageVarBindings(msg)
	if len(bindings) == 0 {
		s.metrics.RequestHandled(s.config.Name, kind, metrics.PathRejected)
		s.replyError(source, msg, types.NewSNMPError(types.ErrorStatusNoSuchName, 0))
		return
	}

	s.tick(kind, bindings)

	if len(bindings) > 1 {
		s.logger.Warn("Cache for more than one var-binding not supported, proxying 1:1",
			"pdu", kind, "bindings", len(bindings))
		s.metrics.RequestHandled(s.config.Name, kind, metrics.PathPassthrough)
		s.proxyRequest(source, msg)
		return
	}

	name := bindings[0].Name
	entry := s.findCacheFor(name)
	if entry == nil {
		s.metrics.RequestHandled(s.config.Name, kind, metrics.PathPassthrough)
		s.proxyRequest(source, msg)
		return
	}
	s.metrics.RequestHandled(s.config.Name, kind, metrics.PathCache)

	switch kind {
	case kindGet:
		entry.GetOne(name, func(res []types.VarBinding) {
			if len(res) == 0 {
				s.replyError(source, msg, types.NewSNMPError(types.ErrorStatusNoSuchName, 1))
				return
			}
			s.replyBindings(source, msg, res)
		})
	case kindGetNext:
		entry.GetNext(name, func(res []types.VarBinding) {
			s.replyWalk(source, msg, name, res)
		})
	case kindGetBulk:
		limit := int(msg.PDU().Items[2].Int)
		if limit <= 0 {
			limit = 1
		}
		// One extra so an exact match of the requested name can be skipped.
		entry.GetFrom(name, limit+1, func(res []types.VarBinding) {
			if len(res) > 0 && res[0].Name.Equal(name) {
				res = res[1:]
			}
			if len(res) > limit {
				res = res[:limit]
			}
			s.replyWalk(source, msg, name, res)
		})
	}
}

// findCacheFor returns the entry with the longest base containing oid.
func (s *Server) findCacheFor(oid types.OID) *cache.Entry {
	var best *cache.Entry
	for _, e := range s.caches {
		if e.Matches(oid) && (best == nil || e.Base().Len() > best.Base().Len()) {
			best = e
		}
	}
	return best
}

// proxyRequest forwards the PDU and answers with the upstream PDU under the original
// request id.
func (s *Server) proxyRequest(source netip.AddrPort, request types.Value) {
	err := s.upstream.DoRequest(request.PDU(), func(response types.Value, err error) {
		msg := request.Clone()
		if types.CopyMaintainingRequestID(&msg, response) {
			s.send(source, msg)
			return
		}
		var snmpErr *types.SNMPError
		if !errors.As(err, &snmpErr) {
			snmpErr = types.NewSNMPError(types.ErrorStatusGenErr, 0)
		}
		s.replyError(source, request, snmpErr)
	})
	if err != nil {
		s.logger.Warn("Failed to forward request", "source", source.String(), "error", err.Error())
		s.replyError(source, request, types.NewSNMPError(types.ErrorStatusGenErr, 0))
	}
}

func (s *Server) replyError(dest netip.AddrPort, request types.Value, err *types.SNMPError) {
	msg := request.Clone()
	types.SetPDUType(&msg, types.PDUGetResponse)
	types.SetError(&msg, err)
	s.send(dest, msg)
}

func (s *Server) replyBindings(dest netip.AddrPort, request types.Value, bindings []types.VarBinding) {
	msg := request.Clone()
	types.SetPDUType(&msg, types.PDUGetResponse)
	types.ResetErrorFields(&msg)
	types.SetVarBindings(&msg, bindings)
	s.send(dest, msg)
}

// replyWalk answers GetNext and GetBulk; an empty result is endOfMibView for name.
func (s *Server) replyWalk(dest netip.AddrPort, request types.Value, name types.OID, bindings []types.VarBinding) {
	if len(bindings) == 0 {
		msg := request.Clone()
		types.SetPDUType(&msg, types.PDUGetResponse)
		types.ResetErrorFields(&msg)
		types.SetEndOfMibView(&msg, name)
		s.send(dest, msg)
		return
	}
	s.replyBindings(dest, request, bindings)
}

func (s *Server) send(dest netip.AddrPort, msg types.Value) {
	socket, err := s.ensureSocket()
	if err != nil {
		s.logger.Error("No server socket, reply dropped", "destination", dest.String(), "error", err.Error())
		return
	}
	if err := socket.Send(dest, msg); err != nil {
		s.logger.Warn("Failed to send reply", "destination", dest.String(), "error", err.Error())
	}
}

func (s *Server) tick(kind string, bindings []types.VarBinding) {
	if s.stats == nil {
		return
	}
	for _, b := range bindings {
		s.stats.Tick(kind + " " + b.Name.String())
	}
}

// ensureSocket rebinds the server endpoint after a send failure invalidated it.
func (s *Server) ensureSocket() (*reactor.Socket, error) {
	if s.socket != nil && !s.socket.Closed() {
		return s.socket, nil
	}
	socket, err := s.reactor.EnsureServerSocket(s.config.Socket, s)
	if err != nil {
		return nil, fmt.Errorf("failed to bind server socket %s: %w", s.config.Socket, err)
	}
	s.socket = socket
	return socket, nil
}
