// Package client correlates outbound SNMP requests with upstream responses.
package client

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/snmproxy/internal/metrics"
	"github.com/geekxflood/snmproxy/internal/reactor"
	"github.com/geekxflood/snmproxy/internal/types"
)

// ResponseFunc receives the upstream response message of a raw request. On timeout
// response is NULL.
type ResponseFunc func(response types.Value, err error)

// WalkFunc receives the bindings gathered by a GetBulk walk.
type WalkFunc func(bindings []types.VarBinding, err error)

// ClientConfig holds settings shared by every outbound client.
type ClientConfig struct {
	Timeout        time.Duration `json:"timeout"`
	MaxRepetitions int           `json:"max_repetitions"`
}

// DefaultClientConfig returns a default client configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:        10 * time.Second,
		MaxRepetitions: 10,
	}
}

// LoadClientConfig reads the client section.
func LoadClientConfig(cfg config.Provider) (*ClientConfig, error) {
	clientConfig := DefaultClientConfig()
	if cfg == nil {
		return clientConfig, nil
	}

	if timeout, err := cfg.GetDuration("client.timeout", clientConfig.Timeout); err == nil {
		clientConfig.Timeout = timeout
	}
	if maxRep, err := cfg.GetInt("client.max_repetitions", clientConfig.MaxRepetitions); err == nil {
		clientConfig.MaxRepetitions = maxRep
	}

	if clientConfig.Timeout <= 0 {
		return nil, fmt.Errorf("client.timeout must be positive, got %v", clientConfig.Timeout)
	}
	if clientConfig.MaxRepetitions <= 0 || clientConfig.MaxRepetitions > 127 {
		return nil, fmt.Errorf("client.max_repetitions must be in 1..127, got %d", clientConfig.MaxRepetitions)
	}
	return clientConfig, nil
}

// Key identifies an upstream: clients with the same key are shared.
type Key struct {
	Source    netip.AddrPort
	Target    netip.AddrPort
	Community string
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s", k.Source, k.Target)
}

// ClientStats tracks outbound traffic of one client.
type ClientStats struct {
	RequestsSent   uint64 `json:"requests_sent"`
	Responses      uint64 `json:"responses"`
	Timeouts       uint64 `json:"timeouts"`
	SendErrors     uint64 `json:"send_errors"`
	WalksCompleted uint64 `json:"walks_completed"`
}

type request struct {
	id           int32
	lastActivity time.Time
	onResponse   ResponseFunc
	walk         *Walk
	onWalk       WalkFunc
}

// Client sends requests to one upstream agent and matches responses by request id.
// It must only be used from the reactor goroutine.
type Client struct {
	key      Key
	config   *ClientConfig
	reactor  *reactor.Reactor
	socket   *reactor.Socket
	sequence *Sequence
	requests map[int32]*request
	stats    ClientStats
	now      types.Clock
	logger   logging.Logger
	metrics  metrics.Recorder
}

// New creates a client and binds its source socket.
func New(r *reactor.Reactor, key Key, cfg *ClientConfig, seq *Sequence, clock types.Clock, logger logging.Logger, rec metrics.Recorder) (*Client, error) {
	if r == nil {
		return nil, fmt.Errorf("reactor cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if seq == nil {
		seq = NewSequence()
	}
	if clock == nil {
		clock = types.SystemClock
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	c := &Client{
		key:      key,
		config:   cfg,
		reactor:  r,
		sequence: seq,
		requests: make(map[int32]*request),
		now:      clock,
		logger:   logger.With("component", "client", "target", key.Target.String()),
		metrics:  rec,
	}
	if _, err := c.ensureSocket(); err != nil {
		return nil, err
	}
	return c, nil
}

// Key returns the upstream identity of the client.
func (c *Client) Key() Key {
	return c.key
}

// Pending returns the number of outstanding requests.
func (c *Client) Pending() int {
	return len(c.requests)
}

// Stats returns a copy of the client counters.
func (c *Client) Stats() ClientStats {
	return c.stats
}

// DoRequest sends pdu under a fresh request id. cb runs once, with the response or a
// timeout. The caller's pdu is not modified. When the send cannot be queued cb never runs.
func (c *Client) DoRequest(pdu types.Value, cb ResponseFunc) error {
	if !pdu.IsPDU() || len(pdu.Items) != 4 {
		return fmt.Errorf("cannot send %s: not a request PDU", pdu.Type)
	}

	id := c.sequence.Next()
	out := pdu.Clone()
	out.Items[0] = types.NewInteger(id)

	if err := c.send(out); err != nil {
		return err
	}
	c.requests[id] = &request{id: id, lastActivity: c.now(), onResponse: cb}
	c.metrics.PendingRequests(c.key.Target.String(), len(c.requests))
	return nil
}

// DoGetBulk walks the subtree under base with chained GetBulk requests. cb runs once
// with every binding under base, in the order the agent returned them.
func (c *Client) DoGetBulk(base types.OID, cb WalkFunc) error {
	if base.Empty() {
		return fmt.Errorf("cannot walk an empty OID")
	}

	id := c.sequence.Next()
	if err := c.send(c.bulkRequest(id, base)); err != nil {
		return err
	}
	c.requests[id] = &request{id: id, lastActivity: c.now(), walk: NewWalk(base), onWalk: cb}
	c.metrics.PendingRequests(c.key.Target.String(), len(c.requests))
	c.logger.Debug("Walk started", "base", base.String(), "request_id", id)
	return nil
}

// HandleMessage claims responses whose request id is outstanding on this client.
func (c *Client) HandleMessage(source netip.AddrPort, msg types.Value) bool {
	pdu := msg.PDU()
	if pdu.Type != types.PDUGetResponse {
		return false
	}
	id, ok := pdu.RequestID()
	if !ok {
		return false
	}
	req, ok := c.requests[id]
	if !ok {
		return false
	}

	c.stats.Responses++
	req.lastActivity = c.now()

	if req.walk == nil {
		delete(c.requests, id)
		c.metrics.PendingRequests(c.key.Target.String(), len(c.requests))
		if req.onResponse != nil {
			if err := types.ErrorFromPDU(pdu); err != nil {
				req.onResponse(msg, err)
			} else {
				req.onResponse(msg, nil)
			}
		}
		return true
	}

	next, more := req.walk.Feed(pdu)
	if more {
		newID := c.sequence.Next()
		if err := c.send(c.bulkRequest(newID, next)); err != nil {
			c.logger.Warn("Walk continuation failed", "base", req.walk.Base.String(), "error", err.Error())
			req.walk.Fail(types.NewSNMPError(types.ErrorStatusGenErr, 0))
		} else {
			delete(c.requests, id)
			req.id = newID
			c.requests[newID] = req
			return true
		}
	}

	delete(c.requests, id)
	c.metrics.PendingRequests(c.key.Target.String(), len(c.requests))
	c.finishWalk(req)
	return true
}

// Poll force-completes requests idle for longer than the timeout with AppTimeout.
func (c *Client) Poll() {
	now := c.now()
	var expired []int32
	for id, req := range c.requests {
		if now.Sub(req.lastActivity) > c.config.Timeout {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	for _, id := range expired {
		req := c.requests[id]
		delete(c.requests, id)
		c.stats.Timeouts++
		c.metrics.UpstreamTimeout(c.key.Target.String())

		timeout := types.NewSNMPError(types.ErrorStatusAppTimeout, 0)
		if req.walk != nil {
			c.logger.Warn("Walk timed out", "base", req.walk.Base.String(), "collected", len(req.walk.Values))
			req.walk.Fail(timeout)
			c.finishWalk(req)
			continue
		}
		c.logger.Warn("Request timed out", "request_id", id)
		if req.onResponse != nil {
			req.onResponse(types.NewNull(), timeout)
		}
	}
	c.metrics.PendingRequests(c.key.Target.String(), len(c.requests))
}

func (c *Client) finishWalk(req *request) {
	c.stats.WalksCompleted++
	values, err := req.walk.Result()
	if req.onWalk != nil {
		req.onWalk(values, err)
	}
}

// bulkRequest builds a GetBulk message for one name with a NULL value.
func (c *Client) bulkRequest(id int32, from types.OID) types.Value {
	pdu := types.NewRequestPDU(types.PDUGetBulkRequest, id, 0, int32(c.config.MaxRepetitions), []types.VarBinding{
		{Name: from, Value: types.NewNull()},
	})
	return types.NewMessage(types.VersionSNMPv2c, c.key.Community, pdu)
}

func (c *Client) send(pdu types.Value) error {
	msg := pdu
	if pdu.IsPDU() {
		msg = types.NewMessage(types.VersionSNMPv2c, c.key.Community, pdu)
	}

	socket, err := c.ensureSocket()
	if err != nil {
		c.stats.SendErrors++
		return err
	}
	if err := socket.Send(c.key.Target, msg); err != nil {
		c.stats.SendErrors++
		return fmt.Errorf("failed to send request to %s: %w", c.key.Target, err)
	}
	c.stats.RequestsSent++
	c.metrics.UpstreamRequest(c.key.Target.String())
	return nil
}

// ensureSocket rebinds the source endpoint after a send failure invalidated it.
func (c *Client) ensureSocket() (*reactor.Socket, error) {
	if c.socket != nil && !c.socket.Closed() {
		return c.socket, nil
	}
	socket, err := c.reactor.EnsureClientSocket(c.key.Source, c)
	if err != nil {
		return nil, fmt.Errorf("failed to bind client socket %s: %w", c.key.Source, err)
	}
	c.socket = socket
	return socket, nil
}
