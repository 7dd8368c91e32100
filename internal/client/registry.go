package client

import (
	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/snmproxy/internal/metrics"
	"github.com/geekxflood/snmproxy/internal/reactor"
	"github.com/geekxflood/snmproxy/internal/types"
)

// Registry deduplicates clients by source, target and community and sweeps their
// timeouts once per tick.
type Registry struct {
	reactor  *reactor.Reactor
	config   *ClientConfig
	sequence *Sequence
	clock    types.Clock
	logger   logging.Logger
	metrics  metrics.Recorder
	clients  map[Key]*Client
	order    []*Client
}

// NewRegistry creates an empty registry whose clients share one request id sequence.
func NewRegistry(r *reactor.Reactor, cfg *ClientConfig, clock types.Clock, logger logging.Logger, rec metrics.Recorder) *Registry {
	return &Registry{
		reactor:  r,
		config:   cfg,
		sequence: NewSequence(),
		clock:    clock,
		logger:   logger,
		metrics:  rec,
		clients:  make(map[Key]*Client),
	}
}

// Ensure returns the client for key, creating it on first use.
func (g *Registry) Ensure(key Key) (*Client, error) {
	if c, ok := g.clients[key]; ok {
		return c, nil
	}
	c, err := New(g.reactor, key, g.config, g.sequence, g.clock, g.logger, g.metrics)
	if err != nil {
		return nil, err
	}
	g.clients[key] = c
	g.order = append(g.order, c)
	return c, nil
}

// Len returns the number of distinct clients.
func (g *Registry) Len() int {
	return len(g.order)
}

// Pending returns the number of outstanding requests across all clients.
func (g *Registry) Pending() int {
	n := 0
	for _, c := range g.order {
		n += c.Pending()
	}
	return n
}

// Poll sweeps timeouts on every client.
func (g *Registry) Poll() {
	for _, c := range g.order {
		c.Poll()
	}
}
