package app

import (
	"fmt"
	"time"

	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/snmproxy/internal/proxy"
	"github.com/geekxflood/snmproxy/internal/retry"
	"github.com/geekxflood/snmproxy/internal/types"
)

// guardedSink skips statistics writes while the database keeps failing, so a broken
// store costs one log line per open period instead of one per interval.
type guardedSink struct {
	sink    proxy.StatsSink
	breaker *retry.CircuitBreaker
	logger  logging.Logger
}

func newGuardedSink(sink proxy.StatsSink, cfg retry.CircuitBreakerConfig, clock types.Clock, logger logging.Logger) *guardedSink {
	return &guardedSink{
		sink:    sink,
		breaker: retry.NewCircuitBreaker(cfg, clock),
		logger:  logger,
	}
}

func (g *guardedSink) SaveTrafficStats(proxyName string, at time.Time, stats []types.TrafficStat) error {
	if !g.breaker.Allow() {
		return nil
	}
	if err := g.sink.SaveTrafficStats(proxyName, at, stats); err != nil {
		g.breaker.RecordFailure()
		if g.breaker.State() == retry.CircuitOpen {
			g.logger.Warn("Statistics database disabled after repeated failures",
				"proxy", proxyName, "trips", g.breaker.Trips())
		}
		return fmt.Errorf("statistics sink: %w", err)
	}
	g.breaker.RecordSuccess()
	return nil
}
