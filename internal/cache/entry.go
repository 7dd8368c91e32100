// Package cache holds lazily refreshed snapshots of OID subtrees.
package cache

import (
	"fmt"
	"sort"
	"time"

	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/snmproxy/internal/client"
	"github.com/geekxflood/snmproxy/internal/metrics"
	"github.com/geekxflood/snmproxy/internal/types"
)

// MinUpdateInterval is the shortest accepted refresh period.
const MinUpdateInterval = 30 * time.Second

// Fetcher walks a subtree. *client.Client implements it.
type Fetcher interface {
	DoGetBulk(base types.OID, cb client.WalkFunc) error
}

// Callback receives the bindings selected from a snapshot.
type Callback func(bindings []types.VarBinding)

// Entry caches the subtree under one base OID. Lookups made before the first refresh
// completes, or while a refresh is running, are queued and answered in arrival order
// once it resolves. Not safe for concurrent use.
type Entry struct {
	base       types.OID
	interval   time.Duration
	nextUpdate time.Time
	values     []types.VarBinding
	ready      bool
	updating   bool
	started    time.Time
	waiting    []func()
	fetcher    Fetcher
	now        types.Clock
	logger     logging.Logger
	metrics    metrics.Recorder
}

// New creates an empty entry for base.
func New(base types.OID, interval time.Duration, fetcher Fetcher, clock types.Clock, logger logging.Logger, rec metrics.Recorder) (*Entry, error) {
	if base.Empty() {
		return nil, fmt.Errorf("cache base OID cannot be empty")
	}
	if interval < MinUpdateInterval {
		return nil, fmt.Errorf("update interval for %s must be at least %v, got %v", base, MinUpdateInterval, interval)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
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

	return &Entry{
		base:     base,
		interval: interval,
		fetcher:  fetcher,
		now:      clock,
		logger:   logger.With("component", "cache", "base", base.String()),
		metrics:  rec,
	}, nil
}

// Base returns the subtree root.
func (e *Entry) Base() types.OID {
	return e.base
}

// Matches reports whether oid lies in the cached subtree.
func (e *Entry) Matches(oid types.OID) bool {
	return oid.StartsWith(e.base)
}

// Ready reports whether a snapshot is available and no refresh is running.
func (e *Entry) Ready() bool {
	return e.ready && !e.updating
}

// Updating reports whether a refresh is in flight.
func (e *Entry) Updating() bool {
	return e.updating
}

// Len returns the snapshot size.
func (e *Entry) Len() int {
	return len(e.values)
}

// queued returns the number of queued lookups.
func (e *Entry) queued() int {
	return len(e.waiting)
}

// GetAll returns the whole snapshot.
func (e *Entry) GetAll(cb Callback) {
	if !e.gate(func() { e.GetAll(cb) }) {
		return
	}
	cb(clone(e.values))
}

// GetOne returns the binding named oid, if cached.
func (e *Entry) GetOne(oid types.OID, cb Callback) {
	if !e.gate(func() { e.GetOne(oid, cb) }) {
		return
	}
	var res []types.VarBinding
	for _, v := range e.values {
		if v.Name.Equal(oid) {
			res = append(res, v)
		}
	}
	cb(res)
}

// GetFrom returns up to limit bindings whose name is at or after start.
func (e *Entry) GetFrom(start types.OID, limit int, cb Callback) {
	if !e.gate(func() { e.GetFrom(start, limit, cb) }) {
		return
	}
	var res []types.VarBinding
	if limit > 0 {
		i := sort.Search(len(e.values), func(i int) bool { return e.values[i].Name.Compare(start) >= 0 })
		for ; i < len(e.values) && len(res) < limit; i++ {
			res = append(res, e.values[i])
		}
	}
	cb(res)
}

// GetNext returns the first binding strictly after oid.
func (e *Entry) GetNext(oid types.OID, cb Callback) {
	if !e.gate(func() { e.GetNext(oid, cb) }) {
		return
	}
	var res []types.VarBinding
	i := sort.Search(len(e.values), func(i int) bool { return e.values[i].Name.Greater(oid) })
	if i < len(e.values) {
		res = append(res, e.values[i])
	}
	cb(res)
}

// Poll starts a refresh when the schedule is due and re-arms it one interval later,
// whatever the outcome of the refresh.
func (e *Entry) Poll() {
	now := e.now()
	if now.Before(e.nextUpdate) {
		return
	}
	e.nextUpdate = now.Add(e.interval)
	e.Update()
}

// Update starts a refresh unless one is already running.
func (e *Entry) Update() {
	if e.updating {
		return
	}

	e.logger.Info("Starting cache update")
	e.updating = true
	e.started = e.now()

	if err := e.fetcher.DoGetBulk(e.base, e.onResult); err != nil {
		// Queued lookups stay until a later refresh gets through.
		e.updating = false
		e.metrics.CacheRefresh(e.base.String(), 0, 0, err)
		e.logger.Error("Failed to start cache update", "error", err.Error(), "waiting", len(e.waiting))
	}
}

func (e *Entry) onResult(bindings []types.VarBinding, err error) {
	e.updating = false
	duration := e.now().Sub(e.started)

	if err != nil {
		e.metrics.CacheRefresh(e.base.String(), duration, len(e.values), err)
		e.logger.Warn("Cache update failed, values not changed", "error", err.Error(), "stale_entries", len(e.values))
	} else {
		e.values = normalize(bindings)
		e.ready = true
		e.metrics.CacheRefresh(e.base.String(), duration, len(e.values), nil)
		e.logger.Info("Cache updated", "entries", len(e.values), "duration", duration.String())
	}

	waiting := e.waiting
	e.waiting = nil
	for _, fn := range waiting {
		fn()
	}
}

// gate reports whether the snapshot can be read now. Otherwise it queues retry and makes
// sure a refresh is running.
func (e *Entry) gate(retry func()) bool {
	if e.Ready() {
		return true
	}
	e.waiting = append(e.waiting, retry)
	e.Update()
	return false
}

// normalize sorts bindings by name and keeps the first of any duplicates.
func normalize(bindings []types.VarBinding) []types.VarBinding {
	res := clone(bindings)
	sort.SliceStable(res, func(i, j int) bool { return res[i].Name.Less(res[j].Name) })

	out := res[:0]
	for i, b := range res {
		if i > 0 && b.Name.Equal(out[len(out)-1].Name) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func clone(bindings []types.VarBinding) []types.VarBinding {
	if len(bindings) == 0 {
		return nil
	}
	res := make([]types.VarBinding, len(bindings))
	copy(res, bindings)
	return res
}
