package proxy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/geekxflood/snmproxy/internal/types"
)

// statWindow is the number of recent request times used for the rate.
const statWindow = 100

// statEntry counts requests for one name and remembers the last statWindow request times.
type statEntry struct {
	name  string
	num   uint64
	times [statWindow]time.Time
	size  int
	next  int
}

func (e *statEntry) tick(now time.Time) {
	e.num++
	e.times[e.next] = now
	e.next = (e.next + 1) % statWindow
	if e.size < statWindow {
		e.size++
	}
}

// perSecond is the number of remembered requests divided by the span they cover.
func (e *statEntry) perSecond() float64 {
	if e.size == 0 {
		return 0
	}
	minTime, maxTime := e.times[0], e.times[0]
	for _, t := range e.times[:e.size] {
		if t.Before(minTime) {
			minTime = t
		}
		if t.After(maxTime) {
			maxTime = t
		}
	}
	span := maxTime.Sub(minTime).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(e.size) / span
}

// Stats holds the traffic counters of one proxy.
type Stats struct {
	entries map[string]*statEntry
	now     types.Clock
}

// NewStats creates an empty counter table.
func NewStats(clock types.Clock) *Stats {
	if clock == nil {
		clock = types.SystemClock
	}
	return &Stats{entries: make(map[string]*statEntry), now: clock}
}

// Tick counts one request under key.
func (s *Stats) Tick(key string) {
	e, ok := s.entries[key]
	if !ok {
		e = &statEntry{name: key}
		s.entries[key] = e
	}
	e.tick(s.now())
}

// Len returns the number of distinct counters.
func (s *Stats) Len() int {
	return len(s.entries)
}

// Snapshot returns every counter sorted by name.
func (s *Stats) Snapshot() []types.TrafficStat {
	res := make([]types.TrafficStat, 0, len(s.entries))
	for _, e := range s.entries {
		res = append(res, types.TrafficStat{Name: e.name, Count: e.num, PerSecond: e.perSecond()})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// WriteTo writes one line per counter.
func (s *Stats) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	for _, st := range s.Snapshot() {
		n, err := fmt.Fprintf(bw, "%s  num=%d  perSec=%.2f\n", st.Name, st.Count, st.PerSecond)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// WriteFile replaces path with the current dump.
func (s *Stats) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create stats file: %w", err)
	}
	if _, err := s.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write stats file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write stats file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace stats file: %w", err)
	}
	return nil
}
