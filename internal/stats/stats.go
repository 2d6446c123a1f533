// Package stats keeps the pooler's cumulative traffic counters. The proxy
// core bumps them on the hot path; the admin surface reads them as a
// point-in-time snapshot. Readers and writers never block each other.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter names reported by SHOW STATS, in report order.
var ReportedCounters = []string{
	"total_xact_count",
	"total_query_count",
	"total_received",
	"total_sent",
	"total_xact_time",
	"total_query_time",
	"total_wait_time",
	"avg_xact_count",
	"avg_query_count",
	"avg_recv",
	"avg_sent",
	"avg_xact_time",
	"avg_query_time",
	"avg_wait_time",
}

// Aggregator is a registry of named cumulative counters. Counters are
// created on first use; reading a name that was never written yields 0.
type Aggregator struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
}

func NewAggregator() *Aggregator {
	return &Aggregator{counters: make(map[string]*atomic.Int64)}
}

// Incr adds delta to the named counter, creating it at zero if needed.
func (a *Aggregator) Incr(name string, delta int64) {
	a.counter(name).Add(delta)
}

// Set overwrites the named counter, used for derived averages.
func (a *Aggregator) Set(name string, value int64) {
	a.counter(name).Store(value)
}

// Get returns the current value of the named counter, 0 when absent.
func (a *Aggregator) Get(name string) int64 {
	a.mu.RLock()
	c := a.counters[name]
	a.mu.RUnlock()
	if c == nil {
		return 0
	}
	return c.Load()
}

// Snapshot copies all counters into a fresh map. The copy is eventually
// consistent: counters bumped mid-copy may or may not be included, which is
// fine for an observational read.
func (a *Aggregator) Snapshot() map[string]int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]int64, len(a.counters))
	for name, c := range a.counters {
		out[name] = c.Load()
	}
	return out
}

// Each avg_* counter is the per-second rate of its total_* counterpart
// over the last averaging interval.
var averagedPairs = [][2]string{
	{"avg_xact_count", "total_xact_count"},
	{"avg_query_count", "total_query_count"},
	{"avg_recv", "total_received"},
	{"avg_sent", "total_sent"},
	{"avg_xact_time", "total_xact_time"},
	{"avg_query_time", "total_query_time"},
	{"avg_wait_time", "total_wait_time"},
}

// StartAveraging recomputes the avg_* counters every interval. The
// returned function stops the loop.
func (a *Aggregator) StartAveraging(interval time.Duration) func() {
	quit := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		seconds := int64(interval / time.Second)
		if seconds == 0 {
			seconds = 1
		}
		last := make(map[string]int64, len(averagedPairs))
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
			}
			for _, pair := range averagedPairs {
				total := a.Get(pair[1])
				a.Set(pair[0], (total-last[pair[1]])/seconds)
				last[pair[1]] = total
			}
		}
	}()
	return func() { close(quit) }
}

func (a *Aggregator) counter(name string) *atomic.Int64 {
	a.mu.RLock()
	c := a.counters[name]
	a.mu.RUnlock()
	if c != nil {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c = a.counters[name]; c == nil {
		c = &atomic.Int64{}
		a.counters[name] = c
	}
	return c
}
