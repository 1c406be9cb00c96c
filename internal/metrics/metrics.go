// Package metrics collects per-workspace request counters for the engine
// subsystem. The collector is a process-wide in-memory store surfaced through
// the pyforge://metrics resource; exporters hang off the telemetry adapter
// instead.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

type opKey struct {
	workspace string
	op        string
}

type opStats struct {
	count    int64
	errors   int64
	totalDur time.Duration
}

// Collector accumulates request statistics keyed by workspace and operation.
// Safe for concurrent use.
type Collector struct {
	mu    sync.Mutex
	ops   map[opKey]*opStats
	start time.Time
	now   func() time.Time // for testing
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		ops:   make(map[opKey]*opStats),
		start: time.Now(),
		now:   time.Now,
	}
}

// Record adds one completed operation. failed marks engine or transport
// errors; validation rejections are not recorded at all, since they never
// reached an engine.
func (c *Collector) Record(workspace, op string, dur time.Duration, failed bool) {
	key := opKey{workspace: workspace, op: op}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.ops[key]
	if !ok {
		s = &opStats{}
		c.ops[key] = s
	}
	s.count++
	if failed {
		s.errors++
	}
	s.totalDur += dur
}

// OpSnapshot is the aggregated view of one workspace/operation pair.
type OpSnapshot struct {
	Workspace string  `json:"workspace"`
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	TotalMS   float64 `json:"total_ms"`
	AvgMS     float64 `json:"avg_ms"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds float64      `json:"uptime_seconds"`
	Operations    []OpSnapshot `json:"operations"`
}

// Snapshot returns a copy of the collected data, sorted by workspace then
// operation for stable output.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds: math.Round(c.now().Sub(c.start).Seconds()*10) / 10,
		Operations:    make([]OpSnapshot, 0, len(c.ops)),
	}
	for key, s := range c.ops {
		totalMS := float64(s.totalDur) / float64(time.Millisecond)
		op := OpSnapshot{
			Workspace: key.workspace,
			Operation: key.op,
			Count:     s.count,
			Errors:    s.errors,
			TotalMS:   math.Round(totalMS*100) / 100,
		}
		if s.count > 0 {
			op.AvgMS = math.Round(totalMS/float64(s.count)*100) / 100
		}
		snap.Operations = append(snap.Operations, op)
	}

	sort.Slice(snap.Operations, func(i, j int) bool {
		a, b := snap.Operations[i], snap.Operations[j]
		if a.Workspace != b.Workspace {
			return a.Workspace < b.Workspace
		}
		return a.Operation < b.Operation
	})
	return snap
}

// Reset clears all counters and restarts the uptime clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = make(map[opKey]*opStats)
	c.start = c.now()
}
