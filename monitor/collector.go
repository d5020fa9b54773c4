package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/messaging"
)

// maxLatencySamples bounds the per-type sample window used for percentiles.
const maxLatencySamples = 100

// Collector is an in-memory messaging.EventSink that counts router events
// and keeps delivery latency statistics per destination type.
type Collector struct {
	mu sync.RWMutex

	started time.Time

	// event counters by kind
	events map[messaging.EventKind]int64

	// event counters by destination type, then kind
	byDestination map[string]map[messaging.EventKind]int64

	// failure counters by error kind
	errors map[messaging.ErrorKind]int64

	// delivery latency by destination type
	latency map[string]*TimeStats
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	c := &Collector{}
	c.reset()
	return c
}

func (c *Collector) reset() {
	c.started = time.Now()
	c.events = make(map[messaging.EventKind]int64)
	c.byDestination = make(map[string]map[messaging.EventKind]int64)
	c.errors = make(map[messaging.ErrorKind]int64)
	c.latency = make(map[string]*TimeStats)
}

// Report implements messaging.EventSink
func (c *Collector) Report(ev messaging.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events[ev.Kind]++
	if ev.ErrorKind != messaging.KindNone {
		c.errors[ev.ErrorKind]++
	}
	if ev.Destination == nil {
		return
	}

	destType := string(ev.Destination.Type)
	counts := c.byDestination[destType]
	if counts == nil {
		counts = make(map[messaging.EventKind]int64)
		c.byDestination[destType] = counts
	}
	counts[ev.Kind]++

	if ev.Kind == messaging.EventDelivered {
		c.recordLatency(destType, ev.Latency)
	}
}

func (c *Collector) recordLatency(destType string, d time.Duration) {
	ms := d.Milliseconds()

	stats, exists := c.latency[destType]
	if !exists {
		stats = &TimeStats{
			MinMs:   ms,
			MaxMs:   ms,
			samples: make([]int64, 0, maxLatencySamples),
		}
		c.latency[destType] = stats
	}

	stats.Count++
	stats.TotalMs += ms
	if ms < stats.MinMs {
		stats.MinMs = ms
	}
	if ms > stats.MaxMs {
		stats.MaxMs = ms
	}

	if len(stats.samples) >= maxLatencySamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, ms)
}

// Snapshot returns a copy of everything collected so far.
func (c *Collector) Snapshot() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		Since:         c.started,
		Uptime:        time.Since(c.started).Round(time.Second).String(),
		EventCounts:   make(map[messaging.EventKind]int64, len(c.events)),
		ByDestination: make(map[string]map[messaging.EventKind]int64, len(c.byDestination)),
		ErrorCounts:   make(map[messaging.ErrorKind]int64, len(c.errors)),
		Latency:       make(map[string]ProcessingStats, len(c.latency)),
	}

	for kind, n := range c.events {
		summary.EventCounts[kind] = n
	}
	for destType, counts := range c.byDestination {
		cp := make(map[messaging.EventKind]int64, len(counts))
		for kind, n := range counts {
			cp[kind] = n
		}
		summary.ByDestination[destType] = cp
	}
	for kind, n := range c.errors {
		summary.ErrorCounts[kind] = n
	}

	for destType, stats := range c.latency {
		ps := ProcessingStats{
			Count: stats.Count,
			MinMs: stats.MinMs,
			MaxMs: stats.MaxMs,
		}
		if stats.Count > 0 {
			ps.AvgMs = stats.TotalMs / stats.Count
		}
		if len(stats.samples) > 0 {
			sorted := append([]int64(nil), stats.samples...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			ps.P50Ms = percentile(sorted, 0.50)
			ps.P95Ms = percentile(sorted, 0.95)
			ps.P99Ms = percentile(sorted, 0.99)
		}
		summary.Latency[destType] = ps
	}

	summary.Delivered = c.events[messaging.EventDelivered]
	summary.Dropped = c.events[messaging.EventDropped] + c.events[messaging.EventDestinationFailed]
	if attempts := summary.Delivered + c.events[messaging.EventDestinationFailed] + c.events[messaging.EventRetryScheduled]; attempts > 0 {
		summary.SuccessRate = float64(summary.Delivered) / float64(attempts)
	}
	return summary
}

// Reset clears all collected metrics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// percentile reads the given percentile from an ascending slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// MetricsSummary represents a snapshot of all metrics
type MetricsSummary struct {
	Since         time.Time                                `json:"since"`
	Uptime        string                                   `json:"uptime"`
	EventCounts   map[messaging.EventKind]int64            `json:"eventCounts"`
	ByDestination map[string]map[messaging.EventKind]int64 `json:"byDestination"`
	ErrorCounts   map[messaging.ErrorKind]int64            `json:"errorCounts"`
	Latency       map[string]ProcessingStats               `json:"latency"`
	Delivered     int64                                    `json:"delivered"`
	Dropped       int64                                    `json:"dropped"`
	SuccessRate   float64                                  `json:"successRate"`
}

// ProcessingStats represents delivery time statistics for a destination type
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avgMs"`
	MinMs int64 `json:"minMs"`
	MaxMs int64 `json:"maxMs"`
	P50Ms int64 `json:"p50Ms"`
	P95Ms int64 `json:"p95Ms"`
	P99Ms int64 `json:"p99Ms"`
}

var _ messaging.EventSink = (*Collector)(nil)
