package monitor

import (
	"slices"
	"sync"
	"time"

	"github.com/glimte/mmate-worker/interceptors"
	"github.com/glimte/mmate-worker/messaging"
)

const maxSamples = 100

// SimpleMetricsCollector is an in-memory collector keyed by queue name. It
// records what the metrics interceptor sees and the outcome of every
// visibility renewal.
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	messageCounters map[string]int64
	errorCounters   map[string]map[string]int64
	processingTimes map[string]*timeStats
	renewals        map[string]*RenewalStats
}

type timeStats struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
	samples []int64 // last maxSamples values
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	return &SimpleMetricsCollector{
		messageCounters: make(map[string]int64),
		errorCounters:   make(map[string]map[string]int64),
		processingTimes: make(map[string]*timeStats),
		renewals:        make(map[string]*RenewalStats),
	}
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) IncrementMessageCount(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCounters[queue]++
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) RecordProcessingTime(queue string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := duration.Milliseconds()

	stats, ok := c.processingTimes[queue]
	if !ok {
		stats = &timeStats{minMs: ms, maxMs: ms, samples: make([]int64, 0, maxSamples)}
		c.processingTimes[queue] = stats
	}

	stats.count++
	stats.totalMs += ms
	stats.minMs = min(stats.minMs, ms)
	stats.maxMs = max(stats.maxMs, ms)

	if len(stats.samples) >= maxSamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, ms)
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) IncrementErrorCount(queue string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorCounters[queue] == nil {
		c.errorCounters[queue] = make(map[string]int64)
	}
	c.errorCounters[queue][errorType]++
}

// RecordRenewal implements messaging.RenewalObserver
func (c *SimpleMetricsCollector) RecordRenewal(queue string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.renewals[queue]
	if !ok {
		stats = &RenewalStats{}
		c.renewals[queue] = stats
	}

	if success {
		stats.Succeeded++
	} else {
		stats.Failed++
		stats.LastFailure = time.Now()
	}
}

// MetricsSummary is a snapshot of all metrics, keyed by queue name
type MetricsSummary struct {
	MessageCounts   map[string]int64            `json:"message_counts"`
	ErrorCounts     map[string]map[string]int64 `json:"error_counts"`
	ProcessingStats map[string]ProcessingStats  `json:"processing_stats"`
	Renewals        map[string]RenewalStats     `json:"renewals"`
}

// ProcessingStats represents processing time statistics for a queue
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// RenewalStats counts visibility renewal outcomes for a queue
type RenewalStats struct {
	Succeeded   int64     `json:"succeeded"`
	Failed      int64     `json:"failed"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// FailureRate is the share of failed renewals, 0 when none were attempted
func (s RenewalStats) FailureRate() float64 {
	total := s.Succeeded + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(total)
}

// GetMetricsSummary returns a copy of all collected metrics
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		MessageCounts:   make(map[string]int64, len(c.messageCounters)),
		ErrorCounts:     make(map[string]map[string]int64, len(c.errorCounters)),
		ProcessingStats: make(map[string]ProcessingStats, len(c.processingTimes)),
		Renewals:        make(map[string]RenewalStats, len(c.renewals)),
	}

	for queue, count := range c.messageCounters {
		summary.MessageCounts[queue] = count
	}

	for queue, errs := range c.errorCounters {
		summary.ErrorCounts[queue] = make(map[string]int64, len(errs))
		for errorType, count := range errs {
			summary.ErrorCounts[queue][errorType] = count
		}
	}

	for queue, stats := range c.processingTimes {
		ps := ProcessingStats{
			Count: stats.count,
			MinMs: stats.minMs,
			MaxMs: stats.maxMs,
		}
		if stats.count > 0 {
			ps.AvgMs = stats.totalMs / stats.count
		}
		if len(stats.samples) > 0 {
			sorted := slices.Clone(stats.samples)
			slices.Sort(sorted)
			ps.P50Ms = percentile(sorted, 0.50)
			ps.P95Ms = percentile(sorted, 0.95)
			ps.P99Ms = percentile(sorted, 0.99)
		}
		summary.ProcessingStats[queue] = ps
	}

	for queue, stats := range c.renewals {
		summary.Renewals[queue] = *stats
	}

	return summary
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messageCounters = make(map[string]int64)
	c.errorCounters = make(map[string]map[string]int64)
	c.processingTimes = make(map[string]*timeStats)
	c.renewals = make(map[string]*RenewalStats)
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[min(index, len(sorted)-1)]
}

var (
	_ interceptors.MetricsCollector = (*SimpleMetricsCollector)(nil)
	_ messaging.RenewalObserver     = (*SimpleMetricsCollector)(nil)
)
