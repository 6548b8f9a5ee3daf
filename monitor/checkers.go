package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/glimte/mmate-worker/messaging"
)

// InFlightSource lists the executions a coordinator has seen start and not
// yet finish. messaging.ChannelCoordinator implements it.
type InFlightSource interface {
	InFlight() []messaging.ExecutionUnit
}

// InFlightChecker reports executions running for longer than maxAge as
// degraded. A failed execution stays listed until its slot starts the next
// one, so maxAge should be well above the longest expected run.
type InFlightChecker struct {
	source InFlightSource
	maxAge time.Duration
}

// NewInFlightChecker creates a checker over source
func NewInFlightChecker(source InFlightSource, maxAge time.Duration) *InFlightChecker {
	return &InFlightChecker{source: source, maxAge: maxAge}
}

func (c *InFlightChecker) Name() string {
	return "in_flight"
}

func (c *InFlightChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	units := c.source.InFlight()

	var stale []string
	for _, unit := range units {
		if c.maxAge > 0 && start.Sub(unit.StartedAt) > c.maxAge {
			stale = append(stale, fmt.Sprintf("%s/%s", unit.Queue.Name, unit.SlotID))
		}
	}

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details: map[string]any{
			"in_flight": len(units),
			"max_age":   c.maxAge.String(),
		},
	}

	if len(stale) > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d execution(s) running longer than %s", len(stale), c.maxAge)
		result.Details["stale"] = stale
	}

	result.Duration = time.Since(start)
	return result
}

// RenewalChecker watches visibility renewal outcomes. A queue whose failure
// rate reaches the threshold makes the worker unhealthy, since its messages
// are likely being redelivered while still in progress.
type RenewalChecker struct {
	collector *SimpleMetricsCollector
	threshold float64
	minSample int64
}

// NewRenewalChecker creates a checker failing at threshold (0 to 1). Queues
// with fewer than minSample renewals are ignored.
func NewRenewalChecker(collector *SimpleMetricsCollector, threshold float64, minSample int64) *RenewalChecker {
	return &RenewalChecker{collector: collector, threshold: threshold, minSample: minSample}
}

func (c *RenewalChecker) Name() string {
	return "visibility_renewal"
}

func (c *RenewalChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	summary := c.collector.GetMetricsSummary()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var failing []string
	for queue, stats := range summary.Renewals {
		rate := stats.FailureRate()
		result.Details[queue] = rate

		if stats.Succeeded+stats.Failed >= c.minSample && rate >= c.threshold {
			failing = append(failing, queue)
		}
	}

	if len(failing) > 0 {
		sort.Strings(failing)
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("visibility renewals failing on %v", failing)
	}

	result.Duration = time.Since(start)
	return result
}
