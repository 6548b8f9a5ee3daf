package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/glimte/mmate-worker/interceptors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleMetricsCollector(t *testing.T) {
	t.Run("starts empty", func(t *testing.T) {
		summary := NewSimpleMetricsCollector().GetMetricsSummary()

		assert.Empty(t, summary.MessageCounts)
		assert.Empty(t, summary.ErrorCounts)
		assert.Empty(t, summary.ProcessingStats)
		assert.Empty(t, summary.Renewals)
	})

	t.Run("counts messages and errors per queue", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()

		collector.IncrementMessageCount("images")
		collector.IncrementMessageCount("images")
		collector.IncrementMessageCount("emails")
		collector.IncrementErrorCount("images", "processing_error")
		collector.IncrementErrorCount("images", "decode_error")
		collector.IncrementErrorCount("images", "processing_error")

		summary := collector.GetMetricsSummary()
		assert.Equal(t, int64(2), summary.MessageCounts["images"])
		assert.Equal(t, int64(1), summary.MessageCounts["emails"])
		assert.Equal(t, int64(2), summary.ErrorCounts["images"]["processing_error"])
		assert.Equal(t, int64(1), summary.ErrorCounts["images"]["decode_error"])
	})

	t.Run("processing time statistics", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()

		for i := 10; i >= 1; i-- {
			collector.RecordProcessingTime("images", time.Duration(i*10)*time.Millisecond)
		}

		stats := collector.GetMetricsSummary().ProcessingStats["images"]
		assert.Equal(t, int64(10), stats.Count)
		assert.Equal(t, int64(55), stats.AvgMs)
		assert.Equal(t, int64(10), stats.MinMs)
		assert.Equal(t, int64(100), stats.MaxMs)
		assert.Equal(t, int64(50), stats.P50Ms)
		assert.Equal(t, int64(90), stats.P95Ms)
		assert.Equal(t, int64(90), stats.P99Ms)
	})

	t.Run("keeps a bounded sample window", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()

		for i := range 150 {
			collector.RecordProcessingTime("images", time.Duration(i)*time.Millisecond)
		}

		collector.mu.RLock()
		assert.Len(t, collector.processingTimes["images"].samples, maxSamples)
		collector.mu.RUnlock()
		assert.Equal(t, int64(150), collector.GetMetricsSummary().ProcessingStats["images"].Count)
	})

	t.Run("renewal outcomes", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()

		collector.RecordRenewal("images", true)
		collector.RecordRenewal("images", true)
		collector.RecordRenewal("images", true)
		collector.RecordRenewal("images", false)

		stats := collector.GetMetricsSummary().Renewals["images"]
		assert.Equal(t, int64(3), stats.Succeeded)
		assert.Equal(t, int64(1), stats.Failed)
		assert.InDelta(t, 0.25, stats.FailureRate(), 0.0001)
		assert.False(t, stats.LastFailure.IsZero())
		assert.Zero(t, RenewalStats{}.FailureRate())
	})

	t.Run("reset", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()
		collector.IncrementMessageCount("images")
		collector.RecordProcessingTime("images", time.Millisecond)
		collector.IncrementErrorCount("images", "processing_error")
		collector.RecordRenewal("images", false)

		collector.Reset()

		summary := collector.GetMetricsSummary()
		assert.Empty(t, summary.MessageCounts)
		assert.Empty(t, summary.ProcessingStats)
		assert.Empty(t, summary.ErrorCounts)
		assert.Empty(t, summary.Renewals)
	})

	t.Run("concurrent access", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()

		var wg sync.WaitGroup
		for range 4 {
			wg.Go(func() {
				for i := range 100 {
					collector.IncrementMessageCount("images")
					collector.RecordProcessingTime("images", time.Duration(i)*time.Millisecond)
					collector.IncrementErrorCount("images", "processing_error")
					collector.RecordRenewal("images", i%2 == 0)
				}
			})
		}
		wg.Wait()

		summary := collector.GetMetricsSummary()
		assert.Equal(t, int64(400), summary.MessageCounts["images"])
		assert.Equal(t, int64(400), summary.ProcessingStats["images"].Count)
		assert.Equal(t, int64(400), summary.ErrorCounts["images"]["processing_error"])
		assert.Equal(t, int64(200), summary.Renewals["images"].Failed)
	})
}

func TestSimpleMetricsCollector_WithMetricsInterceptor(t *testing.T) {
	collector := NewSimpleMetricsCollector()
	chain := interceptors.NewInterceptorChain(nil).Add(interceptors.NewMetricsInterceptor(collector))
	queue := contracts.NewQueueRef("images")

	ok := interceptors.WorkerFunc(func(ctx context.Context, d *contracts.Delivery, p contracts.Payload) error {
		return nil
	})
	failing := interceptors.WorkerFunc(func(ctx context.Context, d *contracts.Delivery, p contracts.Payload) error {
		return errors.New("boom")
	})

	delivery := contracts.NewDelivery(contracts.NewBaseMessage("m-1", []byte("a.png")))
	payload := contracts.NewPayload([]any{"a.png"}, nil, false)

	require.NoError(t, chain.Execute(context.Background(), ok, queue, delivery, payload))
	require.Error(t, chain.Execute(context.Background(), failing, queue, delivery, payload))

	summary := collector.GetMetricsSummary()
	assert.Equal(t, int64(2), summary.MessageCounts["images"])
	assert.Equal(t, int64(1), summary.ErrorCounts["images"]["processing_error"])
	assert.Equal(t, int64(2), summary.ProcessingStats["images"].Count)
}
