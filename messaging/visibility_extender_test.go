package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a goroutine safe log sink
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Count(substr string) int {
	return strings.Count(b.String(), substr)
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type renewalCall struct {
	messageID string
	timeout   time.Duration
	at        time.Time
}

// fakeTransport records renewals and can inject lookup errors, renewal
// errors and slow renewals
type fakeTransport struct {
	timeout   time.Duration
	lookupErr error
	renewErr  error
	delay     time.Duration

	mu        sync.Mutex
	calls     []renewalCall
	inFlight  atomic.Int32
	completed atomic.Int32
}

func (f *fakeTransport) GetQueueVisibilityTimeout(ctx context.Context, queue contracts.QueueRef) (time.Duration, error) {
	if f.lookupErr != nil {
		return 0, f.lookupErr
	}
	return f.timeout, nil
}

func (f *fakeTransport) SetMessageVisibility(ctx context.Context, queue contracts.QueueRef, msg contracts.Message, timeout time.Duration) error {
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	f.calls = append(f.calls, renewalCall{messageID: msg.GetID(), timeout: timeout, at: time.Now()})
	f.mu.Unlock()

	if f.delay > 0 {
		// ignores ctx to model a renewal that cannot be interrupted
		time.Sleep(f.delay)
	}

	f.completed.Add(1)
	return f.renewErr
}

func (f *fakeTransport) Calls() []renewalCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]renewalCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeTransport) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingObserver struct {
	success atomic.Int32
	failure atomic.Int32
}

func (o *countingObserver) RecordRenewal(queue string, success bool) {
	if success {
		o.success.Add(1)
	} else {
		o.failure.Add(1)
	}
}

func singleDelivery(id string) (*contracts.Delivery, *contracts.BaseMessage) {
	msg := contracts.NewBaseMessage(id, []byte("body"))
	return contracts.NewDelivery(msg), msg
}

func TestVisibilityExtenderStart(t *testing.T) {
	queue := contracts.NewQueueRef("images")

	t.Run("first renewal fires at V minus margin and moves the deadline to tick plus V", func(t *testing.T) {
		transport := &fakeTransport{timeout: 300 * time.Millisecond}
		extender := NewVisibilityExtender(transport,
			WithRenewalMargin(50*time.Millisecond),
			WithMinRenewalInterval(time.Millisecond),
		)
		delivery, msg := singleDelivery("msg-1")

		started := time.Now()
		ext, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")
		require.NoError(t, err)
		defer ext.Stop()

		assert.Equal(t, 300*time.Millisecond, ext.Timeout())
		assert.Equal(t, 250*time.Millisecond, ext.Interval())

		require.Eventually(t, func() bool { return transport.CallCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

		first := transport.Calls()[0]
		assert.Equal(t, "msg-1", first.messageID)
		assert.Equal(t, 300*time.Millisecond, first.timeout)
		assert.GreaterOrEqual(t, first.at.Sub(started), 240*time.Millisecond)
		assert.Less(t, first.at.Sub(started), 450*time.Millisecond)

		require.Eventually(t, func() bool { return !msg.VisibilityDeadline().IsZero() }, time.Second, 5*time.Millisecond)
		deadline := msg.VisibilityDeadline().Sub(started)
		assert.GreaterOrEqual(t, deadline, 540*time.Millisecond)
		assert.Less(t, deadline, 760*time.Millisecond)
	})

	t.Run("timeout not larger than margin is a configuration error without ticks", func(t *testing.T) {
		logger, logs := newTestLogger()
		transport := &fakeTransport{timeout: 30 * time.Millisecond}
		extender := NewVisibilityExtender(transport,
			WithRenewalMargin(50*time.Millisecond),
			WithMinRenewalInterval(time.Millisecond),
			WithExtenderLogger(logger),
		)
		delivery, msg := singleDelivery("msg-1")

		ext, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")

		assert.Nil(t, ext)
		var cfgErr *contracts.RenewalConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.ErrorIs(t, err, contracts.ErrVisibilityTimeoutTooSmall)
		assert.Equal(t, 30*time.Millisecond, cfgErr.Timeout)
		assert.Equal(t, 50*time.Millisecond, cfgErr.Margin)

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 0, transport.CallCount())
		assert.True(t, msg.VisibilityDeadline().IsZero())
		assert.Equal(t, 0, logs.Count("level=ERROR"))
	})

	t.Run("timeout lookup failure is a configuration error", func(t *testing.T) {
		lookupErr := errors.New("access denied")
		extender := NewVisibilityExtender(&fakeTransport{lookupErr: lookupErr})
		delivery, _ := singleDelivery("msg-1")

		ext, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")

		assert.Nil(t, ext)
		var cfgErr *contracts.RenewalConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
		assert.ErrorIs(t, err, lookupErr)
	})

	t.Run("interval never drops below the minimum", func(t *testing.T) {
		transport := &fakeTransport{timeout: 6 * time.Second}
		extender := NewVisibilityExtender(transport)
		delivery, _ := singleDelivery("msg-1")

		ext, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")
		require.NoError(t, err)
		defer ext.Stop()

		assert.Equal(t, DefaultMinRenewalInterval, ext.Interval())
	})

	t.Run("start while running is rejected", func(t *testing.T) {
		transport := &fakeTransport{timeout: time.Minute}
		extender := NewVisibilityExtender(transport)
		delivery, _ := singleDelivery("msg-1")

		ext, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")
		require.NoError(t, err)

		_, err = extender.Start(context.Background(), queue, delivery, "ResizeWorker")
		assert.ErrorIs(t, err, contracts.ErrExtenderBusy)

		extender.Stop(ext)

		again, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")
		require.NoError(t, err)
		again.Stop()
	})
}

func TestVisibilityExtenderTicks(t *testing.T) {
	queue := contracts.NewQueueRef("images")

	t.Run("renewal failures are logged and ticking continues", func(t *testing.T) {
		logger, logs := newTestLogger()
		observer := &countingObserver{}
		transport := &fakeTransport{timeout: 60 * time.Millisecond, renewErr: errors.New("receipt handle expired")}
		extender := NewVisibilityExtender(transport,
			WithRenewalMargin(40*time.Millisecond),
			WithMinRenewalInterval(time.Millisecond),
			WithExtenderLogger(logger),
			WithRenewalObserver(observer),
		)
		delivery, msg := singleDelivery("msg-1")

		ext, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")
		require.NoError(t, err)

		require.Eventually(t, func() bool { return transport.CallCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
		ext.Stop()

		assert.True(t, msg.VisibilityDeadline().IsZero())
		assert.GreaterOrEqual(t, logs.Count("could not auto extend the message visibility timeout"), 3)
		assert.Contains(t, logs.String(), "receipt handle expired")
		assert.Contains(t, logs.String(), "worker=ResizeWorker")
		assert.GreaterOrEqual(t, observer.failure.Load(), int32(3))
		assert.Equal(t, int32(0), observer.success.Load())
	})

	t.Run("successful renewals log at debug and notify the observer", func(t *testing.T) {
		logger, logs := newTestLogger()
		observer := &countingObserver{}
		transport := &fakeTransport{timeout: 60 * time.Millisecond}
		extender := NewVisibilityExtender(transport,
			WithRenewalMargin(40*time.Millisecond),
			WithMinRenewalInterval(time.Millisecond),
			WithExtenderLogger(logger),
			WithRenewalObserver(observer),
		)
		delivery, _ := singleDelivery("msg-1")

		ext, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")
		require.NoError(t, err)

		require.Eventually(t, func() bool { return ext.Ticks() >= 2 }, 2*time.Second, 5*time.Millisecond)
		ext.Stop()

		assert.Contains(t, logs.String(), "level=DEBUG msg=\"extending message visibility timeout\"")
		assert.GreaterOrEqual(t, observer.success.Load(), int32(2))
	})

	t.Run("every message of a batch is renewed on each tick", func(t *testing.T) {
		transport := &fakeTransport{timeout: 60 * time.Millisecond}
		extender := NewVisibilityExtender(transport,
			WithRenewalMargin(40*time.Millisecond),
			WithMinRenewalInterval(time.Millisecond),
		)

		msgs := make([]contracts.Message, 0, 5)
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			msgs = append(msgs, contracts.NewBaseMessage(id, nil))
		}
		delivery := contracts.NewBatchDelivery(msgs...)

		ext, err := extender.Start(context.Background(), queue, delivery, "BatchWorker")
		require.NoError(t, err)

		require.Eventually(t, func() bool { return ext.Ticks() >= 1 }, 2*time.Second, 5*time.Millisecond)
		ext.Stop()

		seen := make(map[string]bool)
		for _, call := range transport.Calls() {
			seen[call.messageID] = true
		}
		assert.Len(t, seen, 5)
		for _, msg := range msgs {
			assert.False(t, msg.VisibilityDeadline().IsZero(), msg.GetID())
		}
	})
}

func TestExtensionStop(t *testing.T) {
	queue := contracts.NewQueueRef("images")

	t.Run("nil and repeated stops are no-ops", func(t *testing.T) {
		var ext *Extension
		assert.NotPanics(t, func() { ext.Stop() })

		extender := NewVisibilityExtender(&fakeTransport{timeout: time.Minute})
		assert.NotPanics(t, func() { extender.Stop(nil) })

		delivery, _ := singleDelivery("msg-1")
		started, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")
		require.NoError(t, err)

		started.Stop()
		started.Stop()
		assert.False(t, started.Running())
	})

	t.Run("no renewal happens after stop returns", func(t *testing.T) {
		transport := &fakeTransport{timeout: 30 * time.Millisecond}
		extender := NewVisibilityExtender(transport,
			WithRenewalMargin(20*time.Millisecond),
			WithMinRenewalInterval(time.Millisecond),
		)
		delivery, msg := singleDelivery("msg-1")

		ext, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")
		require.NoError(t, err)

		require.Eventually(t, func() bool { return transport.CallCount() >= 2 }, 2*time.Second, 2*time.Millisecond)
		ext.Stop()

		calls := transport.CallCount()
		deadline := msg.VisibilityDeadline()
		time.Sleep(80 * time.Millisecond)

		assert.Equal(t, calls, transport.CallCount())
		assert.Equal(t, deadline, msg.VisibilityDeadline())
	})

	t.Run("stop waits for an in-flight slow tick", func(t *testing.T) {
		transport := &fakeTransport{timeout: 30 * time.Millisecond, delay: 150 * time.Millisecond}
		extender := NewVisibilityExtender(transport,
			WithRenewalMargin(20*time.Millisecond),
			WithMinRenewalInterval(time.Millisecond),
		)
		delivery, msg := singleDelivery("msg-1")

		ext, err := extender.Start(context.Background(), queue, delivery, "ResizeWorker")
		require.NoError(t, err)

		require.Eventually(t, func() bool { return transport.inFlight.Load() == 1 }, 2*time.Second, time.Millisecond)

		ext.Stop()

		// the slow renewal finished before Stop returned
		assert.Equal(t, int32(0), transport.inFlight.Load())
		assert.Equal(t, int32(transport.CallCount()), transport.completed.Load())

		calls := transport.CallCount()
		deadline := msg.VisibilityDeadline()
		time.Sleep(100 * time.Millisecond)

		assert.Equal(t, calls, transport.CallCount())
		assert.Equal(t, deadline, msg.VisibilityDeadline())
	})

	t.Run("cancelled parent context stops ticking", func(t *testing.T) {
		transport := &fakeTransport{timeout: 30 * time.Millisecond}
		extender := NewVisibilityExtender(transport,
			WithRenewalMargin(20*time.Millisecond),
			WithMinRenewalInterval(time.Millisecond),
		)
		delivery, _ := singleDelivery("msg-1")

		ctx, cancel := context.WithCancel(context.Background())
		ext, err := extender.Start(ctx, queue, delivery, "ResizeWorker")
		require.NoError(t, err)

		cancel()
		time.Sleep(20 * time.Millisecond)
		calls := transport.CallCount()
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, calls, transport.CallCount())

		ext.Stop()
	})
}

func TestVisibilityExtenderPlan(t *testing.T) {
	queue := contracts.NewQueueRef("images")
	lookupErr := errors.New("queue does not exist")

	tests := []struct {
		name         string
		transport    *fakeTransport
		wantTimeout  time.Duration
		wantInterval time.Duration
		wantErr      error
	}{
		{"default margin", &fakeTransport{timeout: 30 * time.Second}, 30 * time.Second, 25 * time.Second, nil},
		{"minimum interval wins", &fakeTransport{timeout: 5500 * time.Millisecond}, 5500 * time.Millisecond, time.Second, nil},
		{"too small", &fakeTransport{timeout: 3 * time.Second}, 3 * time.Second, 0, contracts.ErrVisibilityTimeoutTooSmall},
		{"lookup failure", &fakeTransport{lookupErr: lookupErr}, 0, 0, lookupErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeout, interval, err := NewVisibilityExtender(tt.transport).Plan(context.Background(), queue)

			assert.Equal(t, tt.wantTimeout, timeout)
			assert.Equal(t, tt.wantInterval, interval)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}

			var cfgErr *contracts.RenewalConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, tt.transport.CallCount())
		})
	}
}
