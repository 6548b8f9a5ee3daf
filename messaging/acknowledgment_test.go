package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/glimte/mmate-worker/interceptors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error {
	args := m.Called(ctx, queue, msg.GetID())
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error {
	args := m.Called(ctx, queue, msg.GetID())
	return args.Error(0)
}

func TestAcknowledgingInterceptor(t *testing.T) {
	queue := contracts.NewQueueRef("images")
	ctx := context.Background()

	run := func(i *AcknowledgingInterceptor, workerErr error, delivery *contracts.Delivery) error {
		worker := interceptors.WorkerFunc(func(ctx context.Context, d *contracts.Delivery, p contracts.Payload) error {
			return workerErr
		})
		chain := interceptors.NewInterceptorChain(nil).Add(i)
		return chain.Execute(ctx, worker, queue, delivery, contracts.NewPayload(make([]any, delivery.Len()), nil, delivery.IsBatch()))
	}

	t.Run("acks every message on success", func(t *testing.T) {
		acker := &mockAcknowledger{}
		acker.On("Ack", mock.Anything, queue, "a").Return(nil)
		acker.On("Ack", mock.Anything, queue, "b").Return(nil)

		delivery := contracts.NewBatchDelivery(contracts.NewBaseMessage("a", nil), contracts.NewBaseMessage("b", nil))
		err := run(NewAcknowledgingInterceptor(acker), nil, delivery)

		assert.NoError(t, err)
		acker.AssertExpectations(t)
	})

	t.Run("nacks on failure and keeps the worker error", func(t *testing.T) {
		acker := &mockAcknowledger{}
		acker.On("Nack", mock.Anything, queue, "a").Return(nil)

		workerErr := errors.New("boom")
		delivery := contracts.NewDelivery(contracts.NewBaseMessage("a", nil))
		err := run(NewAcknowledgingInterceptor(acker), workerErr, delivery)

		assert.ErrorIs(t, err, workerErr)
		acker.AssertExpectations(t)
		acker.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ack failure on success becomes the result", func(t *testing.T) {
		acker := &mockAcknowledger{}
		ackErr := errors.New("receipt handle invalid")
		acker.On("Ack", mock.Anything, queue, "a").Return(ackErr)

		delivery := contracts.NewDelivery(contracts.NewBaseMessage("a", nil))
		err := run(NewAcknowledgingInterceptor(acker), nil, delivery)

		require.Error(t, err)
		assert.ErrorIs(t, err, ackErr)
		assert.Contains(t, err.Error(), "failed to ack message a")
	})

	t.Run("always acks", func(t *testing.T) {
		acker := &mockAcknowledger{}
		acker.On("Ack", mock.Anything, queue, "a").Return(nil)

		workerErr := errors.New("boom")
		delivery := contracts.NewDelivery(contracts.NewBaseMessage("a", nil))
		err := run(NewAcknowledgingInterceptor(acker, WithAckStrategy(AckAlways)), workerErr, delivery)

		assert.ErrorIs(t, err, workerErr)
		acker.AssertExpectations(t)
	})

	t.Run("manual settles nothing", func(t *testing.T) {
		acker := &mockAcknowledger{}

		delivery := contracts.NewDelivery(contracts.NewBaseMessage("a", nil))
		err := run(NewAcknowledgingInterceptor(acker, WithAckStrategy(AckManual), WithAckLogger(nil)), nil, delivery)

		assert.NoError(t, err)
		acker.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything, mock.Anything)
		acker.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("stops the lease before settling", func(t *testing.T) {
		lease := &fakeLease{}
		acker := &mockAcknowledger{}
		acker.On("Ack", mock.Anything, queue, "a").Run(func(mock.Arguments) {
			assert.Equal(t, int32(1), lease.stops.Load())
		}).Return(nil)

		leaseCtx := context.WithValue(ctx, leaseKey{}, Lease(&onceLease{lease: lease}))
		worker := interceptors.WorkerFunc(func(ctx context.Context, d *contracts.Delivery, p contracts.Payload) error {
			assert.Zero(t, lease.stops.Load())
			return nil
		})
		delivery := contracts.NewDelivery(contracts.NewBaseMessage("a", nil))
		chain := interceptors.NewInterceptorChain(nil).Add(NewAcknowledgingInterceptor(acker))

		require.NoError(t, chain.Execute(leaseCtx, worker, queue, delivery, contracts.NewPayload([]any{nil}, nil, false)))
		acker.AssertExpectations(t)
	})

	t.Run("manual leaves the lease running", func(t *testing.T) {
		lease := &fakeLease{}
		leaseCtx := context.WithValue(ctx, leaseKey{}, Lease(&onceLease{lease: lease}))
		worker := interceptors.WorkerFunc(func(ctx context.Context, d *contracts.Delivery, p contracts.Payload) error {
			return nil
		})
		delivery := contracts.NewDelivery(contracts.NewBaseMessage("a", nil))
		chain := interceptors.NewInterceptorChain(nil).Add(NewAcknowledgingInterceptor(&mockAcknowledger{}, WithAckStrategy(AckManual)))

		require.NoError(t, chain.Execute(leaseCtx, worker, queue, delivery, contracts.NewPayload([]any{nil}, nil, false)))
		assert.Zero(t, lease.stops.Load())
	})

	t.Run("strategy names", func(t *testing.T) {
		assert.Equal(t, "ack_on_success", AckOnSuccess.String())
		assert.Equal(t, "ack_always", AckAlways.String())
		assert.Equal(t, "manual", AckManual.String())
		assert.Equal(t, "AcknowledgingInterceptor", NewAcknowledgingInterceptor(nil).Name())
	})
}
