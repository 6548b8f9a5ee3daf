package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/glimte/mmate-worker/contracts"
)

// maxVisibilityTimeout is the largest value SQS accepts for a message lease.
const maxVisibilityTimeout = 12 * time.Hour

type sqsClient interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type cachedTimeout struct {
	timeout   time.Duration
	fetchedAt time.Time
}

// Transport keeps SQS message leases alive and settles messages once
// processing ends. It implements messaging.VisibilityTransport and
// messaging.Acknowledger.
//
// Queues are addressed by QueueRef.Address (the queue URL). When Address is
// empty the URL is resolved from QueueRef.Name with GetQueueUrl and cached.
//
// Transport is safe for concurrent use.
type Transport struct {
	client sqsClient
	opts   *Options
	logger *slog.Logger

	mu       sync.Mutex
	urls     map[string]string
	timeouts map[string]cachedTimeout
}

// New creates a Transport from an AWS config. Functional options may be
// passed to override defaults (see With* functions).
func New(awsCfg *aws.Config, opts ...Option) (*Transport, error) {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("invalid SQS options: %w", err)
	}

	if options.logger == nil {
		options.logger = slog.Default()
	}

	client := options.sqsClient
	if client == nil {
		if awsCfg == nil {
			return nil, errors.New("AWS config cannot be nil")
		}

		client = sqs.NewFromConfig(*awsCfg, func(o *sqs.Options) {
			o.Retryer = retry.AddWithMaxBackoffDelay(o.Retryer, options.apiMaxRetryBackoffDelay)
			o.Retryer = retry.AddWithMaxAttempts(o.Retryer, options.apiMaxRetryAttempts)
		})
	}

	return &Transport{
		client:   client,
		opts:     options,
		logger:   options.logger.With("transport", "sqs"),
		urls:     make(map[string]string),
		timeouts: make(map[string]cachedTimeout),
	}, nil
}

// GetQueueVisibilityTimeout returns the VisibilityTimeout attribute of the
// queue.
func (t *Transport) GetQueueVisibilityTimeout(ctx context.Context, queue contracts.QueueRef) (time.Duration, error) {
	queueURL, err := t.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}

	if timeout, ok := t.cachedTimeout(queueURL); ok {
		return timeout, nil
	}

	output, err := t.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &queueURL,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameVisibilityTimeout},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get attributes of SQS queue %s: %w", queue.Name, err)
	}

	raw, ok := output.Attributes[string(sqstypes.QueueAttributeNameVisibilityTimeout)]
	if !ok {
		return 0, fmt.Errorf("SQS queue %s did not return a VisibilityTimeout attribute", queue.Name)
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid VisibilityTimeout %q for SQS queue %s: %w", raw, queue.Name, err)
	}

	timeout := time.Duration(seconds) * time.Second

	if t.opts.visibilityCacheTTL > 0 {
		t.mu.Lock()
		t.timeouts[queueURL] = cachedTimeout{timeout: timeout, fetchedAt: time.Now()}
		t.mu.Unlock()
	}

	return timeout, nil
}

// SetMessageVisibility changes the visibility timeout of msg to timeout from
// now. msg must have been received from SQS (see [FromSQS]).
func (t *Transport) SetMessageVisibility(ctx context.Context, queue contracts.QueueRef, msg contracts.Message, timeout time.Duration) error {
	m, err := asSQSMessage(msg)
	if err != nil {
		return err
	}

	queueURL, err := t.resolveMessageQueue(ctx, queue, m)
	if err != nil {
		return err
	}

	if timeout < 0 {
		timeout = 0
	}

	if timeout > maxVisibilityTimeout {
		timeout = maxVisibilityTimeout
	}

	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &queueURL,
		ReceiptHandle:     aws.String(m.ReceiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	}

	if _, err := t.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("failed to change SQS message visibility: %w", err)
	}

	t.logger.Debug("SQS message visibility changed", "messageId", m.ID, "visibilityTimeout", timeout)

	return nil
}

// Ack deletes the message from the queue. The call is detached from ctx
// cancellation and bounded by the settle timeout, since an interrupted
// delete would lead to a redelivery of a message that was processed.
func (t *Transport) Ack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error {
	m, err := asSQSMessage(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.settleTimeout)
	defer cancel()

	queueURL, err := t.resolveMessageQueue(ctx, queue, m)
	if err != nil {
		return err
	}

	input := &sqs.DeleteMessageInput{
		QueueUrl:      &queueURL,
		ReceiptHandle: aws.String(m.ReceiptHandle),
	}

	if _, err := t.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}

	t.logger.Debug("SQS message deleted", "messageId", m.ID)

	return nil
}

// Nack makes the message visible again right away.
func (t *Transport) Nack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.settleTimeout)
	defer cancel()

	return t.SetMessageVisibility(ctx, queue, msg, 0)
}

func (t *Transport) cachedTimeout(queueURL string) (time.Duration, bool) {
	if t.opts.visibilityCacheTTL <= 0 {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cached, ok := t.timeouts[queueURL]
	if !ok || time.Since(cached.fetchedAt) > t.opts.visibilityCacheTTL {
		return 0, false
	}

	return cached.timeout, true
}

// resolveMessageQueue prefers the queue URL recorded on the message.
func (t *Transport) resolveMessageQueue(ctx context.Context, queue contracts.QueueRef, m *Message) (string, error) {
	if m.QueueURL != "" {
		return m.QueueURL, nil
	}

	return t.queueURL(ctx, queue)
}

func (t *Transport) queueURL(ctx context.Context, queue contracts.QueueRef) (string, error) {
	if queue.Address != "" {
		return queue.Address, nil
	}

	if queue.Name == "" {
		return "", errors.New("SQS queue reference has neither a URL nor a name")
	}

	t.mu.Lock()
	url, ok := t.urls[queue.Name]
	t.mu.Unlock()

	if ok {
		return url, nil
	}

	resp, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue.Name)})
	if err != nil {
		return "", fmt.Errorf("failed to get SQS queue URL for %s: %w", queue.Name, err)
	}

	url = aws.ToString(resp.QueueUrl)

	t.mu.Lock()
	t.urls[queue.Name] = url
	t.mu.Unlock()

	return url, nil
}
