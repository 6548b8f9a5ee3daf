package sqs

import (
	"errors"
	"log/slog"
	"time"
)

// Option is a functional option for configuring a [Transport].
type Option func(*Options)

// Options holds the resolved configuration for a [Transport].
type Options struct {
	apiMaxRetryAttempts     int
	apiMaxRetryBackoffDelay time.Duration
	visibilityCacheTTL      time.Duration
	settleTimeout           time.Duration
	logger                  *slog.Logger
	sqsClient               sqsClient // Optional: injected SQS client for testing
}

func newOptions() *Options {
	return &Options{
		apiMaxRetryAttempts:     5,
		apiMaxRetryBackoffDelay: 10 * time.Second,
		visibilityCacheTTL:      5 * time.Minute,
		settleTimeout:           2 * time.Second,
		logger:                  slog.Default(),
	}
}

func (o *Options) validate() error {
	if o.apiMaxRetryAttempts < 0 || o.apiMaxRetryAttempts > 10 {
		return errors.New("max SQS API retry attempts must be between 0 and 10")
	}

	if o.apiMaxRetryBackoffDelay < 1*time.Second || o.apiMaxRetryBackoffDelay > 30*time.Second {
		return errors.New("max SQS API retry backoff delay must be between 1 and 30 seconds")
	}

	if o.visibilityCacheTTL < 0 {
		return errors.New("visibility timeout cache TTL cannot be negative")
	}

	if o.settleTimeout <= 0 {
		return errors.New("settle timeout must be positive")
	}

	return nil
}

// WithAPIMaxRetryAttempts sets the maximum number of retry attempts for
// failed SQS API calls. Must be between 0 and 10. Default: 5.
func WithAPIMaxRetryAttempts(n int) Option {
	return func(o *Options) {
		o.apiMaxRetryAttempts = n
	}
}

// WithAPIMaxRetryBackoffDelay sets the maximum backoff delay between
// consecutive SQS API retry attempts. Must be between 1 second and 30 seconds.
// Default: 10 seconds.
func WithAPIMaxRetryBackoffDelay(d time.Duration) Option {
	return func(o *Options) {
		o.apiMaxRetryBackoffDelay = d
	}
}

// WithVisibilityCacheTTL sets how long a queue's VisibilityTimeout attribute
// is cached. Zero disables caching. Default: 5 minutes.
func WithVisibilityCacheTTL(d time.Duration) Option {
	return func(o *Options) {
		o.visibilityCacheTTL = d
	}
}

// WithSettleTimeout bounds DeleteMessage and release calls, which run
// detached from the caller's context. Default: 2 seconds.
func WithSettleTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.settleTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.logger = logger
	}
}

// WithSQSClient injects an SQS client. It must satisfy the internal
// sqsClient interface and is intended for tests.
func WithSQSClient(client sqsClient) Option {
	return func(o *Options) {
		o.sqsClient = client
	}
}
