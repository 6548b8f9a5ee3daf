package redisstream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DuplicateDetector remembers processed message IDs in Redis so that
// redeliveries are skipped across processes. It implements
// interceptors.DuplicateDetector.
type DuplicateDetector struct {
	client Client
	prefix string
	ttl    time.Duration
}

// NewDuplicateDetector creates a detector storing keys as prefix+messageID
// that expire after ttl.
func NewDuplicateDetector(client Client, prefix string, ttl time.Duration) (*DuplicateDetector, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if prefix == "" {
		prefix = "mmate:processed:"
	}

	return &DuplicateDetector{client: client, prefix: prefix, ttl: ttl}, nil
}

// IsDuplicate reports whether messageID was marked processed
func (d *DuplicateDetector) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker for %s: %w", messageID, err)
	}
	return n > 0, nil
}

// MarkProcessed stores the processed marker. An existing marker is kept
// with its original expiry.
func (d *DuplicateDetector) MarkProcessed(ctx context.Context, messageID string) error {
	if err := d.client.SetNX(ctx, d.prefix+messageID, 1, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store processed marker for %s: %w", messageID, err)
	}
	return nil
}
