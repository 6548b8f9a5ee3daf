package redisstream

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeClient keeps a pending list per stream and a key space in memory.
type fakeClient struct {
	mu      sync.Mutex
	pending map[string]map[string]string // stream -> id -> consumer
	keys    map[string]time.Duration
	claims  []redis.XClaimArgs
	deleted []string
	err     error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		pending: make(map[string]map[string]string),
		keys:    make(map[string]time.Duration),
	}
}

func (f *fakeClient) addPending(stream, id, consumer string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending[stream] == nil {
		f.pending[stream] = make(map[string]string)
	}
	f.pending[stream][id] = consumer
}

func (f *fakeClient) owner(stream, id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	consumer, ok := f.pending[stream][id]
	return consumer, ok
}

func (f *fakeClient) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}

func (f *fakeClient) XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewStringSliceCmd(ctx)
	f.claims = append(f.claims, *a)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}

	claimed := []string{}
	for _, id := range a.Messages {
		if _, ok := f.pending[a.Stream][id]; ok {
			f.pending[a.Stream][id] = a.Consumer
			claimed = append(claimed, id)
		}
	}
	cmd.SetVal(claimed)

	return cmd
}

func (f *fakeClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}

	var n int64
	for _, id := range ids {
		if _, ok := f.pending[stream][id]; ok {
			delete(f.pending[stream], id)
			n++
		}
	}
	cmd.SetVal(n)

	return cmd
}

func (f *fakeClient) XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	f.deleted = append(f.deleted, ids...)
	cmd.SetVal(int64(len(ids)))

	return cmd
}

func (f *fakeClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewBoolCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}

	if _, ok := f.keys[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = expiration
	cmd.SetVal(true)

	return cmd
}

func (f *fakeClient) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}

	var n int64
	for _, key := range keys {
		if _, ok := f.keys[key]; ok {
			n++
		}
	}
	cmd.SetVal(n)

	return cmd
}
