package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/obs/store/obs"
)

func TestSetAndGet(t *testing.T) {
	fc := newFakeCommands()
	client := newClientWithCommands(fc, Options{})
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "exec/blob", []byte("payload")))
	data, err := client.Get(ctx, "exec/blob")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)

	// Keys are namespaced.
	_, ok := fc.values["obs:blob:exec/blob"]
	require.True(t, ok)
}

func TestGetMissing(t *testing.T) {
	client := newClientWithCommands(newFakeCommands(), Options{})
	_, err := client.Get(context.Background(), "nope")
	require.ErrorIs(t, err, obs.ErrNotFound)
}

func TestKeyPrefixOverride(t *testing.T) {
	fc := newFakeCommands()
	client := newClientWithCommands(fc, Options{KeyPrefix: "custom:"})
	require.NoError(t, client.Set(context.Background(), "k", []byte("v")))
	_, ok := fc.values["custom:k"]
	require.True(t, ok)
}

func TestTTLPropagates(t *testing.T) {
	fc := newFakeCommands()
	client := newClientWithCommands(fc, Options{TTL: time.Hour})
	require.NoError(t, client.Set(context.Background(), "k", []byte("v")))
	require.Equal(t, time.Hour, fc.lastTTL)
}

func TestValidation(t *testing.T) {
	client := newClientWithCommands(newFakeCommands(), Options{})
	require.EqualError(t, client.Set(context.Background(), "", nil), "key is required")
	_, err := client.Get(context.Background(), "")
	require.EqualError(t, err, "key is required")
}

func TestPing(t *testing.T) {
	client := newClientWithCommands(newFakeCommands(), Options{})
	require.NoError(t, client.Ping(context.Background()))
	require.Equal(t, clientName, client.Name())
}

type fakeCommands struct {
	mu      sync.Mutex
	values  map[string][]byte
	lastTTL time.Duration
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{values: make(map[string][]byte)}
}

func (f *fakeCommands) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = append([]byte(nil), value.([]byte)...)
	f.lastTTL = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCommands) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(data), nil)
}

func (f *fakeCommands) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}
