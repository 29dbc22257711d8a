package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func TestEventStore_ClaimOnce(t *testing.T) {
	_, client := newTestClient(t)
	store := NewEventStore(client)
	ctx := context.Background()

	ok, err := store.Claim(ctx, "bank:evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, "bank:evt-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second delivery must not be claimed while the first is in flight")
}

func TestEventStore_CompleteBlocksRedelivery(t *testing.T) {
	s, client := newTestClient(t)
	store := NewEventStore(client)
	ctx := context.Background()

	_, err := store.Claim(ctx, "chain:0xabc", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "chain:0xabc", time.Hour))

	// The completed marker outlives the claim TTL.
	s.FastForward(2 * time.Minute)
	ok, err := store.Claim(ctx, "chain:0xabc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Release after completion leaves the marker in place.
	require.NoError(t, store.Release(ctx, "chain:0xabc"))
	val, err := s.Get("webhook:event:chain:0xabc")
	require.NoError(t, err)
	assert.Equal(t, eventProcessed, val)
}

func TestEventStore_ReleaseAllowsRetry(t *testing.T) {
	_, client := newTestClient(t)
	store := NewEventStore(client)
	ctx := context.Background()

	ok, err := store.Claim(ctx, "bank:evt-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release(ctx, "bank:evt-2"))

	ok, err = store.Claim(ctx, "bank:evt-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEventStore_ClaimExpires(t *testing.T) {
	s, client := newTestClient(t)
	store := NewEventStore(client)
	ctx := context.Background()

	_, err := store.Claim(ctx, "bank:evt-3", time.Second)
	require.NoError(t, err)

	s.FastForward(2 * time.Second)

	ok, err := store.Claim(ctx, "bank:evt-3", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "an abandoned claim expires")
}

func TestEventStore_RedisDown(t *testing.T) {
	s, client := newTestClient(t)
	store := NewEventStore(client)
	s.Close()

	_, err := store.Claim(context.Background(), "bank:evt-4", time.Minute)
	assert.ErrorContains(t, err, "redis event claim")
}
