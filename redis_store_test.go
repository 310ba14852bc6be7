package sentinel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStateStore(&RedisConfig{URL: mr.Addr()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisIncrementWithExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	count, err := store.IncrementWithExpiry(ctx, "rate:default:10.0.0.1:100", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = store.IncrementWithExpiry(ctx, "rate:default:10.0.0.1:100", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Counter reads back as a decimal string.
	value, found, err := store.Get(ctx, "rate:default:10.0.0.1:100")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", value)

	mr.FastForward(61 * time.Second)
	_, found, err = store.Get(ctx, "rate:default:10.0.0.1:100")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisIncrementTTLSetOnceAtomically(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	_, err := store.IncrementWithExpiry(ctx, "counter", time.Minute)
	require.NoError(t, err)

	// A later increment in the same window must not push the expiry out.
	mr.FastForward(30 * time.Second)
	count, err := store.IncrementWithExpiry(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	mr.FastForward(31 * time.Second)
	_, found, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := store.IncrementWithExpiry(ctx, "counter", time.Minute)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	value, found, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "80", value)
}

func TestRedisSetGetDelete(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	require.NoError(t, store.SetWithTTL(ctx, "block:10.0.0.1", "sqli", time.Hour))
	value, found, err := store.Get(ctx, "block:10.0.0.1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sqli", value)

	// Rewriting replaces value and TTL.
	require.NoError(t, store.SetWithTTL(ctx, "block:10.0.0.1", "ddos", time.Hour))
	mr.FastForward(59 * time.Minute)
	value, found, err = store.Get(ctx, "block:10.0.0.1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ddos", value)

	require.NoError(t, store.Delete(ctx, "block:10.0.0.1"))
	_, found, err = store.Get(ctx, "block:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisMissingKeyIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	value, found, err := store.Get(ctx, "block:unseen")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, value)
}

func TestRedisOutageWrapsErrStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store, err := NewRedisStateStore(&RedisConfig{URL: mr.Addr()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	mr.Close()

	_, _, err = store.Get(ctx, "block:10.0.0.1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.IncrementWithExpiry(ctx, "counter", time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	err = store.SetWithTTL(ctx, "key", "value", time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.ErrorIs(t, store.HealthCheck(ctx), ErrStoreUnavailable)
}

func TestRedisHealthCheck(t *testing.T) {
	store, _ := newTestRedisStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}
