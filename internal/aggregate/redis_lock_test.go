package aggregate

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locker := NewRedisLocker(client, RedisLockerConfig{
		Prefix:  "test-lock:",
		TTL:     ttl,
		Backoff: 5 * time.Millisecond,
	}, slog.Default())
	return locker, mr
}

func TestRedisLocker_LockAndRelease(t *testing.T) {
	locker, mr := newTestRedisLocker(t, 30*time.Second)

	release, err := locker.Lock(context.Background(), "order-1")
	require.NoError(t, err)

	assert.True(t, mr.Exists("test-lock:order-1"))
	assert.Equal(t, 30*time.Second, mr.TTL("test-lock:order-1"))

	release()
	assert.False(t, mr.Exists("test-lock:order-1"))
}

func TestRedisLocker_Contention(t *testing.T) {
	locker, _ := newTestRedisLocker(t, 30*time.Second)

	release, err := locker.Lock(context.Background(), "order-1")
	require.NoError(t, err)

	// other keys are independent
	other, err := locker.Lock(context.Background(), "order-2")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "order-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		second, err := locker.Lock(context.Background(), "order-1")
		if assert.NoError(t, err) {
			second()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while still held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}

func TestRedisLocker_ReleaseOnlyByOwner(t *testing.T) {
	locker, mr := newTestRedisLocker(t, 30*time.Second)

	release, err := locker.Lock(context.Background(), "order-1")
	require.NoError(t, err)

	// the lock expired and another process took it over
	mr.Del("test-lock:order-1")
	require.NoError(t, mr.Set("test-lock:order-1", "someone-else"))

	release()

	got, err := mr.Get("test-lock:order-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_ExpiredLockCanBeTaken(t *testing.T) {
	locker, mr := newTestRedisLocker(t, time.Second)

	stale, err := locker.Lock(context.Background(), "order-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists("test-lock:order-1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := locker.Lock(ctx, "order-1")
	require.NoError(t, err)

	// the stale holder must not free the new owner's lock
	stale()
	assert.True(t, mr.Exists("test-lock:order-1"))

	release()
	assert.False(t, mr.Exists("test-lock:order-1"))
}
