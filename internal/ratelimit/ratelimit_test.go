package ratelimit_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/shugo/internal/ratelimit"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis container unavailable, redis tests will skip: %v\n", err)
		os.Exit(m.Run())
	}

	host, hostErr := container.Host(ctx)
	port, portErr := container.MappedPort(ctx, "6379")
	if hostErr == nil && portErr == nil {
		testRedis = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
		if err := testRedis.Ping(ctx).Err(); err != nil {
			fmt.Fprintf(os.Stderr, "redis ping failed, redis tests will skip: %v\n", err)
			_ = testRedis.Close()
			testRedis = nil
		}
	}

	code := m.Run()

	if testRedis != nil {
		_ = testRedis.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// newRedisLimiter shares testRedis; each test gets its own key prefix.
func newRedisLimiter(t *testing.T, rate float64, burst int) *ratelimit.RedisLimiter {
	t.Helper()
	if testRedis == nil {
		t.Skip("redis not available")
	}
	return ratelimit.NewRedisLimiterWithClient(testRedis, rate, burst).WithPrefix("test:" + t.Name() + ":")
}

func TestRedisLimiter_BurstThenDeny(t *testing.T) {
	ctx := context.Background()
	l := newRedisLimiter(t, 0.001, 3)

	for i := range 3 {
		ok, err := l.Allow(ctx, "tenant:acme")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := l.Allow(ctx, "tenant:acme")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := newRedisLimiter(t, 0.001, 1)

	ok, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLimiter_Refills(t *testing.T) {
	ctx := context.Background()
	l := newRedisLimiter(t, 20, 1)

	ok, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(150 * time.Millisecond)
	ok, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiter_SetsExpiry(t *testing.T) {
	ctx := context.Background()
	l := newRedisLimiter(t, 1, 5)

	_, err := l.Allow(ctx, "ttl")
	require.NoError(t, err)

	ttl, err := testRedis.TTL(ctx, "test:"+t.Name()+":ttl").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 6*time.Second)
}

func TestRedisLimiter_ConcurrentCallersShareBucket(t *testing.T) {
	ctx := context.Background()
	l := newRedisLimiter(t, 0.001, 10)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 25 {
		wg.Go(func() {
			ok, err := l.Allow(ctx, "shared")
			if err == nil && ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestRedisLimiter_CloseLeavesSharedClientOpen(t *testing.T) {
	l := newRedisLimiter(t, 1, 1)
	require.NoError(t, l.Close())
	assert.NoError(t, testRedis.Ping(context.Background()).Err())
}

func TestNewRedisLimiter_BadURL(t *testing.T) {
	_, err := ratelimit.NewRedisLimiter(context.Background(), "not a url", 1, 1)
	assert.Error(t, err)
}

func TestNoopLimiter(t *testing.T) {
	var l ratelimit.Limiter = ratelimit.NoopLimiter{}
	for range 100 {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
