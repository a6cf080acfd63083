package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// MemoryLimiter is a process-local Limiter with one token bucket per key.
// Keys are spread over shards so principals of different tenants rarely
// wait on the same lock. Buckets are per process; use RedisLimiter when
// several instances serve the same tenants.
type MemoryLimiter struct {
	rate  float64
	burst float64
	idle  time.Duration
	now   func() time.Time

	shards [shardCount]shard

	stopOnce sync.Once
	done     chan struct{}
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewMemoryLimiter returns a limiter refilling rate tokens per second up to
// burst for every key. A background sweep drops buckets that have sat idle
// long enough to be full again; Close stops it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := newMemoryLimiter(rate, burst, time.Now)
	go m.sweep(min(m.idle, time.Minute))
	return m
}

func newMemoryLimiter(rate float64, burst int, now func() time.Time) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:  rate,
		burst: float64(max(burst, 1)),
		idle:  refillTime(rate, burst),
		now:   now,
		done:  make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i].buckets = make(map[string]*bucket)
	}
	return m
}

// refillTime is how long an empty bucket takes to fill. A bucket untouched
// for that long is indistinguishable from a new one. RedisLimiter expires
// its keys on the same rule.
func refillTime(rate float64, burst int) time.Duration {
	if rate <= 0 {
		return time.Hour
	}
	d := time.Duration(float64(max(burst, 1)) / rate * float64(time.Second))
	return max(d, time.Second)
}

func (m *MemoryLimiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

// Allow consumes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	switch {
	case !ok:
		b = &bucket{tokens: m.burst, seen: now}
		sh.buckets[key] = b
	case now.After(b.seen):
		b.tokens = min(m.burst, b.tokens+now.Sub(b.seen).Seconds()*m.rate)
		b.seen = now
	}
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Len returns the number of live buckets.
func (m *MemoryLimiter) Len() int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// Close stops the sweep. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

// evictIdle drops buckets untouched for at least the refill time.
func (m *MemoryLimiter) evictIdle() {
	cutoff := m.now().Add(-m.idle)
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if !b.seen.After(cutoff) {
				delete(sh.buckets, key)
			}
		}
		sh.mu.Unlock()
	}
}
