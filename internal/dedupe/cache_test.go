// ABOUTME: Tests for the dedupe cache used to suppress repeated image fetches.
// ABOUTME: Validates TTL expiration, size limits, eviction order and concurrency safety.

package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeNow returns a clock function and an advance function
func fakeNow() (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
}

func newTestCache[K comparable](ttl time.Duration, size int) (*Cache[K], func(time.Duration)) {
	c := New[K](ttl, size)
	now, advance := fakeNow()
	c.SetClock(now)
	return c, advance
}

func TestCache_Check_NotSeen(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	assert.False(t, cache.Check("never-seen-key"))
}

func TestCache_Check_Expired(t *testing.T) {
	cache, advance := newTestCache[int64](time.Minute, 100)

	cache.Mark(42)
	assert.True(t, cache.Check(42))

	advance(time.Minute)
	assert.False(t, cache.Check(42))
}

func TestCache_Mark_UpdatesTimestamp(t *testing.T) {
	cache, advance := newTestCache[string](time.Minute, 100)

	cache.Mark("refresh-key")
	advance(40 * time.Second)
	cache.Mark("refresh-key")
	advance(40 * time.Second)

	// Still present because the second mark restarted the window
	assert.True(t, cache.Check("refresh-key"))
}

func TestCache_CheckAndMark(t *testing.T) {
	cache, advance := newTestCache[int64](time.Minute, 100)

	assert.False(t, cache.CheckAndMark(7), "first CheckAndMark should return false for new key")
	assert.True(t, cache.CheckAndMark(7), "second CheckAndMark within the window is a duplicate")

	advance(2 * time.Minute)
	assert.False(t, cache.CheckAndMark(7), "should not be seen after expiry")
}

func TestCache_Forget(t *testing.T) {
	cache := New[int64](time.Minute, 10)

	cache.Mark(1)
	cache.Forget(1)
	assert.False(t, cache.Check(1))
	assert.Zero(t, cache.Len())

	// Forgetting an unknown key is a no-op
	cache.Forget(2)
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, advance := newTestCache[string](5*time.Minute, 3)

	cache.Mark("first")
	advance(time.Millisecond)
	cache.Mark("second")
	advance(time.Millisecond)
	cache.Mark("third")

	cache.Mark("fourth")
	assert.False(t, cache.Check("first"), "first should be evicted")
	assert.True(t, cache.Check("second"))
	assert.True(t, cache.Check("third"))
	assert.True(t, cache.Check("fourth"))

	cache.Mark("fifth")
	assert.False(t, cache.Check("second"), "second should be evicted")
	assert.Equal(t, 3, cache.Len())
}

func TestCache_FullCacheDropsExpiredFirst(t *testing.T) {
	cache, advance := newTestCache[int](time.Minute, 3)

	cache.Mark(1)
	cache.Mark(2)
	advance(2 * time.Minute)
	cache.Mark(3)

	cache.Mark(4)
	assert.Equal(t, 2, cache.Len(), "both expired entries are pruned")
	assert.True(t, cache.Check(3))
	assert.True(t, cache.Check(4))
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New[string](5*time.Minute, 100)

	const numGoroutines = 100
	var winners int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested-key") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one goroutine should win the race for CheckAndMark")
}

func TestCache_Concurrent(t *testing.T) {
	cache := New[int](5*time.Minute, 50)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Mark(id*100 + j)
				cache.Check(id*100 + j)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 50)
	cache.Mark(-1)
	assert.True(t, cache.Check(-1))
}
