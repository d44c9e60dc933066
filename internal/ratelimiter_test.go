package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) now() time.Time { return c.at }

func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newClockedLimiter(burst int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{at: time.Unix(1_700_000_000, 0)}
	limiter := NewRateLimiter(burst, window)
	limiter.now = clock.now
	return limiter, clock
}

func TestRateLimiterWindow(t *testing.T) {
	limiter, clock := newClockedLimiter(2, 10*time.Second)
	_, ok := limiter.Allow("alice")
	assert.True(t, ok)
	clock.advance(4 * time.Second)
	_, ok = limiter.Allow("alice")
	assert.True(t, ok)

	retry, ok := limiter.Allow("alice")
	assert.False(t, ok)
	assert.Equal(t, 6*time.Second, retry)

	_, ok = limiter.Allow("bob")
	assert.True(t, ok, "users are limited independently")

	clock.advance(6 * time.Second)
	_, ok = limiter.Allow("alice")
	assert.True(t, ok, "first send left the window")

	retry, ok = limiter.Allow("alice")
	assert.False(t, ok)
	assert.Equal(t, 4*time.Second, retry, "second send is now the oldest")
}

func TestRateLimiterRejectedSendsDoNotExtendWindow(t *testing.T) {
	limiter, clock := newClockedLimiter(1, 10*time.Second)
	_, ok := limiter.Allow("alice")
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		clock.advance(time.Second)
		_, ok = limiter.Allow("alice")
		assert.False(t, ok)
	}
	clock.advance(5 * time.Second)
	_, ok = limiter.Allow("alice")
	assert.True(t, ok)
}

func TestRateLimiterForget(t *testing.T) {
	limiter, _ := newClockedLimiter(1, time.Hour)
	_, ok := limiter.Allow("alice")
	assert.True(t, ok)
	_, ok = limiter.Allow("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, limiter.Tracked())

	limiter.Forget("alice")
	assert.Zero(t, limiter.Tracked())
	_, ok = limiter.Allow("alice")
	assert.True(t, ok)
}

func TestRateLimiterClampsBurst(t *testing.T) {
	limiter, _ := newClockedLimiter(0, time.Hour)
	_, ok := limiter.Allow("alice")
	assert.True(t, ok)
	_, ok = limiter.Allow("alice")
	assert.False(t, ok)
}
