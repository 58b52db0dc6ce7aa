package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsBelowThreshold(t *testing.T) {
	rl := newAuthRateLimiter()
	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure("alice")
		blocked, _ := rl.check("alice")
		assert.False(t, blocked)
	}
}

func TestRateLimiterLocksOutAfterMaxFailures(t *testing.T) {
	rl := newAuthRateLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("alice")
	}
	blocked, retryAfter := rl.check("alice")
	assert.True(t, blocked)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, baseLockout)

	// Other usernames are unaffected.
	blocked, _ = rl.check("bob")
	assert.False(t, blocked)
}

func TestRateLimiterBackoffGrows(t *testing.T) {
	rl := newAuthRateLimiter()
	for i := 0; i < maxFailures+3; i++ {
		rl.recordFailure("alice")
	}
	_, retryAfter := rl.check("alice")
	assert.Greater(t, retryAfter, baseLockout)
	assert.LessOrEqual(t, retryAfter, maxLockout)
}

func TestRateLimiterSuccessResets(t *testing.T) {
	rl := newAuthRateLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("alice")
	}
	rl.recordSuccess("alice")
	blocked, _ := rl.check("alice")
	assert.False(t, blocked)
}

func TestRateLimiterSweep(t *testing.T) {
	rl := newAuthRateLimiter()
	rl.recordFailure("alice")
	rl.attempts["alice"].lastFailure = time.Now().Add(-2 * attemptExpiry)
	rl.sweep()
	assert.Empty(t, rl.attempts)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "60", retryAfterString(time.Minute))
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
}
