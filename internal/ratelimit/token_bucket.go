// Package ratelimit bounds per-connection signaling message rates on the
// store bridge.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Tokens are tracked in nanosecond-scaled fixed point so an integer rate of
// r tokens/sec credits exactly r units per elapsed nanosecond, with no
// float rounding.
const tokenScale = int64(time.Second)

// TokenBucket is a deterministic token bucket driven by a Clock.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	limit int64 // capacity, scaled
	rate  int64 // tokens/sec

	avail int64 // scaled
	mark  time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	limit := scaleTokens(capacity)
	return &TokenBucket{
		clock: clock,
		limit: limit,
		rate:  rate,
		avail: limit,
		mark:  clock.Now(),
	}
}

// Allow spends tokens if the bucket holds enough. A non-positive spend
// always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	need := scaleTokens(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.topUp()
	if need > b.avail {
		return false
	}
	b.avail -= need
	return true
}

// topUp credits the time elapsed since the previous call. A clock that
// moves backwards credits nothing; the mark just follows it.
func (b *TokenBucket) topUp() {
	now := b.clock.Now()
	elapsed := now.Sub(b.mark)
	b.mark = now
	if elapsed <= 0 || b.rate == 0 || b.avail >= b.limit {
		return
	}

	// deficit/rate is the nanoseconds needed to fill the bucket. Crediting
	// only when elapsed falls short of that keeps elapsed*rate below the
	// deficit, so the sum cannot overflow or pass the limit.
	deficit := b.limit - b.avail
	if ns := elapsed.Nanoseconds(); ns < deficit/b.rate {
		b.avail += ns * b.rate
	} else {
		b.avail = b.limit
	}
}

func scaleTokens(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > math.MaxInt64/tokenScale {
		return math.MaxInt64
	}
	return tokens * tokenScale
}
