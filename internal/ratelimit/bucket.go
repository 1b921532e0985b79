// Package ratelimit provides the shared transfer-speed token bucket
// consumed by all active fetches. The limit is adjustable at runtime and
// applies to bytes moved from the point of adjustment onwards.
package ratelimit

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// minBurst keeps small limits usable without forcing byte-sized waits.
const minBurst = 32 * 1024

// Bucket is a byte-rate token bucket shared across workers. A limit of
// zero means unlimited. Safe for concurrent use.
type Bucket struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	limit   int64 // bytes per second, 0 = unlimited
}

// NewBucket creates a bucket capped at bytesPerSec. Zero means unlimited.
func NewBucket(bytesPerSec int64) *Bucket {
	b := &Bucket{}
	b.SetLimit(bytesPerSec)

	return b
}

// SetLimit replaces the rate ceiling. Transfers already waiting pick up
// the new rate on their next token request.
func (b *Bucket) SetLimit(bytesPerSec int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.limit = bytesPerSec

	if bytesPerSec <= 0 {
		b.limiter = rate.NewLimiter(rate.Inf, math.MaxInt32)

		return
	}

	burst := int(bytesPerSec)
	if burst < minBurst {
		burst = minBurst
	}

	b.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Limit returns the current ceiling in bytes per second, 0 for unlimited.
func (b *Bucket) Limit() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.limit
}

// WaitN blocks until n bytes worth of tokens are available or the
// context is done. Requests larger than the burst size are consumed in
// burst-sized chunks.
func (b *Bucket) WaitN(ctx context.Context, n int) error {
	for n > 0 {
		b.mu.RLock()
		limiter := b.limiter
		b.mu.RUnlock()

		chunk := n
		if burst := limiter.Burst(); chunk > burst {
			chunk = burst
		}

		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}

		n -= chunk
	}

	return nil
}
