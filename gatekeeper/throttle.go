// SPDX-License-Identifier: MIT

package gatekeeper

import (
	"sync"
)

// TokenBucket throttles a connection by byte volume, both directions
// debiting the same bucket. Refills happen once per second from the shared
// gatekeeper tick: the rate is added and the capacity caps the result.
// A zero rate disables throttling entirely.
type TokenBucket struct {
	mx        sync.Mutex
	capacity  int64
	available int64
	rate      int64
}

func newTokenBucket(burst, bytesPerSecond int64) *TokenBucket {
	return &TokenBucket{
		capacity:  burst,
		available: burst,
		rate:      bytesPerSecond,
	}
}

// Debit withdraws n bytes. It reports false when the bucket cannot cover the
// transfer; the caller then closes the connection with a violation ban.
func (b *TokenBucket) Debit(n int64) bool {
	if b == nil || b.rate <= 0 {
		return true
	}

	b.mx.Lock()
	defer b.mx.Unlock()
	if b.available < n {
		return false
	}
	b.available -= n

	return true
}

func (b *TokenBucket) refill() {
	if b.rate <= 0 {
		return
	}

	b.mx.Lock()
	b.available = min(b.capacity, b.available+b.rate)
	b.mx.Unlock()
}
