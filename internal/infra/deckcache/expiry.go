// Package deckcache holds the policy shared by the deck caches.
package deckcache

import (
	"math/rand"
	"sync"
	"time"
)

// Expiry hands out cache lifetimes of ttl plus up to 10% jitter, so decks
// loaded together do not all expire together. A non-positive ttl disables
// expiry and Next returns 0.
type Expiry struct {
	ttl time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewExpiry(ttl time.Duration) *Expiry {
	return NewExpiryWithSource(ttl, rand.NewSource(time.Now().UnixNano()))
}

// NewExpiryWithSource is NewExpiry with a fixed random source.
func NewExpiryWithSource(ttl time.Duration, src rand.Source) *Expiry {
	return &Expiry{ttl: ttl, rnd: rand.New(src)}
}

func (e *Expiry) Next() time.Duration {
	if e.ttl <= 0 {
		return 0
	}
	jitterMax := int64(e.ttl) / 10
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ttl + time.Duration(e.rnd.Int63n(jitterMax+1))
}

// Enabled reports whether cached decks expire at all.
func (e *Expiry) Enabled() bool {
	return e.ttl > 0
}
