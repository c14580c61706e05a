package resilience

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeyedRateLimiterConfig configures a KeyedRateLimiter.
type KeyedRateLimiterConfig struct {
	// Factory builds a fresh RateLimiterConfig for a key. Called at most
	// once per key while its limiter is cached (construction is
	// deduplicated via singleflight; a key evicted by IdleEvictionTTL is
	// built again on its next access), so it may safely allocate a new
	// Algorithm instance per call.
	Factory func(key string) RateLimiterConfig

	// IdleEvictionTTL, if positive, evicts a key's limiter once it has
	// gone unused for at least this long. Eviction is lazy: it is only
	// checked on GetRateLimiter, not on a background timer. Zero disables
	// eviction; limiters accumulate for the life of the KeyedRateLimiter.
	IdleEvictionTTL time.Duration

	// Clock is the time source for idle-eviction bookkeeping. Default:
	// RealClock().
	Clock Clock
}

type keyedEntry struct {
	limiter    *RateLimiter
	lastAccess time.Time
}

// KeyedRateLimiter maps an opaque caller-supplied key (remote address,
// route, user token) to an independent RateLimiter instance. There is no
// shared permit pool across keys by design; callers that need a shared
// pool use a single RateLimiter directly.
type KeyedRateLimiter struct {
	config KeyedRateLimiterConfig
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyedRateLimiter creates a new KeyedRateLimiter.
func NewKeyedRateLimiter(config KeyedRateLimiterConfig) *KeyedRateLimiter {
	if config.Factory == nil {
		panic("resilience: keyed rate limiter factory is required")
	}
	config.Clock = clockOrDefault(config.Clock)
	return &KeyedRateLimiter{
		config:  config,
		entries: make(map[string]*keyedEntry),
	}
}

// GetRateLimiter lazily constructs the limiter for key using the
// configured factory, or returns the existing one. Concurrent callers for
// the same uncached key block on a single construction via singleflight
// rather than racing duplicate limiters into existence.
func (k *KeyedRateLimiter) GetRateLimiter(key string) *RateLimiter {
	now := k.config.Clock.Now()

	k.mu.Lock()
	if e, ok := k.entries[key]; ok {
		e.lastAccess = now
		k.mu.Unlock()
		return e.limiter
	}
	k.mu.Unlock()

	v, _, _ := k.group.Do(key, func() (any, error) {
		k.mu.Lock()
		if e, ok := k.entries[key]; ok {
			k.mu.Unlock()
			return e.limiter, nil
		}
		k.mu.Unlock()

		rl := NewRateLimiter(k.config.Factory(key))

		k.mu.Lock()
		k.entries[key] = &keyedEntry{limiter: rl, lastAccess: now}
		k.mu.Unlock()
		return rl, nil
	})

	k.evictIdleLocked(now)
	return v.(*RateLimiter)
}

// evictIdleLocked removes entries idle for at least IdleEvictionTTL. A
// no-op when eviction is disabled.
func (k *KeyedRateLimiter) evictIdleLocked(now time.Time) {
	if k.config.IdleEvictionTTL <= 0 {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, e := range k.entries {
		if now.Sub(e.lastAccess) >= k.config.IdleEvictionTTL {
			delete(k.entries, key)
		}
	}
}

// Len returns the number of currently tracked keys.
func (k *KeyedRateLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
