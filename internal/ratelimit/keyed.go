// Package ratelimit provides per-key token buckets with a bounded key set.
package ratelimit

import (
	"container/list"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of buckets kept when Config.MaxKeys is unset.
const DefaultMaxKeys = 4096

type Config struct {
	// PerSecond is the refill rate. Zero or less disables limiting.
	PerSecond float64
	// Burst is the bucket capacity. It defaults to max(1, PerSecond).
	Burst int
	// MaxKeys bounds memory under key spray. The least recently used bucket is
	// evicted once the bound is reached.
	MaxKeys int
	Clock   clock.Clock
	// OnEvict runs once per evicted bucket, outside the limiter's mutex.
	OnEvict func()
}

// Keyed hands out one token bucket per key.
type Keyed struct {
	limit   rate.Limit
	burst   int
	maxKeys int
	clock   clock.Clock
	onEvict func()

	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List
}

type bucketEntry struct {
	key string
	lim *rate.Limiter
}

func NewKeyed(cfg Config) *Keyed {
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.PerSecond))
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Keyed{
		limit:   rate.Limit(cfg.PerSecond),
		burst:   burst,
		maxKeys: maxKeys,
		clock:   c,
		onEvict: cfg.OnEvict,
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Allow takes one token from key's bucket. A nil or disabled limiter allows
// everything.
func (k *Keyed) Allow(key string) bool {
	if k == nil || k.limit <= 0 {
		return true
	}

	k.mu.Lock()
	lim, evicted := k.bucketLocked(key)
	allowed := lim.AllowN(k.clock.Now(), 1)
	k.mu.Unlock()

	if evicted && k.onEvict != nil {
		k.onEvict()
	}
	return allowed
}

func (k *Keyed) bucketLocked(key string) (*rate.Limiter, bool) {
	if el, ok := k.buckets[key]; ok {
		k.lru.MoveToFront(el)
		return el.Value.(*bucketEntry).lim, false
	}

	evicted := false
	if k.lru.Len() >= k.maxKeys {
		if oldest := k.lru.Back(); oldest != nil {
			k.lru.Remove(oldest)
			delete(k.buckets, oldest.Value.(*bucketEntry).key)
			evicted = true
		}
	}

	lim := rate.NewLimiter(k.limit, k.burst)
	k.buckets[key] = k.lru.PushFront(&bucketEntry{key: key, lim: lim})
	return lim, evicted
}

// Len reports the number of tracked keys.
func (k *Keyed) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lru.Len()
}
