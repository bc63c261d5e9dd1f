// Package ratelimit bounds outbound delivery traffic: a per-subscription
// token bucket enforcing each subscription's deliveries/minute budget, and a
// global cap on concurrent in-flight HTTP calls. Token arithmetic is CAS-only
// so concurrent workers never serialize on a lock; the mutex guards only
// bucket creation and removal.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

const milliToken = 1000

// bucket holds its token state in one atomic word: the high 32 bits carry
// the unix second of the last refill, the low 32 bits the milli-token count.
// Capacity equals the per-minute budget; refill is continuous at budget/60
// tokens per second, computed lazily from elapsed wall-clock time.
type bucket struct {
	perMinute int
	state     atomic.Int64
}

func newBucket(perMinute int, now time.Time) *bucket {
	b := &bucket{perMinute: perMinute}
	b.state.Store(pack(now.Unix(), int64(perMinute)*milliToken))
	return b
}

func pack(sec, milli int64) int64   { return sec<<32 | milli }
func unpack(v int64) (int64, int64) { return v >> 32, v & 0xFFFFFFFF }

// take consumes one token if available. The refill multiplies before it
// divides, so whole-minute refills are exact; last only advances when at
// least one milli-token accrued, so sub-second fractions are not lost.
func (b *bucket) take(now time.Time) bool {
	capMilli := int64(b.perMinute) * milliToken
	for {
		old := b.state.Load()
		last, milli := unpack(old)
		if sec := now.Unix(); sec > last {
			refill := (sec - last) * capMilli / 60
			if refill > 0 {
				milli += refill
				if milli > capMilli {
					milli = capMilli
				}
				last = sec
			}
		}
		if milli < milliToken {
			return false
		}
		if b.state.CompareAndSwap(old, pack(last, milli-milliToken)) {
			return true
		}
	}
}

// Limiter hands out send permits per subscription id.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	now     func() time.Time
}

func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether one delivery to the given subscription may proceed
// now, consuming a token when it does. perMinute <= 0 means unlimited.
// Buckets start full; a changed budget replaces the bucket with a fresh,
// full one.
func (l *Limiter) Allow(id string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	return l.bucket(id, perMinute).take(l.now())
}

// Remove drops the bucket for a subscription, e.g. after it is deleted.
func (l *Limiter) Remove(id string) {
	l.mu.Lock()
	delete(l.buckets, id)
	l.mu.Unlock()
}

func (l *Limiter) bucket(id string, perMinute int) *bucket {
	l.mu.RLock()
	b := l.buckets[id]
	l.mu.RUnlock()
	if b != nil && b.perMinute == perMinute {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b = l.buckets[id]; b != nil && b.perMinute == perMinute {
		return b
	}
	b = newBucket(perMinute, l.now())
	l.buckets[id] = b
	return b
}

// InFlight caps concurrent outbound HTTP calls across all subscriptions.
// Slots are held only for the duration of one call. max <= 0 disables the
// cap.
type InFlight struct {
	max int64
	cur atomic.Int64
}

func NewInFlight(max int) *InFlight {
	return &InFlight{max: int64(max)}
}

// TryAcquire claims one slot without blocking.
func (g *InFlight) TryAcquire() bool {
	if g.max <= 0 {
		return true
	}
	for {
		cur := g.cur.Load()
		if cur >= g.max {
			return false
		}
		if g.cur.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot claimed by TryAcquire.
func (g *InFlight) Release() {
	if g.max <= 0 {
		return
	}
	g.cur.Add(-1)
}

// InUse returns the number of currently held slots.
func (g *InFlight) InUse() int {
	return int(g.cur.Load())
}
