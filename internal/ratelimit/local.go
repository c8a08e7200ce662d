package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localBuckets is the single-replica fallback used when redis is not
// configured. Idle limiters are swept so short-lived actors do not pile up.
type localBuckets struct {
	limiters sync.Map // key -> *rate.Limiter

	mu        sync.Mutex
	lastSweep time.Time
	now       func() time.Time
}

const localSweepEvery = 5 * time.Minute

func newLocalBuckets(now func() time.Time) *localBuckets {
	return &localBuckets{now: now, lastSweep: now()}
}

func (b *localBuckets) allow(key string, perSecond float64, burst int) bool {
	v, ok := b.limiters.Load(key)
	if !ok {
		v, _ = b.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(perSecond), burst))
		b.sweep(burst)
	}
	return v.(*rate.Limiter).AllowN(b.now(), 1)
}

// sweep drops limiters whose bucket has refilled, since they hold no state
// worth keeping.
func (b *localBuckets) sweep(burst int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastSweep) < localSweepEvery {
		return
	}
	b.lastSweep = now
	b.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).TokensAt(now) >= float64(burst) {
			b.limiters.Delete(key)
		}
		return true
	})
}
