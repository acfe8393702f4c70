package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// Limiter enforces request ceilings with an in-process store. One underlying
// limiter instance is kept per (window, max) pair; the rate is folded into
// the store key so differently-configured handlers never share a counter.
type Limiter struct {
	Prefix string

	mu        sync.Mutex
	store     limiter.Store
	instances map[string]*limiter.Limiter
}

// NewLimiter builds a memory-backed limiter with the given key prefix.
func NewLimiter(prefix string) *Limiter {
	return &Limiter{
		Prefix:    prefix,
		store:     memory.NewStore(),
		instances: make(map[string]*limiter.Limiter),
	}
}

// Allow registers an event for the given key and returns whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error) {
	if max <= 0 || window <= 0 {
		return true, max, time.Now().Add(window), nil
	}

	rateKey := fmt.Sprintf("%d:%d", window, max)
	lctx, err := l.instance(rateKey, window, max).Get(ctx, l.Prefix+rateKey+":"+key)
	if err != nil {
		return false, 0, time.Now().Add(window), err
	}
	return !lctx.Reached, int(lctx.Remaining), time.Unix(lctx.Reset, 0), nil
}

func (l *Limiter) instance(rateKey string, window time.Duration, max int) *limiter.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		l.store = memory.NewStore()
	}
	if l.instances == nil {
		l.instances = make(map[string]*limiter.Limiter)
	}
	if instance, ok := l.instances[rateKey]; ok {
		return instance
	}
	instance := limiter.New(l.store, limiter.Rate{Period: window, Limit: int64(max)})
	l.instances[rateKey] = instance
	return instance
}
