package httpapi

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

// limiterPool hands out one token bucket per principal. Idle buckets expire.
type limiterPool struct {
	rps   float64
	burst int
	cache *ttlcache.Cache[string, *rate.Limiter]
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if burst <= 0 {
		burst = int(rps) + 1
	}
	c := ttlcache.New[string, *rate.Limiter](ttlcache.WithTTL[string, *rate.Limiter](limiterIdle))
	go c.Start()
	return &limiterPool{rps: rps, burst: burst, cache: c}
}

func (p *limiterPool) Allow(key string) bool {
	item, _ := p.cache.GetOrSet(key, rate.NewLimiter(rate.Limit(p.rps), p.burst))
	return item.Value().Allow()
}

func (p *limiterPool) Stop() { p.cache.Stop() }
