package safety

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultReportRate  = 0.2
	defaultReportBurst = 5
)

// limiterPool hands out one token bucket per reporter.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rate  rate.Limit
	burst int
}

func newLimiterPool(perSecond float64, burst int) *limiterPool {
	if perSecond <= 0 {
		perSecond = defaultReportRate
	}
	if burst <= 0 {
		burst = defaultReportBurst
	}
	return &limiterPool{
		m:     make(map[string]*rate.Limiter),
		rate:  rate.Limit(perSecond),
		burst: burst,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(p.rate, p.burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
