package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimitConfig bounds POST /messages per client address. A zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterPool struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	cfg     RateLimitConfig
	clock   func() time.Time
	sweptAt time.Time
}

func newLimiterPool(cfg RateLimitConfig) *limiterPool {
	return &limiterPool{
		entries: make(map[string]*limiterEntry),
		cfg:     cfg,
		clock:   time.Now,
	}
}

func (p *limiterPool) Allow(key string) bool {
	if p == nil || p.cfg.RequestsPerSecond <= 0 {
		return true
	}
	return p.get(key).Allow()
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	p.sweep(now)
	if entry, ok := p.entries[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	burst := p.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	entry := &limiterEntry{
		limiter:  rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), burst),
		lastSeen: now,
	}
	p.entries[key] = entry
	return entry.limiter
}

// sweep drops limiters of clients that have been quiet for limiterIdleTTL. Callers hold mu.
func (p *limiterPool) sweep(now time.Time) {
	if now.Sub(p.sweptAt) < limiterIdleTTL {
		return
	}
	for key, entry := range p.entries {
		if now.Sub(entry.lastSeen) >= limiterIdleTTL {
			delete(p.entries, key)
		}
	}
	p.sweptAt = now
}
