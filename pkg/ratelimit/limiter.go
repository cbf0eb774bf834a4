package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerSource is the programmatic form of the limiter used inside the
// admission pipeline, where rate limiting must run after signature and
// timestamp verification rather than as HTTP middleware.
type PerSource struct {
	config   Config
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPerSource(config Config) *PerSource {
	if config.RPS <= 0 {
		config = DefaultConfig()
	}
	p := &PerSource{
		config:   config,
		limiters: make(map[string]*limiterEntry),
		stopCh:   make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go p.cleanupLoop()
	}
	return p
}

// Allow reports whether one request from the given source fits the
// budget right now.
func (p *PerSource) Allow(source string) bool {
	p.mu.Lock()
	entry, ok := p.limiters[source]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(p.config.RPS), p.config.Burst),
		}
		p.limiters[source] = entry
	}
	entry.lastSeen = time.Now()
	p.mu.Unlock()

	return entry.limiter.Allow()
}

func (p *PerSource) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *PerSource) cleanupLoop() {
	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			now := time.Now()
			for key, entry := range p.limiters {
				if now.Sub(entry.lastSeen) > p.config.MaxAge {
					delete(p.limiters, key)
				}
			}
			p.mu.Unlock()
		case <-p.stopCh:
			return
		}
	}
}
