package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// PingGuard remembers when each proxy was last pinged and refuses a new ping
// until interval has elapsed. It is shared by every worker using a proxy.
type PingGuard struct {
	clock    clock.Clock
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewPingGuard(clk clock.Clock, interval time.Duration) *PingGuard {
	if clk == nil {
		clk = clock.New()
	}
	return &PingGuard{
		clock:    clk,
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// TryAcquire records a ping attempt for proxy if one is due. Otherwise it
// returns false and how long until the proxy becomes due.
func (g *PingGuard) TryAcquire(proxy string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if last, ok := g.last[proxy]; ok {
		if elapsed := now.Sub(last); elapsed < g.interval {
			return g.interval - elapsed, false
		}
	}
	g.last[proxy] = now
	return 0, true
}

func (g *PingGuard) Last(proxy string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[proxy]
	return t, ok
}

func (g *PingGuard) Interval() time.Duration {
	return g.interval
}

// Forget drops the record for a proxy that left circulation.
func (g *PingGuard) Forget(proxy string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, proxy)
}
