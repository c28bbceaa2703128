package protocol

import (
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

// RateLimitConfig limits how often one peer may challenge this node.
type RateLimitConfig struct {
	// PerSecond is the sustained request rate per peer.
	PerSecond float64
	// PerMinute is an additional hard cap per peer and minute.
	PerMinute int
	// Burst is the token bucket size.
	Burst int
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerSecond: 5,
		PerMinute: 120,
		Burst:     10,
	}
}

// peerLimiter holds rate limiters for a single peer.
type peerLimiter struct {
	limiter      *rate.Limiter
	minuteCount  int
	minuteWindow time.Time
	lastActive   time.Time
}

// PeerRateLimiter tracks request rates per remote peer.
type PeerRateLimiter struct {
	config   RateLimitConfig
	clock    clock.Clock
	limiters map[peer.ID]*peerLimiter
	mu       sync.Mutex

	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewPeerRateLimiter creates a limiter and starts its idle-peer cleanup. A nil
// clk uses the wall clock.
func NewPeerRateLimiter(config RateLimitConfig, clk clock.Clock) *PeerRateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	prl := &PeerRateLimiter{
		config:          config,
		clock:           clk,
		limiters:        make(map[peer.ID]*peerLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go prl.cleanupLoop()
	return prl
}

// Allow reports whether a request from id may be served now.
func (prl *PeerRateLimiter) Allow(id peer.ID) bool {
	prl.mu.Lock()
	defer prl.mu.Unlock()

	now := prl.clock.Now()
	pl, ok := prl.limiters[id]
	if !ok {
		pl = &peerLimiter{
			limiter:      rate.NewLimiter(rate.Limit(prl.config.PerSecond), prl.config.Burst),
			minuteWindow: now.Truncate(time.Minute),
		}
		prl.limiters[id] = pl
	}
	pl.lastActive = now

	if !pl.limiter.AllowN(now, 1) {
		log.Debugf("Rate limit exceeded (per-second) for peer %s", id.ShortString())
		return false
	}

	if minute := now.Truncate(time.Minute); minute.After(pl.minuteWindow) {
		pl.minuteCount = 0
		pl.minuteWindow = minute
	}
	pl.minuteCount++
	if prl.config.PerMinute > 0 && pl.minuteCount > prl.config.PerMinute {
		log.Debugf("Rate limit exceeded (per-minute) for peer %s: %d/%d", id.ShortString(), pl.minuteCount, prl.config.PerMinute)
		return false
	}
	return true
}

// Reset clears the state of one peer.
func (prl *PeerRateLimiter) Reset(id peer.ID) {
	prl.mu.Lock()
	defer prl.mu.Unlock()
	delete(prl.limiters, id)
}

// PeerCount returns the number of peers currently tracked.
func (prl *PeerRateLimiter) PeerCount() int {
	prl.mu.Lock()
	defer prl.mu.Unlock()
	return len(prl.limiters)
}

// Close stops the cleanup goroutine.
func (prl *PeerRateLimiter) Close() {
	prl.stopOnce.Do(func() { close(prl.stopCleanup) })
}

func (prl *PeerRateLimiter) cleanupLoop() {
	ticker := prl.clock.Ticker(prl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			prl.cleanup()
		case <-prl.stopCleanup:
			return
		}
	}
}

// cleanup forgets peers idle for longer than maxIdleTime.
func (prl *PeerRateLimiter) cleanup() {
	prl.mu.Lock()
	defer prl.mu.Unlock()

	now := prl.clock.Now()
	for id, pl := range prl.limiters {
		if now.Sub(pl.lastActive) > prl.maxIdleTime {
			delete(prl.limiters, id)
			log.Debugf("Cleaned up rate limiter for idle peer %s", id.ShortString())
		}
	}
}
