package p2p

import (
	"sync"
	"time"
)

// RateLimit allows Limit calls per Window. A non-positive Limit never limits.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig configures the outgoing limiter.
type RateLimitConfig struct {
	Global    RateLimit
	Endpoints map[string]RateLimit
	// Whitelisted keys are never throttled. Whitelisting a peer means we may
	// spam it, so this is meant for tests and in-cluster callers.
	Whitelist []string
	Disabled  bool
}

// DefaultRateLimitConfig mirrors the limits peers enforce on their inbound side,
// so that we throttle ourselves before they ban us.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Global: RateLimit{Limit: 100, Window: time.Second},
		Endpoints: map[string]RateLimit{
			EventPostBlock:       {Limit: 2, Window: 4 * time.Second},
			EventGetBlocks:       {Limit: 1, Window: time.Second},
			EventGetPeers:        {Limit: 1, Window: time.Second},
			EventGetStatus:       {Limit: 2, Window: time.Second},
			EventGetCommonBlocks: {Limit: 9, Window: time.Second},
		},
	}
}

type endpointKey struct {
	key      string
	endpoint string
}

// window counts calls in a fixed window that opens on the first call and
// lasts limit.Window. Peers enforce the same windows on their inbound side.
type window struct {
	limit RateLimit
	start time.Time
	count int
}

func newWindow(limit RateLimit) *window {
	if limit.Window <= 0 {
		limit.Window = time.Second
	}
	return &window{limit: limit}
}

// take counts one call at now and reports whether it fits the window.
func (w *window) take(now time.Time) bool {
	if w == nil {
		return true
	}
	if w.start.IsZero() || !now.Before(w.start.Add(w.limit.Window)) {
		w.start = now
		w.count = 0
	}
	if w.count >= w.limit.Limit {
		return false
	}
	w.count++
	return true
}

func (w *window) refund() {
	if w != nil && w.count > 0 {
		w.count--
	}
}

// RateLimiter tracks outgoing calls per key and per (key, endpoint). It never
// sleeps; callers poll HasExceededRateLimit and back off themselves.
type RateLimiter struct {
	cfg       RateLimitConfig
	whitelist map[string]struct{}
	now       func() time.Time

	mu       sync.Mutex
	global   map[string]*window
	endpoint map[endpointKey]*window
}

// NewRateLimiter builds a limiter from cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, key := range cfg.Whitelist {
		wl[key] = struct{}{}
	}
	return &RateLimiter{
		cfg:       cfg,
		whitelist: wl,
		now:       time.Now,
		global:    make(map[string]*window),
		endpoint:  make(map[endpointKey]*window),
	}
}

// HasExceededRateLimit counts one call for key on endpoint and reports
// whether that call is over either the endpoint or the global limit. An
// exceeded call is not counted.
func (l *RateLimiter) HasExceededRateLimit(key, endpoint string) bool {
	if l == nil || l.cfg.Disabled {
		return false
	}
	if _, ok := l.whitelist[key]; ok {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ep := l.endpointWindowLocked(key, endpoint)
	if !ep.take(now) {
		return true
	}
	if !l.globalWindowLocked(key).take(now) {
		ep.refund()
		return true
	}
	return false
}

func (l *RateLimiter) globalWindowLocked(key string) *window {
	if l.cfg.Global.Limit <= 0 {
		return nil
	}
	w := l.global[key]
	if w == nil {
		w = newWindow(l.cfg.Global)
		l.global[key] = w
	}
	return w
}

func (l *RateLimiter) endpointWindowLocked(key, endpoint string) *window {
	limit, ok := l.cfg.Endpoints[endpoint]
	if !ok || limit.Limit <= 0 {
		return nil
	}
	k := endpointKey{key: key, endpoint: endpoint}
	w := l.endpoint[k]
	if w == nil {
		w = newWindow(limit)
		l.endpoint[k] = w
	}
	return w
}
