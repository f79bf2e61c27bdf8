package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits configures a ClientRateLimiter: Requests events per Window with Burst
// headroom. Clients idle for longer than IdleTTL are forgotten.
type Limits struct {
	Requests int
	Window   time.Duration
	Burst    int
	IdleTTL  time.Duration
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter throttles callers independently by key, typically the
// endpoint scope plus the client address.
type ClientRateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*client
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewClientRateLimiter applies defaults of one request per second, a burst of
// one and a five minute idle TTL to unset fields.
func NewClientRateLimiter(limits Limits) *ClientRateLimiter {
	if limits.Requests <= 0 {
		limits.Requests = 1
	}
	if limits.Window <= 0 {
		limits.Window = time.Second
	}
	if limits.Burst <= 0 {
		limits.Burst = 1
	}
	if limits.IdleTTL <= 0 {
		limits.IdleTTL = 5 * time.Minute
	}

	return &ClientRateLimiter{
		clients: make(map[string]*client),
		limit:   rate.Every(limits.Window / time.Duration(limits.Requests)),
		burst:   limits.Burst,
		ttl:     limits.IdleTTL,
		now:     time.Now,
	}
}

// PerMinute is shorthand for a limiter allowing n requests a minute.
func PerMinute(n int) *ClientRateLimiter {
	return NewClientRateLimiter(Limits{Requests: n, Window: time.Minute, Burst: n})
}

// Allow reports whether the caller identified by key may proceed now.
func (l *ClientRateLimiter) Allow(key string) bool {
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Len returns the number of clients currently tracked.
func (l *ClientRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *ClientRateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.ttl/2 {
		return
	}
	l.lastSweep = now
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.clients, key)
		}
	}
}

// WithNowFunc allows tests to override the time source.
func (l *ClientRateLimiter) WithNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
