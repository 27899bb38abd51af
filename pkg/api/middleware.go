package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepEvery   = time.Minute
	idleLifetime = 3 * time.Minute
	retryAfter   = 5
)

// ClientLimiter applies a token bucket per client key. Idle buckets are
// dropped by a background sweep until Close is called.
type ClientLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	done     chan struct{}
	doneOnce sync.Once
}

type bucket struct {
	*rate.Limiter
	seen time.Time
}

// NewClientLimiter allows rps requests per second per client with the given
// burst.
func NewClientLimiter(rps float64, burst int) *ClientLimiter {
	l := &ClientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		buckets: map[string]*bucket{},
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *ClientLimiter) Close() {
	l.doneOnce.Do(func() { close(l.done) })
}

// Allow takes one token from key's bucket.
func (l *ClientLimiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.AllowN(now, 1)
}

func (l *ClientLimiter) sweep() {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			l.forgetIdle(idleLifetime)
		}
	}
}

// forgetIdle drops buckets unused for longer than idle and reports how many.
func (l *ClientLimiter) forgetIdle(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Middleware rejects requests over the client's budget with 429.
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Allow(ClientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}
		WriteTooManyRequests(w, retryAfter)
	})
}

// ClientIP is the request's remote address without the port.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.Trim(r.RemoteAddr, "[]")
}
