package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter keyed by caller, usually the
// client IP.
type Limiter struct {
	mu         sync.Mutex
	windows    map[string]*window
	rate       int
	period     time.Duration
	trustProxy bool
	now        func() time.Time
}

type window struct {
	count int
	start time.Time
}

// New creates a Limiter that allows rate requests per period for each key.
// A non-positive rate disables limiting.
func New(rate int, period time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		rate:    rate,
		period:  period,
		now:     time.Now,
	}
}

// TrustProxy makes Middleware key requests by X-Forwarded-For. Enable it
// only behind a proxy that overwrites the header.
func (l *Limiter) TrustProxy(trust bool) {
	l.trustProxy = trust
}

// Allow returns true if key is within its rate limit and counts the request.
func (l *Limiter) Allow(key string) bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) > l.period {
		l.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.rate
}

// Sweep drops keys whose window has expired and returns how many were
// removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k, w := range l.windows {
		if now.Sub(w.start) > l.period {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Middleware rejects requests over the limit with 429, keyed by ClientIP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r, l.trustProxy)) {
			w.Header().Set("Retry-After", retryAfter(l.period))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","kind":"rate-limited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfter(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ClientIP extracts the client IP from a request. X-Forwarded-For is only
// honoured when trustProxy is set; otherwise any client could pick its key.
func ClientIP(r *http.Request, trustProxy bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); trustProxy && xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
