package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements a fixed window limiter per client IP
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*client
	rate      int           // requests per window
	window    time.Duration // time window
	whitelist map[string]struct{}
	logger    *slog.Logger
	now       func() time.Time

	// OnBlocked is called for every rejected request.
	OnBlocked func()
}

type client struct {
	tokens    int
	lastReset time.Time
}

// NewRateLimiter creates a rate limiter allowing 'rate' requests per 'window'.
// IPs in whitelist bypass the limiter.
func NewRateLimiter(rate int, window time.Duration, whitelist []string, logger *slog.Logger) *RateLimiter {
	wl := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			wl[ip] = struct{}{}
		}
	}

	return &RateLimiter{
		clients:   make(map[string]*client),
		rate:      rate,
		window:    window,
		whitelist: wl,
		logger:    logger.With("component", "rate_limiter"),
		now:       time.Now,
	}
}

// Run evicts idle clients until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evict()
		}
	}
}

func (rl *RateLimiter) evict() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	evicted := 0
	for ip, c := range rl.clients {
		if now.Sub(c.lastReset) > rl.window*2 {
			delete(rl.clients, ip)
			evicted++
		}
	}
	return evicted
}

func (rl *RateLimiter) IsWhitelisted(ip string) bool {
	_, ok := rl.whitelist[ip]
	return ok
}

// Allow checks if a request from the given IP should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, exists := rl.clients[ip]

	if !exists {
		rl.clients[ip] = &client{
			tokens:    rl.rate - 1,
			lastReset: now,
		}
		return true
	}

	if now.Sub(c.lastReset) > rl.window {
		c.tokens = rl.rate - 1
		c.lastReset = now
		return true
	}

	if c.tokens > 0 {
		c.tokens--
		return true
	}

	return false
}

// Middleware returns an HTTP middleware that applies rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(rl.window.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if rl.IsWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.Allow(ip) {
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			if rl.OnBlocked != nil {
				rl.OnBlocked()
			}
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func ClientIP(r *http.Request) string {
	// X-Forwarded-For from a reverse proxy: "client, proxy1, proxy2"
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if host, _, err := net.SplitHostPort(first); err == nil {
			return host
		}
		return first
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
