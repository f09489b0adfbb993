package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/config"
	appmetrics "github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/metrics"
)

// CounterStore counts requests per key inside a sliding window. A shared implementation
// (e.g. Redis) can replace the in-memory one when several instances run.
type CounterStore interface {
	// Hit records one request for key and returns the estimated count inside the window,
	// including this request.
	Hit(key string, window time.Duration, now time.Time) float64
}

type windowCounter struct {
	start time.Time // start of the current fixed window
	prev  int
	curr  int
	last  time.Time
}

// MemoryCounterStore sliding-window counters kept in process memory. The number of
// tracked keys is bounded; the least recently seen key is evicted first.
type MemoryCounterStore struct {
	mu      sync.Mutex
	maxKeys int
	keys    map[string]*windowCounter
}

func NewMemoryCounterStore(maxKeys int) *MemoryCounterStore {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &MemoryCounterStore{maxKeys: maxKeys, keys: make(map[string]*windowCounter)}
}

func (s *MemoryCounterStore) Hit(key string, window time.Duration, now time.Time) float64 {
	if window <= 0 {
		window = time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wc, ok := s.keys[key]
	if !ok {
		if len(s.keys) >= s.maxKeys {
			s.evictOldest()
		}
		wc = &windowCounter{start: now.Truncate(window)}
		s.keys[key] = wc
	}

	switch elapsed := now.Sub(wc.start); {
	case elapsed >= 2*window:
		wc.prev, wc.curr = 0, 0
		wc.start = now.Truncate(window)
	case elapsed >= window:
		wc.prev, wc.curr = wc.curr, 0
		wc.start = wc.start.Add(window)
	}
	wc.curr++
	wc.last = now

	weight := 1 - float64(now.Sub(wc.start))/float64(window)
	if weight < 0 {
		weight = 0
	}
	return float64(wc.prev)*weight + float64(wc.curr)
}

// Len number of tracked keys.
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *MemoryCounterStore) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, wc := range s.keys {
		if oldestKey == "" || wc.last.Before(oldest) {
			oldestKey, oldest = k, wc.last
		}
	}
	delete(s.keys, oldestKey)
}

type pathLimit struct {
	prefix string
	window time.Duration
	max    int
}

// RateLimitMiddlewareFromConfig selects the first per-path limit whose prefix matches the
// request path, otherwise the global one. Whitelisted clients are never limited.
func RateLimitMiddlewareFromConfig(cfg *config.Config, store CounterStore) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	if store == nil {
		store = NewMemoryCounterStore(rl.MaxTrackedKey)
	}

	var paths []pathLimit
	for _, p := range rl.Paths {
		if !p.Enabled || p.MaxRequests <= 0 || p.Prefix == "" {
			continue
		}
		w := p.Window
		if w <= 0 {
			w = rl.Window
		}
		paths = append(paths, pathLimit{prefix: p.Prefix, window: w, max: p.MaxRequests})
	}
	global := pathLimit{window: rl.Window, max: rl.MaxRequests}

	extractKey := func(c *gin.Context) string {
		if rl.KeyHeader != "" {
			if v := c.GetHeader(rl.KeyHeader); v != "" {
				if strings.EqualFold(rl.KeyHeader, "X-Forwarded-For") {
					return strings.TrimSpace(strings.Split(v, ",")[0])
				}
				return v
			}
		}
		if ip := c.ClientIP(); ip != "" {
			return ip
		}
		return "unknown"
	}
	// the whitelist holds addresses, whatever the key header carries
	whitelisted := func(c *gin.Context) bool {
		clientIP := c.ClientIP()
		for _, ip := range rl.WhitelistIPs {
			if ip == clientIP {
				return true
			}
		}
		return false
	}

	return func(c *gin.Context) {
		if whitelisted(c) {
			c.Next()
			return
		}
		key := extractKey(c)
		limit := global
		for _, p := range paths {
			if strings.HasPrefix(c.Request.URL.Path, p.prefix) {
				limit = p
				break
			}
		}
		if limit.max <= 0 {
			c.Next()
			return
		}
		if store.Hit(limit.prefix+"|"+key, limit.window, time.Now()) > float64(limit.max) {
			appmetrics.IncRateLimitDrop(limit.prefix)
			c.Header("Retry-After", strconv.Itoa(int(limit.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
