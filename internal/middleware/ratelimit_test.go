package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/config"
)

func TestMemoryCounterStore_SlidingWindow(t *testing.T) {
	s := NewMemoryCounterStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		s.Hit("k", time.Minute, base.Add(time.Duration(i)*time.Second))
	}
	// halfway through the next window, the previous 4 hits weigh 50%
	got := s.Hit("k", time.Minute, base.Add(90*time.Second))
	assert.InDelta(t, 3.0, got, 0.001)

	// two windows later everything is forgotten
	got = s.Hit("k", time.Minute, base.Add(5*time.Minute))
	assert.InDelta(t, 1.0, got, 0.001)
}

func TestMemoryCounterStore_BoundedKeys(t *testing.T) {
	s := NewMemoryCounterStore(2)
	now := time.Now()
	s.Hit("a", time.Minute, now)
	s.Hit("b", time.Minute, now.Add(time.Second))
	s.Hit("c", time.Minute, now.Add(2*time.Second))
	assert.Equal(t, 2, s.Len())

	// "a" was evicted, so it starts over
	assert.InDelta(t, 1.0, s.Hit("a", time.Minute, now.Add(3*time.Second)), 0.001)
}

func rateLimitRouter(rl config.RateLimitingConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Security: config.SecurityConfig{RateLimiting: rl}}
	r := gin.New()
	r.Use(RateLimitMiddlewareFromConfig(cfg, nil))
	r.GET("/api/outbox", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/tickets", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimit_Disabled(t *testing.T) {
	r := rateLimitRouter(config.RateLimitingConfig{Enabled: false, MaxRequests: 1, Window: time.Minute})
	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, doGet(r, "/api/tickets", "").Code)
	}
}

func TestRateLimit_GlobalLimit(t *testing.T) {
	r := rateLimitRouter(config.RateLimitingConfig{Enabled: true, MaxRequests: 3, Window: time.Minute})
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, doGet(r, "/api/tickets", "").Code)
	}
	w := doGet(r, "/api/tickets", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestRateLimit_PathOverrideAndWhitelist(t *testing.T) {
	r := rateLimitRouter(config.RateLimitingConfig{
		Enabled:     true,
		MaxRequests: 100,
		Window:      time.Minute,
		KeyHeader:   "X-Client-ID",
		Paths: []config.PathRateLimitConfig{
			{Enabled: true, Prefix: "/api/outbox", MaxRequests: 1},
		},
		WhitelistIPs: []string{"198.51.100.7"},
	})

	getFrom := func(remoteAddr, path, client string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = remoteAddr
		req.Header.Set("X-Client-ID", client)
		r.ServeHTTP(w, req)
		return w.Code
	}
	get := func(path, client string) int {
		return getFrom("192.0.2.1:1234", path, client)
	}

	assert.Equal(t, http.StatusOK, get("/api/outbox", "c1"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/outbox", "c1"))
	// separate client key, separate budget
	assert.Equal(t, http.StatusOK, get("/api/outbox", "c2"))
	// other paths use the global limit
	assert.Equal(t, http.StatusOK, get("/api/tickets", "c1"))

	// the whitelist matches the client address, not the key header
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, getFrom("198.51.100.7:4000", "/api/outbox", "api-key-9"))
	}
	assert.Equal(t, http.StatusOK, get("/api/outbox", "198.51.100.7"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/outbox", "198.51.100.7"))
}
