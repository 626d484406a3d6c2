package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubLimiter 固定返回脚本化结果
type stubLimiter struct {
	allowed   bool
	allowErr  error
	remaining int
	remErr    error
	lastKey   string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.lastKey = key
	return s.allowed, s.allowErr
}

func (s *stubLimiter) Remaining(_ context.Context, _ string, _ int, _ time.Duration) (int, error) {
	return s.remaining, s.remErr
}

func serveWithLimiter(cfg RateLimitConfig, limiter RateLimiter) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(RateLimit(cfg, limiter))
	r.POST("/v1/qa/ask", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/qa/ask", nil)
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitAllowedSetsHeaders(t *testing.T) {
	limiter := &stubLimiter{allowed: true, remaining: 7}
	w := serveWithLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 10}, limiter)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "7", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, limiter.lastKey, "/v1/qa/ask")
}

func TestRateLimitDeniedReturns429(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	w := serveWithLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 10}, limiter)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	limiter := &stubLimiter{allowErr: errors.New("redis down")}
	w := serveWithLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 10}, limiter)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimitRemainingErrorSkipsHeader(t *testing.T) {
	limiter := &stubLimiter{allowed: true, remErr: errors.New("redis down")}
	w := serveWithLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 10}, limiter)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	w := serveWithLimiter(RateLimitConfig{Enabled: false}, limiter)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, limiter.lastKey)
}
