package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, perMinute, burst int) (*Limiter, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: perMinute, BurstSize: burst, CleanupInterval: time.Minute}).WithClock(c.Now)
	t.Cleanup(l.Stop)
	return l, c
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, c := newLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("alice"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("alice"))

	c.Advance(time.Second)
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, 60, 2)

	l.Allow("alice")
	l.Allow("alice")
	assert.False(t, l.Allow("alice"))
	assert.True(t, l.Allow("bob"))
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l, _ := newLimiter(t, 60, 2)
	l.Stop()
	l.Stop()
}

func TestMiddleware_KeysOnActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, 60, 1)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Actor-ID"); id != "" {
			c.Set("actorId", id)
		}
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/v1/transactions", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(actor string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/transactions", nil)
		if actor != "" {
			req.Header.Set("X-Actor-ID", actor)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("alice"))
	assert.Equal(t, http.StatusTooManyRequests, get("alice"))
	assert.Equal(t, http.StatusOK, get("bob"), "same IP, different actor")
	assert.Equal(t, http.StatusOK, get(""))
	assert.Equal(t, http.StatusTooManyRequests, get(""))
}
