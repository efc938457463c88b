package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiters(max int) (*clientLimiters, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
	l := newClientLimiters(1, 1)
	l.max = max
	l.now = clock.now
	l.lastSweep = clock.t
	return l, clock
}

func TestClientLimiters_IdleEntriesExpire(t *testing.T) {
	l, clock := newTestLimiters(100)
	assert.True(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"))
	assert.Equal(t, 2, l.size())

	clock.t = clock.t.Add(limiterIdleTTL + limiterSweepEvery)
	assert.True(t, l.allow("10.0.0.3"))
	assert.Equal(t, 1, l.size())
}

func TestClientLimiters_TableIsBounded(t *testing.T) {
	l, clock := newTestLimiters(2)
	assert.True(t, l.allow("10.0.0.1"))
	clock.t = clock.t.Add(time.Second)
	assert.True(t, l.allow("10.0.0.2"))
	clock.t = clock.t.Add(time.Second)
	assert.True(t, l.allow("10.0.0.3"))
	assert.Equal(t, 2, l.size())

	// the oldest client was evicted and starts with a full bucket again
	assert.True(t, l.allow("10.0.0.1"))
	// the most recent one is still tracked and its bucket is empty
	assert.False(t, l.allow("10.0.0.3"))
}

func TestRateLimit_PerClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiters(100)
	r := gin.New()
	r.Use(rateLimit(l))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(remote string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = remote
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, get("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1:1001"))
	assert.Equal(t, http.StatusOK, get("10.0.0.2:1000"))
}
