package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestAllowWithinBurst(t *testing.T) {
	l := New(10, 5)
	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(), "request %d within burst", i+1)
	}
}

func TestBlockWhenDepleted(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := newLimiter(10, 2, clock.Now)
	l.Allow()
	l.Allow()
	assert.False(t, l.Allow())
}

func TestRefillOverTime(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := newLimiter(1000, 1, clock.Now)
	require.True(t, l.Allow())
	require.False(t, l.Allow())

	clock.Advance(2 * time.Millisecond)
	assert.True(t, l.Allow())
}

func TestStoreCreatesPerKeyLimiters(t *testing.T) {
	s := NewStore(100, 10)
	for i := 0; i < 10; i++ {
		require.True(t, s.Allow("10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, s.Allow("10.0.0.1"))
	assert.True(t, s.Allow("10.0.0.2"), "second client has its own bucket")
	assert.Equal(t, 2, s.Len())
}

func TestStorePrunesIdleLimiters(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	s := NewStore(1, 1)
	s.now = clock.Now

	for i := 0; i < pruneThreshold; i++ {
		s.Allow("client-" + strconv.Itoa(i))
	}
	require.Equal(t, pruneThreshold, s.Len())

	clock.Advance(time.Minute)
	s.Allow("late")
	assert.Equal(t, 1, s.Len())
}

func TestMiddleware(t *testing.T) {
	s := NewStore(1, 1)
	var rejected int
	h := Middleware(s, ClientIP, func(*http.Request) { rejected++ })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	call := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/service/x", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call("192.0.2.1:1000").Code)

	rec := call("192.0.2.1:2000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":{"message":"rate limit exceeded","type":"rate_limited"}}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, call("192.0.2.2:1000").Code)
	assert.Equal(t, 1, rejected)
}
