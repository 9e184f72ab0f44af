package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allow(t *testing.T, m *MemoryLimiter, key string) bool {
	t.Helper()
	ok, err := m.Allow(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 0.5, 3)
	for i := range 3 {
		assert.True(t, allow(t, m, "caller"), "request %d is within burst", i+1)
	}
	assert.False(t, allow(t, m, "caller"))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestLimiter(t, 0.5, 1)
	assert.True(t, allow(t, m, "caller"))
	assert.False(t, allow(t, m, "caller"))

	clock.Advance(time.Second)
	assert.False(t, allow(t, m, "caller"), "half a token is not enough")
	clock.Advance(time.Second)
	assert.True(t, allow(t, m, "caller"))
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, clock := newTestLimiter(t, 10, 2)
	assert.True(t, allow(t, m, "caller"))
	clock.Advance(time.Hour)
	assert.True(t, allow(t, m, "caller"))
	assert.True(t, allow(t, m, "caller"))
	assert.False(t, allow(t, m, "caller"))
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 0.1, 1)
	assert.True(t, allow(t, m, "a"))
	assert.False(t, allow(t, m, "a"))
	assert.True(t, allow(t, m, "b"))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 0.001, 10)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(context.Background(), "shared"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestMemoryLimiterSweepEvictsIdleKeys(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 1)
	allow(t, m, "old")
	clock.Advance(idleTTL + time.Second)
	allow(t, m, "fresh")

	m.sweep()
	assert.Equal(t, 1, m.size())
}

func TestNewDisabled(t *testing.T) {
	l := New(0, 0)
	_, isNoop := l.(NoopLimiter)
	assert.True(t, isNoop)
	ok, err := l.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Close())

	mem, ok := New(30, 2).(*MemoryLimiter)
	require.True(t, ok)
	defer func() { _ = mem.Close() }()
	assert.Equal(t, 2*time.Second, mem.RetryAfter())
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failingLimiter) Close() error                                 { return nil }

func TestMiddleware(t *testing.T) {
	m, _ := newTestLimiter(t, 0.5, 1)
	logger := slog.New(slog.DiscardHandler)
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	reject := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }
	byHeader := func(r *http.Request) string { return r.Header.Get("X-User-Address") }

	h := Middleware(m, "ai", byHeader, reject, logger)(inner)
	do := func(addr string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/ai/universes/draft-scenarios", nil)
		if addr != "" {
			req.Header.Set("X-User-Address", addr)
		}
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("0xa").Code)
	rec := do("0xa")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("0xb").Code)
	assert.Equal(t, http.StatusOK, do("").Code, "empty key skips the limit")

	failOpen := Middleware(failingLimiter{}, "ai", byHeader, reject, logger)(inner)
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("X-User-Address", "0xa")
	failOpen.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
