package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualClock) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualClock) advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

func newLimiter(rpm, burst int, exempt ...string) (*Limiter, *manualClock) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour, ExemptPrefixes: exempt})
	l.now = clock.now
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	l, clock := newLimiter(60, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request after burst should be denied")
	}

	clock.advance(time.Second) // 60/min refills one token per second
	if !l.Allow("10.0.0.1") {
		t.Fatal("request after refill should be allowed")
	}
}

func TestLimiterClientsIndependent(t *testing.T) {
	l, _ := newLimiter(60, 1)
	defer l.Stop()

	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("first request per client should pass")
	}
	if l.Allow("a") {
		t.Fatal("client a should be limited")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l, _ := newLimiter(0, 1)
	defer l.Stop()
	for i := 0; i < 100; i++ {
		if !l.Allow("x") {
			t.Fatal("rpm=0 should disable limiting")
		}
	}
}

func TestMiddleware_ExemptsWebhooks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(60, 1, "/webhook/")
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.POST("/webhook/payment-confirmed", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/orders", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/webhook/payment-confirmed", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("webhook %d should never be limited, got %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/orders", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first api call should pass, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/orders", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second api call should be limited, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestStopIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}
