package web

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func getFrom(router *gin.Engine, ip string) int {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = ip + ":12345"
	router.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiterSharesBucketPerIP(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)

	if !rl.allow("192.168.1.1") {
		t.Error("first request should pass")
	}
	if rl.allow("192.168.1.1") {
		t.Error("second request from the same IP should be limited")
	}
	if !rl.allow("192.168.1.2") {
		t.Error("a different IP gets its own bucket")
	}
}

func TestRateLimitMiddlewareBurst(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 5))

	for i := 0; i < 5; i++ {
		if code := getFrom(router, "192.168.1.1"); code != http.StatusOK {
			t.Errorf("request %d should succeed in burst, got %d", i+1, code)
		}
	}
	if code := getFrom(router, "192.168.1.1"); code != http.StatusTooManyRequests {
		t.Errorf("request after burst should be limited, got %d", code)
	}
	if code := getFrom(router, "192.168.1.2"); code != http.StatusOK {
		t.Errorf("other IPs are unaffected, got %d", code)
	}
}

func TestRateLimitMiddlewareErrorResponse(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	getFrom(router, "192.168.1.1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Rate limit exceeded") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestRateLimitMiddlewareRecovery(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(10), 1))

	getFrom(router, "192.168.1.1")
	if code := getFrom(router, "192.168.1.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}

	time.Sleep(150 * time.Millisecond)
	if code := getFrom(router, "192.168.1.1"); code != http.StatusOK {
		t.Errorf("request after refill should succeed, got %d", code)
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	for i := 0; i < 50; i++ {
		rl.allow("10.0.0." + strconv.Itoa(i))
	}

	// age everyone past the TTL and run one sweep iteration by hand
	cutoff := time.Now().Add(-visitorTTL)
	rl.mu.Lock()
	for _, v := range rl.visitors {
		v.lastSeen = cutoff.Add(-time.Minute)
	}
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
	remaining := len(rl.visitors)
	rl.mu.Unlock()

	if remaining != 0 {
		t.Errorf("expected all idle visitors evicted, %d left", remaining)
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name     string
		maxBytes int64
		bodySize int
		want     int
	}{
		{"under limit", 1024, 512, http.StatusOK},
		{"at limit", 1024, 1024, http.StatusOK},
		{"over limit", 1024, 2048, http.StatusRequestEntityTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MaxBytesMiddleware(tc.maxBytes))
			router.POST("/test", func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			rec := httptest.NewRecorder()
			body := strings.Repeat("x", tc.bodySize)
			req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
			router.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestMaxBytesMiddlewareErrorMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(MaxBytesMiddleware(100))
	router.POST("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(strings.Repeat("x", 200)))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Request body too large") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}
