package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// TestRateLimiter はRateLimiterを検証する。
func TestRateLimiter(t *testing.T) {
	t.Parallel()

	t.Run("バースト数を超えると429が返ること", func(t *testing.T) {
		t.Parallel()

		limiter := NewRateLimiter(0.001, 2)
		router := gin.New()
		router.POST("/login", limiter.Middleware(), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		codes := make([]int, 0, 3)
		for range 3 {
			req := httptest.NewRequest(http.MethodPost, "/login", nil)
			req.RemoteAddr = "192.0.2.1:1234"
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			codes = append(codes, w.Code)
		}

		want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
		for i := range want {
			if codes[i] != want[i] {
				t.Errorf("%d回目のステータスコード = %d, want %d", i+1, codes[i], want[i])
			}
		}
	})

	t.Run("クライアントごとに独立して制限されること", func(t *testing.T) {
		t.Parallel()

		limiter := NewRateLimiter(0.001, 1)
		if !limiter.Allow("192.0.2.1") {
			t.Error("1件目は許可されるべき")
		}
		if limiter.Allow("192.0.2.1") {
			t.Error("2件目は拒否されるべき")
		}
		if !limiter.Allow("192.0.2.2") {
			t.Error("別のクライアントは許可されるべき")
		}
	})

	t.Run("期限切れのクライアントは破棄されること", func(t *testing.T) {
		t.Parallel()

		limiter := NewRateLimiter(0.001, 1)
		now := time.Now()
		limiter.now = func() time.Time { return now }
		limiter.Allow("192.0.2.1")

		now = now.Add(2 * rateLimiterExpiry)
		if !limiter.Allow("192.0.2.1") {
			t.Error("破棄後のクライアントは再び許可されるべき")
		}
		if len(limiter.visitors) != 1 {
			t.Errorf("visitors = %d, want 1", len(limiter.visitors))
		}
	})
}
