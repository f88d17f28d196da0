package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMetrics_LeaseObserver(t *testing.T) {
	t.Parallel()

	t.Run("貸し出しと返却でアクティブ数が増減すること", func(t *testing.T) {
		t.Parallel()

		m := New(prometheus.NewRegistry())
		m.LeaseAcquired(time.Millisecond)
		m.LeaseAcquired(time.Millisecond)
		m.LeaseReleased()

		assert.InDelta(t, 1, testutil.ToFloat64(m.activeLeases), 0)
		assert.Equal(t, 1, testutil.CollectAndCount(m.leaseWait))
	})

	t.Run("枯渇時のみexhaustedが増えること", func(t *testing.T) {
		t.Parallel()

		m := New(prometheus.NewRegistry())
		m.LeaseFailed(time.Second, true)
		m.LeaseFailed(time.Millisecond, false)

		assert.InDelta(t, 1, testutil.ToFloat64(m.exhaustedTotal), 0)
		assert.Equal(t, 2, testutil.CollectAndCount(m.leaseWait))
	})
}

func TestMetrics_Operations(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.ObserveOperation("login", "ok")
	m.ObserveOperation("login", "ok")
	m.ObserveOperation("validate", "session_terminated")
	m.ObserveError("session_terminated")

	assert.InDelta(t, 2, testutil.ToFloat64(m.operations.WithLabelValues("login", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.operations.WithLabelValues("validate", "session_terminated")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.errorsTotal.WithLabelValues("session_terminated")), 0)
}

func TestMetrics_Middleware(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	r := gin.New()
	r.Use(m.Middleware())
	r.POST("/api/login", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, target := range []string{"/api/login", "/api/login", "/health"} {
		method := http.MethodPost
		if target == "/health" {
			method = http.MethodGet
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	}

	t.Run("ルートごとに件数が記録されること", func(t *testing.T) {
		t.Parallel()
		assert.InDelta(t, 2, testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodPost, "/api/login", "200")), 0)
	})

	t.Run("ヘルスチェックは記録されないこと", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 1, testutil.CollectAndCount(m.requestsTotal))
	})
}
