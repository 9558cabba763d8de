package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/api/student/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for _, path := range []string{"/api/student/1", "/api/student/2", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, m)
	assert.Contains(t, body, `portal_http_requests_total{method="GET",route="/api/student/:id",status="404"} 2`)
	assert.Contains(t, body, `portal_http_requests_total{method="GET",route="unmatched",status="404"} 1`)
	assert.Contains(t, body, `portal_http_request_duration_seconds_count{method="GET",route="/api/student/:id"} 2`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestHandlerExposesPortalCounters(t *testing.T) {
	m := New()
	m.Registration("ok")
	m.Login("invalid_credentials")
	m.Upload("ok")
	m.Upload("ok")

	body := scrape(t, m)
	assert.Contains(t, body, `portal_registrations_total{result="ok"} 1`)
	assert.Contains(t, body, `portal_logins_total{result="invalid_credentials"} 1`)
	assert.Contains(t, body, `portal_profile_uploads_total{result="ok"} 2`)
	assert.Contains(t, body, "go_goroutines")
}
