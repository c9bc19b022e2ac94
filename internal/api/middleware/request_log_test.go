package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newLoggedRouter(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(slog.New(slog.NewTextHandler(buf, nil))))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/boom", func(c *gin.Context) { c.String(http.StatusInternalServerError, "boom") })
	r.GET("/missing", func(c *gin.Context) { c.String(http.StatusNotFound, "nope") })
	return r
}

func TestRequestLogger_LevelByStatus(t *testing.T) {
	cases := []struct {
		path      string
		wantLevel string
	}{
		{"/ok", "level=INFO"},
		{"/missing", "level=WARN"},
		{"/boom", "level=ERROR"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		r := newLoggedRouter(&buf)
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)

		line := buf.String()
		if !strings.Contains(line, tc.wantLevel) {
			t.Errorf("%s: log %q missing %s", tc.path, line, tc.wantLevel)
		}
		if !strings.Contains(line, "path="+tc.path) {
			t.Errorf("%s: log %q missing path", tc.path, line)
		}
	}
}

func TestRequestLogger_RecordsQueryString(t *testing.T) {
	var buf bytes.Buffer
	r := newLoggedRouter(&buf)
	req := httptest.NewRequest(http.MethodGet, "/ok?world=4028&limit=5", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	if !strings.Contains(line, "world=4028") {
		t.Errorf("log %q missing query string", line)
	}
	if !strings.Contains(line, "status=200") {
		t.Errorf("log %q missing status", line)
	}
}

func TestRequestLogger_NilLoggerIsNoop(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(nil))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
