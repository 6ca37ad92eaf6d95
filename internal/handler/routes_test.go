package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"gitproxy-go/internal/metrics"
)

func TestRegisterRoutes(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		_, _ = w.Write([]byte("0000"))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	proxy, health := newTestHandlers(t, cfg)

	e := echo.New()
	RegisterRoutes(e, cfg, proxy, health, metrics.New())

	tests := []struct {
		name         string
		method       string
		path         string
		wantStatus   int
		wantBody     string
		wantNosniff  bool
		wantUpstream bool
	}{
		{"healthz", http.MethodGet, "/healthz", http.StatusOK, `"status":"ok"`, true, false},
		{"status", http.MethodGet, "/proxy/status", http.StatusOK, `"browse_mode":"redirect"`, true, false},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "go_goroutines", true, false},
		{"usage at root", http.MethodGet, "/", http.StatusOK, "git clone", true, false},
		{"unmatched path", http.MethodGet, "/microsoft", http.StatusBadRequest, "unsupported path", false, false},
		{"forwarded info/refs", http.MethodGet, "/o/r/info/refs?service=git-upload-pack", http.StatusOK, "0000", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := hits.Load()

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body missing %q: %s", tt.wantBody, rec.Body.String())
			}
			if got := rec.Header().Get("X-Content-Type-Options") == "nosniff"; got != tt.wantNosniff {
				t.Errorf("nosniff present = %v, want %v", got, tt.wantNosniff)
			}
			if got := hits.Load() > before; got != tt.wantUpstream {
				t.Errorf("upstream called = %v, want %v", got, tt.wantUpstream)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Metrics.Enabled = false
	proxy, health := newTestHandlers(t, cfg)

	e := echo.New()
	RegisterRoutes(e, cfg, proxy, health, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	// Without the metrics endpoint the path falls through to the proxy and
	// fails classification as a single-segment path.
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if hits.Load() != 0 {
		t.Error("upstream was called for an unmatched path")
	}
}
