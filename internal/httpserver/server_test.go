package httpserver

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/repo/repotest"
)

func newServer(t *testing.T, basePath string) *Server {
	t.Helper()
	s := New("127.0.0.1:0", slog.Default(), metrics.Registry("test"), Handlers{}, basePath)
	s.SetDependencies(Dependencies{Store: repotest.New()})
	return s
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newServer(t, "")
	if rec := do(s, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/healthz"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestBasePathMounting(t *testing.T) {
	s := newServer(t, "/bot")
	if rec := do(s, http.MethodGet, "/bot/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("prefixed path status = %d, want 200", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/healthz"); rec.Code != http.StatusNotFound {
		t.Fatalf("unprefixed path status = %d, want 404", rec.Code)
	}
}

func TestAdminEndpointsRequireSessionStore(t *testing.T) {
	s := newServer(t, "")
	rec := do(s, http.MethodGet, "/admin/stock?service_id=1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 without session store", rec.Code)
	}
}

func TestStockRequiresValidService(t *testing.T) {
	s := newServer(t, "")

	// Bypass the session gate to exercise the handler itself.
	req := httptest.NewRequest(http.MethodGet, "/admin/stock?service_id=abc", nil)
	rec := httptest.NewRecorder()
	s.handleStock(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad service_id", rec.Code)
	}
}
