package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elweshaq/El-WeshaqBot/internal/engine"
	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
	"github.com/elweshaq/El-WeshaqBot/internal/session"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	ProviderWebhook http.Handler
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Store    repo.Store
	Manager  *engine.Manager
	Sessions *session.Store
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health and metrics endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/adjust", server.requireSession(server.handleAdjust))
	mux.HandleFunc("/admin/stock", server.requireSession(server.handleStock))
	mux.HandleFunc("/admin/transactions", server.requireSession(server.handleTransactions))

	if handlers.ProviderWebhook != nil {
		mux.Handle("/webhook/provider", handlers.ProviderWebhook)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// requireSession gates admin endpoints on a live Redis session. The caller
// identifies itself with the X-Admin-User header; the session itself is opened
// through the chat surface, not over HTTP.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Sessions == nil {
			http.Error(w, "sessions unavailable", http.StatusServiceUnavailable)
			return
		}
		userID := strings.TrimSpace(r.Header.Get("X-Admin-User"))
		if userID == "" {
			http.Error(w, "missing admin identity", http.StatusUnauthorized)
			return
		}
		ok, err := s.deps.Sessions.Valid(r.Context(), userID)
		if err != nil {
			s.logger.Error("session lookup failed", "user", userID, "error", err)
			http.Error(w, "session lookup failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "no active session", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type adjustRequest struct {
	UserID int64  `json:"user_id"`
	Amount int64  `json:"amount"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Manager == nil {
		http.Error(w, "manager unavailable", http.StatusServiceUnavailable)
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	kind := repo.TransactionKind(req.Kind)
	switch kind {
	case repo.TxAdd, repo.TxDeduct, repo.TxReward:
	default:
		http.Error(w, "invalid kind", http.StatusBadRequest)
		return
	}

	if err := s.deps.Manager.Adjust(r.Context(), req.UserID, req.Amount, kind, req.Reason); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "unknown user", http.StatusNotFound)
			return
		}
		s.logger.Error("adjust failed", "user_id", req.UserID, "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	user, err := s.deps.Store.GetUser(r.Context(), req.UserID)
	if err != nil {
		http.Error(w, "read back user", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"status":  "ok",
		"user_id": user.ID,
		"balance": user.Balance,
	})
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serviceID, err := strconv.ParseInt(r.URL.Query().Get("service_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid service_id", http.StatusBadRequest)
		return
	}
	country := r.URL.Query().Get("country")

	count, err := s.deps.Store.CountAvailable(r.Context(), serviceID, country)
	if err != nil {
		s.logger.Error("stock count failed", "service_id", serviceID, "error", err)
		http.Error(w, "count failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"service_id": serviceID,
		"country":    country,
		"available":  count,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := s.deps.Store.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		s.logger.Error("list transactions failed", "user_id", userID, "error", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}

	type entry struct {
		Ref       string    `json:"ref"`
		Kind      string    `json:"kind"`
		Amount    int64     `json:"amount"`
		Reason    string    `json:"reason"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]entry, 0, len(entries))
	for _, tx := range entries {
		out = append(out, entry{
			Ref:       tx.Ref,
			Kind:      string(tx.Kind),
			Amount:    tx.Amount,
			Reason:    tx.Reason,
			CreatedAt: tx.CreatedAt,
		})
	}
	writeJSON(w, map[string]any{
		"user_id":      userID,
		"transactions": out,
	})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
