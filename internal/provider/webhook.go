package provider

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
)

// WebhookEvent carries one pushed provider payload.
type WebhookEvent struct {
	Provider   string
	Messages   []Message
	ReceivedAt time.Time
}

// WebhookProcessor handles pushed provider messages.
type WebhookProcessor interface {
	HandleProviderEvent(ctx context.Context, event WebhookEvent) error
}

// WebhookHandler authenticates pushed provider payloads and forwards them.
// Credentials are compared as lowercase MD5 hex so the plaintext never has to
// live in configuration.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	usernameMD5 string
	passwordMD5 string
	processor   WebhookProcessor
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, usernameMD5, passwordMD5 string, processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "provider_webhook"),
		metrics:     m,
		usernameMD5: strings.ToLower(usernameMD5),
		passwordMD5: strings.ToLower(passwordMD5),
		processor:   processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.validateAuth(r); err != nil {
		h.metrics.Errors.WithLabelValues("provider_webhook_auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.metrics.Errors.WithLabelValues("provider_webhook").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	msgs, err := parseMessages(body)
	if err != nil {
		h.metrics.Errors.WithLabelValues("provider_webhook").Inc()
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	event := WebhookEvent{
		Provider:   r.URL.Query().Get("provider"),
		Messages:   msgs,
		ReceivedAt: time.Now(),
	}

	if h.processor != nil {
		if err := h.processor.HandleProviderEvent(r.Context(), event); err != nil {
			h.logger.Error("failed processing webhook", "error", err, "provider", event.Provider)
			h.metrics.Errors.WithLabelValues("provider_webhook_process").Inc()
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) validateAuth(r *http.Request) error {
	if h.usernameMD5 == "" || h.passwordMD5 == "" {
		return fmt.Errorf("webhook credentials not configured")
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return fmt.Errorf("missing basic auth")
	}
	if md5Hex(username) != h.usernameMD5 {
		return fmt.Errorf("invalid username hash")
	}
	if md5Hex(password) != h.passwordMD5 {
		return fmt.Errorf("invalid password hash")
	}
	return nil
}

func md5Hex(val string) string {
	sum := md5.Sum([]byte(val))
	return strings.ToLower(hex.EncodeToString(sum[:]))
}
