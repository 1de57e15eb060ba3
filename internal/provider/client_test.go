package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		Name:    "test",
		BaseURL: srv.URL,
		APIKey:  "secret-key",
		Timeout: 2 * time.Second,
	}, slog.Default(), metrics.Registry("test"))
}

func TestMessagesSendsBearerAuth(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`[]`))
	})

	if _, err := c.Messages(context.Background(), time.Time{}); err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestMessagesParsesBareArray(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"to": "+15550001111", "text": "code: 1234"}]`))
	})

	msgs, err := c.Messages(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Number != "+15550001111" {
		t.Errorf("number = %q", msgs[0].Number)
	}
	if msgs[0].Text != "code: 1234" {
		t.Errorf("text = %q", msgs[0].Text)
	}
}

func TestMessagesParsesServiceField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"to": "+15550001111", "text": "code: 1234", "service": "telegram"}]`))
	})

	msgs, err := c.Messages(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Service != "telegram" {
		t.Errorf("service = %q, want telegram", msgs[0].Service)
	}
}

func TestMessagesParsesEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages": [{"number": "+20100000000", "message": "To: +20100000000 Code: 5678"}]}`))
	})

	msgs, err := c.Messages(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Number != "+20100000000" {
		t.Errorf("number = %q", msgs[0].Number)
	}
}

func TestMessagesPassesSinceParam(t *testing.T) {
	var gotSince string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		w.Write([]byte(`[]`))
	})

	since := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if _, err := c.Messages(context.Background(), since); err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if gotSince != "2025-06-01T12:00:00Z" {
		t.Errorf("since = %q", gotSince)
	}
}

func TestMessagesNonOKStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})

	if _, err := c.Messages(context.Background(), time.Time{}); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
