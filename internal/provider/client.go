package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
)

// Message is one inbound SMS as reported by a provider. Service names the
// target service when the provider reports it; it is empty otherwise.
type Message struct {
	Number     string
	Text       string
	Service    string
	ReceivedAt time.Time
	Raw        json.RawMessage
}

// UnmarshalJSON tolerates the field-name variants providers actually send.
func (m *Message) UnmarshalJSON(data []byte) error {
	tmp := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Raw = data
	m.Number = readStringRaw(tmp, "to", "number", "phone", "phone_number")
	m.Text = readStringRaw(tmp, "text", "message", "body", "content")
	m.Service = readStringRaw(tmp, "service", "service_name")
	if ts := readStringRaw(tmp, "received_at", "timestamp", "date"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			m.ReceivedAt = parsed
		}
	}
	return nil
}

func readStringRaw(raw map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		val, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(val, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// Client provides typed access to a provider's message feed.
type Client struct {
	logger  *slog.Logger
	name    string
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds provider client configuration.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New creates a new provider client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "provider", "provider", cfg.Name),
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// FromRecord builds a client for a stored provider row.
func FromRecord(p repo.Provider, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Client {
	return New(Config{
		Name:    p.Name,
		BaseURL: p.BaseURL,
		APIKey:  p.APIKey,
		Timeout: timeout,
	}, logger, m)
}

// Name returns the provider name this client talks to.
func (c *Client) Name() string { return c.name }

// Messages fetches the provider's pending messages. since is optional and
// passed through as a query parameter when set.
func (c *Client) Messages(ctx context.Context, since time.Time) ([]Message, error) {
	endpoint := c.baseURL + "/messages"
	if !since.IsZero() {
		q := url.Values{}
		q.Set("since", since.UTC().Format(time.RFC3339))
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("error", start)
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()

	c.observe(fmt.Sprintf("%d", resp.StatusCode), start)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider %s returned %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseMessages(body)
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderRequests.WithLabelValues(c.name, status).Inc()
	c.metrics.ProviderLatency.WithLabelValues(c.name, status).Observe(time.Since(start).Seconds())
}

// parseMessages accepts either a bare array or an envelope with a messages
// or data field.
func parseMessages(body []byte) ([]Message, error) {
	var direct []Message
	if err := json.Unmarshal(body, &direct); err == nil {
		return direct, nil
	}

	var envelope struct {
		Messages []Message `json:"messages"`
		Data     []Message `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if envelope.Messages != nil {
		return envelope.Messages, nil
	}
	return envelope.Data, nil
}
