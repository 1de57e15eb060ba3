// Package ingest turns raw inbound messages from group chats and providers
// into completion attempts. Every message is audited before any verification
// or matching happens, and every rejection leaves a reason on the blocked
// trail.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/engine"
	"github.com/elweshaq/El-WeshaqBot/internal/extract"
	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/provider"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
	"github.com/elweshaq/El-WeshaqBot/internal/security"
)

// Rejection reasons recorded for extraction and completion failures. Security
// reasons come from the verifier.
const (
	ReasonNoNumberOrNoCode = "no_number_or_no_code"
	ReasonCompletionFailed = "completion_failed"
)

// GroupMessage is one message observed in a monitored group chat.
type GroupMessage struct {
	GroupChatID string
	SenderID    string
	Text        string
	Raw         []byte
}

// Processor runs the security, extraction and matching pipeline.
type Processor struct {
	store    repo.Store
	manager  *engine.Manager
	security security.Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a message processor.
func New(store repo.Store, manager *engine.Manager, secCfg security.Config, m *metrics.Metrics, logger *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		manager:  manager,
		security: secCfg,
		metrics:  m,
		logger:   logger.With("component", "ingest"),
	}
}

// HandleGroupMessage processes one group-chat message. Messages from chats
// without an active group binding are ignored without an audit row; everything
// else is audited as pending first and settled to exactly one final status.
func (p *Processor) HandleGroupMessage(ctx context.Context, msg GroupMessage) error {
	group, err := p.store.GetServiceGroupByChat(ctx, msg.GroupChatID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolve group: %w", err)
	}

	audit, err := p.store.InsertInboundMessage(ctx, repo.InboundMessage{
		ServiceID:  &group.ServiceID,
		Source:     msg.GroupChatID,
		SenderID:   msg.SenderID,
		Text:       msg.Text,
		RawPayload: msg.Raw,
		Status:     repo.MessagePending,
	})
	if err != nil {
		return fmt.Errorf("audit message: %w", err)
	}

	verdict := security.ForGroup(group, p.security).Verify(ctx, security.Input{
		Text:     msg.Text,
		SenderID: msg.SenderID,
		Source:   msg.GroupChatID,
	})
	if !verdict.OK {
		p.metrics.SecurityRejections.WithLabelValues(verdict.Reason).Inc()
		p.reject(ctx, audit, group.ServiceID, msg.GroupChatID, msg.SenderID, msg.Text, verdict.Reason)
		return nil
	}

	phone, code := extract.New(group.RegexPattern).Extract(msg.Text)
	if phone == "" || code == "" {
		p.reject(ctx, audit, group.ServiceID, msg.GroupChatID, msg.SenderID, msg.Text, ReasonNoNumberOrNoCode)
		return nil
	}

	p.match(ctx, audit, group.ServiceID, msg.GroupChatID, msg.SenderID, msg.Text, phone, code)
	return nil
}

// HandleProviderEvent processes a pushed provider payload. Satisfies
// provider.WebhookProcessor.
func (p *Processor) HandleProviderEvent(ctx context.Context, event provider.WebhookEvent) error {
	source := "provider"
	if event.Provider != "" {
		source = "provider:" + event.Provider
	}
	for _, msg := range event.Messages {
		if err := p.HandleProviderMessage(ctx, source, msg); err != nil {
			return err
		}
	}
	return nil
}

// HandleProviderMessage processes one provider-sourced message. The payload's
// service field wins when set; otherwise the service is inferred from the
// message text. A message resolving to no known service is audited as orphan.
func (p *Processor) HandleProviderMessage(ctx context.Context, source string, msg provider.Message) error {
	service, err := p.resolveService(ctx, msg)
	if err != nil {
		return fmt.Errorf("resolve service: %w", err)
	}

	var serviceID *int64
	if service != nil {
		serviceID = &service.ID
	}
	audit, err := p.store.InsertInboundMessage(ctx, repo.InboundMessage{
		ServiceID:  serviceID,
		Source:     source,
		SenderID:   msg.Number,
		Text:       msg.Text,
		RawPayload: msg.Raw,
		Status:     repo.MessagePending,
	})
	if err != nil {
		return fmt.Errorf("audit message: %w", err)
	}

	if service == nil {
		p.settle(ctx, audit, repo.MessageOrphan)
		return nil
	}

	phone, code := extract.New(p.servicePattern(ctx, service.ID)).Extract(msg.Text)
	if phone == "" {
		phone = extract.NormalizePhone(msg.Number)
	}
	if phone == "" || code == "" {
		p.reject(ctx, audit, service.ID, source, msg.Number, msg.Text, ReasonNoNumberOrNoCode)
		return nil
	}

	p.match(ctx, audit, service.ID, source, msg.Number, msg.Text, phone, code)
	return nil
}

// match resolves the number and its waiting reservation, then hands the code
// to the completion protocol. Unknown numbers and numbers with no waiting
// reservation are orphans, not rejections.
func (p *Processor) match(ctx context.Context, audit *repo.InboundMessage, serviceID int64, source, senderID, text, phone, code string) {
	number, err := p.store.FindNumberByPhone(ctx, serviceID, phone)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			p.settle(ctx, audit, repo.MessageOrphan)
			return
		}
		p.logger.Error("number lookup failed", "phone", phone, "error", err)
		p.metrics.Errors.WithLabelValues("ingest").Inc()
		return
	}

	res, err := p.store.FindWaitingReservationByNumber(ctx, number.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			p.settle(ctx, audit, repo.MessageOrphan)
			return
		}
		p.logger.Error("reservation lookup failed", "number_id", number.ID, "error", err)
		p.metrics.Errors.WithLabelValues("ingest").Inc()
		return
	}

	result, err := p.manager.Complete(ctx, res.ID, code)
	if err != nil {
		p.logger.Error("completion failed", "reservation_id", res.ID, "error", err)
		p.reject(ctx, audit, serviceID, source, senderID, text, ReasonCompletionFailed)
		return
	}

	switch result {
	case engine.Completed, engine.AlreadyFinal:
		p.settle(ctx, audit, repo.MessageProcessed)
		p.logger.Info("code matched",
			"reservation_id", res.ID, "number", phone, "result", result.String())
	default:
		p.reject(ctx, audit, serviceID, source, senderID, text, ReasonCompletionFailed)
	}
}

// resolveService looks up the service named by the payload, falling back to
// text inference when the field is absent or names nothing known.
func (p *Processor) resolveService(ctx context.Context, msg provider.Message) (*repo.Service, error) {
	if msg.Service != "" {
		service, err := p.store.GetServiceByName(ctx, msg.Service)
		if err == nil {
			return service, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	return p.inferService(ctx, msg.Text)
}

// inferService scans active service names against the message text.
func (p *Processor) inferService(ctx context.Context, text string) (*repo.Service, error) {
	services, err := p.store.ListServices(ctx, true)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(text)
	for i := range services {
		if strings.Contains(lower, strings.ToLower(services[i].Name)) {
			return &services[i], nil
		}
	}
	return nil, nil
}

// servicePattern returns the service's configured fallback extraction pattern,
// taken from the first group binding that sets one. Empty means the default.
func (p *Processor) servicePattern(ctx context.Context, serviceID int64) string {
	groups, err := p.store.ListServiceGroups(ctx, serviceID)
	if err != nil {
		p.logger.Warn("group pattern lookup failed", "service_id", serviceID, "error", err)
		return ""
	}
	for _, group := range groups {
		if group.RegexPattern != "" {
			return group.RegexPattern
		}
	}
	return ""
}

func (p *Processor) settle(ctx context.Context, audit *repo.InboundMessage, status repo.MessageStatus) {
	now := time.Now()
	if err := p.store.UpdateInboundStatus(ctx, audit.ID, status, &now); err != nil {
		p.logger.Error("settle audit row failed", "message_id", audit.ID, "error", err)
	}
	p.metrics.InboundMessages.WithLabelValues(string(status)).Inc()
}

func (p *Processor) reject(ctx context.Context, audit *repo.InboundMessage, serviceID int64, source, senderID, text, reason string) {
	p.settle(ctx, audit, repo.MessageRejected)
	if err := p.store.InsertBlockedMessage(ctx, repo.BlockedMessage{
		ServiceID: &serviceID,
		Source:    source,
		SenderID:  senderID,
		Text:      text,
		Reason:    reason,
	}); err != nil {
		p.logger.Error("record blocked message failed", "reason", reason, "error", err)
	}
	p.logger.Warn("message rejected", "source", source, "reason", reason)
}
