package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/elweshaq/El-WeshaqBot/internal/ingest"
	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// GroupMessageProcessor receives every text message observed in a group chat.
type GroupMessageProcessor interface {
	HandleGroupMessage(ctx context.Context, msg ingest.GroupMessage) error
}

// Client wraps the WhatsMeow client. It is the chat surface of the service:
// the ingestion source for monitored group chats, the delivery channel for
// notifications and the membership oracle for admin_only verification.
type Client struct {
	client    *whatsmeow.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
	processor GroupMessageProcessor
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// SetGroupMessageProcessor registers the ingest pipeline for group messages.
func (c *Client) SetGroupMessageProcessor(processor GroupMessageProcessor) {
	c.processor = processor
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

// handleMessage forwards group-chat text to the ingest pipeline. Direct chats
// and non-text messages are ignored here; only monitored groups carry codes.
func (c *Client) handleMessage(evt *events.Message) {
	msg := evt.Message
	if msg == nil || !evt.Info.IsGroup || c.processor == nil {
		return
	}

	text := messageText(msg)
	if text == "" {
		return
	}

	raw, err := proto.Marshal(msg)
	if err != nil {
		raw = nil
	}

	group := ingest.GroupMessage{
		GroupChatID: evt.Info.Chat.String(),
		SenderID:    evt.Info.Sender.ToNonAD().String(),
		Text:        text,
		Raw:         raw,
	}

	go func() {
		if err := c.processor.HandleGroupMessage(context.Background(), group); err != nil {
			if c.metrics != nil {
				c.metrics.Errors.WithLabelValues("wa").Inc()
			}
			c.logger.Error("group message processing failed",
				"group", group.GroupChatID, "error", err)
		}
	}()
}

func messageText(msg *waProto.Message) string {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.ImageMessage != nil:
		return msg.GetImageMessage().GetCaption()
	default:
		return ""
	}
}

// SendText sends a text message to the specified JID string.
func (c *Client) SendText(ctx context.Context, to string, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parse jid %q: %w", to, err)
	}
	message := &waProto.Message{
		Conversation: proto.String(text),
	}
	if _, err := c.client.SendMessage(ctx, jid, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// IsGroupAdmin reports whether the sender holds admin or superadmin role in
// the group. Used by admin_only verification; lookup errors propagate so the
// caller can reject instead of accept.
func (c *Client) IsGroupAdmin(ctx context.Context, groupChatID, senderID string) (bool, error) {
	groupJID, err := types.ParseJID(groupChatID)
	if err != nil {
		return false, fmt.Errorf("parse group jid: %w", err)
	}
	senderJID, err := types.ParseJID(senderID)
	if err != nil {
		return false, fmt.Errorf("parse sender jid: %w", err)
	}

	info, err := c.client.GetGroupInfo(groupJID)
	if err != nil {
		return false, fmt.Errorf("get group info: %w", err)
	}

	sender := senderJID.ToNonAD()
	for _, participant := range info.Participants {
		if participant.JID.ToNonAD() == sender {
			return participant.IsAdmin || participant.IsSuperAdmin, nil
		}
	}
	return false, nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
