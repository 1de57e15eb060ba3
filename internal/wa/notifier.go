package wa

import (
	"context"
	"errors"
)

// Notifier delivers engine notifications over WhatsApp. User chat ids are
// JIDs; admin messages go to the configured admin chat.
type Notifier struct {
	client      *Client
	adminChatID string
}

// NewNotifier creates a notifier. adminChatID may be empty, in which case
// admin notifications report an error and are dropped by the caller.
func NewNotifier(client *Client, adminChatID string) *Notifier {
	return &Notifier{client: client, adminChatID: adminChatID}
}

// NotifyUser sends text to the user's chat.
func (n *Notifier) NotifyUser(ctx context.Context, chatID, text string) error {
	return n.client.SendText(ctx, chatID, text)
}

// NotifyAdmin sends text to the admin chat.
func (n *Notifier) NotifyAdmin(ctx context.Context, text string) error {
	if n.adminChatID == "" {
		return errors.New("admin chat id not configured")
	}
	return n.client.SendText(ctx, n.adminChatID, text)
}
