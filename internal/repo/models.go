package repo

import "time"

// NumberStatus enumerates inventory states for a phone number.
type NumberStatus string

const (
	NumberAvailable NumberStatus = "available"
	NumberReserved  NumberStatus = "reserved"
	NumberUsed      NumberStatus = "used"
	// NumberDeleted is terminal and reachable only through admin cleanup.
	NumberDeleted NumberStatus = "deleted"
)

// ReservationStatus enumerates reservation states. Transitions are monotonic:
// waiting_code is the only non-terminal state.
type ReservationStatus string

const (
	ReservationWaitingCode ReservationStatus = "waiting_code"
	ReservationCompleted   ReservationStatus = "completed"
	ReservationExpired     ReservationStatus = "expired"
	ReservationCanceled    ReservationStatus = "canceled"
)

// TransactionKind enumerates ledger entry kinds.
type TransactionKind string

const (
	TxPurchase TransactionKind = "purchase"
	TxAdd      TransactionKind = "add"
	TxDeduct   TransactionKind = "deduct"
	TxReward   TransactionKind = "reward"
)

// MessageStatus enumerates audit states of an inbound message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageProcessed MessageStatus = "processed"
	MessageRejected  MessageStatus = "rejected"
	MessageOrphan    MessageStatus = "orphan"
)

// SecurityMode selects the verifier strategy for a service group.
type SecurityMode string

const (
	SecurityTokenOnly SecurityMode = "token_only"
	SecurityAdminOnly SecurityMode = "admin_only"
	SecurityHMAC      SecurityMode = "hmac"
)

// ProviderMode selects how messages are obtained from a provider.
type ProviderMode string

const (
	ProviderPoll    ProviderMode = "poll"
	ProviderWebhook ProviderMode = "webhook"
)

// User represents the users table row. Balance is stored in credit cents.
type User struct {
	ID       int64
	ChatID   string
	Username *string
	Balance  int64
	IsAdmin  bool
	IsBanned bool
	JoinedAt time.Time
}

// Service is a rentable verification target (WhatsApp, Telegram, ...).
type Service struct {
	ID           int64
	Name         string
	Emoji        string
	Description  *string
	DefaultPrice int64
	Active       bool
}

// Number is a leasable phone number scoped to a service and country.
//
// Invariant: status=reserved implies ReservedBy and ExpiresAt are set;
// status=available implies both are nil.
type Number struct {
	ID             int64
	ServiceID      int64
	CountryCode    string
	PhoneNumber    string
	Status         NumberStatus
	ReservedBy     *int64
	ReservedAt     *time.Time
	ExpiresAt      *time.Time
	CodeReceivedAt *time.Time
	PriceOverride  *int64
}

// Reservation is a time-boxed claim by a user on one number.
type Reservation struct {
	ID          int64
	UserID      int64
	ServiceID   int64
	NumberID    int64
	Status      ReservationStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
	CodeValue   *string
}

// Transaction is an immutable ledger entry. Rows are only ever inserted.
type Transaction struct {
	ID        int64
	Ref       string
	UserID    int64
	Kind      TransactionKind
	Amount    int64
	Reason    string
	CreatedAt time.Time
}

// Provider is an external SMS endpoint, either polled or pushing via webhook.
type Provider struct {
	ID              int64
	Name            string
	BaseURL         string
	APIKey          string
	Mode            ProviderMode
	PollIntervalSec int
	Active          bool
}

// ServiceGroup maps a monitored group chat to a service, together with its
// security policy and extraction pattern.
type ServiceGroup struct {
	ID           int64
	ServiceID    int64
	GroupChatID  string
	GroupTitle   *string
	SecretToken  *string
	RegexPattern string
	SecurityMode SecurityMode
	Active       bool
	CreatedAt    time.Time
}

// InboundMessage is the audit record created for every inbound event before
// any processing happens. Status is updated at most once afterwards.
type InboundMessage struct {
	ID          int64
	ServiceID   *int64
	Source      string
	SenderID    string
	Text        string
	RawPayload  []byte
	ReceivedAt  time.Time
	Status      MessageStatus
	ProcessedAt *time.Time
}

// BlockedMessage records a security or extraction rejection with a reason code.
type BlockedMessage struct {
	ID        int64
	ServiceID *int64
	Source    string
	SenderID  string
	Text      string
	Reason    string
	CreatedAt time.Time
}
