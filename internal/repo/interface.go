package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a serialization failure or lock conflict; the
	// operation may be retried.
	ErrConflict = errors.New("store conflict")
)

// Store defines the interface for data persistence. Both the Postgres and the
// SQLite implementations satisfy it.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// InTx runs fn inside a transaction. The Tx row-lock getters must be
	// called in the fixed order reservation, user, number when more than one
	// row is touched.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	InventoryStore
	ReservationStore
	LedgerStore
	MessageStore
	ConfigStore
}

// Tx exposes row-locking reads and writes valid only inside InTx.
type Tx interface {
	ReservationForUpdate(ctx context.Context, id int64) (*Reservation, error)
	UserForUpdate(ctx context.Context, id int64) (*User, error)
	NumberForUpdate(ctx context.Context, id int64) (*Number, error)
	GetService(ctx context.Context, id int64) (*Service, error)

	// ClaimAvailableNumber atomically flips one available number for the
	// (service, country) pair to reserved. ErrNotFound when none is free.
	ClaimAvailableNumber(ctx context.Context, serviceID int64, countryCode string, userID int64, expiresAt time.Time) (*Number, error)
	InsertReservation(ctx context.Context, res Reservation) (*Reservation, error)

	// TransitionReservation performs the conditional status flip and reports
	// whether this caller won the transition.
	TransitionReservation(ctx context.Context, id int64, from, to ReservationStatus, now time.Time) (bool, error)
	SetReservationCode(ctx context.Context, id int64, code string, completedAt time.Time) error

	MarkNumberUsed(ctx context.Context, id int64, codeReceivedAt time.Time) error
	ReleaseNumber(ctx context.Context, id int64) error
	CountAvailableNumbers(ctx context.Context, serviceID int64, countryCode string) (int, error)

	DebitUser(ctx context.Context, id int64, amount int64) error
	CreditUser(ctx context.Context, id int64, amount int64) error
	InsertTransaction(ctx context.Context, entry Transaction) error
}

// InventoryStore provides non-transactional number access.
type InventoryStore interface {
	GetNumber(ctx context.Context, id int64) (*Number, error)
	FindNumberByPhone(ctx context.Context, serviceID int64, phone string) (*Number, error)
	CountAvailable(ctx context.Context, serviceID int64, countryCode string) (int, error)
}

// ReservationStore provides non-transactional reservation access.
type ReservationStore interface {
	GetReservation(ctx context.Context, id int64) (*Reservation, error)
	FindWaitingReservationByNumber(ctx context.Context, numberID int64) (*Reservation, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// LedgerStore provides balance reads and transaction history.
type LedgerStore interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByChatID(ctx context.Context, chatID string) (*User, error)
	ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]Transaction, error)
}

// MessageStore persists the inbound audit trail.
type MessageStore interface {
	InsertInboundMessage(ctx context.Context, msg InboundMessage) (*InboundMessage, error)
	UpdateInboundStatus(ctx context.Context, id int64, status MessageStatus, processedAt *time.Time) error
	InsertBlockedMessage(ctx context.Context, msg BlockedMessage) error
	SearchRecentMessages(ctx context.Context, serviceID int64, phone string, since time.Time, limit int) ([]InboundMessage, error)
}

// ConfigStore reads service, group and provider configuration.
type ConfigStore interface {
	GetServiceByID(ctx context.Context, id int64) (*Service, error)
	GetServiceByName(ctx context.Context, name string) (*Service, error)
	ListServices(ctx context.Context, activeOnly bool) ([]Service, error)
	GetServiceGroupByChat(ctx context.Context, groupChatID string) (*ServiceGroup, error)
	ListServiceGroups(ctx context.Context, serviceID int64) ([]ServiceGroup, error)
	ListActiveProviders(ctx context.Context, mode ProviderMode) ([]Provider, error)
	GetProviderByName(ctx context.Context, name string) (*Provider, error)
}
