package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
)

var (
	// ErrNoAvailableNumber indicates the inventory has no free number for the
	// requested (service, country) pair.
	ErrNoAvailableNumber = errors.New("no available number")
	// ErrNotFound indicates an unknown reservation id.
	ErrNotFound = errors.New("reservation not found")
)

// CompletionResult is the outcome of a Complete call.
type CompletionResult int

const (
	// Completed means this caller won the transition and the user was debited.
	Completed CompletionResult = iota
	// AlreadyFinal means another caller finished the reservation first; the
	// call is an idempotent no-op.
	AlreadyFinal
	// InsufficientBalance means the reservation was expired without a debit.
	InsufficientBalance
	// NotFound means the reservation id is unknown.
	NotFound
)

func (r CompletionResult) String() string {
	switch r {
	case Completed:
		return "completed"
	case AlreadyFinal:
		return "already_final"
	case InsufficientBalance:
		return "insufficient_balance"
	default:
		return "not_found"
	}
}

// Notifier delivers fire-and-forget chat notifications. Failures are logged,
// never propagated into state transitions.
type Notifier interface {
	NotifyUser(ctx context.Context, chatID, text string) error
	NotifyAdmin(ctx context.Context, text string) error
}

// Config holds reservation manager settings.
type Config struct {
	ReservationTimeout time.Duration
	// ConflictRetries bounds retries on store serialization failures.
	ConflictRetries int
}

// Manager owns the reservation state machine and the atomic completion
// protocol. All status transitions of reservations and numbers go through it.
type Manager struct {
	store      repo.Store
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        Config
	onReserved func(res *repo.Reservation)
}

// New creates a reservation manager.
func New(store repo.Store, notifier Notifier, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Manager {
	if cfg.ReservationTimeout <= 0 {
		cfg.ReservationTimeout = 20 * time.Minute
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	return &Manager{
		store:    store,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("component", "engine"),
		cfg:      cfg,
	}
}

// OnReserved registers a hook invoked after every successful Reserve. The
// scheduler uses it to spawn the per-reservation watcher.
func (m *Manager) OnReserved(fn func(res *repo.Reservation)) {
	m.onReserved = fn
}

// Store exposes the underlying store for collaborators wired through the manager.
func (m *Manager) Store() repo.Store {
	return m.store
}

// Reserve claims one available number for the (service, country) pair and
// creates a waiting_code reservation. The claim is a single conditional
// update, so two concurrent callers can never take the same number.
func (m *Manager) Reserve(ctx context.Context, userID, serviceID int64, countryCode string) (*repo.Reservation, error) {
	expiresAt := time.Now().Add(m.cfg.ReservationTimeout)

	var created *repo.Reservation
	err := m.store.InTx(ctx, func(tx repo.Tx) error {
		number, err := tx.ClaimAvailableNumber(ctx, serviceID, countryCode, userID, expiresAt)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrNoAvailableNumber
			}
			return fmt.Errorf("claim number: %w", err)
		}

		created, err = tx.InsertReservation(ctx, repo.Reservation{
			UserID:    userID,
			ServiceID: serviceID,
			NumberID:  number.ID,
			Status:    repo.ReservationWaitingCode,
			ExpiresAt: expiresAt,
		})
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.ReservationsCreated.WithLabelValues(fmt.Sprint(serviceID)).Inc()
	m.logger.Info("number reserved",
		"reservation_id", created.ID, "user_id", userID,
		"service_id", serviceID, "country", countryCode, "expires_at", expiresAt)

	if m.onReserved != nil {
		m.onReserved(created)
	}
	return created, nil
}

// completion carries post-commit facts out of the transaction.
type completion struct {
	result       CompletionResult
	user         *repo.User
	number       *repo.Number
	service      *repo.Service
	price        int64
	balanceAfter int64
	lastInStock  bool
}

// Complete runs the atomic completion protocol: re-check waiting_code under a
// row lock, price the number, debit once, record exactly one purchase
// transaction and flip the number to used. Concurrent callers for the same
// reservation serialize on the row lock; losers observe AlreadyFinal.
func (m *Manager) Complete(ctx context.Context, reservationID int64, code string) (CompletionResult, error) {
	var done completion
	err := m.withConflictRetry(ctx, func() error {
		return m.store.InTx(ctx, func(tx repo.Tx) error {
			return m.completeTx(ctx, tx, reservationID, code, &done)
		})
	})
	if err != nil {
		return NotFound, err
	}

	m.metrics.Completions.WithLabelValues(done.result.String()).Inc()

	switch done.result {
	case Completed:
		m.notifyUser(done.user.ChatID, fmt.Sprintf(
			"Your code arrived!\n\nto: %s\ncode: %s\n\n%d credits were debited. Balance: %d",
			done.number.PhoneNumber, code, done.price, done.balanceAfter))
		if done.lastInStock {
			m.notifyLowStock(done.service, done.number.CountryCode)
		}
	case InsufficientBalance:
		m.notifyUser(done.user.ChatID, fmt.Sprintf(
			"Insufficient balance: the number costs %d credits but you have %d. The reservation was released and nothing was charged.",
			done.price, done.user.Balance))
	}

	return done.result, nil
}

// completeTx is the in-transaction body of Complete. Locks are taken in the
// fixed order reservation, user, number.
func (m *Manager) completeTx(ctx context.Context, tx repo.Tx, reservationID int64, code string, done *completion) error {
	res, err := tx.ReservationForUpdate(ctx, reservationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			done.result = NotFound
			return nil
		}
		return fmt.Errorf("lock reservation: %w", err)
	}
	if res.Status != repo.ReservationWaitingCode {
		done.result = AlreadyFinal
		return nil
	}

	user, err := tx.UserForUpdate(ctx, res.UserID)
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	number, err := tx.NumberForUpdate(ctx, res.NumberID)
	if err != nil {
		return fmt.Errorf("lock number: %w", err)
	}
	service, err := tx.GetService(ctx, res.ServiceID)
	if err != nil {
		return fmt.Errorf("get service: %w", err)
	}

	price := service.DefaultPrice
	if number.PriceOverride != nil {
		price = *number.PriceOverride
	}

	now := time.Now()
	done.user = user
	done.number = number
	done.service = service
	done.price = price

	if user.Balance < price {
		// Terminal failure for this reservation: expire it, release the
		// number, no debit. Not retried.
		if _, err := tx.TransitionReservation(ctx, res.ID, repo.ReservationWaitingCode, repo.ReservationExpired, now); err != nil {
			return fmt.Errorf("expire reservation: %w", err)
		}
		if err := tx.ReleaseNumber(ctx, number.ID); err != nil {
			return fmt.Errorf("release number: %w", err)
		}
		done.result = InsufficientBalance
		return nil
	}

	if err := tx.DebitUser(ctx, user.ID, price); err != nil {
		return fmt.Errorf("debit user: %w", err)
	}
	if err := tx.InsertTransaction(ctx, repo.Transaction{
		Ref:    uuid.NewString(),
		UserID: user.ID,
		Kind:   repo.TxPurchase,
		Amount: -price,
		Reason: fmt.Sprintf("%s %s", service.Name, number.PhoneNumber),
	}); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if _, err := tx.TransitionReservation(ctx, res.ID, repo.ReservationWaitingCode, repo.ReservationCompleted, now); err != nil {
		return fmt.Errorf("complete reservation: %w", err)
	}
	if err := tx.SetReservationCode(ctx, res.ID, code, now); err != nil {
		return fmt.Errorf("set code: %w", err)
	}
	if err := tx.MarkNumberUsed(ctx, number.ID, now); err != nil {
		return fmt.Errorf("mark number used: %w", err)
	}

	remaining, err := tx.CountAvailableNumbers(ctx, res.ServiceID, number.CountryCode)
	if err != nil {
		return fmt.Errorf("count available: %w", err)
	}

	done.result = Completed
	done.balanceAfter = user.Balance - price
	done.lastInStock = remaining == 0
	return nil
}

// Cancel is the explicit, user-initiated termination of a reservation. The
// number returns to the pool. Returns false when the reservation was already
// final.
func (m *Manager) Cancel(ctx context.Context, reservationID int64) (bool, error) {
	return m.terminate(ctx, reservationID, repo.ReservationCanceled)
}

// Expire transitions a timed-out reservation to expired and releases its
// number. A reservation completed between query and update is skipped.
func (m *Manager) Expire(ctx context.Context, reservationID int64) (bool, error) {
	won, err := m.terminate(ctx, reservationID, repo.ReservationExpired)
	if err != nil || !won {
		return won, err
	}

	if res, err := m.store.GetReservation(ctx, reservationID); err == nil {
		if user, err := m.store.GetUser(ctx, res.UserID); err == nil {
			m.notifyUser(user.ChatID,
				"The waiting period for your code is over. Nothing was charged; you can reserve a new number any time.")
		}
	}
	return true, nil
}

func (m *Manager) terminate(ctx context.Context, reservationID int64, to repo.ReservationStatus) (bool, error) {
	var won bool
	err := m.withConflictRetry(ctx, func() error {
		won = false
		return m.store.InTx(ctx, func(tx repo.Tx) error {
			res, err := tx.ReservationForUpdate(ctx, reservationID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return ErrNotFound
				}
				return fmt.Errorf("lock reservation: %w", err)
			}
			if res.Status != repo.ReservationWaitingCode {
				return nil
			}

			won, err = tx.TransitionReservation(ctx, res.ID, repo.ReservationWaitingCode, to, time.Now())
			if err != nil {
				return fmt.Errorf("transition reservation: %w", err)
			}
			if !won {
				return nil
			}
			if err := tx.ReleaseNumber(ctx, res.NumberID); err != nil {
				return fmt.Errorf("release number: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	if won {
		m.logger.Info("reservation terminated", "reservation_id", reservationID, "status", to)
	}
	return won, nil
}

// Adjust applies an admin balance change and records a ledger entry. Deducts
// never push a balance below zero.
func (m *Manager) Adjust(ctx context.Context, userID, amount int64, kind repo.TransactionKind, reason string) error {
	return m.withConflictRetry(ctx, func() error {
		return m.store.InTx(ctx, func(tx repo.Tx) error {
			user, err := tx.UserForUpdate(ctx, userID)
			if err != nil {
				return fmt.Errorf("lock user: %w", err)
			}
			if amount < 0 && user.Balance+amount < 0 {
				return fmt.Errorf("adjust would make balance negative: have %d, delta %d", user.Balance, amount)
			}
			if amount >= 0 {
				err = tx.CreditUser(ctx, userID, amount)
			} else {
				err = tx.DebitUser(ctx, userID, -amount)
			}
			if err != nil {
				return fmt.Errorf("apply adjustment: %w", err)
			}
			return tx.InsertTransaction(ctx, repo.Transaction{
				Ref:    uuid.NewString(),
				UserID: userID,
				Kind:   kind,
				Amount: amount,
				Reason: reason,
			})
		})
	})
}

// withConflictRetry retries fn a bounded number of times on store
// serialization failures before surfacing the error.
func (m *Manager) withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= m.cfg.ConflictRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, repo.ErrConflict) {
			return err
		}
		m.logger.Debug("store conflict, retrying", "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return err
}

func (m *Manager) notifyUser(chatID, text string) {
	if m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.notifier.NotifyUser(ctx, chatID, text); err != nil {
		m.metrics.Notifications.WithLabelValues("user", "error").Inc()
		m.logger.Warn("user notification failed", "chat_id", chatID, "error", err)
		return
	}
	m.metrics.Notifications.WithLabelValues("user", "ok").Inc()
}

func (m *Manager) notifyLowStock(service *repo.Service, countryCode string) {
	if m.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		text := fmt.Sprintf("Stock alert: no numbers left for %s in %s.", service.Name, countryCode)
		if err := m.notifier.NotifyAdmin(ctx, text); err != nil {
			m.metrics.Notifications.WithLabelValues("admin", "error").Inc()
			m.logger.Warn("low stock notification failed", "service", service.Name, "error", err)
			return
		}
		m.metrics.Notifications.WithLabelValues("admin", "ok").Inc()
	}()
}
