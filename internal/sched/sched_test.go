package sched

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/engine"
	"github.com/elweshaq/El-WeshaqBot/internal/ingest"
	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
	"github.com/elweshaq/El-WeshaqBot/internal/repo/repotest"
	"github.com/elweshaq/El-WeshaqBot/internal/security"
)

type nopNotifier struct{}

func (nopNotifier) NotifyUser(context.Context, string, string) error { return nil }
func (nopNotifier) NotifyAdmin(context.Context, string) error { return nil }

type fixture struct {
	store     *repotest.MemStore
	manager   *engine.Manager
	userID    int64
	serviceID int64
	numberID  int64
	resID     int64
}

func newFixture(t *testing.T, expiresAt time.Time) *fixture {
	t.Helper()
	store := repotest.New()
	userID := store.AddUser(repo.User{ChatID: "chat-1", Balance: 100})
	serviceID := store.AddService(repo.Service{Name: "telegram", DefaultPrice: 10, Active: true})
	numberID := store.AddNumber(repo.Number{
		ServiceID:   serviceID,
		CountryCode: "US",
		PhoneNumber: "+15550001111",
		Status:      repo.NumberReserved,
		ReservedBy:  &userID,
	})
	resID := store.AddReservation(repo.Reservation{
		UserID:    userID,
		ServiceID: serviceID,
		NumberID:  numberID,
		Status:    repo.ReservationWaitingCode,
		ExpiresAt: expiresAt,
	})
	manager := engine.New(store, nopNotifier{}, metrics.Registry("test"), slog.Default(), engine.Config{})
	return &fixture{store: store, manager: manager, userID: userID, serviceID: serviceID, numberID: numberID, resID: resID}
}

func TestSweeperExpiresOverdueReservations(t *testing.T) {
	f := newFixture(t, time.Now().Add(-time.Minute))
	s := NewSweeper(f.manager, metrics.Registry("test"), slog.Default(), time.Minute)

	swept, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationExpired {
		t.Errorf("reservation status = %s, want expired", res.Status)
	}
	number, _ := f.store.GetNumber(context.Background(), f.numberID)
	if number.Status != repo.NumberAvailable {
		t.Errorf("number status = %s, want available", number.Status)
	}
}

func TestSweeperLeavesFreshReservationsAlone(t *testing.T) {
	f := newFixture(t, time.Now().Add(10*time.Minute))
	s := NewSweeper(f.manager, metrics.Registry("test"), slog.Default(), time.Minute)

	swept, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept = %d, want 0", swept)
	}
	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationWaitingCode {
		t.Errorf("reservation status = %s, want waiting_code", res.Status)
	}
}

func TestWatcherMatchesAuditedCode(t *testing.T) {
	f := newFixture(t, time.Now().Add(20*time.Minute))
	if _, err := f.store.InsertInboundMessage(context.Background(), repo.InboundMessage{
		ServiceID: &f.serviceID,
		Source:    "group@1",
		Text:      "to: +15550001111 code: 7788",
		Status:    repo.MessagePending,
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	w := NewWatcher(f.manager, metrics.Registry("test"), slog.Default(), WatcherConfig{
		Grace:       time.Millisecond,
		Interval:    time.Millisecond,
		MaxAttempts: 5,
	})
	w.Watch(context.Background(), f.resID)

	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationCompleted {
		t.Fatalf("reservation status = %s, want completed", res.Status)
	}
	if res.CodeValue == nil || *res.CodeValue != "7788" {
		t.Errorf("code value = %v, want 7788", res.CodeValue)
	}
}

func TestWatcherAppliesServicePattern(t *testing.T) {
	f := newFixture(t, time.Now().Add(20*time.Minute))
	f.store.AddGroup(repo.ServiceGroup{
		ServiceID:    f.serviceID,
		GroupChatID:  "group@1",
		RegexPattern: `\b\d{7,8}\b`,
		SecurityMode: repo.SecurityTokenOnly,
		Active:       true,
	})
	// No code: field and an 8-digit code the default pattern cannot match.
	if _, err := f.store.InsertInboundMessage(context.Background(), repo.InboundMessage{
		ServiceID: &f.serviceID,
		Source:    "group@1",
		Text:      "to: +15550001111 pin 12345678",
		Status:    repo.MessagePending,
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	w := NewWatcher(f.manager, metrics.Registry("test"), slog.Default(), WatcherConfig{
		Grace:       time.Millisecond,
		Interval:    time.Millisecond,
		MaxAttempts: 5,
	})
	w.Watch(context.Background(), f.resID)

	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationCompleted {
		t.Fatalf("reservation status = %s, want completed", res.Status)
	}
	if res.CodeValue == nil || *res.CodeValue != "12345678" {
		t.Errorf("code value = %v, want 12345678", res.CodeValue)
	}
}

func TestWatcherStopsOnSettledReservation(t *testing.T) {
	f := newFixture(t, time.Now().Add(20*time.Minute))
	if _, err := f.manager.Cancel(context.Background(), f.resID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	w := NewWatcher(f.manager, metrics.Registry("test"), slog.Default(), WatcherConfig{
		Grace:       time.Millisecond,
		Interval:    time.Millisecond,
		MaxAttempts: 3,
	})

	done := make(chan struct{})
	go func() {
		w.Watch(context.Background(), f.resID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on a settled reservation")
	}
}

func TestWatcherGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, time.Now().Add(20*time.Minute))
	w := NewWatcher(f.manager, metrics.Registry("test"), slog.Default(), WatcherConfig{
		Grace:       time.Millisecond,
		Interval:    time.Millisecond,
		MaxAttempts: 3,
	})
	w.Watch(context.Background(), f.resID)

	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationWaitingCode {
		t.Fatalf("reservation status = %s, want waiting_code untouched", res.Status)
	}
}

func TestGroupRecoversPanic(t *testing.T) {
	g := NewGroup(slog.Default(), metrics.Registry("test"))
	g.Go(context.Background(), "boom", func(context.Context) error {
		panic("boom")
	})

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("group did not recover from panic")
	}
}

func TestPollerFeedsProviderMessages(t *testing.T) {
	f := newFixture(t, time.Now().Add(20*time.Minute))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"to": "+15550001111", "text": "telegram login. to: +15550001111 code: 9911"}]`))
	}))
	t.Cleanup(srv.Close)

	f.store.AddProvider(repo.Provider{
		Name:    "smsline",
		BaseURL: srv.URL,
		Mode:    repo.ProviderPoll,
		Active:  true,
	})

	processor := ingest.New(f.store, f.manager, security.Config{}, metrics.Registry("test"), slog.Default())
	p := NewPoller(f.store, processor, metrics.Registry("test"), slog.Default(), PollerConfig{
		Interval: time.Second,
		Timeout:  2 * time.Second,
	})
	p.Poll(context.Background())

	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationCompleted {
		t.Fatalf("reservation status = %s, want completed", res.Status)
	}
	if res.CodeValue == nil || *res.CodeValue != "9911" {
		t.Errorf("code value = %v, want 9911", res.CodeValue)
	}
}
