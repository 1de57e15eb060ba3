package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
	"github.com/elweshaq/El-WeshaqBot/internal/repo/repotest"
)

type fakeNotifier struct {
	mu    sync.Mutex
	user  []string
	admin []string
}

func (f *fakeNotifier) NotifyUser(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = append(f.user, text)
	return nil
}

func (f *fakeNotifier) NotifyAdmin(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admin = append(f.admin, text)
	return nil
}

func (f *fakeNotifier) adminCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.admin)
}

func newManager(t *testing.T, store *repotest.MemStore) (*Manager, *fakeNotifier) {
	t.Helper()
	notifier := &fakeNotifier{}
	mgr := New(store, notifier, metrics.Registry("test"), slog.Default(), Config{
		ReservationTimeout: 20 * time.Minute,
	})
	return mgr, notifier
}

func seedReservation(store *repotest.MemStore, balance, price int64) (userID, resID, numberID int64) {
	userID = store.AddUser(repo.User{ChatID: "chat-1", Balance: balance})
	serviceID := store.AddService(repo.Service{Name: "WhatsApp", DefaultPrice: price, Active: true})
	numberID = store.AddNumber(repo.Number{
		ServiceID: serviceID, CountryCode: "+20", PhoneNumber: "+201234567890",
		Status: repo.NumberReserved, ReservedBy: &userID,
	})
	resID = store.AddReservation(repo.Reservation{
		UserID: userID, ServiceID: serviceID, NumberID: numberID,
		Status: repo.ReservationWaitingCode, ExpiresAt: time.Now().Add(20 * time.Minute),
	})
	return userID, resID, numberID
}

func TestReserveClaimsNumberAtomically(t *testing.T) {
	store := repotest.New()
	userID := store.AddUser(repo.User{ChatID: "chat-1", Balance: 100})
	otherID := store.AddUser(repo.User{ChatID: "chat-2", Balance: 100})
	serviceID := store.AddService(repo.Service{Name: "Telegram", DefaultPrice: 10, Active: true})
	store.AddNumber(repo.Number{ServiceID: serviceID, CountryCode: "+20", PhoneNumber: "+20100000001"})

	mgr, _ := newManager(t, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, uid := range []int64{userID, otherID} {
		wg.Add(1)
		go func(i int, uid int64) {
			defer wg.Done()
			_, err := mgr.Reserve(ctx, uid, serviceID, "+20")
			results[i] = err
		}(i, uid)
	}
	wg.Wait()

	won, lost := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrNoAvailableNumber):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("won=%d lost=%d, want exactly one winner", won, lost)
	}
}

func TestReserveSpawnsHook(t *testing.T) {
	store := repotest.New()
	userID := store.AddUser(repo.User{ChatID: "chat-1", Balance: 100})
	serviceID := store.AddService(repo.Service{Name: "Telegram", DefaultPrice: 10, Active: true})
	store.AddNumber(repo.Number{ServiceID: serviceID, CountryCode: "+971", PhoneNumber: "+971501234567"})

	mgr, _ := newManager(t, store)
	var hooked *repo.Reservation
	mgr.OnReserved(func(res *repo.Reservation) { hooked = res })

	res, err := mgr.Reserve(context.Background(), userID, serviceID, "+971")
	if err != nil {
		t.Fatal(err)
	}
	if hooked == nil || hooked.ID != res.ID {
		t.Fatal("OnReserved hook not invoked with created reservation")
	}
}

func TestCompleteDebitsExactlyOnce(t *testing.T) {
	store := repotest.New()
	userID, resID, numberID := seedReservation(store, 20, 10)
	mgr, _ := newManager(t, store)
	ctx := context.Background()

	result, err := mgr.Complete(ctx, resID, "4821")
	if err != nil {
		t.Fatal(err)
	}
	if result != Completed {
		t.Fatalf("result = %v, want Completed", result)
	}

	user, _ := store.GetUser(ctx, userID)
	if user.Balance != 10 {
		t.Fatalf("balance = %d, want 10", user.Balance)
	}
	number, _ := store.GetNumber(ctx, numberID)
	if number.Status != repo.NumberUsed {
		t.Fatalf("number status = %s, want used", number.Status)
	}
	res, _ := store.GetReservation(ctx, resID)
	if res.Status != repo.ReservationCompleted || res.CodeValue == nil || *res.CodeValue != "4821" {
		t.Fatalf("reservation = %+v", res)
	}

	// Second delivery of the same message is an idempotent no-op.
	result, err = mgr.Complete(ctx, resID, "4821")
	if err != nil {
		t.Fatal(err)
	}
	if result != AlreadyFinal {
		t.Fatalf("second result = %v, want AlreadyFinal", result)
	}
	user, _ = store.GetUser(ctx, userID)
	if user.Balance != 10 {
		t.Fatalf("balance after replay = %d, want 10", user.Balance)
	}
	if got := len(store.Transactions()); got != 1 {
		t.Fatalf("transactions = %d, want exactly 1 purchase", got)
	}
}

func TestCompleteConcurrentProducersSingleDebit(t *testing.T) {
	store := repotest.New()
	userID, resID, _ := seedReservation(store, 100, 10)
	mgr, _ := newManager(t, store)
	ctx := context.Background()

	// Watcher, poller and group ingestion can all race to deliver the code.
	const producers = 8
	var wg sync.WaitGroup
	outcomes := make([]CompletionResult, producers)
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := mgr.Complete(ctx, resID, "123456")
			if err != nil {
				t.Errorf("complete: %v", err)
				return
			}
			outcomes[i] = result
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, outcome := range outcomes {
		if outcome == Completed {
			completed++
		} else if outcome != AlreadyFinal {
			t.Fatalf("unexpected outcome %v", outcome)
		}
	}
	if completed != 1 {
		t.Fatalf("completed = %d, want exactly 1", completed)
	}

	user, _ := store.GetUser(ctx, userID)
	if user.Balance != 90 {
		t.Fatalf("balance = %d, want 90", user.Balance)
	}
	purchases := 0
	for _, entry := range store.Transactions() {
		if entry.Kind == repo.TxPurchase {
			purchases++
		}
	}
	if purchases != 1 {
		t.Fatalf("purchase transactions = %d, want 1", purchases)
	}
}

func TestCompleteInsufficientBalance(t *testing.T) {
	store := repotest.New()
	userID, resID, numberID := seedReservation(store, 5, 10)
	mgr, notifier := newManager(t, store)
	ctx := context.Background()

	result, err := mgr.Complete(ctx, resID, "9999")
	if err != nil {
		t.Fatal(err)
	}
	if result != InsufficientBalance {
		t.Fatalf("result = %v, want InsufficientBalance", result)
	}

	user, _ := store.GetUser(ctx, userID)
	if user.Balance != 5 {
		t.Fatalf("balance = %d, want unchanged 5", user.Balance)
	}
	res, _ := store.GetReservation(ctx, resID)
	if res.Status != repo.ReservationExpired {
		t.Fatalf("reservation status = %s, want expired", res.Status)
	}
	number, _ := store.GetNumber(ctx, numberID)
	if number.Status != repo.NumberAvailable {
		t.Fatalf("number status = %s, want available", number.Status)
	}
	if len(store.Transactions()) != 0 {
		t.Fatal("no ledger entry expected on insufficient balance")
	}
	notifier.mu.Lock()
	notified := len(notifier.user)
	notifier.mu.Unlock()
	if notified != 1 {
		t.Fatalf("user notifications = %d, want 1", notified)
	}
}

func TestCompleteUnknownReservation(t *testing.T) {
	store := repotest.New()
	mgr, _ := newManager(t, store)

	result, err := mgr.Complete(context.Background(), 404, "1234")
	if err != nil {
		t.Fatal(err)
	}
	if result != NotFound {
		t.Fatalf("result = %v, want NotFound", result)
	}
}

func TestCompleteLastNumberEmitsLowStock(t *testing.T) {
	store := repotest.New()
	_, resID, _ := seedReservation(store, 100, 10)
	mgr, notifier := newManager(t, store)

	result, err := mgr.Complete(context.Background(), resID, "1111")
	if err != nil || result != Completed {
		t.Fatalf("result = %v err = %v", result, err)
	}

	// The alert is fired asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for notifier.adminCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("low stock alert never sent")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExpireSkipsCompletedReservation(t *testing.T) {
	store := repotest.New()
	userID, resID, numberID := seedReservation(store, 100, 10)
	mgr, _ := newManager(t, store)
	ctx := context.Background()

	if result, err := mgr.Complete(ctx, resID, "2222"); err != nil || result != Completed {
		t.Fatalf("complete: %v %v", result, err)
	}

	won, err := mgr.Expire(ctx, resID)
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Fatal("expire must not win over a completed reservation")
	}

	res, _ := store.GetReservation(ctx, resID)
	if res.Status != repo.ReservationCompleted {
		t.Fatalf("status = %s, want completed to stand", res.Status)
	}
	number, _ := store.GetNumber(ctx, numberID)
	if number.Status != repo.NumberUsed {
		t.Fatalf("number status = %s, want used", number.Status)
	}
	user, _ := store.GetUser(ctx, userID)
	if user.Balance != 90 {
		t.Fatalf("balance = %d, want 90", user.Balance)
	}
}

func TestExpireReleasesNumberWithoutCharge(t *testing.T) {
	store := repotest.New()
	userID, resID, numberID := seedReservation(store, 100, 10)
	mgr, notifier := newManager(t, store)
	ctx := context.Background()

	won, err := mgr.Expire(ctx, resID)
	if err != nil {
		t.Fatal(err)
	}
	if !won {
		t.Fatal("expected to win the expiry transition")
	}

	res, _ := store.GetReservation(ctx, resID)
	if res.Status != repo.ReservationExpired {
		t.Fatalf("status = %s, want expired", res.Status)
	}
	number, _ := store.GetNumber(ctx, numberID)
	if number.Status != repo.NumberAvailable || number.ReservedBy != nil {
		t.Fatalf("number not released: %+v", number)
	}
	user, _ := store.GetUser(ctx, userID)
	if user.Balance != 100 {
		t.Fatalf("balance = %d, want unchanged 100", user.Balance)
	}
	notifier.mu.Lock()
	notified := len(notifier.user)
	notifier.mu.Unlock()
	if notified != 1 {
		t.Fatalf("user notifications = %d, want expiry notice", notified)
	}
}

func TestCancelReturnsNumberToPool(t *testing.T) {
	store := repotest.New()
	_, resID, numberID := seedReservation(store, 100, 10)
	mgr, _ := newManager(t, store)
	ctx := context.Background()

	won, err := mgr.Cancel(ctx, resID)
	if err != nil || !won {
		t.Fatalf("cancel: won=%v err=%v", won, err)
	}
	res, _ := store.GetReservation(ctx, resID)
	if res.Status != repo.ReservationCanceled {
		t.Fatalf("status = %s, want canceled", res.Status)
	}
	number, _ := store.GetNumber(ctx, numberID)
	if number.Status != repo.NumberAvailable {
		t.Fatalf("number status = %s, want available", number.Status)
	}

	// Cancel after cancel is a no-op.
	won, err = mgr.Cancel(ctx, resID)
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Fatal("second cancel must not win")
	}
}

func TestCompleteUsesPriceOverride(t *testing.T) {
	store := repotest.New()
	userID := store.AddUser(repo.User{ChatID: "chat-1", Balance: 50})
	serviceID := store.AddService(repo.Service{Name: "WhatsApp", DefaultPrice: 10, Active: true})
	override := int64(30)
	numberID := store.AddNumber(repo.Number{
		ServiceID: serviceID, CountryCode: "+20", PhoneNumber: "+20100000009",
		Status: repo.NumberReserved, ReservedBy: &userID, PriceOverride: &override,
	})
	resID := store.AddReservation(repo.Reservation{
		UserID: userID, ServiceID: serviceID, NumberID: numberID,
		Status: repo.ReservationWaitingCode, ExpiresAt: time.Now().Add(time.Minute),
	})

	mgr, _ := newManager(t, store)
	if result, err := mgr.Complete(context.Background(), resID, "777"); err != nil || result != Completed {
		t.Fatalf("result = %v err = %v", result, err)
	}
	user, _ := store.GetUser(context.Background(), userID)
	if user.Balance != 20 {
		t.Fatalf("balance = %d, want 20 after override price", user.Balance)
	}
}

func TestAdjustRecordsLedgerEntry(t *testing.T) {
	store := repotest.New()
	userID := store.AddUser(repo.User{ChatID: "chat-1", Balance: 10})
	mgr, _ := newManager(t, store)
	ctx := context.Background()

	if err := mgr.Adjust(ctx, userID, 40, repo.TxAdd, "admin top-up"); err != nil {
		t.Fatal(err)
	}
	user, _ := store.GetUser(ctx, userID)
	if user.Balance != 50 {
		t.Fatalf("balance = %d, want 50", user.Balance)
	}

	if err := mgr.Adjust(ctx, userID, -100, repo.TxDeduct, "too much"); err == nil {
		t.Fatal("expected error for deduct below zero")
	}
	user, _ = store.GetUser(ctx, userID)
	if user.Balance != 50 {
		t.Fatalf("balance = %d, want unchanged 50 after failed deduct", user.Balance)
	}
	if got := len(store.Transactions()); got != 1 {
		t.Fatalf("transactions = %d, want 1", got)
	}
}
