package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/engine"
	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/provider"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
	"github.com/elweshaq/El-WeshaqBot/internal/repo/repotest"
	"github.com/elweshaq/El-WeshaqBot/internal/security"
)

type nopNotifier struct{}

func (nopNotifier) NotifyUser(context.Context, string, string) error { return nil }
func (nopNotifier) NotifyAdmin(context.Context, string) error { return nil }

type fixture struct {
	store     *repotest.MemStore
	proc      *Processor
	userID    int64
	serviceID int64
	numberID  int64
	resID     int64
}

// newFixture seeds one waiting reservation on +15550001111 for a service
// named telegram, monitored by group chat "group@1" in token_only mode.
func newFixture(t *testing.T, balance int64, mode repo.SecurityMode, secret string) *fixture {
	t.Helper()
	store := repotest.New()
	userID := store.AddUser(repo.User{ChatID: "chat-1", Balance: balance})
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
		ExpiresAt: time.Now().Add(20 * time.Minute),
	})
	var token *string
	if secret != "" {
		token = &secret
	}
	store.AddGroup(repo.ServiceGroup{
		ServiceID:    serviceID,
		GroupChatID:  "group@1",
		SecretToken:  token,
		SecurityMode: mode,
		Active:       true,
	})

	mgr := engine.New(store, nopNotifier{}, metrics.Registry("test"), slog.Default(), engine.Config{})
	proc := New(store, mgr, security.Config{DefaultSecret: secret, Window: 5 * time.Minute}, metrics.Registry("test"), slog.Default())
	return &fixture{store: store, proc: proc, userID: userID, serviceID: serviceID, numberID: numberID, resID: resID}
}

func (f *fixture) send(t *testing.T, text string) {
	t.Helper()
	err := f.proc.HandleGroupMessage(context.Background(), GroupMessage{
		GroupChatID: "group@1",
		SenderID:    "sender-1",
		Text:        text,
	})
	if err != nil {
		t.Fatalf("HandleGroupMessage: %v", err)
	}
}

func (f *fixture) auditStatus(t *testing.T, text string) repo.MessageStatus {
	t.Helper()
	msg, ok := f.store.InboundByText(text)
	if !ok {
		t.Fatalf("no audit row for %q", text)
	}
	return msg.Status
}

func TestGroupMessageCompletesReservation(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityTokenOnly, "")
	text := "to: +1 555 000 1111 code: 1234"
	f.send(t, text)

	res, err := f.store.GetReservation(context.Background(), f.resID)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if res.Status != repo.ReservationCompleted {
		t.Fatalf("reservation status = %s, want completed", res.Status)
	}
	if res.CodeValue == nil || *res.CodeValue != "1234" {
		t.Errorf("code value = %v, want 1234", res.CodeValue)
	}
	if got := f.auditStatus(t, text); got != repo.MessageProcessed {
		t.Errorf("audit status = %s, want processed", got)
	}
	user, _ := f.store.GetUser(context.Background(), f.userID)
	if user.Balance != 40 {
		t.Errorf("balance = %d, want 40", user.Balance)
	}
}

func TestGroupMessageWithoutCodeIsBlocked(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityTokenOnly, "")
	text := "to: +15550001111 nothing useful here"
	f.send(t, text)

	if got := f.auditStatus(t, text); got != repo.MessageRejected {
		t.Fatalf("audit status = %s, want rejected", got)
	}
	blocked := f.store.Blocked()
	if len(blocked) != 1 || blocked[0].Reason != ReasonNoNumberOrNoCode {
		t.Fatalf("blocked trail = %+v, want one %s entry", blocked, ReasonNoNumberOrNoCode)
	}
	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationWaitingCode {
		t.Errorf("reservation status = %s, want waiting_code", res.Status)
	}
}

func TestGroupMessageUnknownNumberIsOrphan(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityTokenOnly, "")
	text := "to: +19998887777 code: 1234"
	f.send(t, text)

	if got := f.auditStatus(t, text); got != repo.MessageOrphan {
		t.Fatalf("audit status = %s, want orphan", got)
	}
	if len(f.store.Blocked()) != 0 {
		t.Error("orphan must not appear on the blocked trail")
	}
}

func TestGroupMessageNoWaitingReservationIsOrphan(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityTokenOnly, "")
	text := "to: +15550001111 code: 1234"
	f.send(t, text)
	// The first message completes the reservation; a duplicate for the same
	// number no longer matches anything.
	f.send(t, text)

	user, _ := f.store.GetUser(context.Background(), f.userID)
	if user.Balance != 40 {
		t.Fatalf("balance = %d, want 40 after single debit", user.Balance)
	}
	if len(f.store.Blocked()) != 0 {
		t.Error("duplicate code delivery must not hit the blocked trail")
	}
}

func TestGroupMessageHMACRejectedWithoutSignature(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityHMAC, "topsecret")
	text := "to: +15550001111 code: 1234"
	f.send(t, text)

	if got := f.auditStatus(t, text); got != repo.MessageRejected {
		t.Fatalf("audit status = %s, want rejected", got)
	}
	blocked := f.store.Blocked()
	if len(blocked) != 1 || blocked[0].Reason != security.ReasonMissingSignature {
		t.Fatalf("blocked trail = %+v, want missing_signature", blocked)
	}
}

func TestGroupMessageHMACAccepted(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityHMAC, "topsecret")

	ts := time.Now().Unix()
	payload := fmt.Sprintf("+15550001111|1234|%d", ts)
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	text := fmt.Sprintf("to:+15550001111 code:1234 ts:%d hmac:%s", ts, sig)
	f.send(t, text)

	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationCompleted {
		t.Fatalf("reservation status = %s, want completed", res.Status)
	}
}

func TestGroupMessageUnmonitoredChatIgnored(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityTokenOnly, "")
	err := f.proc.HandleGroupMessage(context.Background(), GroupMessage{
		GroupChatID: "other@chat",
		SenderID:    "sender-1",
		Text:        "to: +15550001111 code: 1234",
	})
	if err != nil {
		t.Fatalf("HandleGroupMessage: %v", err)
	}
	if _, ok := f.store.InboundByText("to: +15550001111 code: 1234"); ok {
		t.Fatal("unmonitored chat must not be audited")
	}
}

func TestProviderMessageInfersService(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityTokenOnly, "")
	text := "Telegram verification. to: +15550001111 code: 4321"
	err := f.proc.HandleProviderMessage(context.Background(), "provider:smsline", provider.Message{
		Number: "+15550001111",
		Text:   text,
	})
	if err != nil {
		t.Fatalf("HandleProviderMessage: %v", err)
	}

	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationCompleted {
		t.Fatalf("reservation status = %s, want completed", res.Status)
	}
	if got := f.auditStatus(t, text); got != repo.MessageProcessed {
		t.Errorf("audit status = %s, want processed", got)
	}
}

func TestProviderMessageUsesExplicitServiceField(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityTokenOnly, "")
	// The text names no service, so only the payload field can resolve it.
	text := "Your login code. to: +15550001111 code: 9911"
	err := f.proc.HandleProviderMessage(context.Background(), "provider:smsline", provider.Message{
		Number:  "+15550001111",
		Text:    text,
		Service: "telegram",
	})
	if err != nil {
		t.Fatalf("HandleProviderMessage: %v", err)
	}

	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationCompleted {
		t.Fatalf("reservation status = %s, want completed", res.Status)
	}
	if res.CodeValue == nil || *res.CodeValue != "9911" {
		t.Errorf("code value = %v, want 9911", res.CodeValue)
	}
	if got := f.auditStatus(t, text); got != repo.MessageProcessed {
		t.Errorf("audit status = %s, want processed", got)
	}
}

func TestProviderMessageAppliesServicePattern(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityTokenOnly, "")
	f.store.AddGroup(repo.ServiceGroup{
		ServiceID:    f.serviceID,
		GroupChatID:  "group@2",
		RegexPattern: `\b\d{7,8}\b`,
		SecurityMode: repo.SecurityTokenOnly,
		Active:       true,
	})

	// No code: field and an 8-digit code the default pattern cannot match.
	text := "to: +15550001111 pin 12345678"
	err := f.proc.HandleProviderMessage(context.Background(), "provider:smsline", provider.Message{
		Number:  "+15550001111",
		Text:    text,
		Service: "telegram",
	})
	if err != nil {
		t.Fatalf("HandleProviderMessage: %v", err)
	}

	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationCompleted {
		t.Fatalf("reservation status = %s, want completed", res.Status)
	}
	if res.CodeValue == nil || *res.CodeValue != "12345678" {
		t.Errorf("code value = %v, want 12345678", res.CodeValue)
	}
}

func TestProviderMessageUnknownServiceIsOrphan(t *testing.T) {
	f := newFixture(t, 50, repo.SecurityTokenOnly, "")
	text := "Some unrelated SMS. to: +15550001111 code: 4321"
	err := f.proc.HandleProviderMessage(context.Background(), "provider:smsline", provider.Message{
		Number: "+15550001111",
		Text:   text,
	})
	if err != nil {
		t.Fatalf("HandleProviderMessage: %v", err)
	}
	if got := f.auditStatus(t, text); got != repo.MessageOrphan {
		t.Fatalf("audit status = %s, want orphan", got)
	}
}

func TestGroupMessageInsufficientBalanceRejected(t *testing.T) {
	f := newFixture(t, 5, repo.SecurityTokenOnly, "")
	text := "to: +15550001111 code: 1234"
	f.send(t, text)

	if got := f.auditStatus(t, text); got != repo.MessageRejected {
		t.Fatalf("audit status = %s, want rejected", got)
	}
	blocked := f.store.Blocked()
	if len(blocked) != 1 || blocked[0].Reason != ReasonCompletionFailed {
		t.Fatalf("blocked trail = %+v, want completion_failed", blocked)
	}
	res, _ := f.store.GetReservation(context.Background(), f.resID)
	if res.Status != repo.ReservationExpired {
		t.Errorf("reservation status = %s, want expired", res.Status)
	}
	user, _ := f.store.GetUser(context.Background(), f.userID)
	if user.Balance != 5 {
		t.Errorf("balance = %d, want unchanged 5", user.Balance)
	}
}
