package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/repo"
)

// Rejection reason codes written to the blocked-message trail.
const (
	ReasonNotAdmin            = "not_admin"
	ReasonMembershipFailed    = "membership_check_failed"
	ReasonNoSecretConfigured  = "no_secret_configured"
	ReasonMissingSignature    = "missing_signature"
	ReasonStaleTimestamp      = "stale_timestamp"
	ReasonInvalidHMAC         = "invalid_hmac"
	ReasonUnknownSecurityMode = "unknown_security_mode"
)

// Input carries the message under verification.
type Input struct {
	Text     string
	SenderID string
	Source   string
}

// Result reports the verdict and a reason code for the audit trail.
type Result struct {
	OK     bool
	Reason string
}

// Verifier validates an inbound message before it is trusted.
type Verifier interface {
	Verify(ctx context.Context, in Input) Result
}

// MembershipChecker resolves whether a sender holds admin or creator role in
// the originating group chat.
type MembershipChecker interface {
	IsGroupAdmin(ctx context.Context, groupChatID, senderID string) (bool, error)
}

// Config selects and parameterises a verifier.
type Config struct {
	// DefaultSecret is used by HMAC mode when the group has no secret of its own.
	DefaultSecret string
	// Window bounds |now - ts| for HMAC timestamps. Zero means 5 minutes.
	Window  time.Duration
	Members MembershipChecker
	Now     func() time.Time
}

// ForGroup returns the verifier implementation for the group's security mode.
// The selection happens once per config, not per message.
func ForGroup(group *repo.ServiceGroup, cfg Config) Verifier {
	switch group.SecurityMode {
	case repo.SecurityTokenOnly:
		return tokenOnly{}
	case repo.SecurityAdminOnly:
		return adminOnly{members: cfg.Members}
	case repo.SecurityHMAC:
		secret := cfg.DefaultSecret
		if group.SecretToken != nil && *group.SecretToken != "" {
			secret = *group.SecretToken
		}
		window := cfg.Window
		if window <= 0 {
			window = 5 * time.Minute
		}
		now := cfg.Now
		if now == nil {
			now = time.Now
		}
		return hmacVerifier{secret: secret, window: window, now: now}
	default:
		return rejectAll{reason: ReasonUnknownSecurityMode}
	}
}

// tokenOnly accepts unconditionally. The single-operator deployment owns its
// groups; the mode is kept as a named strategy for stricter token checks later.
type tokenOnly struct{}

func (tokenOnly) Verify(context.Context, Input) Result {
	return Result{OK: true, Reason: "token_only"}
}

type adminOnly struct {
	members MembershipChecker
}

func (v adminOnly) Verify(ctx context.Context, in Input) Result {
	if v.members == nil {
		return Result{OK: false, Reason: ReasonMembershipFailed}
	}
	isAdmin, err := v.members.IsGroupAdmin(ctx, in.Source, in.SenderID)
	if err != nil {
		// Lookup failure is treated as rejection, never as acceptance.
		return Result{OK: false, Reason: ReasonMembershipFailed}
	}
	if !isAdmin {
		return Result{OK: false, Reason: ReasonNotAdmin}
	}
	return Result{OK: true, Reason: "admin_verified"}
}

var (
	hmacFieldRegex = regexp.MustCompile(`hmac:([a-fA-F0-9]+)`)
	tsFieldRegex   = regexp.MustCompile(`ts:(\d+)`)
	hmacPhoneRegex = regexp.MustCompile(`to:(\+\d+)`)
	hmacCodeRegex  = regexp.MustCompile(`code:(\d+)`)
)

type hmacVerifier struct {
	secret string
	window time.Duration
	now    func() time.Time
}

func (v hmacVerifier) Verify(_ context.Context, in Input) Result {
	if v.secret == "" {
		return Result{OK: false, Reason: ReasonNoSecretConfigured}
	}

	hmacMatch := hmacFieldRegex.FindStringSubmatch(in.Text)
	tsMatch := tsFieldRegex.FindStringSubmatch(in.Text)
	if hmacMatch == nil || tsMatch == nil {
		return Result{OK: false, Reason: ReasonMissingSignature}
	}

	ts, err := strconv.ParseInt(tsMatch[1], 10, 64)
	if err != nil {
		return Result{OK: false, Reason: ReasonMissingSignature}
	}

	// Compare in plain seconds: converting the delta to a Duration would
	// overflow for absurd timestamps and wrap past the guard.
	delta := v.now().Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(v.window/time.Second) {
		return Result{OK: false, Reason: ReasonStaleTimestamp}
	}

	phoneMatch := hmacPhoneRegex.FindStringSubmatch(in.Text)
	codeMatch := hmacCodeRegex.FindStringSubmatch(in.Text)
	if phoneMatch == nil || codeMatch == nil {
		return Result{OK: false, Reason: ReasonInvalidHMAC}
	}

	payload := fmt.Sprintf("%s|%s|%d", phoneMatch[1], codeMatch[1], ts)
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte(payload))
	expected := mac.Sum(nil)

	supplied, err := hex.DecodeString(hmacMatch[1])
	if err != nil || !hmac.Equal(expected, supplied) {
		return Result{OK: false, Reason: ReasonInvalidHMAC}
	}
	return Result{OK: true, Reason: "hmac_verified"}
}

type rejectAll struct {
	reason string
}

func (v rejectAll) Verify(context.Context, Input) Result {
	return Result{OK: false, Reason: v.reason}
}
