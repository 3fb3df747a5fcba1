package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/splitvox/api/internal/db/repos"
	"github.com/splitvox/api/internal/model"
)

// ErrInvalidSignature is returned for webhook deliveries whose HMAC
// does not match; those are rejected without any state change.
var ErrInvalidSignature = errors.New("invalid webhook signature")

const (
	eventTypeCheckoutCompleted = "checkout.completed"
	paymentStatusPaid          = "paid"

	webhookDedupTTL = 24 * time.Hour
)

// BillingService reconciles asynchronous payment notifications against
// the credit ledger. Deliveries are at-least-once; the unique purchase
// transaction per (user, payment) in the ledger is the authoritative
// de-duplication, with a Redis fast path in front of it.
type BillingService struct {
	ledger *repos.LedgerRepository
	redis  *redis.Client // optional fast-path de-dup; nil skips it

	webhookSecret  string
	verifyAttempts int
	verifyDelay    time.Duration
}

// NewBillingService creates a new billing service.
func NewBillingService(ledger *repos.LedgerRepository, redisClient *redis.Client, webhookSecret string, verifyAttempts, verifyDelayMs int) *BillingService {
	return &BillingService{
		ledger:         ledger,
		redis:          redisClient,
		webhookSecret:  webhookSecret,
		verifyAttempts: verifyAttempts,
		verifyDelay:    time.Duration(verifyDelayMs) * time.Millisecond,
	}
}

// VerifySignature checks the HMAC-SHA256 hex signature of a raw
// webhook body against the shared secret.
func (s *BillingService) VerifySignature(body []byte, signature string) bool {
	if s.webhookSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// HandlePaymentEvent processes one webhook delivery. Once the signature
// verifies, events this service intentionally ignores are acknowledged
// with a nil error so the processor stops redelivering them; only a
// store failure while crediting returns an error, which makes the
// processor retry into the idempotent Adjust.
func (s *BillingService) HandlePaymentEvent(ctx context.Context, body []byte, signature string) error {
	if !s.VerifySignature(body, signature) {
		return ErrInvalidSignature
	}

	var event model.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("[Billing] discarding unparseable event: %v", err)
		return nil
	}

	if event.ID != "" && s.seenRecently(ctx, event.ID) {
		log.Printf("[Billing] event %s already handled recently, skipping", event.ID)
		return nil
	}

	if event.Type != eventTypeCheckoutCompleted {
		return nil
	}

	data := event.Data
	if data.UserID == "" || data.PaymentID == "" || data.Credits <= 0 {
		log.Printf("[Billing] event %s has incomplete checkout metadata, skipping", event.ID)
		return nil
	}

	// Authoritative guard: survives restarts that empty the fast path.
	exists, err := s.ledger.HasPurchase(ctx, data.UserID, data.PaymentID)
	if err != nil {
		return err
	}
	if exists {
		log.Printf("[Billing] payment %s already credited for %s, skipping", data.PaymentID, data.UserID)
		s.markHandled(ctx, event.ID)
		return nil
	}

	if data.PaymentStatus != paymentStatusPaid {
		log.Printf("[Billing] payment %s for %s not paid (status %q), skipping", data.PaymentID, data.UserID, data.PaymentStatus)
		return nil
	}

	before, berr := s.ledger.Balance(ctx, data.UserID)

	paymentID := data.PaymentID
	txn, err := s.ledger.Adjust(ctx, data.UserID, model.TransactionPurchase, data.Credits, &paymentID)
	if err != nil {
		log.Printf("[Billing] failed to credit payment %s for %s: %v", data.PaymentID, data.UserID, err)
		return err
	}
	log.Printf("[Billing] credited %d to %s (payment %s, transaction %s)", data.Credits, data.UserID, data.PaymentID, txn.ID)
	s.markHandled(ctx, event.ID)

	if berr == nil {
		s.verifyCredit(ctx, data.UserID, before, data.Credits)
	}
	return nil
}

// Balance returns the caller's current credit balance.
func (s *BillingService) Balance(ctx context.Context, userID string) (int64, error) {
	return s.ledger.Balance(ctx, userID)
}

// seenRecently reports whether an event ID was already processed to
// completion. Read-only; markHandled writes the key only after the
// credit lands, so a failed delivery stays retryable. Defense in depth
// only; a cold cache (restart, Redis outage) falls through to the
// ledger guard.
func (s *BillingService) seenRecently(ctx context.Context, eventID string) bool {
	if s.redis == nil {
		return false
	}
	n, err := s.redis.Exists(ctx, "webhook:event:"+eventID).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// markHandled records a fully processed event ID for the fast path.
func (s *BillingService) markHandled(ctx context.Context, eventID string) {
	if s.redis == nil || eventID == "" {
		return
	}
	if err := s.redis.Set(ctx, "webhook:event:"+eventID, 1, webhookDedupTTL).Err(); err != nil {
		log.Printf("[Billing] failed to record handled event %s: %v", eventID, err)
	}
}

// verifyCredit re-reads the balance a few times to confirm the credit
// landed, absorbing read-after-write lag on replicated stores. The
// write already succeeded; this is observability, never a gate.
func (s *BillingService) verifyCredit(ctx context.Context, userID string, before, credits int64) {
	for attempt := 0; attempt < s.verifyAttempts; attempt++ {
		balance, err := s.ledger.Balance(ctx, userID)
		if err == nil && balance >= before+credits {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.verifyDelay):
		}
	}
	log.Printf("[Billing] WARNING: balance for %s did not reflect +%d after %d reads", userID, credits, s.verifyAttempts)
}
