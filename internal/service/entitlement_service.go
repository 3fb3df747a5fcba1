package service

import (
	"context"
	"fmt"
	"log"

	"github.com/splitvox/api/internal/db/repos"
)

// DenialReason is the machine-readable code attached to an entitlement
// denial so the UI can render distinct calls-to-action.
type DenialReason string

const (
	ReasonInsufficientCredits DenialReason = "INSUFFICIENT_CREDITS"
	ReasonFreeTrialExhausted  DenialReason = "FREE_TRIAL_EXHAUSTED"
)

// DeniedError is returned when a caller may not start a separation.
type DeniedError struct {
	Reason DenialReason
}

func (e *DeniedError) Error() string {
	switch e.Reason {
	case ReasonInsufficientCredits:
		return "insufficient credits"
	case ReasonFreeTrialExhausted:
		return "free trial already used"
	default:
		return fmt.Sprintf("entitlement denied: %s", e.Reason)
	}
}

// EntitlementService decides whether a caller may start a separation:
// a credit balance for authenticated users, a one-time free trial keyed
// by client fingerprint for anonymous ones.
type EntitlementService struct {
	ledger      *repos.LedgerRepository
	trials      *repos.TrialRepository
	bypassToken string
}

// NewEntitlementService creates a new entitlement service.
func NewEntitlementService(ledger *repos.LedgerRepository, trials *repos.TrialRepository, bypassToken string) *EntitlementService {
	return &EntitlementService{
		ledger:      ledger,
		trials:      trials,
		bypassToken: bypassToken,
	}
}

// Check returns nil when the caller may proceed. For anonymous callers
// a grant consumes the trial immediately, at grant time rather than job
// completion, so a crash mid-job never hands out a second attempt.
func (s *EntitlementService) Check(ctx context.Context, ownerID *string, fingerprint, userAgent, bypassToken string) error {
	if s.bypassToken != "" && bypassToken == s.bypassToken {
		log.Printf("[Entitlement] bypass token used (fingerprint=%s)", fingerprint)
		return nil
	}

	if ownerID != nil {
		balance, err := s.ledger.Balance(ctx, *ownerID)
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		if balance < 1 {
			return &DeniedError{Reason: ReasonInsufficientCredits}
		}
		return nil
	}

	consumed, err := s.trials.Consume(ctx, fingerprint, userAgent)
	if err != nil {
		return fmt.Errorf("failed to record trial usage: %w", err)
	}
	if !consumed {
		return &DeniedError{Reason: ReasonFreeTrialExhausted}
	}
	log.Printf("[Entitlement] free trial granted (fingerprint=%s)", fingerprint)
	return nil
}
