package model

import "time"

// TransactionKind distinguishes balance credits from debits. Amounts are
// always stored as positive magnitudes; the kind carries the sign.
type TransactionKind string

const (
	TransactionPurchase TransactionKind = "purchase"
	TransactionUse      TransactionKind = "use"
)

// CreditBalance holds one non-negative balance per user. Mutated only
// through the ledger's atomic adjust operation.
type CreditBalance struct {
	UserID    string    `gorm:"primaryKey;size:128" json:"userId"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreditTransaction is an immutable append-only record of a balance
// mutation. The unique index on (user_id, external_payment_id, kind) is
// the authoritative de-duplication guard for payment webhook replays.
type CreditTransaction struct {
	ID                string          `gorm:"primaryKey;size:36" json:"id"`
	UserID            string          `gorm:"size:128;index;uniqueIndex:idx_payment_dedup" json:"userId"`
	Kind              TransactionKind `gorm:"size:16;uniqueIndex:idx_payment_dedup" json:"kind"`
	Amount            int64           `json:"amount"`
	ExternalPaymentID *string         `gorm:"size:128;uniqueIndex:idx_payment_dedup" json:"externalPaymentId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// FreeTrialUsage marks the anonymous trial as consumed for one client
// fingerprint. Presence of the row is the authoritative check; the
// browser cookie is only an optimization.
type FreeTrialUsage struct {
	ClientFingerprint string    `gorm:"primaryKey;size:64" json:"clientFingerprint"`
	UserAgent         string    `gorm:"size:512" json:"userAgent"`
	CreatedAt         time.Time `json:"createdAt"`
}

// PaymentEvent is the payment processor's webhook envelope. Only the
// fields this service consumes are modeled.
type PaymentEvent struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Data PaymentEventData `json:"data"`
}

// PaymentEventData carries the checkout metadata attached when the
// checkout session was created.
type PaymentEventData struct {
	PaymentID     string `json:"paymentId"`
	UserID        string `json:"userId"`
	Credits       int64  `json:"credits"`
	PaymentStatus string `json:"paymentStatus"`
}

// BalanceResponse is the body for GET /api/credits/balance.
type BalanceResponse struct {
	Balance int64 `json:"balance"`
}
