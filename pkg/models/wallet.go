package models

import "time"

// Wallet holds a user's prepaid balance in integer micro-dollars.
// Balances are mutated only through ledger operations, never directly.
type Wallet struct {
	UserID          string    `json:"user_id" db:"user_id"`
	AvailableMicros int64     `json:"available_micros" db:"available_micros"`
	PendingMicros   int64     `json:"pending_micros" db:"pending_micros"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

type EntryType string

const (
	TopupEntryType EntryType = "topup"
	UsageEntryType EntryType = "usage"
)

// LedgerEntry is an immutable record of one balance change. The wallet
// balance is a materialized running sum of a user's entries, updated in
// the same transaction that inserts the entry.
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Type         EntryType `json:"type" db:"type"`
	SubtaskID    *int64    `json:"subtask_id,omitempty" db:"subtask_id"`       // Usage entries only
	Model        *string   `json:"model,omitempty" db:"model"`                 // Usage entries only
	InputTokens  *int64    `json:"input_tokens,omitempty" db:"input_tokens"`   // Usage entries only
	OutputTokens *int64    `json:"output_tokens,omitempty" db:"output_tokens"` // Usage entries only
	AmountMicros int64     `json:"amount_micros" db:"amount_micros"`           // Negative for usage
	PaymentRef   *string   `json:"payment_ref,omitempty" db:"payment_ref"`     // Topup entries only
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
