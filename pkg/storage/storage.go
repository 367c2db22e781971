package storage

import (
	"github.com/agentflow/agentflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a wallet or ledger entry does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the ledger persistence operations. Begin returns a
// transactional Store; the balance read and write of a debit must happen
// inside one transaction so the check-and-mutate is atomic under
// concurrent subtasks sharing a user.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Wallet operations
	EnsureWallet(userID string) error
	GetWallet(userID string) (models.Wallet, error)
	// GetWalletForUpdate locks the wallet row for the duration of the
	// enclosing transaction.
	GetWalletForUpdate(userID string) (models.Wallet, error)
	AdjustWalletBalance(userID string, deltaMicros int64) error

	// Ledger entry operations
	SaveEntry(e models.LedgerEntry) error
	GetTopupEntryByPaymentRef(paymentRef string) (models.LedgerEntry, error)
	GetUsageEntry(userID string, subtaskID int64) (models.LedgerEntry, error)
	ListEntries(userID string) ([]models.LedgerEntry, error)
}
