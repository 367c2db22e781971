package ledger

import (
	"fmt"
	"time"

	"github.com/agentflow/agentflow/pkg/models"
	"github.com/agentflow/agentflow/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for LedgerService
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// InsufficientFundsError reports a rejected debit: the wallet balance was
// left untouched and the caller can prompt the user to top up.
type InsufficientFundsError struct {
	UserID         string
	RequiredMicros int64
	BalanceMicros  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for user %s: required %d micros, balance %d micros",
		e.UserID, e.RequiredMicros, e.BalanceMicros)
}

// Shortfall is the amount missing from the wallet, in micro-dollars.
func (e *InsufficientFundsError) Shortfall() int64 {
	return e.RequiredMicros - e.BalanceMicros
}

// LedgerService provides the wallet operations: balance lookup, idempotent
// top-up credit and idempotent usage debit. Every mutation runs as one
// transaction against the store so the wallet balance always equals the
// sum of the user's entry amounts.
type LedgerService struct {
	store  storage.Store
	logger Logger
}

func NewLedgerService(store storage.Store, logger Logger) *LedgerService {
	return &LedgerService{store: store, logger: logger}
}

// Balance returns the available balance in micro-dollars. Unknown users
// report 0; the wallet row is provisioned lazily on first write.
func (s *LedgerService) Balance(userID string) (int64, error) {
	w, err := s.store.GetWallet(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read wallet for %s: %v", userID, err)
	}
	return w.AvailableMicros, nil
}

// Credit adds amountMicros to the user's wallet. When paymentRef is
// non-empty and an entry with that reference already exists, the call is a
// no-op returning the current balance, so duplicate payment notifications
// are safe to retry.
func (s *LedgerService) Credit(userID string, amountMicros int64, paymentRef string) (balance int64, err error) {
	if userID == "" {
		return 0, errors.New("user ID cannot be empty")
	}
	if amountMicros <= 0 {
		return 0, errors.New("credit amount must be positive")
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if err = txStore.EnsureWallet(userID); err != nil {
		return 0, err
	}

	if paymentRef != "" {
		if _, lookupErr := txStore.GetTopupEntryByPaymentRef(paymentRef); lookupErr == nil {
			w, werr := txStore.GetWallet(userID)
			if werr != nil {
				err = werr
				return 0, err
			}
			s.logger.Infof("Top-up with payment ref '%s' already recorded, balance unchanged", paymentRef)
			return w.AvailableMicros, nil
		} else if !errors.Is(lookupErr, storage.ErrNotFound) {
			err = lookupErr
			return 0, err
		}
	}

	entry := models.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         models.TopupEntryType,
		AmountMicros: amountMicros,
		CreatedAt:    time.Now(),
	}
	if paymentRef != "" {
		entry.PaymentRef = &paymentRef
	}
	if err = txStore.SaveEntry(entry); err != nil {
		return 0, fmt.Errorf("failed to save topup entry: %v", err)
	}
	if err = txStore.AdjustWalletBalance(userID, amountMicros); err != nil {
		return 0, err
	}

	w, werr := txStore.GetWallet(userID)
	if werr != nil {
		err = werr
		return 0, err
	}
	s.logger.Infof("Credited %d micros to user %s, balance %d", amountMicros, userID, w.AvailableMicros)
	return w.AvailableMicros, nil
}

// Debit charges costMicros for one subtask's usage. A repeat call with the
// same (user, subtaskID) pair is a no-op returning the current balance. A
// debit that would drive the balance negative is rejected with
// *InsufficientFundsError and mutates nothing.
func (s *LedgerService) Debit(userID string, subtaskID int64, model string, inputTokens, outputTokens, costMicros int64) (balance int64, err error) {
	if userID == "" {
		return 0, errors.New("user ID cannot be empty")
	}
	if costMicros < 0 {
		return 0, errors.New("debit cost cannot be negative")
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %v", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if err = txStore.EnsureWallet(userID); err != nil {
		return 0, err
	}

	if _, lookupErr := txStore.GetUsageEntry(userID, subtaskID); lookupErr == nil {
		w, werr := txStore.GetWallet(userID)
		if werr != nil {
			err = werr
			return 0, err
		}
		s.logger.Infof("Usage for subtask %d of user %s already recorded, balance unchanged", subtaskID, userID)
		return w.AvailableMicros, nil
	} else if !errors.Is(lookupErr, storage.ErrNotFound) {
		err = lookupErr
		return 0, err
	}

	w, werr := txStore.GetWalletForUpdate(userID)
	if werr != nil {
		err = werr
		return 0, err
	}
	if w.AvailableMicros-costMicros < 0 {
		insufficient := &InsufficientFundsError{
			UserID:         userID,
			RequiredMicros: costMicros,
			BalanceMicros:  w.AvailableMicros,
		}
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			s.logger.Errorf("Failed to rollback after insufficient funds: %v", rollbackErr)
		}
		committed = true
		return w.AvailableMicros, insufficient
	}

	entry := models.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         models.UsageEntryType,
		SubtaskID:    &subtaskID,
		Model:        &model,
		InputTokens:  &inputTokens,
		OutputTokens: &outputTokens,
		AmountMicros: -costMicros,
		CreatedAt:    time.Now(),
	}
	if err = txStore.SaveEntry(entry); err != nil {
		return 0, fmt.Errorf("failed to save usage entry: %v", err)
	}
	if err = txStore.AdjustWalletBalance(userID, -costMicros); err != nil {
		return 0, err
	}

	w, werr = txStore.GetWallet(userID)
	if werr != nil {
		err = werr
		return 0, err
	}
	s.logger.Infof("Debited %d micros from user %s for subtask %d, balance %d",
		costMicros, userID, subtaskID, w.AvailableMicros)
	return w.AvailableMicros, nil
}

// Entries returns all ledger entries for a user, for auditing.
func (s *LedgerService) Entries(userID string) ([]models.LedgerEntry, error) {
	return s.store.ListEntries(userID)
}
