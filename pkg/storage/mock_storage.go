package storage

import (
	"sync"
	"time"

	"github.com/agentflow/agentflow/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory state. Begin takes an
// exclusive lock for the whole transaction, standing in for the row
// lock the real store takes on the wallet, so concurrent debits against
// one user cannot interleave their check and mutate.
type mockStore struct {
	shared *mockState
	inTx   bool
	done   bool
	// snapshot taken at Begin, restored on Rollback
	snapWallets map[string]models.Wallet
	snapEntries []models.LedgerEntry
}

type mockState struct {
	txMu    sync.Mutex
	mu      sync.Mutex
	wallets map[string]models.Wallet
	entries []models.LedgerEntry
}

func NewMockStore() Store {
	return &mockStore{shared: &mockState{
		wallets: make(map[string]models.Wallet),
	}}
}

func (m *mockStore) Begin() (Store, error) {
	if m.inTx {
		return nil, errors.New("transaction already started")
	}
	m.shared.txMu.Lock()
	snapWallets := make(map[string]models.Wallet, len(m.shared.wallets))
	for k, v := range m.shared.wallets {
		snapWallets[k] = v
	}
	snapEntries := make([]models.LedgerEntry, len(m.shared.entries))
	copy(snapEntries, m.shared.entries)
	return &mockStore{
		shared:      m.shared,
		inTx:        true,
		snapWallets: snapWallets,
		snapEntries: snapEntries,
	}, nil
}

func (m *mockStore) Commit() error {
	if !m.inTx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	m.shared.txMu.Unlock()
	return nil
}

func (m *mockStore) Rollback() error {
	if !m.inTx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.shared.mu.Lock()
	m.shared.wallets = m.snapWallets
	m.shared.entries = m.snapEntries
	m.shared.mu.Unlock()
	m.done = true
	m.shared.txMu.Unlock()
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

// lock guards one store operation. Calls on the root store additionally
// wait for any in-flight transaction, so a read never observes state a
// transaction later rolls back. Calls on a transactional store already
// hold txMu from Begin.
func (m *mockStore) lock() func() {
	if !m.inTx {
		m.shared.txMu.Lock()
		m.shared.mu.Lock()
		return func() {
			m.shared.mu.Unlock()
			m.shared.txMu.Unlock()
		}
	}
	m.shared.mu.Lock()
	return m.shared.mu.Unlock
}

func (m *mockStore) EnsureWallet(userID string) error {
	defer m.lock()()
	if _, ok := m.shared.wallets[userID]; !ok {
		m.shared.wallets[userID] = models.Wallet{UserID: userID, UpdatedAt: time.Now()}
	}
	return nil
}

func (m *mockStore) GetWallet(userID string) (models.Wallet, error) {
	defer m.lock()()
	w, ok := m.shared.wallets[userID]
	if !ok {
		return models.Wallet{}, ErrNotFound
	}
	return w, nil
}

func (m *mockStore) GetWalletForUpdate(userID string) (models.Wallet, error) {
	// The tx-wide lock in Begin already serializes writers.
	return m.GetWallet(userID)
}

func (m *mockStore) AdjustWalletBalance(userID string, deltaMicros int64) error {
	defer m.lock()()
	w, ok := m.shared.wallets[userID]
	if !ok {
		return ErrNotFound
	}
	w.AvailableMicros += deltaMicros
	w.UpdatedAt = time.Now()
	m.shared.wallets[userID] = w
	return nil
}

func (m *mockStore) SaveEntry(e models.LedgerEntry) error {
	defer m.lock()()
	for _, existing := range m.shared.entries {
		if existing.ID == e.ID {
			return errors.New("entry already exists")
		}
		// Enforce the same uniqueness the real store gets from its
		// partial unique indexes.
		if e.Type == models.TopupEntryType && existing.Type == models.TopupEntryType &&
			e.PaymentRef != nil && existing.PaymentRef != nil && *e.PaymentRef == *existing.PaymentRef {
			return errors.New("duplicate topup payment ref")
		}
		if e.Type == models.UsageEntryType && existing.Type == models.UsageEntryType &&
			e.UserID == existing.UserID &&
			e.SubtaskID != nil && existing.SubtaskID != nil && *e.SubtaskID == *existing.SubtaskID {
			return errors.New("duplicate usage entry")
		}
	}
	m.shared.entries = append(m.shared.entries, e)
	return nil
}

func (m *mockStore) GetTopupEntryByPaymentRef(paymentRef string) (models.LedgerEntry, error) {
	defer m.lock()()
	for _, e := range m.shared.entries {
		if e.Type == models.TopupEntryType && e.PaymentRef != nil && *e.PaymentRef == paymentRef {
			return e, nil
		}
	}
	return models.LedgerEntry{}, ErrNotFound
}

func (m *mockStore) GetUsageEntry(userID string, subtaskID int64) (models.LedgerEntry, error) {
	defer m.lock()()
	for _, e := range m.shared.entries {
		if e.Type == models.UsageEntryType && e.UserID == userID &&
			e.SubtaskID != nil && *e.SubtaskID == subtaskID {
			return e, nil
		}
	}
	return models.LedgerEntry{}, ErrNotFound
}

func (m *mockStore) ListEntries(userID string) ([]models.LedgerEntry, error) {
	defer m.lock()()
	var out []models.LedgerEntry
	for _, e := range m.shared.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}
