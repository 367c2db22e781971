package storage

import (
	"database/sql"
	"fmt"

	"github.com/agentflow/agentflow/pkg/models"
	"github.com/agentflow/agentflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store over Postgres. Begin returns a
// store wrapping a transaction; row-level locks on the wallet row make
// the debit's balance check and mutation atomic under concurrent
// subtasks billing the same user.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// EnsureWallet lazily provisions a wallet row with a zero balance.
func (s *PostgresStore) EnsureWallet(userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO wallets (user_id, available_micros, pending_micros, updated_at)
		VALUES ($1, 0, 0, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return fmt.Errorf("ensure wallet %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) GetWallet(userID string) (models.Wallet, error) {
	var w models.Wallet
	err := s.db.Get(&w, "SELECT * FROM wallets WHERE user_id = $1", userID)
	if err == sql.ErrNoRows {
		return models.Wallet{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Wallet{}, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	return w, nil
}

// GetWalletForUpdate locks the wallet row until the enclosing transaction
// ends.
func (s *PostgresStore) GetWalletForUpdate(userID string) (models.Wallet, error) {
	var w models.Wallet
	err := s.db.Get(&w, "SELECT * FROM wallets WHERE user_id = $1 FOR UPDATE", userID)
	if err == sql.ErrNoRows {
		return models.Wallet{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Wallet{}, fmt.Errorf("get wallet %s for update: %w", userID, err)
	}
	return w, nil
}

func (s *PostgresStore) AdjustWalletBalance(userID string, deltaMicros int64) error {
	res, err := s.db.Exec(`
		UPDATE wallets
		SET available_micros = available_micros + $1, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $2`,
		deltaMicros, userID)
	if err != nil {
		return fmt.Errorf("adjust wallet %s: %w", userID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveEntry(e models.LedgerEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO wallet_ledger_entries
			(id, user_id, type, subtask_id, model, input_tokens, output_tokens, amount_micros, payment_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.UserID, e.Type, e.SubtaskID, e.Model, e.InputTokens, e.OutputTokens,
		e.AmountMicros, e.PaymentRef, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("save ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTopupEntryByPaymentRef(paymentRef string) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := s.db.Get(&e,
		"SELECT * FROM wallet_ledger_entries WHERE type = 'topup' AND payment_ref = $1",
		paymentRef)
	if err == sql.ErrNoRows {
		return models.LedgerEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("get topup entry by ref: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) GetUsageEntry(userID string, subtaskID int64) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := s.db.Get(&e,
		"SELECT * FROM wallet_ledger_entries WHERE type = 'usage' AND user_id = $1 AND subtask_id = $2",
		userID, subtaskID)
	if err == sql.ErrNoRows {
		return models.LedgerEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("get usage entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListEntries(userID string) ([]models.LedgerEntry, error) {
	entries := []models.LedgerEntry{}
	err := s.db.Select(&entries,
		"SELECT * FROM wallet_ledger_entries WHERE user_id = $1 ORDER BY created_at, id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("list entries for %s: %w", userID, err)
	}
	return entries, nil
}
