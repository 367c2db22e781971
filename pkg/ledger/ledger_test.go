package ledger_test

import (
	"sync"
	"testing"

	"github.com/agentflow/agentflow/pkg/ledger"
	"github.com/agentflow/agentflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

func newTestLedger() *ledger.LedgerService {
	return ledger.NewLedgerService(storage.NewMockStore(), testLogger{})
}

func TestBalance_UnknownUserIsZero(t *testing.T) {
	svc := newTestLedger()
	balance, err := svc.Balance("nobody")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestCredit(t *testing.T) {
	t.Run("credits and returns new balance", func(t *testing.T) {
		svc := newTestLedger()
		balance, err := svc.Credit("alice", 2_500_000, "")
		assert.NoError(t, err)
		assert.Equal(t, int64(2_500_000), balance)

		balance, err = svc.Credit("alice", 1_000_000, "")
		assert.NoError(t, err)
		assert.Equal(t, int64(3_500_000), balance)
	})

	t.Run("idempotent by payment ref", func(t *testing.T) {
		svc := newTestLedger()
		balance, err := svc.Credit("alice", 5_000_000, "pi_abc")
		require.NoError(t, err)
		require.Equal(t, int64(5_000_000), balance)

		// Duplicate payment notification: balance must not move.
		balance, err = svc.Credit("alice", 5_000_000, "pi_abc")
		assert.NoError(t, err)
		assert.Equal(t, int64(5_000_000), balance)

		entries, err := svc.Entries("alice")
		assert.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		svc := newTestLedger()
		_, err := svc.Credit("alice", 0, "")
		assert.Error(t, err)
		_, err = svc.Credit("alice", -100, "")
		assert.Error(t, err)
	})

	t.Run("rejects empty user", func(t *testing.T) {
		svc := newTestLedger()
		_, err := svc.Credit("", 100, "")
		assert.Error(t, err)
	})
}

func TestDebit(t *testing.T) {
	t.Run("debits and returns new balance", func(t *testing.T) {
		svc := newTestLedger()
		_, err := svc.Credit("alice", 5_000_000, "")
		require.NoError(t, err)

		balance, err := svc.Debit("alice", 1, "gemma3:12b", 500, 200, 1_200_000)
		assert.NoError(t, err)
		assert.Equal(t, int64(3_800_000), balance)
	})

	t.Run("idempotent by user and subtask", func(t *testing.T) {
		svc := newTestLedger()
		_, err := svc.Credit("alice", 5_000_000, "")
		require.NoError(t, err)

		balance, err := svc.Debit("alice", 7, "gemma3:12b", 500, 200, 1_000_000)
		require.NoError(t, err)
		require.Equal(t, int64(4_000_000), balance)

		// Retry of the same subtask: a no-op returning the same balance.
		balance, err = svc.Debit("alice", 7, "gemma3:12b", 500, 200, 1_000_000)
		assert.NoError(t, err)
		assert.Equal(t, int64(4_000_000), balance)

		entries, err := svc.Entries("alice")
		assert.NoError(t, err)
		assert.Len(t, entries, 2) // one topup, one usage
	})

	t.Run("insufficient funds rejects without mutating", func(t *testing.T) {
		svc := newTestLedger()
		_, err := svc.Credit("alice", 5_000_000, "")
		require.NoError(t, err)

		balance, err := svc.Debit("alice", 1, "llama3:70b", 10_000, 5_000, 6_000_000)
		var insufficient *ledger.InsufficientFundsError
		require.True(t, errors.As(err, &insufficient))
		assert.Equal(t, int64(6_000_000), insufficient.RequiredMicros)
		assert.Equal(t, int64(5_000_000), insufficient.BalanceMicros)
		assert.Equal(t, int64(1_000_000), insufficient.Shortfall())
		assert.Equal(t, int64(5_000_000), balance)

		// Balance and entries are untouched.
		balance, err = svc.Balance("alice")
		assert.NoError(t, err)
		assert.Equal(t, int64(5_000_000), balance)
		entries, err := svc.Entries("alice")
		assert.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("zero-cost debit still records the entry", func(t *testing.T) {
		svc := newTestLedger()
		balance, err := svc.Debit("alice", 3, "gemma3:12b", 100, 50, 0)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), balance)
		entries, err := svc.Entries("alice")
		assert.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

// The wallet balance must always equal the sum of the user's entry
// amounts, whatever sequence of operations ran.
func TestBalanceEqualsEntrySum(t *testing.T) {
	svc := newTestLedger()
	_, err := svc.Credit("alice", 10_000_000, "pi_1")
	require.NoError(t, err)
	_, err = svc.Credit("alice", 10_000_000, "pi_1") // duplicate, no-op
	require.NoError(t, err)
	_, err = svc.Debit("alice", 1, "gemma3:12b", 100, 100, 2_000_000)
	require.NoError(t, err)
	_, err = svc.Debit("alice", 1, "gemma3:12b", 100, 100, 2_000_000) // duplicate, no-op
	require.NoError(t, err)
	_, err = svc.Debit("alice", 2, "qwen2.5:7b", 100, 100, 500_000)
	require.NoError(t, err)
	_, err = svc.Debit("alice", 3, "llama3:70b", 100, 100, 99_000_000) // insufficient
	require.Error(t, err)

	balance, err := svc.Balance("alice")
	require.NoError(t, err)
	entries, err := svc.Entries("alice")
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		sum += e.AmountMicros
	}
	assert.Equal(t, sum, balance)
	assert.Equal(t, int64(7_500_000), balance)
}

// Concurrent debits against one user must serialize their check-and-mutate:
// exactly as many succeed as the balance can cover.
func TestDebit_ConcurrentSharedUser(t *testing.T) {
	svc := newTestLedger()
	_, err := svc.Credit("alice", 1_000_000, "")
	require.NoError(t, err)

	const attempts = 15
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Debit("alice", int64(i+1), "gemma3:12b", 100, 100, 100_000)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			var insufficient *ledger.InsufficientFundsError
			require.True(t, errors.As(err, &insufficient), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, succeeded)

	balance, err := svc.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}
