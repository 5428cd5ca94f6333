package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, accounts ...string) *Ledger {
	t.Helper()
	l := New()
	for _, id := range accounts {
		require.NoError(t, l.CreateAccount(id))
	}
	return l
}

func TestCreateAccount(t *testing.T) {
	t.Run("should start with zero balance", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A")
		balance, err := l.Balance("BANK-A")
		require.NoError(t, err)
		assert.True(t, balance.IsZero())
	})

	t.Run("should reject duplicate account", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A")
		err := l.CreateAccount("BANK-A")
		assert.ErrorIs(t, err, ErrDuplicateAccount)
	})

	t.Run("should reject operations on unknown accounts", func(t *testing.T) {
		l := newTestLedger(t)
		_, err := l.Balance("GHOST")
		assert.ErrorIs(t, err, ErrUnknownAccount)
		_, err = l.Mint("GHOST", decimal.NewFromInt(1), time.Now())
		assert.ErrorIs(t, err, ErrUnknownAccount)
	})
}

func TestMint(t *testing.T) {
	t.Run("should increase balance by token amount", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A")
		tokenID, err := l.Mint("BANK-A", decimal.NewFromInt(500), time.Now())
		require.NoError(t, err)
		assert.NotEmpty(t, tokenID)

		balance, err := l.Balance("BANK-A")
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(500)))
	})

	t.Run("should reject non-positive amounts", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A")
		_, err := l.Mint("BANK-A", decimal.Zero, time.Now())
		assert.ErrorIs(t, err, ErrNegativeAmount)
		_, err = l.Mint("BANK-A", decimal.NewFromInt(-10), time.Now())
		assert.ErrorIs(t, err, ErrNegativeAmount)
	})
}

func TestBurnFIFO(t *testing.T) {
	t.Run("should consume oldest tokens first", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A")
		first, err := l.Mint("BANK-A", decimal.NewFromInt(100), time.Now())
		require.NoError(t, err)
		second, err := l.Mint("BANK-A", decimal.NewFromInt(200), time.Now())
		require.NoError(t, err)

		consumed, err := l.Burn("BANK-A", decimal.NewFromInt(100))
		require.NoError(t, err)
		assert.Equal(t, []string{first}, consumed)

		// The second token is untouched.
		snap := l.Snapshot()
		require.Len(t, snap, 1)
		require.Len(t, snap[0].Tokens, 1)
		assert.Equal(t, second, snap[0].Tokens[0].ID)
	})

	t.Run("should split a token in place on partial consumption", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A")
		mintedAt := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
		tokenID, err := l.Mint("BANK-A", decimal.NewFromInt(300), mintedAt)
		require.NoError(t, err)
		_, err = l.Mint("BANK-A", decimal.NewFromInt(50), mintedAt.Add(time.Hour))
		require.NoError(t, err)

		consumed, err := l.Burn("BANK-A", decimal.NewFromInt(120))
		require.NoError(t, err)
		assert.Equal(t, []string{tokenID}, consumed)

		// The remainder keeps its id, position and mint timestamp.
		snap := l.Snapshot()
		require.Len(t, snap[0].Tokens, 2)
		remainder := snap[0].Tokens[0]
		assert.Equal(t, tokenID, remainder.ID)
		assert.True(t, remainder.Amount.Equal(decimal.NewFromInt(180)))
		assert.True(t, remainder.MintedAt.Equal(mintedAt))
	})

	t.Run("should span multiple tokens", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A")
		first, _ := l.Mint("BANK-A", decimal.NewFromInt(100), time.Now())
		second, _ := l.Mint("BANK-A", decimal.NewFromInt(100), time.Now())
		third, _ := l.Mint("BANK-A", decimal.NewFromInt(100), time.Now())

		consumed, err := l.Burn("BANK-A", decimal.NewFromInt(250))
		require.NoError(t, err)
		assert.Equal(t, []string{first, second, third}, consumed)

		balance, _ := l.Balance("BANK-A")
		assert.True(t, balance.Equal(decimal.NewFromInt(50)))
	})

	t.Run("should fail atomically on insufficient funds", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A")
		_, err := l.Mint("BANK-A", decimal.NewFromInt(100), time.Now())
		require.NoError(t, err)

		_, err = l.Burn("BANK-A", decimal.NewFromInt(101))
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		// Nothing was consumed.
		balance, _ := l.Balance("BANK-A")
		assert.True(t, balance.Equal(decimal.NewFromInt(100)))
		assert.Len(t, l.Snapshot()[0].Tokens, 1)
	})
}

func TestSettle(t *testing.T) {
	t.Run("should move value atomically between accounts", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A", "BANK-B")
		_, err := l.Mint("BANK-A", decimal.NewFromInt(1000), time.Now())
		require.NoError(t, err)

		rec, err := l.Settle("BANK-A", "BANK-B", decimal.NewFromInt(400), time.Now())
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, rec.Outcome)
		assert.NotEmpty(t, rec.ConsumedTokens)
		assert.NotEmpty(t, rec.MintedToken)

		from, _ := l.Balance("BANK-A")
		to, _ := l.Balance("BANK-B")
		assert.True(t, from.Equal(decimal.NewFromInt(600)))
		assert.True(t, to.Equal(decimal.NewFromInt(400)))
	})

	t.Run("should record a rolled back settlement on insufficient funds", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A", "BANK-B")
		_, err := l.Mint("BANK-A", decimal.NewFromInt(100), time.Now())
		require.NoError(t, err)

		rec, err := l.Settle("BANK-A", "BANK-B", decimal.NewFromInt(500), time.Now())
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		require.NotNil(t, rec)
		assert.Equal(t, OutcomeRolledBack, rec.Outcome)
		assert.NotEmpty(t, rec.FailureReason)

		// Neither side moved.
		from, _ := l.Balance("BANK-A")
		to, _ := l.Balance("BANK-B")
		assert.True(t, from.Equal(decimal.NewFromInt(100)))
		assert.True(t, to.IsZero())

		records := l.Settlements()
		require.Len(t, records, 1)
		assert.Equal(t, OutcomeRolledBack, records[0].Outcome)
	})

	t.Run("should preserve total value across settlements", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A", "BANK-B", "BANK-C")
		_, err := l.Mint("BANK-A", decimal.NewFromInt(900), time.Now())
		require.NoError(t, err)

		_, err = l.Settle("BANK-A", "BANK-B", decimal.NewFromInt(300), time.Now())
		require.NoError(t, err)
		_, err = l.Settle("BANK-B", "BANK-C", decimal.NewFromInt(100), time.Now())
		require.NoError(t, err)

		assert.True(t, l.TotalValue().Equal(decimal.NewFromInt(900)))
	})
}

func TestSettleConcurrent(t *testing.T) {
	t.Run("should conserve value under opposing transfers", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A", "BANK-B")
		_, err := l.Mint("BANK-A", decimal.NewFromInt(10_000), time.Now())
		require.NoError(t, err)
		_, err = l.Mint("BANK-B", decimal.NewFromInt(10_000), time.Now())
		require.NoError(t, err)

		// Opposing transfers exercise the canonical lock order; a deadlock
		// here hangs the test.
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				l.Settle("BANK-A", "BANK-B", decimal.NewFromInt(10), time.Now())
			}()
			go func() {
				defer wg.Done()
				l.Settle("BANK-B", "BANK-A", decimal.NewFromInt(10), time.Now())
			}()
		}
		wg.Wait()

		assert.True(t, l.TotalValue().Equal(decimal.NewFromInt(20_000)))

		// No account went negative.
		for _, snap := range l.Snapshot() {
			assert.False(t, snap.Balance.IsNegative())
		}
	})
}

func TestSnapshotRestore(t *testing.T) {
	t.Run("should round-trip ledger state", func(t *testing.T) {
		l := newTestLedger(t, "BANK-A", "BANK-B")
		_, err := l.Mint("BANK-A", decimal.NewFromInt(700), time.Now())
		require.NoError(t, err)
		_, err = l.Settle("BANK-A", "BANK-B", decimal.NewFromInt(250), time.Now())
		require.NoError(t, err)

		snap := l.Snapshot()

		restored := New()
		require.NoError(t, restored.Restore(snap))

		from, _ := restored.Balance("BANK-A")
		to, _ := restored.Balance("BANK-B")
		assert.True(t, from.Equal(decimal.NewFromInt(450)))
		assert.True(t, to.Equal(decimal.NewFromInt(250)))
	})

	t.Run("should reject snapshots whose tokens do not sum to the balance", func(t *testing.T) {
		restored := New()
		err := restored.Restore([]AccountSnapshot{{
			ID:      "BANK-A",
			Balance: decimal.NewFromInt(100),
			Tokens: []DepositToken{
				{ID: "TKN-x", Amount: decimal.NewFromInt(60), MintedAt: time.Now()},
			},
		}})
		assert.Error(t, err)
	})
}
