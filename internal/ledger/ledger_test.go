package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/storagecredits/internal/domain"
	"github.com/punchamoorthee/storagecredits/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "0x00000000000000000000000000000000000000bb"

func newLedger(t *testing.T) (*Ledger, *store.Badger) {
	t.Helper()
	s, err := store.OpenBadger("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, nil, WithBackoff(0), WithMaxRetries(10_000)), s
}

// conflictingStore fails the first n debits, and separately the first n
// credits, with store.ErrConflict.
type conflictingStore struct {
	store.Store
	remaining       atomic.Int32
	creditConflicts atomic.Int32
}

func (c *conflictingStore) AddCredits(ctx context.Context, addr string, amount int64) (int64, error) {
	if c.creditConflicts.Add(-1) >= 0 {
		return 0, store.ErrConflict
	}
	return c.Store.AddCredits(ctx, addr, amount)
}

func (c *conflictingStore) DebitIfSufficient(ctx context.Context, addr string, amount int64) (bool, int64, error) {
	if c.remaining.Add(-1) >= 0 {
		return false, 0, store.ErrConflict
	}
	return c.Store.DebitIfSufficient(ctx, addr, amount)
}

func TestBalance_CreatesAccountLazily(t *testing.T) {
	l, s := newLedger(t)

	bal, err := l.Balance(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	_, err = s.GetAccount(context.Background(), wallet)
	assert.NoError(t, err)
}

func TestCreditDebitRefund(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	bal, err := l.Credit(ctx, wallet, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	ok, err := l.TryDebit(ctx, wallet, 60)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryDebit(ctx, wallet, 60)
	require.NoError(t, err)
	assert.False(t, ok)

	bal, err = l.Refund(ctx, wallet, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestNegativeAmountsRejected(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.Credit(ctx, wallet, -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.TryDebit(ctx, wallet, -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTryDebit_ZeroAlwaysAdmitted(t *testing.T) {
	l, _ := newLedger(t)

	ok, err := l.TryDebit(context.Background(), wallet, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryDebit_TwoConcurrentUploads(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	_, err := l.Credit(ctx, wallet, 100)
	require.NoError(t, err)

	results := make([]bool, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := l.TryDebit(ctx, wallet, 60)
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []bool{true, false}, results)
	bal, err := l.Balance(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal)
}

func TestTryDebit_ManyConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	const balance, cost, workers = 997, 13, 120
	_, err := l.Credit(ctx, wallet, balance)
	require.NoError(t, err)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryDebit(ctx, wallet, cost)
			if assert.NoError(t, err) && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(balance/cost), admitted.Load())
	bal, err := l.Balance(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(balance%cost), bal)
}

func TestTryDebit_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenBadger("", nil)
	require.NoError(t, err)
	defer s.Close()

	cs := &conflictingStore{Store: s}
	cs.remaining.Store(3)
	l := New(cs, nil, WithBackoff(time.Microsecond))

	_, err = l.Credit(ctx, wallet, 10)
	require.NoError(t, err)

	ok, err := l.TryDebit(ctx, wallet, 10)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryDebit_ConflictRetriesExhausted(t *testing.T) {
	s, err := store.OpenBadger("", nil)
	require.NoError(t, err)
	defer s.Close()

	cs := &conflictingStore{Store: s}
	cs.remaining.Store(100)
	l := New(cs, nil, WithMaxRetries(4), WithBackoff(0))

	_, err = l.TryDebit(context.Background(), wallet, 10)
	assert.ErrorIs(t, err, ErrLedgerConflict)
	assert.Equal(t, int32(96), cs.remaining.Load())
}

func TestRefund_OutlastsRetryLimit(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenBadger("", nil)
	require.NoError(t, err)
	defer s.Close()

	cs := &conflictingStore{Store: s}
	cs.creditConflicts.Store(50)
	l := New(cs, nil, WithMaxRetries(4), WithBackoff(0))

	bal, err := l.Refund(ctx, wallet, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal)
	assert.LessOrEqual(t, cs.creditConflicts.Load(), int32(-1))
}

func TestRefund_StopsWhenContextDone(t *testing.T) {
	s, err := store.OpenBadger("", nil)
	require.NoError(t, err)
	defer s.Close()

	cs := &conflictingStore{Store: s}
	cs.creditConflicts.Store(1 << 30)
	l := New(cs, nil, WithBackoff(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Refund(ctx, wallet, 25)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefund_ConcurrentRefundsAllLand(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenBadger("", nil)
	require.NoError(t, err)
	defer s.Close()
	// A tiny limit makes debits give up under contention; refunds must not.
	l := New(s, nil, WithMaxRetries(2), WithBackoff(0))

	const initial, cost, workers = 100_000, 7, 256
	_, err = l.Credit(ctx, wallet, initial)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryDebit(ctx, wallet, cost)
			if err != nil {
				assert.ErrorIs(t, err, ErrLedgerConflict)
				return
			}
			if !ok {
				return
			}
			_, err = l.Refund(ctx, wallet, cost)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := l.Balance(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(initial), bal)
}

func TestSettleDeposit_Once(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger(t)

	_, err := l.EnsureAccount(ctx, wallet)
	require.NoError(t, err)
	require.NoError(t, s.InsertDeposit(ctx, &domain.Deposit{
		TxHash:  "0x01",
		Payer:   wallet,
		Credits: 250,
		Status:  domain.DepositPending,
	}))

	settled, err := l.SettleDeposit(ctx, "0x01")
	require.NoError(t, err)
	assert.True(t, settled)

	settled, err = l.SettleDeposit(ctx, "0x01")
	require.NoError(t, err)
	assert.False(t, settled)

	bal, err := l.Balance(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(250), bal)
}
