package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/punchamoorthee/storagecredits/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestPostgres connects to TEST_DB_SOURCE, or DB_SOURCE, and starts from
// empty tables. Tests using it are skipped when neither is set.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		dsn = os.Getenv("DB_SOURCE")
	}
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set; skipping postgres integration test")
	}

	ctx := context.Background()
	s, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(ctx))
	_, err = s.Db.Exec(ctx, "TRUNCATE stored_objects, deposits, accounts, ingest_cursors")
	require.NoError(t, err)
	return s
}

func TestMapPgErr(t *testing.T) {
	assert.NoError(t, mapPgErr(nil))
	assert.ErrorIs(t, mapPgErr(pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, mapPgErr(&pgconn.PgError{Code: "23505", ConstraintName: "deposits_pkey"}), ErrDuplicate)
	assert.ErrorIs(t, mapPgErr(&pgconn.PgError{Code: "40001"}), ErrConflict)
	assert.ErrorIs(t, mapPgErr(&pgconn.PgError{Code: "40P01"}), ErrConflict)
	assert.ErrorIs(t, mapPgErr(&pgconn.PgError{Code: "22003"}), ErrBalanceOverflow)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapPgErr(other))
	check := &pgconn.PgError{Code: "23514"}
	assert.Equal(t, error(check), mapPgErr(check))
}

func TestPostgres_Accounts(t *testing.T) {
	ctx := context.Background()
	s := openTestPostgres(t)

	_, err := s.GetAccount(ctx, wallet)
	assert.ErrorIs(t, err, ErrNotFound)

	acct, err := s.EnsureAccount(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Credits)

	bal, err := s.AddCredits(ctx, wallet, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	acct, err = s.EnsureAccount(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Credits)

	ok, _, err := s.DebitIfSufficient(ctx, wallet, 501)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, bal, err = s.DebitIfSufficient(ctx, wallet, 500)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), bal)

	ok, _, err = s.DebitIfSufficient(ctx, "0x00000000000000000000000000000000000000ff", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_AddCreditsOverflow(t *testing.T) {
	ctx := context.Background()
	s := openTestPostgres(t)

	_, err := s.AddCredits(ctx, wallet, 1<<62)
	require.NoError(t, err)
	_, err = s.AddCredits(ctx, wallet, 1<<62)
	assert.ErrorIs(t, err, ErrBalanceOverflow)
}

func TestPostgres_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := openTestPostgres(t)

	const balance, cost, workers = 1000, 70, 40
	_, err := s.AddCredits(ctx, wallet, balance)
	require.NoError(t, err)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := s.DebitIfSufficient(ctx, wallet, cost)
			if assert.NoError(t, err) && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(balance/cost), admitted.Load())
	acct, err := s.GetAccount(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(balance%cost), acct.Credits)
}

func TestPostgres_DepositLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestPostgres(t)

	_, err := s.EnsureAccount(ctx, wallet)
	require.NoError(t, err)

	d := &domain.Deposit{
		TxHash:      "0xabc",
		Payer:       wallet,
		Token:       "0xtoken",
		Amount:      "5000000",
		Credits:     5_000_000,
		USDValue:    "5",
		BlockNumber: 42,
		Status:      domain.DepositPending,
	}
	require.NoError(t, s.InsertDeposit(ctx, d))
	assert.ErrorIs(t, s.InsertDeposit(ctx, d), ErrDuplicate)

	pending, err := s.ListPendingDeposits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(42), pending[0].BlockNumber)

	// Concurrent settlers credit the payer exactly once.
	var settledCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			settled, err := s.SettleDeposit(ctx, "0xabc", time.Now())
			if assert.NoError(t, err) && settled {
				settledCount.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), settledCount.Load())

	acct, err := s.GetAccount(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), acct.Credits)

	got, err := s.GetDeposit(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositCredited, got.Status)
	assert.NotNil(t, got.CreditedAt)

	pending, err = s.ListPendingDeposits(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.SettleDeposit(ctx, "0xmissing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.InsertDeposit(ctx, &domain.Deposit{TxHash: "0xheld", Payer: wallet, Amount: "0", Status: domain.DepositHeld}))
	settled, err := s.SettleDeposit(ctx, "0xheld", time.Now())
	require.NoError(t, err)
	assert.False(t, settled)
}

func TestPostgres_Objects(t *testing.T) {
	ctx := context.Background()
	s := openTestPostgres(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, cid := range []string{"bafy-a", "bafy-b", "bafy-c"} {
		require.NoError(t, s.InsertObject(ctx, &domain.StoredObject{
			CID:       cid,
			RootCID:   cid,
			Owner:     wallet,
			Name:      cid + ".txt",
			Size:      int64(i + 1),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			ExpiresAt: base.Add(time.Hour),
		}))
	}
	err := s.InsertObject(ctx, &domain.StoredObject{CID: "bafy-a", Owner: wallet, CreatedAt: base, ExpiresAt: base})
	assert.ErrorIs(t, err, ErrDuplicate)

	list, err := s.ListObjectsByOwner(ctx, wallet, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "bafy-c", list[0].CID)

	o, err := s.ExtendObject(ctx, "bafy-a", wallet, base, time.Minute)
	require.NoError(t, err)
	assert.True(t, base.Add(time.Hour+time.Minute).Equal(o.ExpiresAt))

	later := base.Add(2 * time.Hour)
	o, err = s.ExtendObject(ctx, "bafy-a", wallet, later, time.Minute)
	require.NoError(t, err)
	assert.True(t, later.Add(time.Minute).Equal(o.ExpiresAt))

	_, err = s.ExtendObject(ctx, "bafy-a", "0xother", later, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteObject(ctx, "bafy-c"))
	assert.ErrorIs(t, s.DeleteObject(ctx, "bafy-c"), ErrNotFound)
	_, err = s.GetObject(ctx, "bafy-c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_Cursor(t *testing.T) {
	ctx := context.Background()
	s := openTestPostgres(t)

	_, found, err := s.LoadCursor(ctx, "deposits")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveCursor(ctx, "deposits", 12345))
	require.NoError(t, s.SaveCursor(ctx, "deposits", 12346))
	block, found, err := s.LoadCursor(ctx, "deposits")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(12346), block)
}
