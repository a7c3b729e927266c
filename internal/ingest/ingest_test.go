package ingest

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/storagecredits/internal/chain"
	"github.com/punchamoorthee/storagecredits/internal/domain"
	"github.com/punchamoorthee/storagecredits/internal/ledger"
	"github.com/punchamoorthee/storagecredits/internal/pricing"
	"github.com/punchamoorthee/storagecredits/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	payer = "0x00000000000000000000000000000000000000aa"
	usdc  = "0x00000000000000000000000000000000000000c1"
	fst   = "0x00000000000000000000000000000000000000f5"
)

type fakeFinality struct {
	calls atomic.Int32
	err   error
}

func (f *fakeFinality) Wait(ctx context.Context, txHash string) error {
	f.calls.Add(1)
	return f.err
}

type sliceSource []chain.DepositEvent

func (s sliceSource) Run(ctx context.Context, handle func(context.Context, chain.DepositEvent) error) error {
	for _, ev := range s {
		if err := handle(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// flakyDeposits fails the first n InsertDeposit calls as an unreachable store would.
type flakyDeposits struct {
	store.Deposits
	failures atomic.Int32
}

func (f *flakyDeposits) InsertDeposit(ctx context.Context, d *domain.Deposit) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection refused")
	}
	return f.Deposits.InsertDeposit(ctx, d)
}

type fixture struct {
	store    *store.Badger
	ledger   *ledger.Ledger
	finality *fakeFinality
	ingestor *Ingestor
}

func newFixture(t *testing.T, staticFST string) *fixture {
	t.Helper()
	s, err := store.OpenBadger("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	engine, err := pricing.NewEngine(pricing.Config{
		Tokens: []pricing.Token{
			{Address: usdc, Symbol: "USDC", Decimals: 6, Pegged: true},
			{Address: fst, Symbol: "FST", Decimals: 18, StaticPrice: decimal.RequireFromString(staticFST)},
		},
		CreditsPerUSD: 1_000_000,
		StorageScale:  1_000_000,
		OracleTimeout: time.Second,
	}, nil, nil)
	require.NoError(t, err)

	l := ledger.New(s, nil, ledger.WithBackoff(0))
	fin := &fakeFinality{}
	ing := NewIngestor(s, l, engine, fin, nil)
	ing.SetBackoff(time.Millisecond, 5*time.Millisecond)
	return &fixture{store: s, ledger: l, finality: fin, ingestor: ing}
}

func event(txHash, token string, amount int64) chain.DepositEvent {
	return chain.DepositEvent{
		TxHash:      txHash,
		Payer:       payer,
		Token:       token,
		Amount:      big.NewInt(amount),
		CreditsHint: big.NewInt(999_999_999),
		BlockNumber: 10,
	}
}

func balance(t *testing.T, f *fixture) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), payer)
	require.NoError(t, err)
	return b
}

func TestHandle_CreditsPeggedDeposit(t *testing.T) {
	f := newFixture(t, "0")

	require.NoError(t, f.ingestor.Handle(context.Background(), event("0xAA01", usdc, 5_000_000)))

	assert.Equal(t, int64(5_000_000), balance(t, f))
	d, err := f.store.GetDeposit(context.Background(), "0xaa01")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositCredited, d.Status)
	assert.Equal(t, int64(5_000_000), d.Credits)
	assert.Equal(t, "5", d.USDValue)
	assert.Equal(t, int32(1), f.finality.calls.Load())
}

func TestHandle_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, "0")
	ev := event("0xaa02", usdc, 1_000_000)

	src := sliceSource{ev, ev, ev}
	require.NoError(t, f.ingestor.Run(context.Background(), src))

	assert.Equal(t, int64(1_000_000), balance(t, f))
	// Duplicates are discarded before the finality wait.
	assert.Equal(t, int32(1), f.finality.calls.Load())
}

func TestHandle_IgnoresCreditsHint(t *testing.T) {
	f := newFixture(t, "0.5")

	raw, _ := new(big.Int).SetString("2000000000000000000", 10)
	ev := event("0xaa03", fst, 0)
	ev.Amount = raw
	require.NoError(t, f.ingestor.Handle(context.Background(), ev))

	assert.Equal(t, int64(1_000_000), balance(t, f))
}

func TestHandle_ZeroValueDepositIsHeld(t *testing.T) {
	f := newFixture(t, "0")

	raw, _ := new(big.Int).SetString("1000000000000000000", 10)
	ev := event("0xaa04", fst, 0)
	ev.Amount = raw
	require.NoError(t, f.ingestor.Handle(context.Background(), ev))

	assert.Equal(t, int64(0), balance(t, f))
	d, err := f.store.GetDeposit(context.Background(), "0xaa04")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositHeld, d.Status)
	assert.Equal(t, "1000000000000000000", d.Amount)

	pending, err := f.store.ListPendingDeposits(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandle_UnknownTokenIsHeld(t *testing.T) {
	f := newFixture(t, "0")

	require.NoError(t, f.ingestor.Handle(context.Background(), event("0xaa05", "0x0000000000000000000000000000000000000bad", 10)))

	d, err := f.store.GetDeposit(context.Background(), "0xaa05")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositHeld, d.Status)
	assert.Equal(t, int64(0), balance(t, f))
}

func TestHandle_RevertedTransactionIsSkipped(t *testing.T) {
	f := newFixture(t, "0")
	f.finality.err = chain.ErrTxReverted

	require.NoError(t, f.ingestor.Handle(context.Background(), event("0xaa06", usdc, 10)))

	_, err := f.store.GetDeposit(context.Background(), "0xaa06")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandle_RetriesStoreFaultsWithoutDropping(t *testing.T) {
	f := newFixture(t, "0")
	flaky := &flakyDeposits{Deposits: f.store}
	flaky.failures.Store(3)
	ing := NewIngestor(flaky, f.ledger, mustEngine(t), f.finality, nil)
	ing.SetBackoff(time.Millisecond, 2*time.Millisecond)

	require.NoError(t, ing.Handle(context.Background(), event("0xaa07", usdc, 2_000_000)))

	assert.Equal(t, int64(2_000_000), balance(t, f))
	assert.Equal(t, int32(-1), flaky.failures.Load())
}

func TestHandle_ShutdownStopsRetrying(t *testing.T) {
	f := newFixture(t, "0")
	flaky := &flakyDeposits{Deposits: f.store}
	flaky.failures.Store(1 << 30)
	ing := NewIngestor(flaky, f.ledger, mustEngine(t), f.finality, nil)
	ing.SetBackoff(time.Millisecond, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := ing.Handle(ctx, event("0xaa08", usdc, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReconciler_SettlesOrphanedDeposits(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	_, err := f.ledger.EnsureAccount(ctx, payer)
	require.NoError(t, err)
	for _, h := range []string{"0xbb01", "0xbb02"} {
		require.NoError(t, f.store.InsertDeposit(ctx, &domain.Deposit{
			TxHash:  h,
			Payer:   payer,
			Credits: 300,
			Status:  domain.DepositPending,
		}))
	}

	r := NewReconciler(f.store, f.ledger, time.Minute, nil)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(600), balance(t, f))

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(600), balance(t, f))
}

func TestHandle_RepairsPendingRecordOnRedelivery(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	_, err := f.ledger.EnsureAccount(ctx, payer)
	require.NoError(t, err)
	require.NoError(t, f.store.InsertDeposit(ctx, &domain.Deposit{
		TxHash:  "0xcc01",
		Payer:   payer,
		Credits: 42,
		Status:  domain.DepositPending,
	}))

	require.NoError(t, f.ingestor.Handle(ctx, event("0xcc01", usdc, 42)))
	assert.Equal(t, int64(42), balance(t, f))
	assert.Equal(t, int32(0), f.finality.calls.Load())
}

func mustEngine(t *testing.T) *pricing.Engine {
	t.Helper()
	e, err := pricing.NewEngine(pricing.Config{
		Tokens:        []pricing.Token{{Address: usdc, Symbol: "USDC", Decimals: 6, Pegged: true}},
		CreditsPerUSD: 1_000_000,
		StorageScale:  1_000_000,
		OracleTimeout: time.Second,
	}, nil, nil)
	require.NoError(t, err)
	return e
}

func TestHandle_MalformedPayerIsSkipped(t *testing.T) {
	f := newFixture(t, "0")
	ev := event("0xdd01", usdc, 1)
	ev.Payer = "not-an-address"

	require.NoError(t, f.ingestor.Handle(context.Background(), ev))
	_, err := f.store.GetDeposit(context.Background(), "0xdd01")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
