package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/storagecredits/internal/domain"
	"github.com/punchamoorthee/storagecredits/internal/store"
	"go.uber.org/zap"
)

var (
	ErrLedgerConflict = errors.New("ledger: concurrent modification retries exhausted")
	ErrInvalidAmount  = errors.New("ledger: amount must not be negative")
)

var (
	ledgerConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_ledger_conflicts_total",
		Help: "Store-detected write conflicts on balance mutations, labeled by operation",
	}, []string{"op"})

	ledgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_ledger_mutations_total",
		Help: "Balance mutations, labeled by operation and result",
	}, []string{"op", "result"})
)

const DefaultMaxRetries = 32

// Ledger is the only path through which balances change.
type Ledger struct {
	store      store.Accounts
	deposits   store.Deposits
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

type Option func(*Ledger)

func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(l *Ledger) { l.backoff = d }
}

func New(s store.Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:      s,
		deposits:   s,
		maxRetries: DefaultMaxRetries,
		backoff:    time.Millisecond,
		logger:     logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// retry runs fn until it stops failing with store.ErrConflict. A limit of
// zero retries until ctx is done.
func (l *Ledger) retry(ctx context.Context, op string, limit int, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		ledgerConflicts.WithLabelValues(op).Inc()
		if limit > 0 && attempt+1 >= limit {
			l.logger.Error("conflict retries exhausted", zap.String("op", op), zap.Int("attempts", attempt+1))
			return fmt.Errorf("%w: %s", ErrLedgerConflict, op)
		}

		wait := l.backoff * time.Duration(1<<min(attempt, 6))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *Ledger) EnsureAccount(ctx context.Context, account string) (*domain.Account, error) {
	return l.store.EnsureAccount(ctx, account)
}

// Balance returns the account's credits, creating the account on first use.
func (l *Ledger) Balance(ctx context.Context, account string) (int64, error) {
	acct, err := l.store.GetAccount(ctx, account)
	if errors.Is(err, store.ErrNotFound) {
		acct, err = l.store.EnsureAccount(ctx, account)
	}
	if err != nil {
		return 0, err
	}
	return acct.Credits, nil
}

// Credit adds amount to the account. Increases cannot be rejected, so write
// conflicts are retried until ctx is done rather than up to the retry limit.
func (l *Ledger) Credit(ctx context.Context, account string, amount int64) (int64, error) {
	return l.add(ctx, "credit", account, amount)
}

// Refund returns previously debited credits, retrying conflicts like Credit.
// It is not deduplicated here: callers refund at most once per successful
// TryDebit.
func (l *Ledger) Refund(ctx context.Context, account string, amount int64) (int64, error) {
	return l.add(ctx, "refund", account, amount)
}

func (l *Ledger) add(ctx context.Context, op, account string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := l.retry(ctx, op, 0, func() error {
		var err error
		balance, err = l.store.AddCredits(ctx, account, amount)
		return err
	})
	if err != nil {
		ledgerMutations.WithLabelValues(op, "error").Inc()
		return 0, err
	}
	ledgerMutations.WithLabelValues(op, "ok").Inc()
	l.logger.Debug("balance increased", zap.String("op", op), zap.String("account", account),
		zap.Int64("amount", amount), zap.Int64("balance", balance))
	return balance, nil
}

// TryDebit deducts amount only if the balance covers it. A false result is a
// business rejection, not an error.
func (l *Ledger) TryDebit(ctx context.Context, account string, amount int64) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}
	if amount == 0 {
		return true, nil
	}

	var ok bool
	err := l.retry(ctx, "debit", l.maxRetries, func() error {
		var err error
		ok, _, err = l.store.DebitIfSufficient(ctx, account, amount)
		return err
	})
	switch {
	case err != nil:
		ledgerMutations.WithLabelValues("debit", "error").Inc()
		return false, err
	case !ok:
		ledgerMutations.WithLabelValues("debit", "insufficient").Inc()
	default:
		ledgerMutations.WithLabelValues("debit", "ok").Inc()
	}
	return ok, nil
}

// SettleDeposit credits a pending deposit to its payer exactly once.
func (l *Ledger) SettleDeposit(ctx context.Context, txHash string) (bool, error) {
	var settled bool
	err := l.retry(ctx, "settle", l.maxRetries, func() error {
		var err error
		settled, err = l.deposits.SettleDeposit(ctx, txHash, time.Now().UTC())
		return err
	})
	if err != nil {
		ledgerMutations.WithLabelValues("settle", "error").Inc()
		return false, err
	}
	if settled {
		ledgerMutations.WithLabelValues("settle", "ok").Inc()
	}
	return settled, nil
}
