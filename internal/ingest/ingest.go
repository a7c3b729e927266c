package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/storagecredits/internal/chain"
	"github.com/punchamoorthee/storagecredits/internal/domain"
	"github.com/punchamoorthee/storagecredits/internal/ledger"
	"github.com/punchamoorthee/storagecredits/internal/pricing"
	"github.com/punchamoorthee/storagecredits/internal/store"
	"go.uber.org/zap"
)

// ErrDuplicateEvent marks an event whose transaction was already recorded.
// It is an idempotent skip, never a failure.
var ErrDuplicateEvent = errors.New("ingest: deposit already processed")

// ErrMalformedEvent marks an event that can never be processed.
var ErrMalformedEvent = errors.New("ingest: malformed deposit event")

var depositsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storage_deposits_total",
	Help: "Deposit events handled by the ingestor, labeled by outcome",
}, []string{"outcome"})

var ingestRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "storage_ingest_retries_total",
	Help: "Deposit events retried after a store or RPC fault",
})

type Outcome string

const (
	Discarded Outcome = "discarded"
	Committed Outcome = "committed"
	Held      Outcome = "held"
	Reverted  Outcome = "reverted"
	Malformed Outcome = "malformed"
)

// EventSource delivers deposit events in order and stops when handle fails.
type EventSource interface {
	Run(ctx context.Context, handle func(context.Context, chain.DepositEvent) error) error
}

type Finalizer interface {
	Wait(ctx context.Context, txHash string) error
}

type Pricer interface {
	CreditsForDeposit(ctx context.Context, token string, raw *big.Int) (pricing.Quote, error)
}

// Ingestor turns on-chain deposits into credits exactly once per transaction.
type Ingestor struct {
	deposits   store.Deposits
	ledger     *ledger.Ledger
	pricer     Pricer
	finality   Finalizer
	logger     *zap.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewIngestor(deposits store.Deposits, l *ledger.Ledger, pricer Pricer, finality Finalizer, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		deposits:   deposits,
		ledger:     l,
		pricer:     pricer,
		finality:   finality,
		logger:     logger.Named("ingest"),
		backoff:    500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// SetBackoff changes the retry delay bounds after a store fault.
func (i *Ingestor) SetBackoff(initial, ceiling time.Duration) {
	i.backoff, i.maxBackoff = initial, ceiling
}

// Run consumes src until ctx is done.
func (i *Ingestor) Run(ctx context.Context, src EventSource) error {
	i.logger.Info("deposit ingestor started")
	err := src.Run(ctx, i.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one event. Faults are retried on the same event until it
// succeeds or ctx is cancelled, so later events wait behind it.
func (i *Ingestor) Handle(ctx context.Context, ev chain.DepositEvent) error {
	log := i.logger.With(zap.String("tx_hash", ev.TxHash), zap.String("payer", ev.Payer))
	wait := i.backoff

	for {
		outcome, err := i.process(ctx, ev)
		switch {
		case err == nil:
			depositsProcessed.WithLabelValues(string(outcome)).Inc()
			return nil
		case errors.Is(err, ErrDuplicateEvent):
			depositsProcessed.WithLabelValues(string(Discarded)).Inc()
			log.Debug("duplicate deposit event")
			return nil
		case errors.Is(err, chain.ErrTxReverted):
			depositsProcessed.WithLabelValues(string(Reverted)).Inc()
			log.Error("deposit transaction reverted", zap.Error(err))
			return nil
		case errors.Is(err, ErrMalformedEvent):
			depositsProcessed.WithLabelValues(string(Malformed)).Inc()
			log.Error("skipping malformed deposit event", zap.Error(err))
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		ingestRetries.Inc()
		log.Error("deposit processing failed, retrying", zap.Duration("backoff", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait = min(wait*2, i.maxBackoff)
	}
}

func (i *Ingestor) process(ctx context.Context, ev chain.DepositEvent) (Outcome, error) {
	txHash := domain.NormalizeTxHash(ev.TxHash)
	if txHash == "" {
		return "", fmt.Errorf("%w: missing transaction hash", ErrMalformedEvent)
	}

	existing, err := i.deposits.GetDeposit(ctx, txHash)
	if err == nil {
		if existing.Status == domain.DepositPending {
			// A previous attempt stopped between record and credit.
			if _, err := i.ledger.SettleDeposit(ctx, txHash); err != nil {
				return "", err
			}
		}
		return Discarded, ErrDuplicateEvent
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("lookup deposit: %w", err)
	}

	if err := i.finality.Wait(ctx, txHash); err != nil {
		return "", err
	}

	payer, err := domain.NormalizeAddress(ev.Payer)
	if err != nil {
		return "", fmt.Errorf("%w: payer %q", ErrMalformedEvent, ev.Payer)
	}

	d := &domain.Deposit{
		TxHash:      txHash,
		Payer:       payer,
		Token:       ev.Token,
		Amount:      "0",
		USDValue:    "0",
		Memo:        ev.Memo,
		BlockNumber: ev.BlockNumber,
		Status:      domain.DepositPending,
		CreatedAt:   time.Now().UTC(),
	}
	if ev.Amount != nil {
		d.Amount = ev.Amount.String()
	}

	quote, err := i.pricer.CreditsForDeposit(ctx, ev.Token, ev.Amount)
	switch {
	case errors.Is(err, pricing.ErrUnknownToken):
		d.Status = domain.DepositHeld
		i.logger.Error("deposit in unsupported token held for review",
			zap.String("tx_hash", txHash), zap.String("token", ev.Token), zap.String("amount", d.Amount))
	case err != nil:
		return "", fmt.Errorf("price deposit: %w", err)
	case quote.Credits <= 0:
		d.Status = domain.DepositHeld
		d.USDValue = quote.USD.String()
		i.logger.Error("deposit worth zero credits held for review",
			zap.String("tx_hash", txHash), zap.String("token", ev.Token),
			zap.String("amount", d.Amount), zap.String("usd", d.USDValue))
	default:
		d.Credits = quote.Credits
		d.USDValue = quote.USD.String()
	}

	if _, err := i.ledger.EnsureAccount(ctx, payer); err != nil {
		return "", fmt.Errorf("ensure account: %w", err)
	}

	if err := i.deposits.InsertDeposit(ctx, d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return Discarded, ErrDuplicateEvent
		}
		return "", fmt.Errorf("record deposit: %w", err)
	}

	if d.Status == domain.DepositHeld {
		return Held, nil
	}

	if _, err := i.ledger.SettleDeposit(ctx, txHash); err != nil {
		// The record is pending; a retry or the reconciler settles it.
		return "", fmt.Errorf("credit deposit: %w", err)
	}

	i.logger.Info("deposit credited",
		zap.String("tx_hash", txHash),
		zap.String("payer", payer),
		zap.Int64("credits", d.Credits),
		zap.String("usd", d.USDValue))
	return Committed, nil
}
