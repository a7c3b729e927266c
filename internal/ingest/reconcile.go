package ingest

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/storagecredits/internal/ledger"
	"github.com/punchamoorthee/storagecredits/internal/store"
	"go.uber.org/zap"
)

var reconciled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "storage_deposits_reconciled_total",
	Help: "Pending deposits settled by the reconciliation sweep",
})

const reconcileBatch = 100

// Reconciler settles deposits that were recorded but never credited.
type Reconciler struct {
	deposits store.Deposits
	ledger   *ledger.Ledger
	interval time.Duration
	logger   *zap.Logger
}

func NewReconciler(deposits store.Deposits, l *ledger.Ledger, interval time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{deposits: deposits, ledger: l, interval: interval, logger: logger.Named("reconcile")}
}

// Sweep settles every pending deposit and returns how many it credited.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	settled := 0
	for {
		pending, err := r.deposits.ListPendingDeposits(ctx, reconcileBatch)
		if err != nil {
			return settled, err
		}
		progress := false
		for _, d := range pending {
			ok, err := r.ledger.SettleDeposit(ctx, d.TxHash)
			if err != nil {
				return settled, err
			}
			if ok {
				settled++
				progress = true
				reconciled.Inc()
				r.logger.Warn("settled orphaned deposit",
					zap.String("tx_hash", d.TxHash),
					zap.String("payer", d.Payer),
					zap.Int64("credits", d.Credits))
			}
		}
		if len(pending) < reconcileBatch || !progress {
			return settled, nil
		}
	}
}

// Run sweeps immediately and then on every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if n, err := r.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("reconciliation sweep failed", zap.Error(err))
		} else if n > 0 {
			r.logger.Info("reconciliation sweep complete", zap.Int("settled", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
