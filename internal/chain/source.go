package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/punchamoorthee/storagecredits/internal/store"
	"go.uber.org/zap"
)

var ErrTxReverted = errors.New("chain: transaction reverted")

// Client is the part of ethclient.Client the source and finality waiter use.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Client = (*ethclient.Client)(nil)

func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return c, nil
}

type SourceConfig struct {
	Contract   string
	StartBlock uint64
	// CursorName keys the persisted backfill position.
	CursorName   string
	PollInterval time.Duration
	MaxRange     uint64
}

// Source delivers Deposit events of one payments contract in block order.
// It backfills from the persisted cursor, then follows new logs through a
// subscription, or by polling when the endpoint cannot subscribe.
type Source struct {
	client  Client
	cursors store.Cursors
	cfg     SourceConfig
	logger  *zap.Logger
}

func NewSource(client Client, cursors store.Cursors, cfg SourceConfig, logger *zap.Logger) *Source {
	if cfg.CursorName == "" {
		cfg.CursorName = "deposits:" + cfg.Contract
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = 2000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{client: client, cursors: cursors, cfg: cfg, logger: logger.Named("chain")}
}

func (s *Source) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{common.HexToAddress(s.cfg.Contract)},
		Topics:    [][]common.Hash{{DepositTopic()}},
	}
}

// Run calls handle for every Deposit event until ctx is done or handle fails.
// Events are delivered at least once; a handler must tolerate repeats.
// Store and RPC failures are retried from the persisted cursor.
func (s *Source) Run(ctx context.Context, handle func(context.Context, DepositEvent) error) error {
	next, err := s.loadCursor(ctx)
	if err != nil {
		return err
	}

	for {
		next, err = s.follow(ctx, next, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var he *handlerError
		if errors.As(err, &he) {
			return he.err
		}
		s.logger.Warn("deposit stream interrupted, resuming from cursor", zap.Uint64("from", next), zap.Error(err))
		if !sleep(ctx, s.cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

// loadCursor returns the first block to read. It keeps retrying until the
// store answers or ctx is done.
func (s *Source) loadCursor(ctx context.Context) (uint64, error) {
	for {
		next, found, err := s.cursors.LoadCursor(ctx, s.cfg.CursorName)
		if err == nil {
			if !found {
				next = s.cfg.StartBlock
			}
			return next, nil
		}
		s.logger.Warn("load cursor failed", zap.String("cursor", s.cfg.CursorName), zap.Error(err))
		if !sleep(ctx, s.cfg.PollInterval) {
			return 0, ctx.Err()
		}
	}
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }

// backfill delivers all logs in [from, head] and returns head. The cursor
// is saved after every range.
func (s *Source) backfill(ctx context.Context, from uint64, handle func(context.Context, DepositEvent) error) (uint64, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if from > head {
		return from - 1, nil
	}

	for start := from; start <= head; start += s.cfg.MaxRange {
		end := min(start+s.cfg.MaxRange-1, head)
		logs, err := s.client.FilterLogs(ctx, s.query(new(big.Int).SetUint64(start), new(big.Int).SetUint64(end)))
		if err != nil {
			return 0, err
		}
		for _, l := range logs {
			if err := s.deliver(ctx, l, handle); err != nil {
				return 0, err
			}
		}
		if err := s.cursors.SaveCursor(ctx, s.cfg.CursorName, end+1); err != nil {
			return 0, err
		}
	}
	return head, nil
}

// follow subscribes before backfilling, so every block past the backfilled
// head is carried by the subscription. Live logs at or below that head were
// already delivered by the backfill and are skipped. When the endpoint
// cannot subscribe it polls instead. It returns the next block to read.
func (s *Source) follow(ctx context.Context, from uint64, handle func(context.Context, DepositEvent) error) (uint64, error) {
	ch := make(chan types.Log, 256)
	sub, err := s.client.SubscribeFilterLogs(ctx, s.query(nil, nil), ch)
	if err != nil {
		s.logger.Debug("subscribe unavailable, polling", zap.Error(err))
		return s.poll(ctx, from, handle)
	}
	defer sub.Unsubscribe()

	head, err := s.backfill(ctx, from, handle)
	if err != nil {
		return from, err
	}
	from = head + 1
	backfilled := head

	for {
		select {
		case <-ctx.Done():
			return from, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return from, err
		case l := <-ch:
			if l.Removed {
				s.logger.Warn("deposit log removed by reorg", zap.String("tx_hash", l.TxHash.Hex()), zap.Uint64("block", l.BlockNumber))
				continue
			}
			if l.BlockNumber <= backfilled {
				continue
			}
			if err := s.deliver(ctx, l, handle); err != nil {
				return from, err
			}
			// Logs of block N may still follow, so the cursor stays on N.
			if l.BlockNumber >= from {
				from = l.BlockNumber
				if err := s.cursors.SaveCursor(ctx, s.cfg.CursorName, from); err != nil {
					return from, err
				}
			}
		}
	}
}

func (s *Source) poll(ctx context.Context, from uint64, handle func(context.Context, DepositEvent) error) (uint64, error) {
	for {
		head, err := s.backfill(ctx, from, handle)
		if err != nil {
			return from, err
		}
		from = head + 1
		if !sleep(ctx, s.cfg.PollInterval) {
			return from, ctx.Err()
		}
	}
}

func (s *Source) deliver(ctx context.Context, l types.Log, handle func(context.Context, DepositEvent) error) error {
	ev, err := DecodeDepositLog(l)
	if err != nil {
		s.logger.Error("undecodable deposit log", zap.String("tx_hash", l.TxHash.Hex()), zap.Error(err))
		return nil
	}
	if err := handle(ctx, ev); err != nil {
		return &handlerError{err: err}
	}
	return nil
}

// Finality waits for transactions to reach a confirmation depth.
type Finality struct {
	client        Client
	confirmations uint64
	interval      time.Duration
}

func NewFinality(client Client, confirmations uint64, interval time.Duration) *Finality {
	if confirmations == 0 {
		confirmations = 1
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Finality{client: client, confirmations: confirmations, interval: interval}
}

// Wait blocks until txHash is buried under the configured number of blocks.
// Only ctx cancellation ends the wait early; RPC errors are retried.
func (f *Finality) Wait(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	for {
		receipt, err := f.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("%w: %s", ErrTxReverted, txHash)
			}
			head, err := f.client.BlockNumber(ctx)
			if err == nil && receipt.BlockNumber != nil {
				mined := receipt.BlockNumber.Uint64()
				if head >= mined && head-mined+1 >= f.confirmations {
					return nil
				}
			}
		}
		if !sleep(ctx, f.interval) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
