package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/storagecredits/internal/domain"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrDuplicate       = errors.New("store: duplicate key")
	ErrConflict        = errors.New("store: concurrent modification")
	ErrBalanceOverflow = errors.New("store: balance overflow")
)

// Accounts holds credit balances. Every balance mutation is a single
// conditional write so concurrent callers can never drive a balance negative.
type Accounts interface {
	EnsureAccount(ctx context.Context, address string) (*domain.Account, error)
	GetAccount(ctx context.Context, address string) (*domain.Account, error)
	// AddCredits increases the balance, creating the account if needed, and returns the new balance.
	AddCredits(ctx context.Context, address string, amount int64) (int64, error)
	// DebitIfSufficient decreases the balance only when it covers amount.
	DebitIfSufficient(ctx context.Context, address string, amount int64) (bool, int64, error)
}

// Deposits is the append-only deposit log keyed by transaction hash.
type Deposits interface {
	GetDeposit(ctx context.Context, txHash string) (*domain.Deposit, error)
	// InsertDeposit returns ErrDuplicate when the hash was already recorded.
	InsertDeposit(ctx context.Context, d *domain.Deposit) error
	// SettleDeposit credits the payer and marks a pending deposit credited in one
	// transaction. It reports false when the deposit was not pending.
	SettleDeposit(ctx context.Context, txHash string, at time.Time) (bool, error)
	ListPendingDeposits(ctx context.Context, limit int) ([]domain.Deposit, error)
}

// Objects indexes admitted blobs by CID and by owner.
type Objects interface {
	// InsertObject returns ErrDuplicate when the CID is already recorded.
	InsertObject(ctx context.Context, o *domain.StoredObject) error
	GetObject(ctx context.Context, cid string) (*domain.StoredObject, error)
	// ExtendObject pushes the owner's object to expire by after the later of
	// its current expiry and from. It returns ErrNotFound when the CID is not
	// recorded for owner.
	ExtendObject(ctx context.Context, cid, owner string, from time.Time, by time.Duration) (*domain.StoredObject, error)
	DeleteObject(ctx context.Context, cid string) error
	// ListObjectsByOwner returns the owner's objects, newest first.
	ListObjectsByOwner(ctx context.Context, owner string, limit int) ([]domain.StoredObject, error)
}

// Cursors persist how far an event source has been consumed.
type Cursors interface {
	LoadCursor(ctx context.Context, name string) (uint64, bool, error)
	SaveCursor(ctx context.Context, name string, block uint64) error
}

type Store interface {
	Accounts
	Deposits
	Objects
	Cursors
	Close() error
}
