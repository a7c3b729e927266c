package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/punchamoorthee/storagecredits/internal/domain"
	"go.uber.org/zap"
)

const (
	prefixAccount = "acct/"
	prefixDeposit = "dep/"
	prefixPending = "deppend/"
	prefixObject  = "obj/"
	prefixOwner   = "own/"
	prefixCursor  = "cursor/"

	insertRetries = 16
)

// Badger is an embedded Store. Balance mutations run in optimistic
// transactions; a lost race surfaces as ErrConflict for the caller to retry.
type Badger struct {
	db     *badgerdb.DB
	logger *zap.Logger
}

var _ Store = (*Badger)(nil)

// OpenBadger opens the database under dir, or an in-memory one when dir is empty.
func OpenBadger(dir string, logger *zap.Logger) (*Badger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badgerdb.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = &badgerLogger{s: logger.Named("badger").Sugar()}
	opts.MemTableSize = 16 << 20
	opts.BlockCacheSize = 32 << 20
	opts.IndexCacheSize = 16 << 20
	opts.NumMemtables = 2
	opts.NumCompactors = 2

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, logger: logger}, nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction and maps commit conflicts.
func (s *Badger) update(fn func(txn *badgerdb.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badgerdb.ErrConflict) {
		return ErrConflict
	}
	return err
}

// updateRetry re-runs fn on conflict. Only used for writes whose
// preconditions are re-checked inside fn.
func (s *Badger) updateRetry(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	for i := 0; ; i++ {
		err := s.update(fn)
		if !errors.Is(err, ErrConflict) || i >= insertRetries {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func getJSON(txn *badgerdb.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badgerdb.Txn, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), b)
}

func exists(txn *badgerdb.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// timeKey orders entries by time when iterated lexically.
func timeKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func ownerKey(o *domain.StoredObject) string {
	return prefixOwner + o.Owner + "/" + timeKey(o.CreatedAt) + "/" + o.CID
}

func pendingKey(d *domain.Deposit) string {
	return prefixPending + timeKey(d.CreatedAt) + "/" + d.TxHash
}

func (s *Badger) EnsureAccount(ctx context.Context, address string) (*domain.Account, error) {
	var acct domain.Account
	err := s.updateRetry(ctx, func(txn *badgerdb.Txn) error {
		err := getJSON(txn, prefixAccount+address, &acct)
		if errors.Is(err, ErrNotFound) {
			acct = domain.Account{Address: address, CreatedAt: time.Now().UTC()}
			return setJSON(txn, prefixAccount+address, &acct)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Badger) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	var acct domain.Account
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, prefixAccount+address, &acct)
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func credit(txn *badgerdb.Txn, address string, amount int64) (int64, error) {
	var acct domain.Account
	err := getJSON(txn, prefixAccount+address, &acct)
	if errors.Is(err, ErrNotFound) {
		acct = domain.Account{Address: address, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return 0, err
	}
	if acct.Credits > math.MaxInt64-amount {
		return 0, ErrBalanceOverflow
	}
	acct.Credits += amount
	return acct.Credits, setJSON(txn, prefixAccount+address, &acct)
}

func (s *Badger) AddCredits(ctx context.Context, address string, amount int64) (int64, error) {
	var balance int64
	err := s.update(func(txn *badgerdb.Txn) error {
		var err error
		balance, err = credit(txn, address, amount)
		return err
	})
	return balance, err
}

func (s *Badger) DebitIfSufficient(ctx context.Context, address string, amount int64) (bool, int64, error) {
	var ok bool
	var balance int64
	err := s.update(func(txn *badgerdb.Txn) error {
		var acct domain.Account
		if err := getJSON(txn, prefixAccount+address, &acct); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		balance = acct.Credits
		if acct.Credits < amount {
			return nil
		}
		acct.Credits -= amount
		ok, balance = true, acct.Credits
		return setJSON(txn, prefixAccount+address, &acct)
	})
	if err != nil {
		return false, 0, err
	}
	return ok, balance, nil
}

func (s *Badger) GetDeposit(ctx context.Context, txHash string) (*domain.Deposit, error) {
	var d domain.Deposit
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, prefixDeposit+txHash, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Badger) InsertDeposit(ctx context.Context, d *domain.Deposit) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return s.updateRetry(ctx, func(txn *badgerdb.Txn) error {
		found, err := exists(txn, prefixDeposit+d.TxHash)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: deposit %s", ErrDuplicate, d.TxHash)
		}
		if err := setJSON(txn, prefixDeposit+d.TxHash, d); err != nil {
			return err
		}
		if d.Status == domain.DepositPending {
			return txn.Set([]byte(pendingKey(d)), nil)
		}
		return nil
	})
}

func (s *Badger) SettleDeposit(ctx context.Context, txHash string, at time.Time) (bool, error) {
	var settled bool
	err := s.update(func(txn *badgerdb.Txn) error {
		settled = false
		var d domain.Deposit
		if err := getJSON(txn, prefixDeposit+txHash, &d); err != nil {
			return err
		}
		if d.Status != domain.DepositPending {
			return nil
		}
		if _, err := credit(txn, d.Payer, d.Credits); err != nil {
			return err
		}
		if err := txn.Delete([]byte(pendingKey(&d))); err != nil {
			return err
		}
		at := at.UTC()
		d.Status = domain.DepositCredited
		d.CreditedAt = &at
		settled = true
		return setJSON(txn, prefixDeposit+txHash, &d)
	})
	return settled, err
}

func (s *Badger) ListPendingDeposits(ctx context.Context, limit int) ([]domain.Deposit, error) {
	var out []domain.Deposit
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			key := string(it.Item().Key())
			txHash := key[strings.LastIndexByte(key, '/')+1:]
			var d domain.Deposit
			if err := getJSON(txn, prefixDeposit+txHash, &d); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

func (s *Badger) InsertObject(ctx context.Context, o *domain.StoredObject) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	return s.updateRetry(ctx, func(txn *badgerdb.Txn) error {
		found, err := exists(txn, prefixObject+o.CID)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: object %s", ErrDuplicate, o.CID)
		}
		if err := setJSON(txn, prefixObject+o.CID, o); err != nil {
			return err
		}
		return txn.Set([]byte(ownerKey(o)), []byte(o.CID))
	})
}

func (s *Badger) GetObject(ctx context.Context, cid string) (*domain.StoredObject, error) {
	var o domain.StoredObject
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, prefixObject+cid, &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Badger) ExtendObject(ctx context.Context, cid, owner string, from time.Time, by time.Duration) (*domain.StoredObject, error) {
	var o domain.StoredObject
	err := s.updateRetry(ctx, func(txn *badgerdb.Txn) error {
		if err := getJSON(txn, prefixObject+cid, &o); err != nil {
			return err
		}
		if o.Owner != owner {
			return ErrNotFound
		}
		base := o.ExpiresAt
		if from.After(base) {
			base = from
		}
		o.ExpiresAt = base.Add(by)
		return setJSON(txn, prefixObject+cid, &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Badger) DeleteObject(ctx context.Context, cid string) error {
	return s.updateRetry(ctx, func(txn *badgerdb.Txn) error {
		var o domain.StoredObject
		if err := getJSON(txn, prefixObject+cid, &o); err != nil {
			return err
		}
		if err := txn.Delete([]byte(ownerKey(&o))); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixObject + cid))
	})
}

func (s *Badger) ListObjectsByOwner(ctx context.Context, owner string, limit int) ([]domain.StoredObject, error) {
	var out []domain.StoredObject
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixOwner + owner + "/")
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			cid, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var o domain.StoredObject
			if err := getJSON(txn, prefixObject+string(cid), &o); err != nil {
				return err
			}
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

func (s *Badger) LoadCursor(ctx context.Context, name string) (uint64, bool, error) {
	var block uint64
	var found bool
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(prefixCursor + name))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("cursor %s: corrupt value", name)
			}
			block, found = binary.BigEndian.Uint64(val), true
			return nil
		})
	})
	return block, found, err
}

func (s *Badger) SaveCursor(ctx context.Context, name string, block uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], block)
	return s.updateRetry(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(prefixCursor+name), buf[:])
	})
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
