package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/storagecredits/internal/chain"
	"github.com/punchamoorthee/storagecredits/internal/cidutil"
	"github.com/punchamoorthee/storagecredits/internal/domain"
	"github.com/punchamoorthee/storagecredits/internal/ledger"
	"github.com/punchamoorthee/storagecredits/internal/objectstore"
	"github.com/punchamoorthee/storagecredits/internal/pricing"
	"github.com/punchamoorthee/storagecredits/internal/store"
	"go.uber.org/zap"
)

var (
	ErrCIDMismatch         = cidutil.ErrCIDMismatch
	ErrOverflow            = pricing.ErrOverflow
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUploadFailed        = errors.New("upload to object store failed")
	ErrConflict            = errors.New("object owned by another wallet")
	ErrForbidden           = errors.New("wallet does not own this object")
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
)

var (
	admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_admissions_total",
		Help: "Upload admissions, labeled by outcome",
	}, []string{"outcome"})

	refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_refunds_total",
		Help: "Credit refunds issued by upload compensation, labeled by result",
	}, []string{"result"})
)

const (
	DefaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type Config struct {
	DefaultRetentionSeconds int64
	MaxFileSize             int64
	UploadTimeout           time.Duration
	// CompensationTimeout bounds refunds that run after the caller has gone away.
	CompensationTimeout time.Duration
	PaymentsContract    string
}

// StorageService admits uploads against the credit ledger and serves the
// read paths around stored objects.
type StorageService struct {
	ledger   *ledger.Ledger
	objects  store.Objects
	deposits store.Deposits
	pricing  *pricing.Engine
	blobs    objectstore.Store
	cfg      Config
	logger   *zap.Logger
}

func NewStorageService(l *ledger.Ledger, s store.Store, engine *pricing.Engine, blobs objectstore.Store, cfg Config, logger *zap.Logger) *StorageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultRetentionSeconds <= 0 {
		cfg.DefaultRetentionSeconds = 86_400
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 60 * time.Second
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 30 * time.Second
	}
	return &StorageService{
		ledger:   l,
		objects:  s,
		deposits: s,
		pricing:  engine,
		blobs:    blobs,
		cfg:      cfg,
		logger:   logger.Named("admission"),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (s *StorageService) retention(requested int64) (int64, error) {
	switch {
	case requested < 0:
		return 0, invalid("retention must not be negative")
	case requested == 0:
		return s.cfg.DefaultRetentionSeconds, nil
	default:
		return requested, nil
	}
}

func normalizeWallet(raw string) (string, error) {
	w, err := domain.NormalizeAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return w, nil
}

// blob is one file of a request with its own content address.
type blob struct {
	file     domain.File
	cid      cid.Cid
	objectID string
}

// computeFile is swapped in tests to count hashing passes.
var computeFile = cidutil.ComputeFile

// contentAddress computes the root CID of the request and of each file in it.
// Each file is hashed once; a directory root is built from the file roots.
func contentAddress(files []domain.File) (cid.Cid, []blob, error) {
	if len(files) == 0 {
		return cid.Undef, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, cidutil.ErrEmptyInput)
	}

	blobs := make([]blob, len(files))
	links := make([]cidutil.Link, len(files))
	seen := make(map[string]struct{}, len(files))
	for i, f := range files {
		if _, dup := seen[f.Name]; dup && len(files) > 1 {
			return cid.Undef, nil, invalid("duplicate file name %q", f.Name)
		}
		seen[f.Name] = struct{}{}

		l, err := computeFile(f.Name, f.Data)
		if err != nil {
			return cid.Undef, nil, err
		}
		blobs[i] = blob{file: f, cid: l.CID}
		links[i] = l
	}

	if len(files) == 1 {
		return blobs[0].cid, blobs, nil
	}
	root, err := cidutil.Directory(links)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return root, blobs, nil
}

// Upload admits a single file or a directory: verify the CID, reserve
// credits, transfer the bytes, then record ownership. Any failure after the
// debit refunds it, even when ctx has been cancelled.
func (s *StorageService) Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadResult, error) {
	wallet, err := normalizeWallet(req.Wallet)
	if err != nil {
		return nil, err
	}
	retention, err := s.retention(req.RetentionSeconds)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, f := range req.Files {
		if s.cfg.MaxFileSize > 0 && int64(len(f.Data)) > s.cfg.MaxFileSize {
			return nil, invalid("%s exceeds the %d byte limit", f.Name, s.cfg.MaxFileSize)
		}
		total += int64(len(f.Data))
	}

	root, blobs, err := contentAddress(req.Files)
	if err != nil {
		admissions.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := cidutil.Verify(req.DeclaredCID, root); err != nil {
		admissions.WithLabelValues("cid_mismatch").Inc()
		return nil, fmt.Errorf("%w: declared %q, computed %s", ErrCIDMismatch, req.DeclaredCID, root)
	}

	required, err := s.pricing.RequiredCreditsForUpload(total, retention)
	if err != nil {
		admissions.WithLabelValues("overflow").Inc()
		s.logger.Error("required credits out of range",
			zap.String("wallet", wallet), zap.Int64("size", total), zap.Int64("retention", retention), zap.Error(err))
		return nil, err
	}

	log := s.logger.With(zap.String("wallet", wallet), zap.String("cid", root.String()), zap.Int64("credits", required))
	now := time.Now().UTC()
	var recorded []domain.StoredObject

	sg := &saga{logger: log}
	sg.add(step{
		name: "debit",
		action: func(ctx context.Context) error {
			ok, err := s.ledger.TryDebit(ctx, wallet, required)
			if err != nil {
				return err
			}
			if !ok {
				return ErrInsufficientCredits
			}
			return nil
		},
		compensate: func(ctx context.Context) error {
			if _, err := s.ledger.Refund(ctx, wallet, required); err != nil {
				refunds.WithLabelValues("error").Inc()
				return err
			}
			refunds.WithLabelValues("ok").Inc()
			log.Info("credits refunded")
			return nil
		},
	})
	sg.add(step{
		name: "transfer",
		action: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
			defer cancel()
			for i := range blobs {
				id, err := s.blobs.Put(ctx, blobs[i].file.Data, blobs[i].file.Name)
				if err != nil {
					return fmt.Errorf("%w: %s: %w", ErrUploadFailed, blobs[i].file.Name, err)
				}
				blobs[i].objectID = id
			}
			return nil
		},
	})
	sg.add(step{
		name: "record",
		action: func(ctx context.Context) error {
			var err error
			recorded, err = s.record(ctx, wallet, root, blobs, now, retention)
			return err
		},
	})

	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensationTimeout)
	defer cancel()

	if err := sg.run(ctx, compCtx); err != nil {
		switch {
		case errors.Is(err, ErrInsufficientCredits):
			admissions.WithLabelValues("insufficient_credits").Inc()
		case errors.Is(err, ErrUploadFailed):
			admissions.WithLabelValues("upload_failed").Inc()
			log.Warn("upload failed", zap.Error(err))
		case errors.Is(err, ErrConflict):
			admissions.WithLabelValues("conflict").Inc()
			log.Warn("object owned by another wallet", zap.Error(err))
		default:
			admissions.WithLabelValues("error").Inc()
			log.Error("admission failed", zap.Error(err))
		}
		return nil, err
	}

	admissions.WithLabelValues("admitted").Inc()
	log.Info("upload admitted", zap.Int("files", len(blobs)), zap.Int64("bytes", total))
	return &domain.UploadResult{CID: root.String(), RequiredCredits: required, Objects: recorded}, nil
}

// record inserts one Stored Object per blob. A blob the wallet already owns
// is renewed: the retention just paid for is added to its expiry. A blob owned
// by another wallet undoes this request's inserts and fails with ErrConflict.
func (s *StorageService) record(ctx context.Context, wallet string, root cid.Cid, blobs []blob, now time.Time, retention int64) ([]domain.StoredObject, error) {
	out := make([]domain.StoredObject, len(blobs))
	var inserted []string
	var renew []int

	for i, b := range blobs {
		obj := domain.StoredObject{
			CID:       b.cid.String(),
			RootCID:   root.String(),
			ObjectID:  b.objectID,
			Owner:     wallet,
			Name:      b.file.Name,
			Size:      int64(len(b.file.Data)),
			CreatedAt: now,
			ExpiresAt: now.Add(time.Duration(retention) * time.Second),
		}
		err := s.objects.InsertObject(ctx, &obj)
		if err == nil {
			inserted = append(inserted, obj.CID)
			out[i] = obj
			continue
		}
		if !errors.Is(err, store.ErrDuplicate) {
			s.undoInserts(ctx, inserted)
			return nil, fmt.Errorf("record object: %w", err)
		}

		existing, gerr := s.objects.GetObject(ctx, obj.CID)
		if gerr != nil {
			s.undoInserts(ctx, inserted)
			return nil, fmt.Errorf("record object: %w", gerr)
		}
		if existing.Owner != wallet {
			s.undoInserts(ctx, inserted)
			return nil, fmt.Errorf("%w: %s", ErrConflict, obj.CID)
		}
		renew = append(renew, i)
	}

	// Renewals wait until no blob can conflict, so a refunded request never
	// leaves an extension behind.
	for n, i := range renew {
		c := blobs[i].cid.String()
		obj, err := s.objects.ExtendObject(ctx, c, wallet, now, time.Duration(retention)*time.Second)
		if err != nil {
			s.undoInserts(ctx, inserted)
			if n > 0 {
				s.logger.Error("renewal partially applied before failure",
					zap.String("wallet", wallet), zap.Int("renewed", n), zap.String("cid", c), zap.Error(err))
			}
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s was removed or changed owner during upload", ErrConflict, c)
			}
			return nil, fmt.Errorf("renew object: %w", err)
		}
		out[i] = *obj
	}
	return out, nil
}

func (s *StorageService) undoInserts(ctx context.Context, cids []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensationTimeout)
	defer cancel()
	for _, c := range cids {
		if err := s.objects.DeleteObject(ctx, c); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("failed to remove partially recorded object", zap.String("cid", c), zap.Error(err))
		}
	}
}

// Quote prices an upload of size bytes kept for retention seconds.
func (s *StorageService) Quote(size, retention int64) (int64, int64, error) {
	retention, err := s.retention(retention)
	if err != nil {
		return 0, 0, err
	}
	if size < 0 {
		return 0, 0, invalid("size must not be negative")
	}
	required, err := s.pricing.RequiredCreditsForUpload(size, retention)
	return required, retention, err
}

func (s *StorageService) Preflight(ctx context.Context, rawWallet string, size, retention int64) (*domain.Preflight, error) {
	wallet, err := normalizeWallet(rawWallet)
	if err != nil {
		return nil, err
	}
	required, _, err := s.Quote(size, retention)
	if err != nil {
		return nil, err
	}
	available, err := s.ledger.Balance(ctx, wallet)
	if err != nil {
		return nil, err
	}
	return &domain.Preflight{
		CanUpload:        available >= required,
		RequiredCredits:  required,
		AvailableCredits: available,
	}, nil
}

// Account returns the wallet's balance, creating the account on first use.
func (s *StorageService) Account(ctx context.Context, rawWallet string) (*domain.Account, error) {
	wallet, err := normalizeWallet(rawWallet)
	if err != nil {
		return nil, err
	}
	return s.ledger.EnsureAccount(ctx, wallet)
}

func (s *StorageService) History(ctx context.Context, rawWallet string, limit int) ([]domain.StoredObject, error) {
	wallet, err := normalizeWallet(rawWallet)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	objs, err := s.objects.ListObjectsByOwner(ctx, wallet, limit)
	if err != nil {
		return nil, err
	}
	if objs == nil {
		objs = []domain.StoredObject{}
	}
	return objs, nil
}

func (s *StorageService) owned(ctx context.Context, rawWallet, rawCID string) (*domain.StoredObject, error) {
	wallet, err := normalizeWallet(rawWallet)
	if err != nil {
		return nil, err
	}
	obj, err := s.objects.GetObject(ctx, rawCID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, rawCID)
	}
	if err != nil {
		return nil, err
	}
	if obj.Owner != wallet {
		return nil, ErrForbidden
	}
	return obj, nil
}

// Download fetches an object's bytes for its owner.
func (s *StorageService) Download(ctx context.Context, rawWallet, rawCID string) (*domain.StoredObject, []byte, string, error) {
	obj, err := s.owned(ctx, rawWallet, rawCID)
	if err != nil {
		return nil, nil, "", err
	}
	data, contentType, err := s.blobs.Get(ctx, obj.ObjectID)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, nil, "", fmt.Errorf("%w: blob %s", ErrNotFound, obj.ObjectID)
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	return obj, data, contentType, nil
}

// Delete removes the owner's record of an object. Stored bytes expire on
// their own schedule.
func (s *StorageService) Delete(ctx context.Context, rawWallet, rawCID string) error {
	obj, err := s.owned(ctx, rawWallet, rawCID)
	if err != nil {
		return err
	}
	if err := s.objects.DeleteObject(ctx, obj.CID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: object %s", ErrNotFound, rawCID)
		}
		return err
	}
	s.logger.Info("object deleted", zap.String("wallet", obj.Owner), zap.String("cid", obj.CID))
	return nil
}

func (s *StorageService) Deposit(ctx context.Context, txHash string) (*domain.Deposit, error) {
	d, err := s.deposits.GetDeposit(ctx, domain.NormalizeTxHash(txHash))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: deposit %s", ErrNotFound, txHash)
	}
	return d, err
}

// DepositTx builds the unsigned payments-contract call for a deposit in one
// of the accepted tokens.
func (s *StorageService) DepositTx(token, amount, credits, memo string) (*domain.DepositTx, error) {
	if s.cfg.PaymentsContract == "" {
		return nil, errors.New("payments contract is not configured")
	}
	if _, ok := s.pricing.Token(token); !ok {
		return nil, invalid("unsupported token %q", token)
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok || amt.Sign() <= 0 {
		return nil, invalid("amount must be a positive integer")
	}
	hint := new(big.Int)
	if credits != "" {
		if _, ok := hint.SetString(credits, 10); !ok || hint.Sign() < 0 {
			return nil, invalid("credits must be a non-negative integer")
		}
	}
	tx, err := chain.BuildDepositTx(s.cfg.PaymentsContract, token, amt, hint, memo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return tx, nil
}
