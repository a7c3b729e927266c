package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/storagecredits/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

type Postgres struct {
	Db *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.Db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Close() error {
	s.Db.Close()
	return nil
}

func (s *Postgres) EnsureAccount(ctx context.Context, address string) (*domain.Account, error) {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO accounts (address, credits, created_at) VALUES ($1, 0, $2) ON CONFLICT (address) DO NOTHING",
		address, time.Now().UTC())
	if err != nil {
		return nil, mapPgErr(err)
	}
	return s.GetAccount(ctx, address)
}

func (s *Postgres) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	var a domain.Account
	err := s.Db.QueryRow(ctx,
		"SELECT address, credits, created_at FROM accounts WHERE address = $1", address,
	).Scan(&a.Address, &a.Credits, &a.CreatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return &a, nil
}

func (s *Postgres) AddCredits(ctx context.Context, address string, amount int64) (int64, error) {
	var balance int64
	err := s.Db.QueryRow(ctx,
		`INSERT INTO accounts (address, credits, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (address) DO UPDATE SET credits = accounts.credits + EXCLUDED.credits
		 RETURNING credits`,
		address, amount, time.Now().UTC(),
	).Scan(&balance)
	if err != nil {
		return 0, mapPgErr(err)
	}
	return balance, nil
}

func (s *Postgres) DebitIfSufficient(ctx context.Context, address string, amount int64) (bool, int64, error) {
	var balance int64
	err := s.Db.QueryRow(ctx,
		"UPDATE accounts SET credits = credits - $2 WHERE address = $1 AND credits >= $2 RETURNING credits",
		address, amount,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, mapPgErr(err)
	}
	return true, balance, nil
}

const depositColumns = "tx_hash, payer, token, amount, credits, usd_value, memo, block_number, status, created_at, credited_at"

func scanDeposit(row pgx.Row) (*domain.Deposit, error) {
	var d domain.Deposit
	var blockNumber int64
	var status string
	err := row.Scan(&d.TxHash, &d.Payer, &d.Token, &d.Amount, &d.Credits, &d.USDValue, &d.Memo,
		&blockNumber, &status, &d.CreatedAt, &d.CreditedAt)
	if err != nil {
		return nil, err
	}
	d.BlockNumber = uint64(blockNumber)
	d.Status = domain.DepositStatus(status)
	return &d, nil
}

func (s *Postgres) GetDeposit(ctx context.Context, txHash string) (*domain.Deposit, error) {
	d, err := scanDeposit(s.Db.QueryRow(ctx,
		"SELECT "+depositColumns+" FROM deposits WHERE tx_hash = $1", txHash))
	if err != nil {
		return nil, mapPgErr(err)
	}
	return d, nil
}

func (s *Postgres) InsertDeposit(ctx context.Context, d *domain.Deposit) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.Db.Exec(ctx,
		"INSERT INTO deposits ("+depositColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		d.TxHash, d.Payer, d.Token, d.Amount, d.Credits, d.USDValue, d.Memo,
		int64(d.BlockNumber), string(d.Status), d.CreatedAt, d.CreditedAt,
	)
	return mapPgErr(err)
}

func (s *Postgres) SettleDeposit(ctx context.Context, txHash string, at time.Time) (bool, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// The row lock taken here serializes concurrent settlers of the same hash.
	var payer string
	var credits int64
	err = tx.QueryRow(ctx,
		`UPDATE deposits SET status = 'credited', credited_at = $2
		 WHERE tx_hash = $1 AND status = 'pending'
		 RETURNING payer, credits`,
		txHash, at,
	).Scan(&payer, &credits)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM deposits WHERE tx_hash = $1)", txHash).Scan(&exists); err != nil {
			return false, mapPgErr(err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, mapPgErr(err)
	}

	if _, err := tx.Exec(ctx, "UPDATE accounts SET credits = credits + $2 WHERE address = $1", payer, credits); err != nil {
		return false, mapPgErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, mapPgErr(err)
	}
	return true, nil
}

func (s *Postgres) ListPendingDeposits(ctx context.Context, limit int) ([]domain.Deposit, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+depositColumns+" FROM deposits WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1",
		limit)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var out []domain.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

const objectColumns = "cid, root_cid, object_id, owner, name, size, created_at, expires_at"

func scanObject(row pgx.Row) (*domain.StoredObject, error) {
	var o domain.StoredObject
	err := row.Scan(&o.CID, &o.RootCID, &o.ObjectID, &o.Owner, &o.Name, &o.Size, &o.CreatedAt, &o.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Postgres) InsertObject(ctx context.Context, o *domain.StoredObject) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.Db.Exec(ctx,
		"INSERT INTO stored_objects ("+objectColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		o.CID, o.RootCID, o.ObjectID, o.Owner, o.Name, o.Size, o.CreatedAt, o.ExpiresAt)
	return mapPgErr(err)
}

func (s *Postgres) GetObject(ctx context.Context, cid string) (*domain.StoredObject, error) {
	o, err := scanObject(s.Db.QueryRow(ctx,
		"SELECT "+objectColumns+" FROM stored_objects WHERE cid = $1", cid))
	if err != nil {
		return nil, mapPgErr(err)
	}
	return o, nil
}

func (s *Postgres) ExtendObject(ctx context.Context, cid, owner string, from time.Time, by time.Duration) (*domain.StoredObject, error) {
	o, err := scanObject(s.Db.QueryRow(ctx,
		`UPDATE stored_objects SET expires_at = GREATEST(expires_at, $3) + make_interval(secs => $4)
		 WHERE cid = $1 AND owner = $2
		 RETURNING `+objectColumns,
		cid, owner, from, by.Seconds()))
	if err != nil {
		return nil, mapPgErr(err)
	}
	return o, nil
}

func (s *Postgres) DeleteObject(ctx context.Context, cid string) error {
	tag, err := s.Db.Exec(ctx, "DELETE FROM stored_objects WHERE cid = $1", cid)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListObjectsByOwner(ctx context.Context, owner string, limit int) ([]domain.StoredObject, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+objectColumns+" FROM stored_objects WHERE owner = $1 ORDER BY created_at DESC LIMIT $2",
		owner, limit)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var out []domain.StoredObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *Postgres) LoadCursor(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := s.Db.QueryRow(ctx, "SELECT block FROM ingest_cursors WHERE name = $1", name).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapPgErr(err)
	}
	return uint64(block), true, nil
}

func (s *Postgres) SaveCursor(ctx context.Context, name string, block uint64) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO ingest_cursors (name, block) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET block = EXCLUDED.block",
		name, int64(block))
	return mapPgErr(err)
}

func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "22003":
			return ErrBalanceOverflow
		}
	}
	return err
}
