package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxSafeCredits is the largest credit amount the ledger accepts (2^53 - 1), so
// balances survive a round trip through JSON number clients unchanged.
const MaxSafeCredits int64 = 1<<53 - 1

var (
	ErrOverflow               = errors.New("required credits overflow")
	ErrInvalidInput           = errors.New("size and retention must be non-negative")
	ErrUnknownToken           = errors.New("unsupported payment token")
	ErrPriceSourceUnavailable = errors.New("price source unavailable")
)

var (
	maxSafe        = big.NewInt(MaxSafeCredits)
	maxSafeDecimal = decimal.NewFromInt(MaxSafeCredits)
)

var priceFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storage_price_fallback_total",
	Help: "Token prices served from the static fallback because the oracle failed",
}, []string{"token"})

// Token describes a payment token accepted by the payments contract.
type Token struct {
	Address  string
	Symbol   string
	Decimals int32
	// Pegged tokens are worth exactly 1 USD per whole unit.
	Pegged bool
	// OracleID is the price-oracle id for un-pegged tokens. Empty means static price only.
	OracleID    string
	StaticPrice decimal.Decimal
}

type Config struct {
	Tokens        []Token
	CreditsPerUSD int64
	// StorageScale divides byte-seconds into credits.
	StorageScale int64

	OracleTimeout time.Duration
}

// Oracle returns the USD price of one whole token unit.
type Oracle interface {
	Price(ctx context.Context, id string) (decimal.Decimal, error)
}

// Quote is the server-side valuation of a deposit.
type Quote struct {
	USD     decimal.Decimal
	Credits int64
}

type Engine struct {
	tokens        map[string]Token
	creditsPerUSD decimal.Decimal
	scale         *big.Int
	oracle        Oracle
	timeout       time.Duration
	log           *zap.Logger
}

func NewEngine(cfg Config, oracle Oracle, logger *zap.Logger) (*Engine, error) {
	if cfg.CreditsPerUSD <= 0 {
		return nil, fmt.Errorf("credits per usd must be positive, got %d", cfg.CreditsPerUSD)
	}
	if cfg.StorageScale <= 0 {
		return nil, fmt.Errorf("storage scale must be positive, got %d", cfg.StorageScale)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.OracleTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	tokens := make(map[string]Token, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		addr := strings.ToLower(strings.TrimSpace(t.Address))
		if addr == "" {
			continue
		}
		if t.Decimals < 0 || t.Decimals > 77 {
			return nil, fmt.Errorf("token %s: invalid decimals %d", addr, t.Decimals)
		}
		t.Address = addr
		tokens[addr] = t
	}

	return &Engine{
		tokens:        tokens,
		creditsPerUSD: decimal.NewFromInt(cfg.CreditsPerUSD),
		scale:         big.NewInt(cfg.StorageScale),
		oracle:        oracle,
		timeout:       timeout,
		log:           logger.Named("pricing"),
	}, nil
}

// Token returns the configured token for address.
func (e *Engine) Token(address string) (Token, bool) {
	t, ok := e.tokens[strings.ToLower(strings.TrimSpace(address))]
	return t, ok
}

// TokenAmountToUSD values a raw on-chain amount of token in USD.
func (e *Engine) TokenAmountToUSD(ctx context.Context, token string, raw *big.Int) (decimal.Decimal, error) {
	t, ok := e.Token(token)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if raw == nil || raw.Sign() <= 0 {
		return decimal.Zero, nil
	}

	human := decimal.NewFromBigInt(raw, -t.Decimals)
	if t.Pegged {
		return human, nil
	}
	return human.Mul(e.price(ctx, t)), nil
}

// price asks the oracle under a short timeout and falls back to the static price.
func (e *Engine) price(ctx context.Context, t Token) decimal.Decimal {
	if t.OracleID == "" || e.oracle == nil {
		return t.StaticPrice
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	p, err := e.oracle.Price(ctx, t.OracleID)
	if err == nil && p.IsPositive() {
		return p
	}
	if err == nil {
		err = ErrPriceSourceUnavailable
	}
	priceFallbacks.WithLabelValues(t.Symbol).Inc()
	e.log.Warn("oracle price unavailable, using static price",
		zap.String("token", t.Address),
		zap.String("oracle_id", t.OracleID),
		zap.String("static_price", t.StaticPrice.String()),
		zap.Error(err))
	return t.StaticPrice
}

// USDToCredits converts USD to credits, rounding down and clamping to [0, MaxSafeCredits].
func (e *Engine) USDToCredits(usd decimal.Decimal) int64 {
	v := usd.Mul(e.creditsPerUSD).Floor()
	if v.IsNegative() {
		return 0
	}
	if v.GreaterThan(maxSafeDecimal) {
		return MaxSafeCredits
	}
	return v.IntPart()
}

// CreditsForDeposit values a deposit event. The credit hint carried by the event is never used.
func (e *Engine) CreditsForDeposit(ctx context.Context, token string, raw *big.Int) (Quote, error) {
	usd, err := e.TokenAmountToUSD(ctx, token, raw)
	if err != nil {
		return Quote{}, err
	}
	return Quote{USD: usd, Credits: e.USDToCredits(usd)}, nil
}

// RequiredCreditsForUpload returns ceil(size * retention / scale).
func (e *Engine) RequiredCreditsForUpload(sizeBytes, retentionSeconds int64) (int64, error) {
	if sizeBytes < 0 || retentionSeconds < 0 {
		return 0, ErrInvalidInput
	}

	n := new(big.Int).Mul(big.NewInt(sizeBytes), big.NewInt(retentionSeconds))
	n.Add(n, new(big.Int).Sub(e.scale, big.NewInt(1)))
	n.Quo(n, e.scale)
	if n.Cmp(maxSafe) > 0 {
		return 0, fmt.Errorf("%w: %d bytes for %d seconds", ErrOverflow, sizeBytes, retentionSeconds)
	}
	return n.Int64(), nil
}
