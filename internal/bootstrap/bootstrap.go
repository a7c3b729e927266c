// Package bootstrap turns a loaded config into the concrete stores and engines
// the binaries share.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/punchamoorthee/storagecredits/internal/config"
	"github.com/punchamoorthee/storagecredits/internal/objectstore"
	"github.com/punchamoorthee/storagecredits/internal/objectstore/grpcstore"
	"github.com/punchamoorthee/storagecredits/internal/objectstore/localfs"
	"github.com/punchamoorthee/storagecredits/internal/objectstore/remote"
	"github.com/punchamoorthee/storagecredits/internal/pricing"
	"github.com/punchamoorthee/storagecredits/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OpenStore connects the configured ledger store, applying the schema for postgres.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil
	default:
		return store.OpenBadger(cfg.BadgerDir, logger)
	}
}

// Tokens lists the payment tokens configured for the deployment.
func Tokens(cfg *config.Config) ([]pricing.Token, error) {
	var tokens []pricing.Token
	if cfg.USDCAddress != "" {
		tokens = append(tokens, pricing.Token{Address: cfg.USDCAddress, Symbol: "USDC", Decimals: 6, Pegged: true})
	}
	if cfg.FSTAddress != "" {
		t := pricing.Token{
			Address:  cfg.FSTAddress,
			Symbol:   "FST",
			Decimals: cfg.FSTDecimals,
			OracleID: cfg.FSTCoinGeckoID,
		}
		if cfg.FSTUSDPrice != "" {
			p, err := decimal.NewFromString(strings.TrimSpace(cfg.FSTUSDPrice))
			if err != nil {
				return nil, fmt.Errorf("FST_USD_PRICE: %w", err)
			}
			t.StaticPrice = p
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// Pricing builds the pricing engine. The returned close func releases the
// price cache and is always safe to call.
func Pricing(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pricing.Engine, func() error, error) {
	tokens, err := Tokens(cfg)
	if err != nil {
		return nil, nil, err
	}

	var oracle pricing.Oracle
	closeFn := func() error { return nil }
	if cfg.FSTCoinGeckoID != "" {
		url := cfg.CoinGeckoURL
		if url == "" {
			url = pricing.DefaultCoinGeckoURL
		}
		cached, err := pricing.NewCachedOracle(ctx, pricing.NewCoinGecko(url, &http.Client{Timeout: cfg.OracleTimeout}), cfg.PriceCacheTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("price cache: %w", err)
		}
		oracle, closeFn = cached, cached.Close
	}

	engine, err := pricing.NewEngine(pricing.Config{
		Tokens:        tokens,
		CreditsPerUSD: cfg.CreditsPerUSD,
		StorageScale:  cfg.StorageScale,
		OracleTimeout: cfg.OracleTimeout,
	}, oracle, logger)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return engine, closeFn, nil
}

// ObjectStore opens the configured blob backend. close is never nil.
func ObjectStore(cfg *config.Config) (objectstore.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.ObjectStore {
	case "remote":
		c, err := remote.New(cfg.StorachaBaseURL, cfg.StorachaServiceKey, &http.Client{Timeout: cfg.UploadTimeout})
		return c, noop, err
	case "grpc":
		c, err := grpcstore.Dial(cfg.ObjectStoreGRPC, grpcstore.DialOptions{
			Timeout:     cfg.UploadTimeout,
			MaxMsgBytes: int(cfg.MaxFileSize) + 1<<20,
		})
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	default:
		s, err := localfs.New(cfg.ObjectStoreDir)
		return s, noop, err
	}
}
