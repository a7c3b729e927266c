package bootstrap

import (
	"context"
	"math/big"
	"testing"

	"github.com/punchamoorthee/storagecredits/internal/config"
	"github.com/punchamoorthee/storagecredits/internal/objectstore/localfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DBDriver:       "badger",
		USDCAddress:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		FSTAddress:     "0x1111111111111111111111111111111111111111",
		FSTDecimals:    18,
		FSTUSDPrice:    "0.25",
		CreditsPerUSD:  1_000_000,
		StorageScale:   1_000_000,
		ObjectStore:    "localfs",
		ObjectStoreDir: t.TempDir(),
	}
}

func TestPricing_StaticFallbackWithoutOracle(t *testing.T) {
	engine, closeFn, err := Pricing(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer closeFn()

	// 4 FST at a static 0.25 USD.
	four := new(big.Int).Mul(big.NewInt(4), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	q, err := engine.CreditsForDeposit(context.Background(), "0x1111111111111111111111111111111111111111", four)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), q.Credits)

	_, ok := engine.Token("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	assert.True(t, ok)
}

func TestTokens_RejectsBadPrice(t *testing.T) {
	cfg := testConfig(t)
	cfg.FSTUSDPrice = "cheap"
	_, err := Tokens(cfg)
	assert.Error(t, err)
}

func TestOpenStoreAndObjectStore(t *testing.T) {
	cfg := testConfig(t)

	s, err := OpenStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	blobs, closeFn, err := ObjectStore(cfg)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &localfs.Store{}, blobs)
}
