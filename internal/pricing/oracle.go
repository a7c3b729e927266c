package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/shopspring/decimal"
)

const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGecko reads USD prices from the CoinGecko simple price endpoint.
type CoinGecko struct {
	baseURL string
	client  *http.Client
}

func NewCoinGecko(baseURL string, client *http.Client) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &CoinGecko{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *CoinGecko) Price(ctx context.Context, id string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrPriceSourceUnavailable, resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %v", ErrPriceSourceUnavailable, err)
	}

	n, ok := body[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no usd price for %s", ErrPriceSourceUnavailable, id)
	}
	return decimal.NewFromString(n.String())
}

// CachedOracle keeps recent oracle answers in memory for a fixed TTL.
type CachedOracle struct {
	next  Oracle
	cache *bigcache.BigCache
}

func NewCachedOracle(ctx context.Context, next Oracle, ttl time.Duration) (*CachedOracle, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 1024
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("price cache: %w", err)
	}
	return &CachedOracle{next: next, cache: cache}, nil
}

func (c *CachedOracle) Price(ctx context.Context, id string) (decimal.Decimal, error) {
	if b, err := c.cache.Get(id); err == nil {
		if p, perr := decimal.NewFromString(string(b)); perr == nil {
			return p, nil
		}
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		return decimal.Zero, err
	}

	p, err := c.next.Price(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if p.IsPositive() {
		_ = c.cache.Set(id, []byte(p.String()))
	}
	return p, nil
}

func (c *CachedOracle) Close() error {
	return c.cache.Close()
}
