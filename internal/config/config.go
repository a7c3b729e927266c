package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BadgerInMemory as BADGER_DIR keeps the Badger store in memory. Nothing
// survives a restart, so it is refused in production.
const BadgerInMemory = "memory"

type Config struct {
	DBDriver string
	DBSource string
	// BadgerDir is empty for an in-memory store.
	BadgerDir string
	Port      string
	Env       string

	LogLevel string
	LogFile  string

	// Chain
	RPCURL           string
	PaymentsContract string
	Confirmations    uint64
	StartBlock       uint64

	// Pricing
	USDCAddress      string
	FSTAddress       string
	FSTDecimals      int32
	FSTUSDPrice      string
	FSTCoinGeckoID   string
	CoinGeckoURL     string
	OracleTimeout    time.Duration
	PriceCacheTTL    time.Duration
	CreditsPerUSD    int64
	StorageScale     int64
	DefaultRetention int64

	// Uploads
	MaxFileSize int64
	// MaxUploadBytes caps a whole upload request, every file of a directory included.
	MaxUploadBytes int64
	UploadTimeout  time.Duration

	ObjectStore        string
	ObjectStoreDir     string
	StorachaBaseURL    string
	StorachaServiceKey string
	ObjectStoreGRPC    string

	ReconcileInterval time.Duration
	LedgerMaxRetries  int
}

func Load() (*Config, error) {
	cfg := &Config{
		DBDriver:  strings.ToLower(getenv("DB_DRIVER", "badger")),
		DBSource:  os.Getenv("DB_SOURCE"),
		BadgerDir: getenv("BADGER_DIR", "./data/ledger"),
		Port:      getenv("SERVER_PORT", "8080"),
		Env:       getenv("ENVIRONMENT", "development"),

		LogLevel: getenv("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),

		RPCURL:           os.Getenv("BASE_RPC"),
		PaymentsContract: os.Getenv("PAYMENTS_CONTRACT"),

		USDCAddress:    os.Getenv("USDC_ADDRESS"),
		FSTAddress:     os.Getenv("FST_ADDRESS"),
		FSTUSDPrice:    os.Getenv("FST_USD_PRICE"),
		FSTCoinGeckoID: os.Getenv("FST_COINGECKO_ID"),
		CoinGeckoURL:   os.Getenv("COINGECKO_URL"),

		ObjectStore:        strings.ToLower(getenv("OBJECT_STORE", "localfs")),
		ObjectStoreDir:     getenv("OBJECT_STORE_DIR", "./data/objects"),
		StorachaBaseURL:    os.Getenv("STORACHA_BASE_URL"),
		StorachaServiceKey: os.Getenv("STORACHA_SERVICE_KEY"),
		ObjectStoreGRPC:    os.Getenv("OBJECT_STORE_GRPC"),
	}

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	var err error
	cfg.Confirmations, err = getUint("CONFIRMATIONS", 3)
	collect(err)
	cfg.StartBlock, err = getUint("START_BLOCK", 0)
	collect(err)

	decimals, err := getInt("FST_DECIMALS", 18)
	collect(err)
	cfg.FSTDecimals = int32(decimals)

	cfg.OracleTimeout, err = getDuration("ORACLE_TIMEOUT", 2*time.Second)
	collect(err)
	cfg.PriceCacheTTL, err = getDuration("PRICE_CACHE_TTL", time.Minute)
	collect(err)
	cfg.CreditsPerUSD, err = getInt("CREDITS_PER_USD", 1_000_000)
	collect(err)
	cfg.StorageScale, err = getInt("STORAGE_SCALE", 1_000_000)
	collect(err)
	cfg.DefaultRetention, err = getInt("STORAGE_DEFAULT_TTL_SECONDS", 86_400)
	collect(err)
	cfg.MaxFileSize, err = getInt("MAX_FILE_SIZE", 200<<20)
	collect(err)
	cfg.MaxUploadBytes, err = getInt("MAX_UPLOAD_BYTES", max(1<<30, cfg.MaxFileSize))
	collect(err)
	cfg.UploadTimeout, err = getDuration("UPLOAD_TIMEOUT", 60*time.Second)
	collect(err)
	cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", time.Minute)
	collect(err)
	retries, err := getInt("LEDGER_MAX_RETRIES", 32)
	collect(err)
	cfg.LedgerMaxRetries = int(retries)

	switch cfg.DBDriver {
	case "postgres":
		if cfg.DBSource == "" {
			errs = append(errs, "DB_SOURCE environment variable is required for postgres")
		}
	case "badger":
		if cfg.BadgerDir == BadgerInMemory {
			cfg.BadgerDir = ""
		}
		if cfg.BadgerDir == "" && cfg.Production() {
			errs = append(errs, "BADGER_DIR=memory is not allowed in production; balances would not survive a restart")
		}
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER must be postgres or badger, got %q", cfg.DBDriver))
	}

	if cfg.MaxUploadBytes < cfg.MaxFileSize {
		errs = append(errs, fmt.Sprintf("MAX_UPLOAD_BYTES (%d) must be at least MAX_FILE_SIZE (%d)", cfg.MaxUploadBytes, cfg.MaxFileSize))
	}

	switch cfg.ObjectStore {
	case "localfs":
	case "remote":
		if cfg.StorachaBaseURL == "" {
			errs = append(errs, "STORACHA_BASE_URL is required for the remote object store")
		}
	case "grpc":
		if cfg.ObjectStoreGRPC == "" {
			errs = append(errs, "OBJECT_STORE_GRPC is required for the grpc object store")
		}
	default:
		errs = append(errs, fmt.Sprintf("OBJECT_STORE must be localfs, remote or grpc, got %q", cfg.ObjectStore))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// IndexerEnabled reports whether enough chain settings are present to follow deposits.
func (c *Config) IndexerEnabled() bool {
	return c.RPCURL != "" && c.PaymentsContract != ""
}

func (c *Config) Production() bool {
	return c.Env == "production"
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getUint(key string, fallback uint64) (uint64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
