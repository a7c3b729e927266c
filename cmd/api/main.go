package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/punchamoorthee/storagecredits/internal/api"
	"github.com/punchamoorthee/storagecredits/internal/bootstrap"
	"github.com/punchamoorthee/storagecredits/internal/chain"
	"github.com/punchamoorthee/storagecredits/internal/config"
	"github.com/punchamoorthee/storagecredits/internal/ingest"
	"github.com/punchamoorthee/storagecredits/internal/ledger"
	"github.com/punchamoorthee/storagecredits/internal/logging"
	"github.com/punchamoorthee/storagecredits/internal/pricing"
	"github.com/punchamoorthee/storagecredits/internal/service"
	"github.com/punchamoorthee/storagecredits/internal/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Production: cfg.Production()})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Initialize Layers
	st, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, closePricing, err := bootstrap.Pricing(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePricing()

	blobs, closeBlobs, err := bootstrap.ObjectStore(cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	l := ledger.New(st, logger, ledger.WithMaxRetries(cfg.LedgerMaxRetries))
	svc := service.NewStorageService(l, st, engine, blobs, service.Config{
		DefaultRetentionSeconds: cfg.DefaultRetention,
		MaxFileSize:             cfg.MaxFileSize,
		UploadTimeout:           cfg.UploadTimeout,
		PaymentsContract:        cfg.PaymentsContract,
	}, logger)
	handler := api.NewHandler(svc, logger, cfg.MaxUploadBytes)

	var wg sync.WaitGroup
	var indexerErr <-chan error
	if cfg.IndexerEnabled() {
		indexerErr, err = startIndexer(ctx, &wg, cfg, st, l, engine, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("BASE_RPC or PAYMENTS_CONTRACT not set, deposit indexer disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("db", cfg.DBDriver),
			zap.String("object_store", cfg.ObjectStore))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var exitErr error
	select {
	case err := <-errCh:
		return err
	case err := <-indexerErr:
		logger.Error("deposit indexer stopped", zap.Error(err))
		exitErr = fmt.Errorf("deposit indexer: %w", err)
		cancel()
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.UploadTimeout+5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	wg.Wait()
	return exitErr
}

// startIndexer runs deposit ingestion and reconciliation until ctx is done.
// The returned channel yields the ingestor's error if it stops on its own.
func startIndexer(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, st store.Store, l *ledger.Ledger, engine *pricing.Engine, logger *zap.Logger) (<-chan error, error) {
	client, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}

	src := chain.NewSource(client, st, chain.SourceConfig{
		Contract:   cfg.PaymentsContract,
		StartBlock: cfg.StartBlock,
	}, logger)
	finality := chain.NewFinality(client, cfg.Confirmations, 0)
	ingestor := ingest.NewIngestor(st, l, engine, finality, logger)
	reconciler := ingest.NewReconciler(st, l, cfg.ReconcileInterval, logger)

	failed := make(chan error, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer client.Close()
		if err := ingestor.Run(ctx, src); err != nil && ctx.Err() == nil {
			failed <- err
		}
	}()
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()
	return failed, nil
}
