// Command objectstored serves a content-addressed directory over gRPC so API
// replicas can share one object store.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/punchamoorthee/storagecredits/internal/logging"
	"github.com/punchamoorthee/storagecredits/internal/objectstore/grpcstore"
	"github.com/punchamoorthee/storagecredits/internal/objectstore/localfs"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	listen := flag.String("listen", envOr("OBJECT_STORE_LISTEN", ":9090"), "gRPC listen address")
	root := flag.String("root", envOr("OBJECT_STORE_DIR", "./data/objects"), "object directory")
	maxMsg := flag.Int("max-msg-bytes", 256<<20, "largest accepted object plus framing")
	flag.Parse()

	logger, err := logging.New(logging.Options{
		Level:      envOr("LOG_LEVEL", "info"),
		File:       os.Getenv("LOG_FILE"),
		Production: os.Getenv("ENVIRONMENT") == "production",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	fs, err := localfs.New(*root)
	if err != nil {
		logger.Fatal("open object directory", zap.String("root", *root), zap.Error(err))
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", *listen), zap.Error(err))
	}

	srv := grpc.NewServer(grpc.MaxRecvMsgSize(*maxMsg), grpc.MaxSendMsgSize(*maxMsg))
	grpcstore.RegisterObjectStoreServer(srv, &grpcstore.Server{Store: fs, Logger: logger.Named("objectstore")})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.GracefulStop()
	}()

	logger.Info("object store serving", zap.String("addr", lis.Addr().String()), zap.String("root", *root))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
