package grpcstore

import (
	"context"
	"errors"

	"github.com/punchamoorthee/storagecredits/internal/objectstore"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server exposes any objectstore.Store over the ObjectStore service.
type Server struct {
	UnimplementedObjectStoreServer
	Store  objectstore.Store
	Logger *zap.Logger
}

func (s *Server) Put(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing object store")
	}
	var filename string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(filenameKey); len(v) > 0 {
			filename = v[0]
		}
	}

	id, err := s.Store.Put(ctx, in.GetValue(), filename)
	if err != nil {
		s.log().Error("put failed", zap.String("filename", filename), zap.Error(err))
		return nil, mapErr(err)
	}
	return wrapperspb.String(id), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing object store")
	}
	b, contentType, err := s.Store.Get(ctx, in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	if err := grpc.SetHeader(ctx, metadata.Pairs(contentTypeHeader, contentType)); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, objectstore.ErrInvalidID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, objectstore.ErrIntegrity):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
