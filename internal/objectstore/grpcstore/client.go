package grpcstore

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/storagecredits/internal/objectstore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is an objectstore.Store backed by a remote ObjectStore service.
type Client struct {
	cc     *grpc.ClientConn
	client ObjectStoreClient
}

var _ objectstore.Store = (*Client)(nil)

type DialOptions struct {
	Timeout time.Duration
	// MaxMsgBytes bounds both directions; uploads larger than this fail.
	MaxMsgBytes int
}

func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
			grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
		))
	}

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return NewClient(cc), nil
}

func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc, client: NewObjectStoreClient(cc)}
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) Put(ctx context.Context, data []byte, filename string) (string, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, filenameKey, filename)
	reply, err := c.client.Put(ctx, wrapperspb.Bytes(data))
	if err != nil {
		return "", mapRPC(err)
	}
	if reply.GetValue() == "" {
		return "", errors.New("grpcstore: empty object id")
	}
	return reply.GetValue(), nil
}

func (c *Client) Get(ctx context.Context, id string) ([]byte, string, error) {
	var header metadata.MD
	reply, err := c.client.Get(ctx, wrapperspb.String(id), grpc.Header(&header))
	if err != nil {
		return nil, "", mapRPC(err)
	}
	contentType := "application/octet-stream"
	if v := header.Get(contentTypeHeader); len(v) > 0 && v[0] != "" {
		contentType = v[0]
	}
	return reply.GetValue(), contentType, nil
}

func mapRPC(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return objectstore.ErrNotFound
	case codes.InvalidArgument:
		return objectstore.ErrInvalidID
	case codes.DataLoss:
		return objectstore.ErrIntegrity
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	default:
		return err
	}
}
