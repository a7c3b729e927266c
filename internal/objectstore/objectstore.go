// Package objectstore defines the blob store that admitted uploads are
// forwarded to. Durability is the backend's concern.
package objectstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("objectstore: not found")
	ErrInvalidID = errors.New("objectstore: invalid object id")
	// ErrIntegrity is returned when stored bytes no longer hash to their id.
	ErrIntegrity = errors.New("objectstore: content does not match id")
)

type Store interface {
	// Put stores data and returns the backend's identifier for it.
	Put(ctx context.Context, data []byte, filename string) (string, error)
	// Get returns the bytes and content type stored under id.
	Get(ctx context.Context, id string) ([]byte, string, error)
}
