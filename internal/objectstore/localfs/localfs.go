package localfs

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	"github.com/punchamoorthee/storagecredits/internal/cidutil"
	"github.com/punchamoorthee/storagecredits/internal/objectstore"
)

var ErrImmutable = errors.New("localfs: object exists with different content")

// Store keeps blobs in a directory keyed by their raw sha2-256 CID.
// Objects are written once and never modified.
type Store struct {
	root string
}

var _ objectstore.Store = (*Store)(nil)

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Put(ctx context.Context, data []byte, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := cidutil.RawLeaf(data)
	if err != nil {
		return "", err
	}

	path := s.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			existing, _, rerr := s.Get(ctx, id.String())
			if rerr != nil || !bytes.Equal(existing, data) {
				return "", ErrImmutable
			}
			return id.String(), nil
		}
		return "", err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return id.String(), nil
}

func (s *Store) Get(ctx context.Context, rawID string) ([]byte, string, error) {
	id, err := cid.Decode(rawID)
	if err != nil || !id.Defined() {
		return nil, "", objectstore.ErrInvalidID
	}
	b, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", objectstore.ErrNotFound
		}
		return nil, "", err
	}
	got, err := cidutil.RawLeaf(b)
	if err != nil {
		return nil, "", err
	}
	if !got.Equals(id) {
		return nil, "", objectstore.ErrIntegrity
	}
	return b, http.DetectContentType(b), nil
}

func (s *Store) pathFor(id cid.Cid) string {
	str := id.String()
	if len(str) < 6 {
		return filepath.Join(s.root, str)
	}
	// The multibase and cid prefix are shared by every id; shard on what follows.
	return filepath.Join(s.root, str[len(str)-2:], str)
}
