// Package cidutil derives content identifiers for uploaded blobs and directories.
//
// Identifiers follow the UnixFS layout ipfs-car produces: files are split into
// 1 MiB chunks stored as CIDv1 raw leaves, a file that fits in one chunk is
// addressed by its leaf, and larger files get a balanced dag-pb tree of up to
// 1024 links per node. A directory is a dag-pb node whose links are sorted by
// name, so the result never depends on the order callers supply entries.
package cidutil

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ipfs/boxo/blockservice"
	"github.com/ipfs/boxo/blockstore"
	chunker "github.com/ipfs/boxo/chunker"
	"github.com/ipfs/boxo/exchange/offline"
	"github.com/ipfs/boxo/ipld/merkledag"
	ft "github.com/ipfs/boxo/ipld/unixfs"
	"github.com/ipfs/boxo/ipld/unixfs/importer/balanced"
	ihelper "github.com/ipfs/boxo/ipld/unixfs/importer/helpers"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dsync "github.com/ipfs/go-datastore/sync"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/multiformats/go-multihash"
)

const (
	// ChunkSize is the leaf size of the file DAG.
	ChunkSize = 1 << 20
	// MaxLinks is the fan-out of interior file nodes.
	MaxLinks = 1024
)

var (
	ErrEmptyInput  = errors.New("cidutil: empty file set")
	ErrInvalidName = errors.New("cidutil: invalid entry name")
	ErrCIDMismatch = errors.New("cidutil: cid mismatch")
)

var builder = cid.V1Builder{Codec: cid.DagProtobuf, MhType: multihash.SHA2_256}

// Link is a named file root as it appears inside a directory node.
type Link struct {
	Name string
	CID  cid.Cid
	// Tsize is the encoded size of the whole DAG under CID.
	Tsize uint64
}

// RawLeaf returns the CIDv1 (raw + sha2-256) of data.
func RawLeaf(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// RawLeafString is RawLeaf rendered in the default multibase.
func RawLeafString(data []byte) string {
	id, err := RawLeaf(data)
	if err != nil {
		// multihash.Sum only fails for unknown codes or lengths.
		return ""
	}
	return id.String()
}

// ComputeCID returns the root CID of a single blob.
func ComputeCID(data []byte) (cid.Cid, error) {
	l, err := ComputeFile("", data)
	if err != nil {
		return cid.Undef, err
	}
	return l.CID, nil
}

// ComputeFile returns the root of one blob together with the size a
// directory link to it records.
func ComputeFile(name string, data []byte) (Link, error) {
	if len(data) <= ChunkSize {
		leaf, err := RawLeaf(data)
		if err != nil {
			return Link{}, err
		}
		return Link{Name: name, CID: leaf, Tsize: uint64(len(data))}, nil
	}

	bs := blockstore.NewBlockstore(dsync.MutexWrap(datastore.NewMapDatastore()))
	bsrv := blockservice.New(bs, offline.Exchange(bs))
	defer bsrv.Close()

	params := ihelper.DagBuilderParams{
		Dagserv:    merkledag.NewDAGService(bsrv),
		Maxlinks:   MaxLinks,
		RawLeaves:  true,
		CidBuilder: builder,
	}
	db, err := params.New(chunker.NewSizeSplitter(bytes.NewReader(data), ChunkSize))
	if err != nil {
		return Link{}, fmt.Errorf("file dag: %w", err)
	}
	root, err := balanced.Layout(db)
	if err != nil {
		return Link{}, fmt.Errorf("file dag: %w", err)
	}
	size, err := root.Size()
	if err != nil {
		return Link{}, err
	}
	return Link{Name: name, CID: root.Cid(), Tsize: size}, nil
}

// ComputeDirectoryCID returns the root CID of a named set of blobs.
// A single entry is addressed exactly like ComputeCID of its bytes.
func ComputeDirectoryCID(files map[string][]byte) (cid.Cid, error) {
	if len(files) == 0 {
		return cid.Undef, ErrEmptyInput
	}
	links := make([]Link, 0, len(files))
	for name, data := range files {
		if err := checkName(name); err != nil {
			return cid.Undef, err
		}
		l, err := ComputeFile(name, data)
		if err != nil {
			return cid.Undef, err
		}
		links = append(links, l)
	}
	return Directory(links)
}

// Directory builds the directory root over already computed file links.
// A single link is returned as is.
func Directory(links []Link) (cid.Cid, error) {
	switch len(links) {
	case 0:
		return cid.Undef, ErrEmptyInput
	case 1:
		if err := checkName(links[0].Name); err != nil {
			return cid.Undef, err
		}
		return links[0].CID, nil
	}

	sorted := append([]Link(nil), links...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	dir := ft.EmptyDirNode()
	if err := dir.SetCidBuilder(builder); err != nil {
		return cid.Undef, err
	}
	for i, l := range sorted {
		if err := checkName(l.Name); err != nil {
			return cid.Undef, err
		}
		if i > 0 && sorted[i-1].Name == l.Name {
			return cid.Undef, fmt.Errorf("%w: duplicate %q", ErrInvalidName, l.Name)
		}
		if err := dir.AddRawLink(l.Name, &ipld.Link{Name: l.Name, Size: l.Tsize, Cid: l.CID}); err != nil {
			return cid.Undef, err
		}
	}
	return dir.Cid(), nil
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return ErrInvalidName
	}
	return nil
}

// Verify reports ErrCIDMismatch unless declared decodes to computed.
// Any multibase encoding of the same CID is accepted.
func Verify(declared string, computed cid.Cid) error {
	got, err := cid.Decode(strings.TrimSpace(declared))
	if err != nil || !got.Defined() {
		return ErrCIDMismatch
	}
	if !got.Equals(computed) {
		return ErrCIDMismatch
	}
	return nil
}
