package cidutil

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeCID_Deterministic(t *testing.T) {
	data := []byte("hello, storage credits")

	a, err := ComputeCID(data)
	require.NoError(t, err)
	b, err := ComputeCID(append([]byte(nil), data...))
	require.NoError(t, err)

	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, uint64(cid.Raw), a.Type())
}

func TestComputeCID_KnownRawLeaf(t *testing.T) {
	id, err := ComputeCID([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "bafkreifzjut3te2nhyekklss27nh3k72ysco7y32koao5eei66wof36n5e", id.String())
}

func TestComputeCID_DistinctInputs(t *testing.T) {
	a, err := ComputeCID([]byte("a"))
	require.NoError(t, err)
	b, err := ComputeCID([]byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, a.String(), b.String())
}

func TestComputeCID_EmptyBlob(t *testing.T) {
	id, err := ComputeCID(nil)
	require.NoError(t, err)

	leaf, err := RawLeaf([]byte{})
	require.NoError(t, err)
	assert.True(t, id.Equals(leaf))
}

// Anything up to one chunk is a single raw leaf, including sizes a smaller
// chunker would have split.
func TestComputeCID_OneChunkIsRawLeaf(t *testing.T) {
	for _, n := range []int{300 << 10, ChunkSize} {
		data := bytes.Repeat([]byte{0x5a}, n)
		id, err := ComputeCID(data)
		require.NoError(t, err)
		assert.Equal(t, uint64(cid.Raw), id.Type(), "size %d", n)
		assert.Equal(t, RawLeafString(data), id.String())
	}
}

func TestComputeCID_MultiChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, ChunkSize*2+17)

	l, err := ComputeFile("big.bin", data)
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.DagProtobuf), l.CID.Type())
	assert.Equal(t, uint64(1), l.CID.Version())
	// The root node's own bytes come on top of the three leaves.
	assert.Greater(t, l.Tsize, uint64(len(data)))

	again, err := ComputeCID(data)
	require.NoError(t, err)
	assert.True(t, l.CID.Equals(again))

	// Changing the last byte must change the root.
	data[len(data)-1] = 0xac
	changed, err := ComputeCID(data)
	require.NoError(t, err)
	assert.False(t, l.CID.Equals(changed))
}

func TestComputeDirectoryCID_SingleEntryMatchesFile(t *testing.T) {
	data := []byte("report contents")

	file, err := ComputeCID(data)
	require.NoError(t, err)
	dir, err := ComputeDirectoryCID(map[string][]byte{"report.txt": data})
	require.NoError(t, err)

	assert.Equal(t, file.String(), dir.String())
}

func TestComputeDirectoryCID_OrderIndependent(t *testing.T) {
	entries := []entry{
		{"a.txt", []byte("alpha")},
		{"b.txt", []byte("beta")},
		{"c.bin", bytes.Repeat([]byte{1}, ChunkSize+1)},
	}

	forward := map[string][]byte{}
	for _, e := range entries {
		forward[e.name] = e.data
	}
	a, err := ComputeDirectoryCID(forward)
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.DagProtobuf), a.Type())

	links := make([]Link, len(entries))
	for i, e := range entries {
		links[i], err = ComputeFile(e.name, e.data)
		require.NoError(t, err)
	}
	permutations := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {2, 0, 1}}
	for _, p := range permutations {
		ordered := []Link{links[p[0]], links[p[1]], links[p[2]]}
		b, err := Directory(ordered)
		require.NoError(t, err)
		assert.Equal(t, a.String(), b.String(), "order %v", p)
	}
	// Directory must not reorder the caller's slice.
	assert.Equal(t, "a.txt", links[0].Name)
}

// Canonical dag-pb: links sorted by name, each carrying its raw leaf and
// byte size, followed by UnixFS directory data.
func TestComputeDirectoryCID_KnownVector(t *testing.T) {
	id, err := ComputeDirectoryCID(map[string][]byte{"b.txt": []byte("beta"), "a.txt": []byte("alpha")})
	require.NoError(t, err)
	assert.Equal(t, "bafybeibxcoycwgpijt7dpfnkmoy6ikbjdqtrsljuoauatmohmlou3tb23a", id.String())
}

func TestDirectory_LinkSizesAreAddressed(t *testing.T) {
	a, err := ComputeFile("a", []byte("alpha"))
	require.NoError(t, err)
	b, err := ComputeFile("b", []byte("beta"))
	require.NoError(t, err)

	root, err := Directory([]Link{a, b})
	require.NoError(t, err)

	b.Tsize++
	other, err := Directory([]Link{a, b})
	require.NoError(t, err)
	assert.False(t, root.Equals(other))
}

func TestDirectory_Invalid(t *testing.T) {
	_, err := Directory(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	a, err := ComputeFile("same", []byte("1"))
	require.NoError(t, err)
	b, err := ComputeFile("same", []byte("2"))
	require.NoError(t, err)
	_, err = Directory([]Link{a, b})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = Directory([]Link{{Name: "x/y", CID: a.CID}})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestComputeDirectoryCID_NamesMatter(t *testing.T) {
	a, err := ComputeDirectoryCID(map[string][]byte{"x": []byte("1"), "y": []byte("2")})
	require.NoError(t, err)
	b, err := ComputeDirectoryCID(map[string][]byte{"x": []byte("2"), "y": []byte("1")})
	require.NoError(t, err)
	assert.NotEqual(t, a.String(), b.String())
}

func TestComputeDirectoryCID_Empty(t *testing.T) {
	_, err := ComputeDirectoryCID(map[string][]byte{})
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = ComputeDirectoryCID(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestComputeDirectoryCID_InvalidName(t *testing.T) {
	_, err := ComputeDirectoryCID(map[string][]byte{"ok": nil, "a/b": nil})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = ComputeDirectoryCID(map[string][]byte{"": []byte("x")})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestVerify(t *testing.T) {
	id, err := ComputeCID([]byte("payload"))
	require.NoError(t, err)

	assert.NoError(t, Verify(id.String(), id))
	assert.NoError(t, Verify("  "+id.String()+"\n", id))

	other, err := ComputeCID([]byte("other"))
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(other.String(), id), ErrCIDMismatch)
	assert.ErrorIs(t, Verify("not-a-cid", id), ErrCIDMismatch)
	assert.ErrorIs(t, Verify("", id), ErrCIDMismatch)
}

func TestRawLeafString(t *testing.T) {
	id, err := RawLeaf([]byte("leaf"))
	require.NoError(t, err)
	assert.Equal(t, id.String(), RawLeafString([]byte("leaf")))
}

type entry struct {
	name string
	data []byte
}
