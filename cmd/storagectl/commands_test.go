package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/punchamoorthee/storagecredits/internal/cidutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCIDCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("beta"), 0o644))

	got, err := execute(t, "cid", filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, cidutil.RawLeafString([]byte("alpha")), got)

	want, err := cidutil.ComputeDirectoryCID(map[string][]byte{"a.txt": []byte("alpha"), "b.txt": []byte("beta")})
	require.NoError(t, err)
	got, err = execute(t, "cid", dir)
	require.NoError(t, err)
	assert.Equal(t, want.String(), got)
}

func TestDepositTxCommand(t *testing.T) {
	t.Setenv("PAYMENTS_CONTRACT", "0x000000000000000000000000000000000000cafe")

	got, err := execute(t, "deposit-tx", "--token", "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "--amount", "1000000")
	require.NoError(t, err)
	assert.Contains(t, got, `"value": "0x0"`)

	_, err = execute(t, "deposit-tx", "--token", "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "--amount", "lots")
	assert.Error(t, err)
}
