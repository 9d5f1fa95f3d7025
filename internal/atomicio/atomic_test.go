package atomicio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.txt")

	require.NoError(t, WriteFileAtomic(path, []byte("first")))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	// Overwrite replaces content and leaves no temp file behind.
	require.NoError(t, WriteFileAtomic(path, []byte("second")))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteLinesAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.txt")
	require.NoError(t, WriteLinesAtomic(path, []string{"BTCUSDT", "ETHUSDT"}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT\nETHUSDT\n", string(got))
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"rows": 3}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows": 3}`, string(got))
	assert.Equal(t, byte('\n'), got[len(got)-1])
}
