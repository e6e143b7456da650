package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile_ReplacesAndKeepsMode(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "bin")
	require.NoError(t, os.WriteFile(name, []byte("old"), 0755))

	require.NoError(t, WriteFile(name, []byte("new contents")))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "new contents", string(data))

	st, err := os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), st.Mode().Perm())
	assertNoTempFiles(t, dir)
}

func TestClose_WithoutCommitLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "bin")
	require.NoError(t, os.WriteFile(name, []byte("old"), 0644))

	f, err := New(name)
	require.NoError(t, err)
	_, err = f.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	assertNoTempFiles(t, dir)
}

func TestCommit_AfterClose(t *testing.T) {
	f, err := New(filepath.Join(t.TempDir(), "x"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Error(t, f.Commit())
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files left behind")
}
