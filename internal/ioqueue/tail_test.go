package ioqueue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTailMissingFileIsEmpty(t *testing.T) {
	res, err := Tail(t.TempDir(), "no-such-workflow", 0)
	require.NoError(t, err)
	require.True(t, res.Empty)
	require.Equal(t, int64(0), res.Offset)
}

func TestTailReturnsNewBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf1.log")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	res, err := Tail(dir, "wf1", 0)
	require.NoError(t, err)
	require.False(t, res.Empty)
	require.Equal(t, "hello world", string(res.Content))
	require.Equal(t, int64(11), res.Offset)

	res, err = Tail(dir, "wf1", res.Offset)
	require.NoError(t, err)
	require.True(t, res.Empty)
}

func TestTailNegativeOffsetClampedToZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf2.log")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	res, err := Tail(dir, "wf2", -5)
	require.NoError(t, err)
	require.Equal(t, "abc", string(res.Content))
}
