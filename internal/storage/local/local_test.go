package local

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wide-ide/wide/internal/sandbox"
)

func resolve(t *testing.T, root, rel string) sandbox.Path {
	t.Helper()
	p, err := sandbox.Resolve(root, rel, sandbox.DefaultPolicy(), sandbox.Rule{})
	require.NoError(t, err)
	return p
}

func TestWriteAndReadFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b := New(Config{})

	p := resolve(t, root, "hello.txt")
	require.NoError(t, b.WriteFile(ctx, p, []byte("hello")))

	data, err := b.ReadFile(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// Overwrite keeps the existing permission bits.
	require.NoError(t, os.Chmod(p.Abs(), 0600))
	require.NoError(t, b.WriteFile(ctx, p, []byte("again")))
	info, err := os.Stat(p.Abs())
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, fs.FileMode(0600), info.Mode().Perm())
	}

	// No temp files are left behind.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteFileMissingParent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	err := New(Config{}).WriteFile(ctx, resolve(t, root, "a/b/c.txt"), []byte("x"))
	assert.Error(t, err)

	require.NoError(t, New(Config{CreateDirs: true}).WriteFile(ctx, resolve(t, root, "a/b/c.txt"), []byte("x")))
	data, err := os.ReadFile(filepath.Join(root, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestReadFileDirectory(t *testing.T) {
	root := t.TempDir()
	_, err := New(Config{}).ReadFile(context.Background(), resolve(t, root, ""))
	assert.True(t, errors.Is(err, ErrIsDirectory))
}

func TestMkdirRenameRemove(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b := New(Config{})

	dir := resolve(t, root, "sub")
	require.NoError(t, b.Mkdir(ctx, dir))
	assert.ErrorIs(t, b.Mkdir(ctx, dir), fs.ErrExist)
	assert.ErrorIs(t, b.Mkdir(ctx, resolve(t, root, "x/y")), fs.ErrNotExist)

	from := resolve(t, root, "sub/a.txt")
	to := resolve(t, root, "b.txt")
	require.NoError(t, b.WriteFile(ctx, from, []byte("a")))
	require.NoError(t, b.Rename(ctx, from, to))
	_, err := os.Stat(to.Abs())
	assert.NoError(t, err)

	require.NoError(t, b.Remove(ctx, to))
	assert.ErrorIs(t, b.Remove(ctx, to), fs.ErrNotExist)
	assert.ErrorIs(t, b.Remove(ctx, dir), ErrIsDirectory)
}

func TestReadDirAndStatChild(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b := New(Config{})

	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("bb"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "c"), 0755))
	if runtime.GOOS != "windows" {
		require.NoError(t, os.Symlink(filepath.Join(root, "gone"), filepath.Join(root, "dangling")))
	}

	dir := resolve(t, root, "")
	entries, err := b.ReadDir(ctx, dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
		_, err := b.StatChild(ctx, dir, e)
		assert.NoError(t, err, e.Name())
	}
	if runtime.GOOS != "windows" {
		assert.Equal(t, []string{"a.txt", "b.txt", "c", "dangling"}, names)
	}
}
