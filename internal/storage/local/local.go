// Package local provides the local filesystem storage backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/wide-ide/wide/internal/sandbox"
)

// ErrIsDirectory is returned when a file primitive is given a directory.
var ErrIsDirectory = errors.New("is a directory")

// Config holds local filesystem backend settings.
type Config struct {
	// CreateDirs makes WriteFile create missing parent directories.
	CreateDirs bool `json:"create_dirs"`
}

// LocalBackend implements storage.Backend on the host filesystem.
type LocalBackend struct {
	createDirs bool
}

// New creates a new local filesystem backend.
func New(cfg Config) *LocalBackend {
	return &LocalBackend{createDirs: cfg.CreateDirs}
}

// ReadFile reads a regular file.
func (b *LocalBackend) ReadFile(_ context.Context, p sandbox.Path) ([]byte, error) {
	info, err := os.Stat(p.Abs())
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p.Rel(), err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read %s: %w", p.Rel(), ErrIsDirectory)
	}
	data, err := os.ReadFile(p.Abs())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Rel(), err)
	}
	return data, nil
}

// WriteFile writes content atomically via a temp file in the target
// directory. An existing file keeps its permission bits.
func (b *LocalBackend) WriteFile(_ context.Context, p sandbox.Path, data []byte) error {
	path := p.Abs()
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", p.Rel(), err)
		}
	}

	mode := fs.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return fmt.Errorf("write %s: %w", p.Rel(), ErrIsDirectory)
		}
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, ".wide-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", p.Rel(), err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", p.Rel(), err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp for %s: %w", p.Rel(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", p.Rel(), err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", p.Rel(), err)
	}
	return nil
}

// Stat stats a path, following symlinks.
func (b *LocalBackend) Stat(_ context.Context, p sandbox.Path) (fs.FileInfo, error) {
	return os.Stat(p.Abs())
}

// ReadDir lists a directory in name order.
func (b *LocalBackend) ReadDir(_ context.Context, p sandbox.Path) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(p.Abs())
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", p.Rel(), err)
	}
	return entries, nil
}

// StatChild stats a directory child. Dangling symlinks report the link
// itself instead of failing the listing.
func (b *LocalBackend) StatChild(_ context.Context, dir sandbox.Path, entry fs.DirEntry) (fs.FileInfo, error) {
	info, err := os.Stat(filepath.Join(dir.Abs(), entry.Name()))
	if err == nil {
		return info, nil
	}
	return entry.Info()
}

// Mkdir creates one directory level.
func (b *LocalBackend) Mkdir(_ context.Context, p sandbox.Path) error {
	if err := os.Mkdir(p.Abs(), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", p.Rel(), err)
	}
	return nil
}

// Rename moves a file or directory.
func (b *LocalBackend) Rename(_ context.Context, from, to sandbox.Path) error {
	if err := os.Rename(from.Abs(), to.Abs()); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", from.Rel(), to.Rel(), err)
	}
	return nil
}

// Remove unlinks a file. Directories are refused.
func (b *LocalBackend) Remove(_ context.Context, p sandbox.Path) error {
	info, err := os.Lstat(p.Abs())
	if err != nil {
		return fmt.Errorf("delete %s: %w", p.Rel(), err)
	}
	if info.IsDir() {
		return fmt.Errorf("delete %s: %w", p.Rel(), ErrIsDirectory)
	}
	if err := os.Remove(p.Abs()); err != nil {
		return fmt.Errorf("delete %s: %w", p.Rel(), err)
	}
	return nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }
