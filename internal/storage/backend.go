// Package storage defines the Backend interface the file dispatcher uses
// for filesystem effects.
package storage

import (
	"context"
	"io/fs"

	"github.com/wide-ide/wide/internal/sandbox"
)

// Backend performs filesystem primitives on sandbox-resolved paths.
// Implementations never see raw client input.
type Backend interface {
	// ReadFile returns the content of a regular file.
	ReadFile(ctx context.Context, p sandbox.Path) ([]byte, error)

	// WriteFile creates or replaces a file with data.
	WriteFile(ctx context.Context, p sandbox.Path, data []byte) error

	// Stat follows symlinks.
	Stat(ctx context.Context, p sandbox.Path) (fs.FileInfo, error)

	// ReadDir lists a directory's children in name order.
	ReadDir(ctx context.Context, p sandbox.Path) ([]fs.DirEntry, error)

	// StatChild stats a child returned by ReadDir, following symlinks and
	// falling back to the entry's own information when the target is gone.
	StatChild(ctx context.Context, dir sandbox.Path, entry fs.DirEntry) (fs.FileInfo, error)

	// Mkdir creates exactly one directory level.
	Mkdir(ctx context.Context, p sandbox.Path) error

	// Rename moves from to to.
	Rename(ctx context.Context, from, to sandbox.Path) error

	// Remove deletes a non-directory entry.
	Remove(ctx context.Context, p sandbox.Path) error

	// Type returns the backend type identifier.
	Type() string
}
